package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Level orders log verbosity. Lower is chattier.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger wraps a *log.Logger and drops lines below its level.
type Logger struct {
	base  *log.Logger
	level Level
}

// New creates a Logger writing to w with the given component prefix.
func New(w io.Writer, prefix string, level Level) *Logger {
	return Wrap(log.New(w, prefix, log.LstdFlags|log.Lmicroseconds), level)
}

// Wrap adapts an existing standard logger. A nil logger writes to log.Default().
func Wrap(l *log.Logger, level Level) *Logger {
	if l == nil {
		l = log.Default()
	}
	return &Logger{base: l, level: level}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{base: log.New(io.Discard, "", 0), level: LevelError + 1}
}

// With returns a child logger whose prefix is extended by name.
func (l *Logger) With(name string) *Logger {
	return &Logger{
		base:  log.New(l.base.Writer(), l.base.Prefix()+name+" ", l.base.Flags()),
		level: l.level,
	}
}

// Std exposes the underlying standard logger for APIs that want one.
func (l *Logger) Std() *log.Logger { return l.base }

func (l *Logger) Enabled(level Level) bool { return level >= l.level }

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || !l.Enabled(level) {
		return
	}
	_ = l.base.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}
