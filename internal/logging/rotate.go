package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes is the size at which a day's log file rolls over.
const DefaultMaxBytes int64 = 300 * 1024 * 1024

// Rotator is an io.WriteCloser that splits output per UTC day and by size.
//
// For a base path of logs/chatd.log the files are logs/chatd-2026-01-02.log,
// logs/chatd-2026-01-02-2.log and so on. The base path itself is kept as a
// symlink to whichever file is currently written.
type Rotator struct {
	base     string
	maxBytes int64
	keep     int

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	bytes int64
	now   func() time.Time
}

// Option customises a Rotator.
type Option func(*Rotator)

// WithRetention keeps at most n rotated files next to the base path. Zero keeps everything.
func WithRetention(n int) Option {
	return func(r *Rotator) { r.keep = n }
}

func withClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// Open returns a writer for path. A path of "-" or "" discards output.
func Open(path string, maxBytes int64, opts ...Option) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return discard{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	r := &Rotator{base: path, maxBytes: maxBytes, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.roll(0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Current reports the file currently being written.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Rotator) roll(incoming int64) error {
	day := r.now().UTC().Format("2006-01-02")
	switch {
	case r.file == nil || r.day != day:
		r.day, r.seq = day, 1
	case r.bytes > 0 && r.bytes+incoming > r.maxBytes:
		r.seq++
	default:
		return nil
	}
	return r.reopen()
}

func (r *Rotator) reopen() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	dir := filepath.Dir(r.base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create dir: %w", err)
	}
	target := r.filename()
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", target, err)
	}
	r.file = f
	r.bytes = 0
	if st, err := f.Stat(); err == nil {
		r.bytes = st.Size()
	}
	r.link(target)
	r.prune()
	return nil
}

func (r *Rotator) stem() (dir, prefix, ext string) {
	dir = filepath.Dir(r.base)
	name := filepath.Base(r.base)
	ext = filepath.Ext(name)
	prefix = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, prefix, ext
}

func (r *Rotator) filename() string {
	dir, prefix, ext := r.stem()
	if r.seq > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", prefix, r.day, r.seq, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, r.day, ext))
}

// link points the base path at target, falling back to a plain text note
// on filesystems without symlinks.
func (r *Rotator) link(target string) {
	if dest, err := os.Readlink(r.base); err == nil && dest == target {
		return
	}
	_ = os.Remove(r.base)
	if err := os.Symlink(target, r.base); err == nil {
		return
	}
	_ = os.WriteFile(r.base, []byte("current log file: "+target+"\n"), 0o644)
}

func (r *Rotator) prune() {
	if r.keep <= 0 {
		return
	}
	dir, prefix, ext := r.stem()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*"+ext))
	if err != nil {
		return
	}
	current := r.file.Name()
	type entry struct {
		path string
		mod  time.Time
	}
	var old []entry
	for _, m := range matches {
		if m == current {
			continue
		}
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		old = append(old, entry{m, st.ModTime()})
	}
	excess := len(old) - (r.keep - 1)
	if excess <= 0 {
		return
	}
	sort.Slice(old, func(i, j int) bool {
		if !old[i].mod.Equal(old[j].mod) {
			return old[i].mod.Before(old[j].mod)
		}
		return old[i].path < old[j].path
	})
	for _, e := range old[:excess] {
		_ = os.Remove(e.path)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
