package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/tokligence/tokligence-chat/internal/config"
)

// ScriptConfig describes the executable run for each event. The event is
// written to its stdin as one JSON object.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// FromSettings returns the script configuration, or false when no script
// is configured.
func FromSettings(cfg config.HooksConfig) (ScriptConfig, bool) {
	if cfg.Script == "" {
		return ScriptConfig{}, false
	}
	return ScriptConfig{Command: cfg.Script, Args: cfg.Args, Timeout: cfg.Timeout}, true
}

// NewScriptHandler pipes each event to cfg.Command.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parent context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parent
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, key+"="+val)
			}
			cmd.Env = env
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("hooks: %s failed: %w: %s", cfg.Command, err, truncate(out, 200))
		}
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
