package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "chatd.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
	return tmp
}

func TestLoadLayering(t *testing.T) {
	setting := "environment=dev\nlog_file=/tmp/base.log\nlog_level=debug\ndefault_model=gpt-4o\n"
	env := strings.Join([]string{
		"[server]",
		"http_address=:9090",
		"log_file=/tmp/env.log",
		"[store]",
		"store_driver=bolt",
		"store_path=/tmp/chat.bolt",
		"[generation]",
		"generation_timeout=90s",
		"model_routes=claude-sonnet-4-20250514=anthropic, gpt-4o => openai",
		"custom_headers=X-Team=chat,X-Env=dev",
		"auth_secret=ini-secret",
		"[hooks]",
		"hook_script=/opt/chat-hook.sh",
		"hook_args=--json --quiet",
	}, "\n")
	root := writeConfig(t, setting, env)
	t.Setenv("TOKLIGENCE_CHAT_AUTH_SECRET", "env-secret")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("env file should override settings, got %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Fatalf("unexpected default model %s", cfg.DefaultModel)
	}
	if cfg.Store.Driver != "bolt" || cfg.Store.Path != "/tmp/chat.bolt" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.GenerationTimeout != 90*time.Second {
		t.Fatalf("unexpected generation timeout %s", cfg.GenerationTimeout)
	}
	if cfg.Auth.Secret != "env-secret" {
		t.Fatalf("environment should win, got %s", cfg.Auth.Secret)
	}
	if len(cfg.ModelRoutes) != 2 || cfg.ModelRoutes[1].Pattern != "gpt-4o" || cfg.ModelRoutes[1].Target != "openai" {
		t.Fatalf("unexpected routes %+v", cfg.ModelRoutes)
	}
	if cfg.Providers.CustomHeaders["X-Team"] != "chat" {
		t.Fatalf("unexpected headers %+v", cfg.Providers.CustomHeaders)
	}
	if cfg.Hooks.Script != "/opt/chat-hook.sh" || len(cfg.Hooks.Args) != 2 || cfg.Hooks.Timeout != 10*time.Second {
		t.Fatalf("unexpected hooks %+v", cfg.Hooks)
	}
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.DefaultModel != DefaultModel {
		t.Fatalf("unexpected default model %s", cfg.DefaultModel)
	}
	if cfg.GenerationTimeout != 0 {
		t.Fatalf("generation watchdog must be off by default, got %s", cfg.GenerationTimeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected store driver %s", cfg.Store.Driver)
	}
	if !cfg.Auth.AllowRawUserID || len(cfg.Auth.AllowedUsers) == 0 {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	if !cfg.Providers.LoopbackEnabled {
		t.Fatalf("loopback should default on in dev")
	}
}

func TestLoadVendorEnvFallback(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("GOOGLE_AI_API_KEY", "g-key")
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.AnthropicAPIKey != "sk-ant" || cfg.Providers.GeminiAPIKey != "g-key" {
		t.Fatalf("unexpected provider keys %+v", cfg.Providers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"duration": "generation_timeout=soon\n",
		"int":      "persist_workers=many\n",
		"driver":   "store_driver=mongo\n",
		"postgres": "store_driver=postgres\n",
		"headers":  "custom_headers=broken\n",
		"negative": "generation_timeout=-1s\n",
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			root := writeConfig(t, "environment=dev\n", env)
			if _, err := Load(root); err == nil {
				t.Fatalf("expected error for %q", env)
			}
		})
	}
}

func TestParseRouteList(t *testing.T) {
	rules := parseRouteList("a=openai;b => Anthropic\n# comment\nbad")
	if len(rules) != 2 {
		t.Fatalf("unexpected rules %+v", rules)
	}
	if rules[1].Target != "anthropic" {
		t.Fatalf("targets should be lower-cased: %+v", rules[1])
	}
}
