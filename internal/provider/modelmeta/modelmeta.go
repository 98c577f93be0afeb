// Package modelmeta holds per-model token limits that vendor listings do not
// always report.
package modelmeta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/provider"
)

// Entry describes the limits of one model.
type Entry struct {
	Model            string `yaml:"model" json:"model"`
	Provider         string `yaml:"provider,omitempty" json:"provider,omitempty"`
	ContextTokens    int    `yaml:"context_tokens,omitempty" json:"context_tokens,omitempty"`
	MaxCompletionCap int    `yaml:"max_completion_cap,omitempty" json:"max_completion_cap,omitempty"`
}

// Table is a concurrency-safe lookup keyed by lower-cased model id.
// A nil *Table knows nothing.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
	source  string
	client  *http.Client
	logger  *logging.Logger
}

// NewTable returns an empty table.
func NewTable(logger *logging.Logger) *Table {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Table{entries: make(map[string]Entry), client: http.DefaultClient, logger: logger}
}

// Lookup returns the entry for model.
func (t *Table) Lookup(model string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[strings.ToLower(strings.TrimSpace(model))]
	return e, ok
}

// Len reports how many models are known.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Annotate fills MaxTokens on models whose listing left it empty. It
// prefers the completion cap over the context window.
func (t *Table) Annotate(models []provider.Model) {
	for i := range models {
		if models[i].MaxTokens > 0 {
			continue
		}
		e, ok := t.Lookup(models[i].ID)
		if !ok {
			continue
		}
		if e.MaxCompletionCap > 0 {
			models[i].MaxTokens = e.MaxCompletionCap
		} else {
			models[i].MaxTokens = e.ContextTokens
		}
	}
}

// Load replaces the table with the entries in path. The file is a YAML or
// JSON list of entries.
func (t *Table) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("modelmeta: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return t.parse(b, path)
}

// Fetch replaces the table with the entries served at url.
func (t *Table) Fetch(ctx context.Context, url string) (int, error) {
	if strings.TrimSpace(url) == "" {
		return 0, errors.New("modelmeta: empty url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("modelmeta: fetch %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, err
	}
	return t.parse(body, url)
}

func (t *Table) parse(b []byte, src string) (int, error) {
	var entries []Entry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return 0, fmt.Errorf("modelmeta: parse %s: %w", src, err)
	}
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		model := strings.ToLower(strings.TrimSpace(e.Model))
		if model == "" {
			continue
		}
		m[model] = e
	}
	t.mu.Lock()
	t.entries = m
	t.source = src
	t.mu.Unlock()
	return len(m), nil
}

// Source names where the current entries came from.
func (t *Table) Source() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.source
}

// LoaderConfig controls where Run reads from.
type LoaderConfig struct {
	LocalPath       string
	RemoteURL       string
	RefreshInterval time.Duration
}

// Run loads the table once and then reloads it every RefreshInterval until
// ctx ends. The remote URL is tried first; the local file is the fallback.
func (t *Table) Run(ctx context.Context, cfg LoaderConfig) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	t.reload(ctx, cfg)
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reload(ctx, cfg)
		}
	}
}

func (t *Table) reload(ctx context.Context, cfg LoaderConfig) {
	if cfg.RemoteURL != "" {
		n, err := t.Fetch(ctx, cfg.RemoteURL)
		if err == nil {
			t.logger.Debugf("loaded %d model entries from %s", n, cfg.RemoteURL)
			return
		}
		t.logger.Warnf("remote fetch failed (%s): %v", cfg.RemoteURL, err)
	}
	if cfg.LocalPath != "" {
		n, err := t.Load(cfg.LocalPath)
		if err != nil {
			t.logger.Warnf("local load failed (%s): %v", cfg.LocalPath, err)
			return
		}
		t.logger.Debugf("loaded %d model entries from %s", n, cfg.LocalPath)
	}
}
