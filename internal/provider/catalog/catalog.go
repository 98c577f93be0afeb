// Package catalog keeps provider credentials, the user's model selection and
// cached model lists in a YAML state file, and rebuilds the provider router
// whenever that configuration changes.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/provider/loopback"
	"github.com/tokligence/tokligence-chat/internal/provider/modelmeta"
	"github.com/tokligence/tokligence-chat/internal/provider/router"
)

// ValidationError is returned for rejected user input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Custom describes an OpenAI-compatible endpoint configured by the user.
type Custom struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	ModelID   string `yaml:"model_id"`
	ModelName string `yaml:"model_name"`
	Headers   string `yaml:"headers,omitempty"` // JSON object
}

// HeaderMap decodes the stored JSON headers.
func (c *Custom) HeaderMap() (map[string]string, error) {
	if c == nil || strings.TrimSpace(c.Headers) == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(c.Headers), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type cachedModels struct {
	Models      []provider.Model `yaml:"models"`
	LastFetched time.Time        `yaml:"last_fetched"`
}

type state struct {
	Keys             map[provider.Type]string        `yaml:"keys,omitempty"`
	Custom           *Custom                         `yaml:"custom,omitempty"`
	SelectedProvider provider.Type                   `yaml:"selected_provider,omitempty"`
	SelectedModelID  string                          `yaml:"selected_model_id,omitempty"`
	Models           map[provider.Type]*cachedModels `yaml:"models,omitempty"`
}

func (s *state) empty() bool {
	return len(s.Keys) == 0 && s.Custom == nil && s.SelectedProvider == "" && s.SelectedModelID == "" && len(s.Models) == 0
}

// Status reports whether a standard provider has credentials.
type Status struct {
	Provider     provider.Type `json:"provider"`
	IsConfigured bool          `json:"isConfigured"`
	DisplayName  string        `json:"displayName"`
}

// CustomStatus is the non-secret view of the custom provider.
type CustomStatus struct {
	BaseURL          string `json:"baseUrl"`
	ModelID          string `json:"modelId"`
	ModelName        string `json:"modelName"`
	IsConfigured     bool   `json:"isConfigured"`
	HasCustomHeaders bool   `json:"hasCustomHeaders"`
}

// Options configures a Catalog.
type Options struct {
	Path         string
	Settings     config.ProviderConfig
	Routes       []config.RouteRule
	DefaultModel string
	Factory      Factory
	Meta         *modelmeta.Table // optional limits for listings without them
	Logger       *logging.Logger
	Clock        func() time.Time
}

// Catalog owns the provider state file and the live router built from it.
type Catalog struct {
	mu           sync.RWMutex
	path         string
	settings     config.ProviderConfig
	routes       []config.RouteRule
	defaultModel string
	factory      Factory
	meta         *modelmeta.Table
	logger       *logging.Logger
	now          func() time.Time

	state  state
	router *router.Router
}

// Open loads the state file, seeding it from settings when it is missing or
// empty, and builds the initial router.
func Open(opts Options) (*Catalog, error) {
	c := &Catalog{
		path:         opts.Path,
		settings:     opts.Settings,
		routes:       opts.Routes,
		defaultModel: opts.DefaultModel,
		factory:      opts.Factory,
		meta:         opts.Meta,
		logger:       opts.Logger,
		now:          opts.Clock,
	}
	if c.factory == nil {
		c.factory = DefaultFactory(opts.Settings)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.now == nil {
		c.now = time.Now
	}
	st, err := readState(c.path)
	if err != nil {
		return nil, err
	}
	if st.empty() {
		st = seedState(opts.Settings)
		if !st.empty() {
			if err := writeState(c.path, st); err != nil {
				return nil, err
			}
		}
	}
	c.state = st
	c.rebuildLocked()
	return c, nil
}

func seedState(s config.ProviderConfig) state {
	st := state{Keys: map[provider.Type]string{}}
	for t, key := range map[provider.Type]string{
		provider.TypeAnthropic: s.AnthropicAPIKey,
		provider.TypeOpenAI:    s.OpenAIAPIKey,
		provider.TypeGemini:    s.GeminiAPIKey,
	} {
		if key = strings.TrimSpace(key); key != "" {
			st.Keys[t] = key
		}
	}
	if s.CustomBaseURL != "" && s.CustomModelID != "" {
		custom := &Custom{
			BaseURL:   s.CustomBaseURL,
			APIKey:    s.CustomAPIKey,
			ModelID:   s.CustomModelID,
			ModelName: firstNonEmpty(s.CustomModelName, s.CustomModelID),
		}
		if len(s.CustomHeaders) > 0 {
			raw, _ := json.Marshal(s.CustomHeaders)
			custom.Headers = string(raw)
		}
		st.Custom = custom
	}
	if t, err := provider.ParseType(strings.TrimSpace(s.DefaultProvider)); err == nil && t != provider.TypeLoopback {
		if _, ok := st.Keys[t]; ok || (t == provider.TypeCustom && st.Custom != nil) {
			st.SelectedProvider = t
		}
	}
	return st
}

func readState(path string) (state, error) {
	var st state
	if path == "" {
		return st, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return st, nil
}

func writeState(path string, st state) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("catalog: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("catalog: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("catalog: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("catalog: replace %s: %w", path, err)
	}
	return nil
}

// commitLocked persists the state and rebuilds the router.
func (c *Catalog) commitLocked() error {
	if err := writeState(c.path, c.state); err != nil {
		return err
	}
	c.rebuildLocked()
	return nil
}

func parseStandard(name string) (provider.Type, error) {
	t, err := provider.ParseType(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || t == provider.TypeLoopback {
		return "", invalid("Invalid provider. Must be anthropic, openai, gemini, or custom")
	}
	return t, nil
}

// SetAPIKey stores the key for a standard provider.
func (c *Catalog) SetAPIKey(name, key string) (provider.Type, error) {
	t, err := parseStandard(name)
	if err != nil {
		return "", err
	}
	if t == provider.TypeCustom {
		return "", invalid("Base URL is required for custom provider")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", invalid("API key is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Keys == nil {
		c.state.Keys = map[provider.Type]string{}
	}
	c.state.Keys[t] = key
	delete(c.state.Models, t)
	return t, c.commitLocked()
}

// SetCustom validates and stores the custom provider configuration.
func (c *Catalog) SetCustom(in Custom) error {
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	in.APIKey = strings.TrimSpace(in.APIKey)
	in.ModelID = strings.TrimSpace(in.ModelID)
	in.ModelName = strings.TrimSpace(in.ModelName)
	switch {
	case in.APIKey == "":
		return invalid("API key is required")
	case in.BaseURL == "":
		return invalid("Base URL is required for custom provider")
	case in.ModelID == "":
		return invalid("Model ID is required for custom provider")
	case in.ModelName == "":
		return invalid("Model name is required for custom provider")
	}
	if u, err := url.Parse(in.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("Invalid base URL format")
	}
	if strings.TrimSpace(in.Headers) != "" {
		if _, err := in.HeaderMap(); err != nil {
			return invalid("Custom headers must be valid JSON")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Custom = &in
	return c.commitLocked()
}

// DeleteProvider removes stored configuration for a provider.
func (c *Catalog) DeleteProvider(name string) (provider.Type, error) {
	t, err := parseStandard(name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == provider.TypeCustom {
		c.state.Custom = nil
	} else {
		delete(c.state.Keys, t)
		delete(c.state.Models, t)
	}
	return t, c.commitLocked()
}

// SetSelection records the provider and model the user picked.
func (c *Catalog) SetSelection(name, modelID string) error {
	modelID = strings.TrimSpace(modelID)
	if strings.TrimSpace(name) == "" || modelID == "" {
		return invalid("Provider and modelId are required")
	}
	t, err := provider.ParseType(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return invalid("Invalid provider. Must be anthropic, openai, gemini, or custom")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SelectedProvider = t
	c.state.SelectedModelID = modelID
	return c.commitLocked()
}

// Selection returns the stored provider and model selection.
func (c *Catalog) Selection() (provider.Type, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.SelectedProvider, c.state.SelectedModelID
}

// Statuses reports the standard providers and the custom provider, if any.
func (c *Catalog) Statuses() ([]Status, *CustomStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(provider.Standard))
	for _, t := range provider.Standard {
		_, ok := c.state.Keys[t]
		out = append(out, Status{Provider: t, IsConfigured: ok, DisplayName: t.DisplayName()})
	}
	var custom *CustomStatus
	if cp := c.state.Custom; cp != nil {
		custom = &CustomStatus{
			BaseURL:          cp.BaseURL,
			ModelID:          cp.ModelID,
			ModelName:        cp.ModelName,
			IsConfigured:     true,
			HasCustomHeaders: strings.TrimSpace(cp.Headers) != "",
		}
	}
	return out, custom
}

// Configured lists providers that can serve requests, in display order.
func (c *Catalog) Configured() []provider.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configuredLocked()
}

func (c *Catalog) configuredLocked() []provider.Type {
	var out []provider.Type
	for _, t := range provider.Standard {
		if _, ok := c.state.Keys[t]; ok {
			out = append(out, t)
		}
	}
	if c.state.Custom != nil {
		out = append(out, provider.TypeCustom)
	}
	if c.settings.LoopbackEnabled {
		out = append(out, provider.TypeLoopback)
	}
	return out
}

// Resolve returns the provider serving model.
func (c *Catalog) Resolve(model string) (provider.Provider, error) {
	c.mu.RLock()
	r := c.router
	c.mu.RUnlock()
	return r.Resolve(model)
}

// Router returns the current router. It is replaced on every configuration change.
func (c *Catalog) Router() *router.Router {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router
}

// builtinRules route well-known model families when no cached list or
// configured rule claims a model.
var builtinRules = []router.Rule{
	{Pattern: "claude*", Provider: provider.TypeAnthropic},
	{Pattern: "gpt-*", Provider: provider.TypeOpenAI},
	{Pattern: "chatgpt*", Provider: provider.TypeOpenAI},
	{Pattern: "o1*", Provider: provider.TypeOpenAI},
	{Pattern: "o3*", Provider: provider.TypeOpenAI},
	{Pattern: "o4*", Provider: provider.TypeOpenAI},
	{Pattern: "gemini*", Provider: provider.TypeGemini},
}

func (c *Catalog) rebuildLocked() {
	r := router.New()
	for _, t := range c.configuredLocked() {
		p, err := c.build(t)
		if err != nil {
			c.logger.Warnf("provider %s unavailable: %v", t, err)
			continue
		}
		if err := r.Register(p); err != nil {
			c.logger.Warnf("register %s: %v", t, err)
		}
	}
	if c.state.Custom != nil {
		_ = r.RegisterModel(c.state.Custom.ModelID, provider.TypeCustom)
	}
	if c.settings.LoopbackEnabled {
		_ = r.RegisterModel(loopback.ModelID, provider.TypeLoopback)
	}
	for t, cached := range c.state.Models {
		for _, m := range cached.Models {
			_ = r.RegisterModel(m.ID, t)
		}
	}
	for _, rule := range c.routes {
		if err := r.AddRule(rule.Pattern, provider.Type(rule.Target)); err != nil {
			c.logger.Warnf("route %s=%s ignored: %v", rule.Pattern, rule.Target, err)
		}
	}
	for _, rule := range builtinRules {
		_ = r.AddRule(rule.Pattern, rule.Provider)
	}
	r.SetFallback(c.fallbackLocked())
	c.router = r
}

func (c *Catalog) fallbackLocked() provider.Type {
	configured := c.configuredLocked()
	has := func(t provider.Type) bool {
		for _, x := range configured {
			if x == t {
				return true
			}
		}
		return false
	}
	if t := c.state.SelectedProvider; t != "" && has(t) {
		return t
	}
	if t, err := provider.ParseType(strings.TrimSpace(c.settings.DefaultProvider)); err == nil && has(t) {
		return t
	}
	return ""
}

func (c *Catalog) build(t provider.Type) (provider.Provider, error) {
	return c.factory(t, c.state.Keys[t], c.state.Custom)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
