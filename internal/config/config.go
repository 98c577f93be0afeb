package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatd.ini"

	// DefaultModel is used when neither the request nor the conversation names one.
	DefaultModel = "claude-sonnet-4-20250514"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RouteRule captures an ordered model => provider mapping while preserving declaration order.
type RouteRule struct {
	Pattern string
	Target  string
}

// StoreConfig selects and tunes the durable conversation store.
type StoreConfig struct {
	Driver          string // sqlite|postgres|bolt|memory
	Path            string
	DSN             string
	PostgresDriver  string // pgx|postgres
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PurgeAfter      time.Duration // postgres only; 0 keeps soft-deleted rows forever
}

// PersistConfig controls the write-behind persister in front of the store.
type PersistConfig struct {
	Async         bool
	BufferSize    int
	Workers       int
	FlushInterval time.Duration
}

// ProviderConfig holds vendor credentials and endpoints seeded into the provider catalog.
type ProviderConfig struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicVersion string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	GeminiAPIKey     string
	GeminiBaseURL    string
	CustomBaseURL    string
	CustomAPIKey     string
	CustomModelID    string
	CustomModelName  string
	CustomHeaders    map[string]string
	DefaultProvider  string
	LoopbackEnabled  bool
	StateFile        string
}

// AuthConfig describes how requests are tied to a user.
type AuthConfig struct {
	Secret         string
	TokenTTL       time.Duration
	AllowRawUserID bool
	AllowedUsers   []string
}

// RateLimitConfig bounds how often one user may start generations.
type RateLimitConfig struct {
	Enabled   bool
	PerMinute float64
	Burst     float64
}

// HooksConfig names the script that receives conversation lifecycle events.
type HooksConfig struct {
	Script  string
	Args    []string
	Timeout time.Duration
}

// ModelMetaConfig locates the model limits table.
type ModelMetaConfig struct {
	File    string
	URL     string
	Refresh time.Duration
}

// ChatConfig describes runtime options for chatd.
type ChatConfig struct {
	Environment       string
	HTTPAddress       string
	LogFile           string
	LogLevel          string
	LogRetention      int
	DefaultModel      string
	SystemPrompt      string
	ModelRoutes       []RouteRule
	GenerationTimeout time.Duration
	ShutdownTimeout   time.Duration

	Store     StoreConfig
	Persist   PersistConfig
	Providers ProviderConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Hooks     HooksConfig
	ModelMeta ModelMetaConfig
}

// Load reads the current environment and merges setting.ini, the environment
// file and TOKLIGENCE_CHAT_* variables, in increasing precedence.
func Load(root string) (ChatConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ChatConfig{}, err
	}
	envValues, err := readINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		return ChatConfig{}, err
	}
	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallbacks ...string) string {
		values := append([]string{os.Getenv(envName(key)), merged[key]}, fallbacks...)
		return firstNonEmpty(values...)
	}

	cfg := ChatConfig{
		Environment:  s.Environment,
		HTTPAddress:  get("http_address", ":8085"),
		LogFile:      get("log_file"),
		LogLevel:     get("log_level", "info"),
		DefaultModel: get("default_model", DefaultModel),
		SystemPrompt: get("system_prompt"),
		ModelRoutes:  parseRouteList(get("model_routes")),
	}
	p := &parser{}
	cfg.LogRetention = p.intVal("log_retention", get("log_retention"), 0)
	cfg.GenerationTimeout = p.durationVal("generation_timeout", get("generation_timeout"), 0)
	cfg.ShutdownTimeout = p.durationVal("shutdown_timeout", get("shutdown_timeout"), 10*time.Second)

	cfg.Store = StoreConfig{
		Driver:          strings.ToLower(get("store_driver", "sqlite")),
		Path:            get("store_path", DefaultStorePath()),
		DSN:             get("store_dsn"),
		PostgresDriver:  strings.ToLower(get("postgres_driver", "pgx")),
		MaxOpenConns:    p.intVal("store_max_open_conns", get("store_max_open_conns"), 25),
		MaxIdleConns:    p.intVal("store_max_idle_conns", get("store_max_idle_conns"), 5),
		ConnMaxLifetime: p.durationVal("store_conn_max_lifetime", get("store_conn_max_lifetime"), 30*time.Minute),
		PurgeAfter:      p.durationVal("store_purge_after", get("store_purge_after"), 0),
	}
	cfg.Persist = PersistConfig{
		Async:         parseOptionalBool(get("persist_async"), false),
		BufferSize:    p.intVal("persist_buffer", get("persist_buffer"), 256),
		Workers:       p.intVal("persist_workers", get("persist_workers"), 2),
		FlushInterval: p.durationVal("persist_flush_interval", get("persist_flush_interval"), time.Second),
	}
	headers, err := parseHeaderMap(get("custom_headers"))
	if err != nil {
		p.fail(err)
	}
	cfg.Providers = ProviderConfig{
		AnthropicAPIKey:  get("anthropic_api_key", os.Getenv("ANTHROPIC_API_KEY")),
		AnthropicBaseURL: get("anthropic_base_url"),
		AnthropicVersion: get("anthropic_version", "2023-06-01"),
		OpenAIAPIKey:     get("openai_api_key", os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:    get("openai_base_url"),
		GeminiAPIKey:     get("gemini_api_key", os.Getenv("GOOGLE_AI_API_KEY")),
		GeminiBaseURL:    get("gemini_base_url"),
		CustomBaseURL:    get("custom_base_url"),
		CustomAPIKey:     get("custom_api_key"),
		CustomModelID:    get("custom_model_id"),
		CustomModelName:  get("custom_model_name"),
		CustomHeaders:    headers,
		DefaultProvider:  strings.ToLower(get("default_provider", os.Getenv("DEFAULT_LLM_PROVIDER"), "anthropic")),
		LoopbackEnabled:  parseOptionalBool(get("loopback_enabled"), s.Environment == "dev"),
		StateFile:        get("providers_file", DefaultProvidersPath()),
	}
	cfg.Auth = AuthConfig{
		Secret:         get("auth_secret"),
		TokenTTL:       p.durationVal("auth_token_ttl", get("auth_token_ttl"), 24*time.Hour),
		AllowRawUserID: parseOptionalBool(get("allow_raw_user_id"), true),
		AllowedUsers:   parseCSV(get("allowed_users", "user-1,user-2")),
	}
	cfg.RateLimit = RateLimitConfig{
		Enabled:   parseOptionalBool(get("rate_limit_enabled"), true),
		PerMinute: p.floatVal("rate_limit_per_minute", get("rate_limit_per_minute"), 30),
		Burst:     p.floatVal("rate_limit_burst", get("rate_limit_burst"), 10),
	}
	cfg.Hooks = HooksConfig{
		Script:  get("hook_script"),
		Args:    strings.Fields(get("hook_args")),
		Timeout: p.durationVal("hook_timeout", get("hook_timeout"), 10*time.Second),
	}
	cfg.ModelMeta = ModelMetaConfig{
		File:    get("model_meta_file"),
		URL:     get("model_meta_url"),
		Refresh: p.durationVal("model_meta_refresh", get("model_meta_refresh"), 24*time.Hour),
	}
	if p.err != nil {
		return ChatConfig{}, p.err
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres", "bolt", "memory":
	default:
		return ChatConfig{}, fmt.Errorf("invalid store_driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && strings.TrimSpace(cfg.Store.DSN) == "" {
		return ChatConfig{}, errors.New("store_dsn required for postgres store")
	}
	if cfg.GenerationTimeout < 0 {
		return ChatConfig{}, fmt.Errorf("invalid generation_timeout %s: must not be negative", cfg.GenerationTimeout)
	}
	return cfg, nil
}

func envName(key string) string {
	return "TOKLIGENCE_CHAT_" + strings.ToUpper(key)
}

func loadSettings(root string) (Settings, error) {
	values, err := readINI(filepath.Join(root, settingsFile))
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("TOKLIGENCE_CHAT_ENV"), values["environment"], values["name"], defaultEnv)
	defaults := make(map[string]string, len(values))
	for k, v := range values {
		if k == "environment" || k == "name" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

// readINI flattens every section of an INI file into one lower-cased key space.
// A missing file yields an empty map.
func readINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, section := range file.Sections() {
		for _, key := range section.Keys() {
			values[key.Name()] = strings.TrimSpace(key.String())
		}
	}
	return values, nil
}

// parser accumulates the first conversion error so Load can report it once.
type parser struct{ err error }

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *parser) intVal(key, v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return n
}

func (p *parser) floatVal(key, v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return f
}

func (p *parser) durationVal(key, v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return d
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseHeaderMap accepts "K=V,K2=V2" pairs.
func parseHeaderMap(input string) (map[string]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	result := make(map[string]string)
	for _, entry := range parseCSV(input) {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return nil, fmt.Errorf("invalid custom_headers entry %q", entry)
		}
		result[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return result, nil
}

// parseRouteList preserves ordering for model=>provider rules (comma or semicolon separated).
func parseRouteList(input string) []RouteRule {
	var rules []RouteRule
	for _, line := range strings.FieldsFunc(input, func(r rune) bool { return r == '\n' || r == ';' || r == ',' }) {
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		var kv []string
		if strings.Contains(entry, "=>") {
			kv = strings.SplitN(entry, "=>", 2)
		} else {
			kv = strings.SplitN(entry, "=", 2)
		}
		if len(kv) != 2 {
			continue
		}
		pattern, target := strings.TrimSpace(kv[0]), strings.ToLower(strings.TrimSpace(kv[1]))
		if pattern == "" || target == "" {
			continue
		}
		rules = append(rules, RouteRule{Pattern: pattern, Target: target})
	}
	return rules
}

// DefaultStorePath returns the fallback conversation database under the user's home directory.
func DefaultStorePath() string {
	return homeFile("chat.db")
}

// DefaultProvidersPath returns the fallback provider catalog file.
func DefaultProvidersPath() string {
	return homeFile("providers.yaml")
}

func homeFile(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".tokligence", name)
}
