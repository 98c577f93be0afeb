package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/provider/modelmeta"
)

type fakeProvider struct {
	name   provider.Type
	models []provider.Model
	err    error
	calls  *atomic.Int32
}

func (f *fakeProvider) Name() provider.Type { return f.name }

func (f *fakeProvider) StreamCompletion(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ListModels(context.Context) ([]provider.Model, error) {
	f.calls.Add(1)
	return f.models, f.err
}

type fakeFleet struct {
	calls map[provider.Type]*atomic.Int32
}

func newFleet() *fakeFleet {
	f := &fakeFleet{calls: map[provider.Type]*atomic.Int32{}}
	for _, t := range []provider.Type{provider.TypeAnthropic, provider.TypeOpenAI, provider.TypeGemini, provider.TypeCustom, provider.TypeLoopback} {
		f.calls[t] = &atomic.Int32{}
	}
	return f
}

func (f *fakeFleet) factory(t provider.Type, _ string, custom *Custom) (provider.Provider, error) {
	p := &fakeProvider{name: t, calls: f.calls[t]}
	switch t {
	case provider.TypeAnthropic:
		p.models = []provider.Model{{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Provider: t}}
	case provider.TypeOpenAI:
		p.models = []provider.Model{{ID: "my-finetune", Name: "Finetune", Provider: t}}
	case provider.TypeGemini:
		p.err = errors.New("boom")
	case provider.TypeCustom:
		p.models = []provider.Model{{ID: custom.ModelID, Name: custom.ModelName, Provider: t}}
	}
	return p, nil
}

func openTestCatalog(t *testing.T, settings config.ProviderConfig) (*Catalog, *fakeFleet, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	fleet := newFleet()
	c, err := Open(Options{
		Path:         path,
		Settings:     settings,
		DefaultModel: "claude-sonnet-4-20250514",
		Factory:      fleet.factory,
		Clock:        func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return c, fleet, path
}

func TestOpenSeedsFromSettings(t *testing.T) {
	c, _, path := openTestCatalog(t, config.ProviderConfig{
		AnthropicAPIKey: "sk-ant",
		CustomBaseURL:   "https://llm.internal/v1",
		CustomModelID:   "llama",
		CustomHeaders:   map[string]string{"X-Team": "a"},
		DefaultProvider: "anthropic",
	})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	statuses, custom := c.Statuses()
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].IsConfigured)
	assert.Equal(t, "Anthropic", statuses[0].DisplayName)
	assert.False(t, statuses[1].IsConfigured)
	require.NotNil(t, custom)
	assert.Equal(t, "llama", custom.ModelName)
	assert.True(t, custom.HasCustomHeaders)

	sel, _ := c.Selection()
	assert.Equal(t, provider.TypeAnthropic, sel)
	assert.Equal(t, []provider.Type{provider.TypeAnthropic, provider.TypeCustom}, c.Configured())

	reopened, err := Open(Options{Path: path, Factory: newFleet().factory})
	require.NoError(t, err)
	assert.Equal(t, c.Configured(), reopened.Configured())
}

func TestValidation(t *testing.T) {
	c, _, _ := openTestCatalog(t, config.ProviderConfig{})
	var verr *ValidationError

	_, err := c.SetAPIKey("mistral", "k")
	require.ErrorAs(t, err, &verr)
	_, err = c.SetAPIKey("openai", "  ")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "API key is required", verr.Message)

	err = c.SetCustom(Custom{BaseURL: "not a url", APIKey: "k", ModelID: "m", ModelName: "M"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid base URL format", verr.Message)

	err = c.SetCustom(Custom{BaseURL: "https://x.test", APIKey: "k", ModelID: "m", ModelName: "M", Headers: "{bad"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Custom headers must be valid JSON", verr.Message)

	err = c.SetSelection("", "m")
	require.ErrorAs(t, err, &verr)
}

func TestModelsFetchesConcurrentlyAndCaches(t *testing.T) {
	c, fleet, path := openTestCatalog(t, config.ProviderConfig{})
	for _, p := range []string{"anthropic", "openai", "gemini"} {
		_, err := c.SetAPIKey(p, "key-"+p)
		require.NoError(t, err)
	}
	require.NoError(t, c.SetCustom(Custom{BaseURL: "https://x.test/v1", APIKey: "k", ModelID: "llama", ModelName: "Llama", Headers: `{"X-A":"1"}`}))

	listing, err := c.Models(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(listing.Models))
	for _, m := range listing.Models {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"claude-sonnet-4-20250514", "my-finetune", "llama"}, ids)
	assert.Equal(t, "claude-sonnet-4-20250514", listing.DefaultModelID)

	_, err = c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fleet.calls[provider.TypeAnthropic].Load())
	assert.Equal(t, int32(2), fleet.calls[provider.TypeGemini].Load(), "failed lists are not cached")
	assert.Equal(t, int32(2), fleet.calls[provider.TypeCustom].Load(), "custom lists are not cached")

	// Cached lists feed the router so non-family model ids still resolve.
	p, err := c.Resolve("my-finetune")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeOpenAI, p.Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "last_fetched")
}

func TestResolveAndSelection(t *testing.T) {
	c, _, _ := openTestCatalog(t, config.ProviderConfig{LoopbackEnabled: true})
	p, err := c.Resolve("loopback")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeLoopback, p.Name())

	_, err = c.Resolve("claude-sonnet-4-20250514")
	assert.ErrorIs(t, err, provider.ErrNoRoute)

	_, err = c.SetAPIKey("openai", "k")
	require.NoError(t, err)
	p, err = c.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeOpenAI, p.Name())

	require.NoError(t, c.SetSelection("openai", "gpt-4o"))
	p, err = c.Resolve("something-else")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeOpenAI, p.Name(), "selected provider is the fallback")

	_, err = c.DeleteProvider("openai")
	require.NoError(t, err)
	_, err = c.Resolve("gpt-4o")
	assert.ErrorIs(t, err, provider.ErrNoRoute)
}

func TestConfiguredRoutesTakePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	c, err := Open(Options{
		Path:     path,
		Settings: config.ProviderConfig{AnthropicAPIKey: "a", OpenAIAPIKey: "o"},
		Routes:   []config.RouteRule{{Pattern: "claude-proxy*", Target: "openai"}},
		Factory:  newFleet().factory,
	})
	require.NoError(t, err)
	p, err := c.Resolve("claude-proxy-1")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeOpenAI, p.Name())
	p, err = c.Resolve("claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, provider.TypeAnthropic, p.Name())
}

func TestModelsAnnotatedFromMetadata(t *testing.T) {
	metaPath := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(metaPath, []byte("- model: my-finetune\n  max_completion_cap: 8192\n"), 0o644))
	meta := modelmeta.NewTable(nil)
	_, err := meta.Load(metaPath)
	require.NoError(t, err)

	c, err := Open(Options{
		Path:    filepath.Join(t.TempDir(), "providers.yaml"),
		Factory: newFleet().factory,
		Meta:    meta,
	})
	require.NoError(t, err)
	_, err = c.SetAPIKey("openai", "key")
	require.NoError(t, err)

	listing, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, listing.Models, 1)
	assert.Equal(t, 8192, listing.Models[0].MaxTokens)
}
