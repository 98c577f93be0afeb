package catalog

import (
	"fmt"

	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/provider/anthropic"
	"github.com/tokligence/tokligence-chat/internal/provider/gemini"
	"github.com/tokligence/tokligence-chat/internal/provider/loopback"
	"github.com/tokligence/tokligence-chat/internal/provider/openai"
)

// Factory constructs a provider from stored credentials.
type Factory func(t provider.Type, apiKey string, custom *Custom) (provider.Provider, error)

// DefaultFactory builds the vendor clients using endpoint overrides from settings.
func DefaultFactory(settings config.ProviderConfig) Factory {
	return func(t provider.Type, apiKey string, custom *Custom) (provider.Provider, error) {
		switch t {
		case provider.TypeAnthropic:
			return anthropic.New(anthropic.Config{
				APIKey:  apiKey,
				BaseURL: settings.AnthropicBaseURL,
				Version: settings.AnthropicVersion,
			})
		case provider.TypeOpenAI:
			return openai.New(openai.Config{APIKey: apiKey, BaseURL: settings.OpenAIBaseURL})
		case provider.TypeGemini:
			return gemini.New(gemini.Config{APIKey: apiKey, BaseURL: settings.GeminiBaseURL})
		case provider.TypeCustom:
			if custom == nil {
				return nil, fmt.Errorf("custom provider not configured")
			}
			headers, err := custom.HeaderMap()
			if err != nil {
				return nil, fmt.Errorf("custom headers: %w", err)
			}
			return openai.New(openai.Config{
				Kind:      provider.TypeCustom,
				APIKey:    custom.APIKey,
				BaseURL:   custom.BaseURL,
				Headers:   headers,
				ModelID:   custom.ModelID,
				ModelName: custom.ModelName,
			})
		case provider.TypeLoopback:
			return loopback.New(0), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", t)
		}
	}
}
