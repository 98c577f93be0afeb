// Package openai streams completions from OpenAI and OpenAI-compatible
// endpoints through github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Config configures the client. Kind selects between the hosted OpenAI API
// and a custom compatible endpoint.
type Config struct {
	Kind           provider.Type // openai (default) or custom
	APIKey         string
	BaseURL        string
	Headers        map[string]string
	ModelID        string // custom only: the single model served
	ModelName      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Provider wraps a go-openai client.
type Provider struct {
	kind      provider.Type
	client    *goopenai.Client
	modelID   string
	modelName string
}

// New builds a provider. Custom endpoints require a base URL; OpenAI requires a key.
func New(cfg Config) (*Provider, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = provider.TypeOpenAI
	}
	if kind != provider.TypeOpenAI && kind != provider.TypeCustom {
		return nil, fmt.Errorf("openai: unsupported kind %q", kind)
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if kind == provider.TypeOpenAI && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	if kind == provider.TypeCustom && baseURL == "" {
		return nil, errors.New("custom: base url required")
	}

	conf := goopenai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		conf.BaseURL = baseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = provider.StreamingClient(cfg.RequestTimeout)
	}
	if len(cfg.Headers) > 0 {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *httpClient
		wrapped.Transport = &headerTransport{base: base, headers: cfg.Headers}
		httpClient = &wrapped
	}
	conf.HTTPClient = httpClient

	return &Provider{
		kind:      kind,
		client:    goopenai.NewClientWithConfig(conf),
		modelID:   strings.TrimSpace(cfg.ModelID),
		modelName: strings.TrimSpace(cfg.ModelName),
	}, nil
}

func (p *Provider) Name() provider.Type { return p.kind }

// StreamCompletion opens a chat completion stream and forwards content deltas.
func (p *Provider) StreamCompletion(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	model := req.Model
	if p.kind == provider.TypeCustom && p.modelID != "" {
		model = p.modelID
	}
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if strings.EqualFold(m.Role, "assistant") {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, p.wrap(err)
	}

	ch := make(chan provider.Chunk, 10)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if ctx.Err() != nil {
						provider.Send(ctx, ch, provider.Chunk{Err: ctx.Err()})
					}
					return
				}
				provider.Send(ctx, ch, provider.Chunk{Err: p.wrap(err)})
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !provider.Send(ctx, ch, provider.Chunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// ListModels lists chat models. A custom endpoint reports its configured model.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	if p.kind == provider.TypeCustom {
		if p.modelID == "" {
			return nil, nil
		}
		name := p.modelName
		if name == "" {
			name = p.modelID
		}
		return []provider.Model{{ID: p.modelID, Name: name, Provider: provider.TypeCustom, MaxTokens: 4096, OwnedBy: "custom"}}, nil
	}
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.wrap(err)
	}
	models := make([]provider.Model, 0, len(list.Models))
	for _, m := range list.Models {
		if !isChatModel(m.ID) {
			continue
		}
		models = append(models, provider.Model{
			ID:        m.ID,
			Name:      m.ID,
			Provider:  provider.TypeOpenAI,
			MaxTokens: 4096,
			CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
			OwnedBy:   m.OwnedBy,
		})
	}
	return models, nil
}

func isChatModel(id string) bool {
	id = strings.ToLower(id)
	if strings.Contains(id, "embedding") || strings.Contains(id, "whisper") || strings.Contains(id, "tts") ||
		strings.Contains(id, "dall-e") || strings.Contains(id, "moderation") {
		return false
	}
	return strings.HasPrefix(id, "gpt-") || strings.HasPrefix(id, "o1") || strings.HasPrefix(id, "o3") ||
		strings.HasPrefix(id, "o4") || strings.HasPrefix(id, "chatgpt")
}

func (p *Provider) wrap(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &provider.Error{Provider: p.kind, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &provider.Error{Provider: p.kind, Status: reqErr.HTTPStatusCode, Err: err}
	}
	return &provider.Error{Provider: p.kind, Err: err}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}
