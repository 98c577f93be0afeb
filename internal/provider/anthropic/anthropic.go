package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

const defaultMaxTokens = 4096

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	version    string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	MaxTokens      int    // optional, defaults to 4096
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates an Anthropic provider.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.StreamingClient(cfg.RequestTimeout)
	}
	return &Provider{apiKey: cfg.APIKey, baseURL: baseURL, version: version, maxTokens: maxTokens, httpClient: client}, nil
}

func (p *Provider) Name() provider.Type { return provider.TypeAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamCompletion posts to /v1/messages with stream=true and yields text_delta fragments.
func (p *Provider) StreamCompletion(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	msgs := convertMessages(req.Messages)
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    req.SystemPrompt,
		MaxTokens: p.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: provider.TypeAnthropic, Err: fmt.Errorf("send request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan provider.Chunk, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := provider.ReadSSE(resp.Body, func(event, data string) error {
			if data == "" || data == "{}" || data == "[DONE]" {
				return nil
			}
			var evt streamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				return fmt.Errorf("anthropic: parse stream: %w", err)
			}
			switch {
			case evt.Type == "content_block_delta" && evt.Delta.Type == "text_delta":
				if evt.Delta.Text != "" && !provider.Send(ctx, ch, provider.Chunk{Text: evt.Delta.Text}) {
					return ctx.Err()
				}
			case evt.Type == "error" && evt.Error != nil:
				return &provider.Error{Provider: provider.TypeAnthropic, Message: evt.Error.Message}
			case evt.Type == "message_stop" || event == "message_stop":
				return provider.ErrStopStream
			}
			return nil
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if _, ok := err.(*provider.Error); !ok {
				err = fmt.Errorf("anthropic: read stream: %w", err)
			}
			provider.Send(ctx, ch, provider.Chunk{Err: err})
		}
	}()
	return ch, nil
}

// ListModels queries /v1/models.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models?limit=100", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: provider.TypeAnthropic, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var payload struct {
		Data []struct {
			ID            string    `json:"id"`
			DisplayName   string    `json:"display_name"`
			CreatedAt     time.Time `json:"created_at"`
			ContextWindow int       `json:"context_window"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("anthropic: decode models: %w", err)
	}
	models := make([]provider.Model, 0, len(payload.Data))
	for _, m := range payload.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		maxTokens := m.ContextWindow
		if maxTokens == 0 {
			maxTokens = 200000
		}
		models = append(models, provider.Model{
			ID: m.ID, Name: name, Provider: provider.TypeAnthropic,
			MaxTokens: maxTokens, CreatedAt: m.CreatedAt, OwnedBy: "anthropic",
		})
	}
	return models, nil
}

func (p *Provider) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", p.apiKey)
	r.Header.Set("anthropic-version", p.version)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env struct {
		Error apiError `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	return &provider.Error{Provider: provider.TypeAnthropic, Status: resp.StatusCode, Message: msg}
}

// convertMessages maps history onto Anthropic roles, merging consecutive
// same-role turns since the API requires alternation.
func convertMessages(in []provider.Message) []message {
	var out []message
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if strings.EqualFold(m.Role, "assistant") {
			role = "assistant"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, message{Role: role, Content: m.Content})
	}
	return out
}
