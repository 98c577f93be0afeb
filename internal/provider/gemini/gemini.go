package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Provider streams completions from the Gemini generateContent API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates a Gemini provider.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.StreamingClient(cfg.RequestTimeout)
	}
	return &Provider{apiKey: cfg.APIKey, baseURL: baseURL, httpClient: client}, nil
}

func (p *Provider) Name() provider.Type { return provider.TypeGemini }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// StreamCompletion calls streamGenerateContent with alt=sse.
func (p *Provider) StreamCompletion(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	model := strings.TrimPrefix(strings.TrimSpace(req.Model), "models/")
	if model == "" {
		return nil, errors.New("gemini: model name required")
	}
	body := generateRequest{}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role := "user"
		if strings.EqualFold(m.Role, "assistant") {
			role = "model"
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	if len(body.Contents) == 0 {
		return nil, errors.New("gemini: no messages provided")
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: provider.TypeGemini, Err: fmt.Errorf("send stream request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan provider.Chunk, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := provider.ReadSSE(resp.Body, func(_, data string) error {
			if data == "" {
				return nil
			}
			var chunk generateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("gemini: parse stream: %w", err)
			}
			if chunk.Error != nil {
				return &provider.Error{Provider: provider.TypeGemini, Status: chunk.Error.Code, Message: chunk.Error.Message}
			}
			if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
				return &provider.Error{Provider: provider.TypeGemini, Message: "prompt blocked: " + chunk.PromptFeedback.BlockReason}
			}
			for _, c := range chunk.Candidates {
				for _, pt := range c.Content.Parts {
					if pt.Text == "" {
						continue
					}
					if !provider.Send(ctx, ch, provider.Chunk{Text: pt.Text}) {
						return ctx.Err()
					}
				}
			}
			return nil
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			provider.Send(ctx, ch, provider.Chunk{Err: err})
		}
	}()
	return ch, nil
}

// ListModels retrieves models that support generateContent.
func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: provider.TypeGemini, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var payload struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			InputTokenLimit            int      `json:"inputTokenLimit"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("gemini: decode models: %w", err)
	}
	models := make([]provider.Model, 0, len(payload.Models))
	for _, m := range payload.Models {
		if len(m.SupportedGenerationMethods) > 0 && !contains(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		name := m.DisplayName
		if name == "" {
			name = id
		}
		limit := m.InputTokenLimit
		if limit == 0 {
			limit = 8192
		}
		models = append(models, provider.Model{ID: id, Name: name, Provider: provider.TypeGemini, MaxTokens: limit, OwnedBy: "google"})
	}
	return models, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp struct {
		Error apiError `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return &provider.Error{Provider: provider.TypeGemini, Status: resp.StatusCode, Message: msg}
}
