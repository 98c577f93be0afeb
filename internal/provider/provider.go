package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Type names a provider family.
type Type string

const (
	TypeAnthropic Type = "anthropic"
	TypeOpenAI    Type = "openai"
	TypeGemini    Type = "gemini"
	TypeCustom    Type = "custom"
	TypeLoopback  Type = "loopback"
)

// Standard lists the vendor families that are configured by API key alone.
var Standard = []Type{TypeAnthropic, TypeOpenAI, TypeGemini}

// ParseType validates a provider name from user input.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeAnthropic, TypeOpenAI, TypeGemini, TypeCustom, TypeLoopback:
		return t, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// DisplayName is the human readable provider name.
func (t Type) DisplayName() string {
	switch t {
	case TypeAnthropic:
		return "Anthropic"
	case TypeOpenAI:
		return "OpenAI"
	case TypeGemini:
		return "Google Gemini"
	case TypeCustom:
		return "Custom"
	case TypeLoopback:
		return "Loopback"
	default:
		return string(t)
	}
}

// Message is one history entry sent upstream.
type Message struct {
	Role    string // user|assistant
	Content string
}

// Request describes one streaming completion.
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string
}

// Chunk is one element of a completion stream: either text or a terminal error.
// The channel is closed after the final chunk.
type Chunk struct {
	Text string
	Err  error
}

// Model describes one model offered by a provider.
type Model struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Provider  Type      `json:"provider" yaml:"provider"`
	MaxTokens int       `json:"maxTokens" yaml:"max_tokens"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at,omitempty"`
	OwnedBy   string    `json:"ownedBy,omitempty" yaml:"owned_by,omitempty"`
}

// Provider wraps one vendor's completion API behind a stream of text deltas.
//
// StreamCompletion returns an error when the call cannot start. Once the
// channel is returned, failures arrive as a Chunk with Err set, after any
// text already delivered.
type Provider interface {
	Name() Type
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)
	ListModels(ctx context.Context) ([]Model, error)
}

// ErrNoRoute is returned when no provider is configured for a model.
var ErrNoRoute = errors.New("no provider configured for model")

// Error is an upstream failure with the HTTP status the vendor returned.
type Error struct {
	Provider Type
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying later.
func (e *Error) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// StreamingClient returns an HTTP client suited to long-lived streams: no
// overall deadline, but a bound on waiting for response headers.
func StreamingClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Send delivers c on ch unless ctx is done first.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
