package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

func collect(t *testing.T, ch <-chan provider.Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	var last error
	for c := range ch {
		if c.Err != nil {
			last = c.Err
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String(), last
}

func TestStreamCompletion(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		for _, frag := range []string{"2", "+2", "=4"} {
			io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\""+frag+"\"}}\n\n")
		}
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), provider.Request{
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "be brief",
		Messages:     []provider.Message{{Role: "user", Content: "What is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "2+2=4" {
		t.Fatalf("text = %q", text)
	}
	if got.System != "be brief" || got.MaxTokens != 4096 || !got.Stream || len(got.Messages) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestStreamCompletionMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		io.WriteString(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := p.StreamCompletion(context.Background(), provider.Request{Model: "m", Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, err := collect(t, ch)
	if text != "Hello" {
		t.Fatalf("partial text lost: %q", text)
	}
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Message != "Overloaded" {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestStreamCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.StreamCompletion(context.Background(), provider.Request{Model: "m", Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized || perr.Message != "invalid x-api-key" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"claude-sonnet-4-20250514","display_name":"Claude Sonnet 4","created_at":"2025-05-14T00:00:00Z"}]}`)
	}))
	defer srv.Close()
	p, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "Claude Sonnet 4" || models[0].MaxTokens != 200000 {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestConvertMessagesMergesRoles(t *testing.T) {
	out := convertMessages([]provider.Message{
		{Role: "user", Content: "a"}, {Role: "user", Content: "b"}, {Role: "assistant", Content: ""}, {Role: "assistant", Content: "c"},
	})
	if len(out) != 2 || out[0].Content != "a\n\nb" || out[1].Role != "assistant" {
		t.Fatalf("unexpected %+v", out)
	}
}
