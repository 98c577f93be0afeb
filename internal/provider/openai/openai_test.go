package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

func chunkJSON(text string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

func newStreamServer(t *testing.T, frags []string, seen func(*http.Request, map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if seen != nil {
			seen(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frags {
			io.WriteString(w, "data: "+chunkJSON(f)+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(ch <-chan provider.Chunk) (string, error) {
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

func TestStreamCompletionOpenAI(t *testing.T) {
	var system string
	srv := newStreamServer(t, []string{"2", "+2", "=4"}, func(r *http.Request, body map[string]any) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) > 0 {
			first, _ := msgs[0].(map[string]any)
			if first["role"] == "system" {
				system, _ = first["content"].(string)
			}
		}
	})
	p, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), provider.Request{
		Model:        "gpt-4o",
		SystemPrompt: "be brief",
		Messages:     []provider.Message{{Role: "user", Content: "What is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, err := drain(ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "2+2=4" {
		t.Fatalf("text = %q", text)
	}
	if system != "be brief" {
		t.Fatalf("system prompt not prepended, got %q", system)
	}
}

func TestCustomProviderHeadersAndModel(t *testing.T) {
	var model, header string
	srv := newStreamServer(t, []string{"ok"}, func(r *http.Request, body map[string]any) {
		model, _ = body["model"].(string)
		header = r.Header.Get("X-Tenant")
	})
	p, err := New(Config{
		Kind:      provider.TypeCustom,
		BaseURL:   srv.URL + "/v1/",
		Headers:   map[string]string{"X-Tenant": "acme"},
		ModelID:   "llama-3-70b",
		ModelName: "Llama 3 70B",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != provider.TypeCustom {
		t.Fatalf("name = %s", p.Name())
	}
	ch, err := p.StreamCompletion(context.Background(), provider.Request{Model: "ignored", Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if text, err := drain(ch); err != nil || text != "ok" {
		t.Fatalf("text=%q err=%v", text, err)
	}
	if model != "llama-3-70b" || header != "acme" {
		t.Fatalf("model=%q header=%q", model, header)
	}

	models, err := p.ListModels(context.Background())
	if err != nil || len(models) != 1 || models[0].Name != "Llama 3 70B" {
		t.Fatalf("models=%+v err=%v", models, err)
	}
}

func TestListModelsFiltersNonChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"object":"list","data":[
			{"id":"gpt-4o","object":"model","created":1715367049,"owned_by":"system"},
			{"id":"text-embedding-3-small","object":"model","created":1,"owned_by":"system"},
			{"id":"whisper-1","object":"model","created":1,"owned_by":"system"}]}`)
	}))
	defer srv.Close()
	p, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-4o" || models[0].Provider != provider.TypeOpenAI {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestStreamCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	p, _ := New(Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.StreamCompletion(context.Background(), provider.Request{Model: "gpt-4o", Messages: []provider.Message{{Role: "user", Content: "hi"}}})
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error %v", err)
	}
	if perr.Retryable() {
		t.Fatalf("401 should not be retryable")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected key error")
	}
	if _, err := New(Config{Kind: provider.TypeCustom}); err == nil {
		t.Fatalf("expected base url error")
	}
	if _, err := New(Config{Kind: provider.TypeGemini, APIKey: "k"}); err == nil {
		t.Fatalf("expected kind error")
	}
}
