package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chat/internal/config"
)

func TestDispatcherEmit(t *testing.T) {
	d := NewDispatcher(nil)
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.Metadata["turn_id"].(string))
		return errors.New("second handler failed")
	})

	err := d.Emit(context.Background(), Event{
		Type:           EventGenerationCompleted,
		ConversationID: "c1",
		Metadata:       map[string]any{"turn_id": "t1"},
	})
	if err == nil || !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if len(sequence) != 2 {
		t.Fatalf("expected two handlers to run, got %d", len(sequence))
	}
	if sequence[0] != "first:"+string(EventGenerationCompleted) || sequence[1] != "second:t1" {
		t.Fatalf("unexpected sequence %v", sequence)
	}
}

func TestPublishFillsEnvelope(t *testing.T) {
	d := NewDispatcher(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	var mu sync.Mutex
	var got []Event
	d.Register(func(_ context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
		return nil
	})
	d.Publish(Event{Type: EventConversationCreated, ConversationID: "c1", UserID: "user-1"})
	d.Publish(Event{Type: EventConversationDeleted, ConversationID: "c1", UserID: "user-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for _, evt := range got {
		if evt.ID == "" {
			t.Fatalf("expected generated id")
		}
		if !evt.OccurredAt.Equal(fixed) {
			t.Fatalf("unexpected timestamp %v", evt.OccurredAt)
		}
	}
	if got[0].ID == got[1].ID {
		t.Fatalf("expected distinct ids")
	}
}

func TestNilDispatcherDropsEvents(t *testing.T) {
	var d *Dispatcher
	d.Register(func(context.Context, Event) error { return nil })
	d.Publish(Event{Type: EventConversationCreated})
	if err := d.Emit(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("expected no handlers")
	}
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestFromSettings(t *testing.T) {
	if _, ok := FromSettings(config.HooksConfig{}); ok {
		t.Fatalf("expected no script without a path")
	}
	cfg, ok := FromSettings(config.HooksConfig{Script: "/opt/hook.sh", Args: []string{"--quiet"}, Timeout: 2 * time.Second})
	if !ok || cfg.Command != "/opt/hook.sh" || cfg.Timeout != 2*time.Second || len(cfg.Args) != 1 {
		t.Fatalf("unexpected script config %+v", cfg)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         "evt-script",
			"HOOK_EXPECT_TYPE":       string(EventGenerationFailed),
		},
		Timeout: 5 * time.Second,
	})
	evt := Event{
		ID:             "evt-script",
		Type:           EventGenerationFailed,
		OccurredAt:     time.Now(),
		ConversationID: "c1",
		Metadata:       map[string]any{"reason": "simulated failure"},
	}
	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestScriptHandlerReportsFailure(t *testing.T) {
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         "other",
		},
	})
	err := handler(context.Background(), Event{ID: "evt-1", Type: EventConversationCreated})
	if err == nil || !strings.Contains(err.Error(), "unexpected id") {
		t.Fatalf("expected failure with script output, got %v", err)
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload Event
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if string(payload.Type) != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	os.Exit(0)
}
