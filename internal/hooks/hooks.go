// Package hooks exports conversation lifecycle events to operator-supplied
// handlers, typically an external script.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chat/internal/logging"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventConversationCreated EventType = "chat.conversation.created"
	EventConversationDeleted EventType = "chat.conversation.deleted"
	// EventGenerationCompleted fires once the assistant turn is recorded.
	EventGenerationCompleted EventType = "chat.generation.completed"
	// EventGenerationFailed fires for failed generations, including ones
	// cancelled by shutdown. Metadata carries the reason.
	EventGenerationFailed EventType = "chat.generation.failed"
)

// Event is what handlers receive.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher fans events out to registered handlers. A nil *Dispatcher
// accepts and drops every event.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *logging.Logger
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{logger: logger, now: time.Now}
}

// Register adds a handler. Handlers fire sequentially in registration order.
func (d *Dispatcher) Register(h Handler) {
	if d == nil || h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports how many handlers are registered.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers event to every handler and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish emits event on its own goroutine so callers on the generation
// path never wait for a slow script. Missing ids and timestamps are filled
// in. Failures are logged.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || d.Len() == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Emit(context.Background(), event); err != nil {
			d.logger.Warnf("hook %s conversation=%s: %v", event.Type, event.ConversationID, err)
		}
	}()
}

// Wait blocks until every published event has been handled or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
