package stream

import "sync"

// DefaultOutboxSize bounds how far a subscriber may lag behind the generation.
const DefaultOutboxSize = 512

// Outbox is a buffered Sink. The registry pushes into it without blocking;
// a transport goroutine drains Events() to the client.
type Outbox struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	dead   bool
	done   chan struct{}
}

var _ Sink = (*Outbox)(nil)

// NewOutbox creates an Outbox holding up to size undelivered events.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{ch: make(chan Event, size), done: make(chan struct{})}
}

// Send enqueues ev. It fails once the outbox is closed, killed or full.
func (o *Outbox) Send(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.dead {
		return ErrSinkClosed
	}
	select {
	case o.ch <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close stops further sends. Events already queued remain readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
	close(o.done)
}

// Kill marks the client as gone so the next Send fails.
func (o *Outbox) Kill() {
	o.mu.Lock()
	o.dead = true
	o.mu.Unlock()
}

// Events yields queued events and is closed by Close.
func (o *Outbox) Events() <-chan Event { return o.ch }

// Done is closed when the outbox is closed.
func (o *Outbox) Done() <-chan struct{} { return o.done }
