package stream

import (
	"encoding/json"
	"errors"
)

// EventType names a client-facing stream event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventInit      EventType = "init"
	EventText      EventType = "text"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
}

// Connected tells the initiator which turn id the pending answer will use.
func Connected(turnID string) Event { return Event{Type: EventConnected, MessageID: turnID} }

// Init replays the text accumulated so far to a resuming subscriber.
func Init(conversationID, turnID, accumulated string) Event {
	return Event{Type: EventInit, ChatID: conversationID, MessageID: turnID, Content: accumulated}
}

// Delta carries one generated fragment.
func Delta(text string) Event { return Event{Type: EventText, Content: text} }

// Done marks successful completion of the turn.
func Done(turnID string) Event { return Event{Type: EventDone, MessageID: turnID} }

// Failed carries the reason a generation stopped.
func Failed(reason string) Event { return Event{Type: EventError, Error: reason} }

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

// MarshalSSE renders the event as a single server-sent-events frame.
func (e Event) MarshalSSE() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

var (
	// ErrSinkClosed is returned by Send after the sink was closed or its client went away.
	ErrSinkClosed = errors.New("stream: sink closed")
	// ErrSinkFull is returned when a subscriber cannot keep up with the generation.
	ErrSinkFull = errors.New("stream: sink buffer full")
)

// Sink is a live output destination attached to an active stream.
//
// Send must not block on the network; a failed Send removes the sink from
// the broadcast set. Close may be called more than once.
type Sink interface {
	Send(Event) error
	Close()
}
