package stream

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/tokligence-chat/internal/logging"
)

// Status is the lifecycle state of an active stream.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Snapshot is a consistent view of an active stream at one instant.
type Snapshot struct {
	ConversationID string
	TurnID         string
	Accumulated    string
	Status         Status
	StartedAt      time.Time
	Subscribers    int
}

// Observer receives registry lifecycle notifications. Calls are made
// outside of the registry map lock but may hold a stream's own lock, so
// implementations must not call back into the Registry.
type Observer interface {
	StreamStarted(conversationID string)
	StreamEnded(conversationID string, status Status, elapsed time.Duration, size int)
	SubscriberDropped(conversationID string, err error)
}

type nopObserver struct{}

func (nopObserver) StreamStarted(string)                           {}
func (nopObserver) StreamEnded(string, Status, time.Duration, int) {}
func (nopObserver) SubscriberDropped(string, error)                {}

// activeStream is the runtime record of one in-flight generation.
// mu serialises appends, subscribe/unsubscribe and the terminal transition
// so that a snapshot and the deltas after it never overlap or leave a gap.
type activeStream struct {
	conversationID string
	turnID         string
	startedAt      time.Time

	status atomic.Value // Status; readable without mu

	mu            sync.Mutex
	text          strings.Builder
	failureReason string
	subscribers   []Sink
}

func (s *activeStream) currentStatus() Status { return s.status.Load().(Status) }

func (s *activeStream) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: s.conversationID,
		TurnID:         s.turnID,
		Accumulated:    s.text.String(),
		Status:         s.currentStatus(),
		StartedAt:      s.startedAt,
		Subscribers:    len(s.subscribers),
	}
}

// Registry owns every active stream, keyed by conversation id.
// Different conversations never contend on anything but the map lookup.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*activeStream

	observer Observer
	logger   *logging.Logger
	now      func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithObserver installs lifecycle hooks, typically metrics.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the registry's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		streams:  make(map[string]*activeStream),
		observer: nopObserver{},
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lookup(conversationID string) *activeStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[conversationID]
}

// StartStream registers a new generating stream. It returns false and changes
// nothing when the conversation already has a generating stream.
func (r *Registry) StartStream(conversationID, turnID string) bool {
	r.mu.Lock()
	if existing, ok := r.streams[conversationID]; ok && existing.currentStatus() == StatusGenerating {
		r.mu.Unlock()
		return false
	}
	s := &activeStream{conversationID: conversationID, turnID: turnID, startedAt: r.now()}
	s.status.Store(StatusGenerating)
	r.streams[conversationID] = s
	r.mu.Unlock()

	r.observer.StreamStarted(conversationID)
	r.logger.Debugf("stream start conversation=%s turn=%s", conversationID, turnID)
	return true
}

// AppendDelta appends text and broadcasts it to every subscriber. It is a
// no-op when no stream exists or the stream is no longer generating.
func (r *Registry) AppendDelta(conversationID, text string) {
	s := r.lookup(conversationID)
	if s == nil || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStatus() != StatusGenerating {
		return
	}
	s.text.WriteString(text)
	r.broadcastLocked(s, Delta(text))
}

// Subscribe attaches sink and returns the state it must render before any
// further event. It returns nil when there is no generating stream.
func (r *Registry) Subscribe(conversationID string, sink Sink) *Snapshot {
	s := r.lookup(conversationID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStatus() != StatusGenerating {
		return nil
	}
	s.addLocked(sink)
	snap := s.snapshotLocked()
	return &snap
}

// Attach is Subscribe for a resuming client: the init event carrying the
// accumulated text is delivered to sink before it joins the broadcast set,
// so no delta can precede it. It returns nil when there is no generating
// stream or the init event could not be delivered.
func (r *Registry) Attach(conversationID string, sink Sink) *Snapshot {
	s := r.lookup(conversationID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStatus() != StatusGenerating {
		return nil
	}
	snap := s.snapshotLocked()
	if err := sink.Send(Init(conversationID, snap.TurnID, snap.Accumulated)); err != nil {
		r.observer.SubscriberDropped(conversationID, err)
		return nil
	}
	s.addLocked(sink)
	snap.Subscribers = len(s.subscribers)
	return &snap
}

func (s *activeStream) addLocked(sink Sink) {
	for _, existing := range s.subscribers {
		if existing == sink {
			return
		}
	}
	s.subscribers = append(s.subscribers, sink)
}

// Unsubscribe detaches sink. Safe to repeat and safe after termination.
func (r *Registry) Unsubscribe(conversationID string, sink Sink) {
	s := r.lookup(conversationID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sink)
}

func (s *activeStream) removeLocked(sink Sink) bool {
	for i, existing := range s.subscribers {
		if existing == sink {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// CompleteStream finishes the stream successfully and returns its text.
// It returns "" when there is nothing to complete.
func (r *Registry) CompleteStream(conversationID string) string {
	return r.finish(conversationID, StatusCompleted, "")
}

// FailStream finishes the stream with reason and returns the partial text.
// It returns "" when there is nothing to fail.
func (r *Registry) FailStream(conversationID, reason string) string {
	return r.finish(conversationID, StatusFailed, reason)
}

func (r *Registry) finish(conversationID string, status Status, reason string) string {
	s := r.lookup(conversationID)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	if s.currentStatus() != StatusGenerating {
		s.mu.Unlock()
		return ""
	}
	s.status.Store(status)
	var final Event
	if status == StatusFailed {
		s.failureReason = reason
		final = Failed(reason)
	} else {
		final = Done(s.turnID)
	}
	r.broadcastLocked(s, final)
	for _, sink := range s.subscribers {
		sink.Close()
	}
	s.subscribers = nil
	text := s.text.String()
	s.mu.Unlock()

	r.mu.Lock()
	if r.streams[conversationID] == s {
		delete(r.streams, conversationID)
	}
	r.mu.Unlock()

	elapsed := r.now().Sub(s.startedAt)
	r.observer.StreamEnded(conversationID, status, elapsed, len(text))
	if status == StatusFailed {
		r.logger.Warnf("stream failed conversation=%s turn=%s chars=%d reason=%q", conversationID, s.turnID, len(text), reason)
	} else {
		r.logger.Debugf("stream done conversation=%s turn=%s chars=%d elapsed=%s", conversationID, s.turnID, len(text), elapsed)
	}
	return text
}

// HasActiveStream reports whether the conversation is currently generating.
func (r *Registry) HasActiveStream(conversationID string) bool {
	s := r.lookup(conversationID)
	return s != nil && s.currentStatus() == StatusGenerating
}

// Snapshot returns the current state without subscribing.
func (r *Registry) Snapshot(conversationID string) (Snapshot, bool) {
	s := r.lookup(conversationID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStatus() != StatusGenerating {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// Active lists every generating stream ordered by start time.
func (r *Registry) Active() []Snapshot {
	r.mu.RLock()
	streams := make([]*activeStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(streams))
	for _, s := range streams {
		s.mu.Lock()
		if s.currentStatus() == StatusGenerating {
			out = append(out, s.snapshotLocked())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown fails every generating stream with reason and returns how many it failed.
func (r *Registry) Shutdown(reason string) int {
	n := 0
	for _, snap := range r.Active() {
		r.FailStream(snap.ConversationID, reason)
		n++
	}
	return n
}

// broadcastLocked delivers ev to every subscriber, silently dropping sinks
// whose Send fails. s.mu must be held.
func (r *Registry) broadcastLocked(s *activeStream, ev Event) {
	kept := s.subscribers[:0]
	for _, sink := range s.subscribers {
		if err := sink.Send(ev); err != nil {
			sink.Close()
			r.observer.SubscriberDropped(s.conversationID, err)
			r.logger.Debugf("dropping subscriber conversation=%s: %v", s.conversationID, err)
			continue
		}
		kept = append(kept, sink)
	}
	for i := len(kept); i < len(s.subscribers); i++ {
		s.subscribers[i] = nil
	}
	s.subscribers = kept
}
