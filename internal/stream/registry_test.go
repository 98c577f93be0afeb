package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closes int
	fail   bool
}

func (s *recordingSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), s.closes
}

func TestStartStreamIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.StartStream("c1", "t1"))
	require.False(t, r.StartStream("c1", "t2"))

	snap, ok := r.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, "t1", snap.TurnID)
	assert.Equal(t, StatusGenerating, snap.Status)
}

func TestConcurrentStartKeepsOneStream(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.StartStream("c1", fmt.Sprintf("t%d", i)) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Len(t, r.Active(), 1)
}

func TestAppendDeltaBroadcastsInOrder(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	a, b := &recordingSink{}, &recordingSink{}
	require.NotNil(t, r.Subscribe("c1", a))
	require.NotNil(t, r.Subscribe("c1", b))

	for _, frag := range []string{"2", "+2", "=4"} {
		r.AppendDelta("c1", frag)
	}
	assert.Equal(t, "2+2=4", r.CompleteStream("c1"))

	for _, sink := range []*recordingSink{a, b} {
		events, closes := sink.snapshot()
		assert.Equal(t, []Event{Delta("2"), Delta("+2"), Delta("=4"), Done("t1")}, events)
		assert.Equal(t, 1, closes)
	}
}

func TestSubscribeReplaySnapshot(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	r.AppendDelta("c1", "Hel")
	r.AppendDelta("c1", "lo")

	late := &recordingSink{}
	snap := r.Subscribe("c1", late)
	require.NotNil(t, snap)
	assert.Equal(t, "Hello", snap.Accumulated)
	assert.Equal(t, "t1", snap.TurnID)

	r.AppendDelta("c1", " world")
	events, _ := late.snapshot()
	assert.Equal(t, []Event{Delta(" world")}, events, "late subscriber must see only post-subscription deltas")
}

func TestAttachDeliversInitFirst(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	r.AppendDelta("c1", "2")
	r.AppendDelta("c1", "+2")

	late := &recordingSink{}
	snap := r.Attach("c1", late)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Subscribers)
	r.AppendDelta("c1", "=4")
	r.CompleteStream("c1")

	events, closes := late.snapshot()
	assert.Equal(t, []Event{Init("c1", "t1", "2+2"), Delta("=4"), Done("t1")}, events)
	assert.Equal(t, 1, closes)

	assert.Nil(t, r.Attach("c1", &recordingSink{}), "nothing to attach to after completion")
	r.StartStream("c2", "t2")
	assert.Nil(t, r.Attach("c2", &recordingSink{fail: true}))
	s, ok := r.Snapshot("c2")
	require.True(t, ok)
	assert.Equal(t, 0, s.Subscribers)
}

func TestReplayUnderConcurrentAppends(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")

	const n = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			r.AppendDelta("c1", fmt.Sprintf("%d,", i))
		}
	}()

	sinks := make([]*recordingSink, 8)
	snaps := make([]*Snapshot, 8)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		snaps[i] = r.Subscribe("c1", sinks[i])
		require.NotNil(t, snaps[i])
	}
	<-done
	full := r.CompleteStream("c1")

	for i, sink := range sinks {
		events, closes := sink.snapshot()
		var b strings.Builder
		b.WriteString(snaps[i].Accumulated)
		for _, ev := range events {
			if ev.Type == EventText {
				b.WriteString(ev.Content)
			}
		}
		assert.Equal(t, full, b.String(), "sink %d saw a gap or duplicate", i)
		assert.Equal(t, 1, closes)
	}
}

func TestSubscribeWithoutStream(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Subscribe("missing", &recordingSink{}))
	r.Unsubscribe("missing", &recordingSink{})
	r.AppendDelta("missing", "x")
	assert.Equal(t, "", r.CompleteStream("missing"))
	assert.Equal(t, "", r.FailStream("missing", "boom"))
	assert.False(t, r.HasActiveStream("missing"))
}

func TestUnsubscribeIsSafeToRepeat(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	s := &recordingSink{}
	r.Subscribe("c1", s)
	r.Subscribe("c1", s)
	r.Unsubscribe("c1", s)
	r.Unsubscribe("c1", s)
	r.AppendDelta("c1", "x")
	r.CompleteStream("c1")
	r.Unsubscribe("c1", s)

	events, closes := s.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, 0, closes, "detached sinks are not closed by the registry")
}

func TestFailStreamPreservesPartialText(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	s := &recordingSink{}
	r.Subscribe("c1", s)
	r.AppendDelta("c1", "Hello")
	r.AppendDelta("c1", " wor")

	assert.Equal(t, "Hello wor", r.FailStream("c1", "upstream reset"))
	assert.False(t, r.HasActiveStream("c1"))

	r.AppendDelta("c1", "ld")
	events, closes := s.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, Failed("upstream reset"), events[2])
	assert.Equal(t, 1, closes)
}

func TestTerminalCallsAreIdempotent(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	s := &recordingSink{}
	r.Subscribe("c1", s)
	r.AppendDelta("c1", "abc")

	assert.Equal(t, "abc", r.CompleteStream("c1"))
	assert.Equal(t, "", r.CompleteStream("c1"))
	assert.Equal(t, "", r.FailStream("c1", "late"))

	_, closes := s.snapshot()
	assert.Equal(t, 1, closes)
	assert.False(t, r.HasActiveStream("c1"))
	assert.Empty(t, r.Active())
}

func TestDeadSinkIsDroppedSilently(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	dead := &recordingSink{fail: true}
	live := &recordingSink{}
	r.Subscribe("c1", dead)
	r.Subscribe("c1", live)

	r.AppendDelta("c1", "a")
	r.AppendDelta("c1", "b")
	snap, ok := r.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Subscribers)
	r.CompleteStream("c1")

	events, closes := live.snapshot()
	assert.Equal(t, []Event{Delta("a"), Delta("b"), Done("t1")}, events)
	assert.Equal(t, 1, closes)
	_, deadCloses := dead.snapshot()
	assert.Equal(t, 1, deadCloses)
}

func TestRestartAfterTerminal(t *testing.T) {
	r := NewRegistry()
	r.StartStream("c1", "t1")
	r.CompleteStream("c1")
	require.True(t, r.StartStream("c1", "t2"))
	snap, ok := r.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, "t2", snap.TurnID)
	assert.Empty(t, snap.Accumulated)
}

func TestShutdownFailsActiveStreams(t *testing.T) {
	r := NewRegistry()
	r.StartStream("a", "1")
	r.StartStream("b", "2")
	s := &recordingSink{}
	r.Subscribe("a", s)
	assert.Equal(t, 2, r.Shutdown("server shutting down"))
	assert.Empty(t, r.Active())
	events, _ := s.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

type countingObserver struct {
	mu                      sync.Mutex
	started, ended, dropped int
	last                    Status
}

func (o *countingObserver) StreamStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) StreamEnded(_ string, st Status, _ time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended++
	o.last = st
}

func (o *countingObserver) SubscriberDropped(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func TestObserverHooks(t *testing.T) {
	obs := &countingObserver{}
	r := NewRegistry(WithObserver(obs))
	r.StartStream("c1", "t1")
	r.Subscribe("c1", &recordingSink{fail: true})
	r.AppendDelta("c1", "x")
	r.FailStream("c1", "boom")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.ended)
	assert.Equal(t, 1, obs.dropped)
	assert.Equal(t, StatusFailed, obs.last)
}
