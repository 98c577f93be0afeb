package metrics

import (
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

// Collector tracks request, stream and generation counters and renders them
// in Prometheus text format. It implements stream.Observer and the chat
// orchestrator's Recorder.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	requests           map[string]int64 // by route
	requestDurationMs  map[string]int64
	requestErrors      map[string]int64 // 5xx by route
	requestsInProgress int64

	// Rate limit metrics
	rateLimitHits   int64
	rateLimitByUser map[string]int64

	// Stream metrics
	streamsStarted     int64
	streamsEnded       map[string]int64 // by status
	streamDurationMs   int64
	streamChars        int64
	activeStreams      int64
	subscribersDropped int64

	// Generation metrics
	generations   map[string]int64 // provider|status
	persistFailed int64

	startTime time.Time
}

var _ stream.Observer = (*Collector)(nil)

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:           make(map[string]int64),
		requestDurationMs:  make(map[string]int64),
		requestErrors:      make(map[string]int64),
		rateLimitByUser:    make(map[string]int64),
		streamsEnded:       make(map[string]int64),
		generations:        make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequestStart increments in-progress requests. The route is not yet
// known when a request arrives, so the gauge is not labelled.
func (c *Collector) RecordRequestStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress++
}

// RecordRequest records a finished request.
func (c *Collector) RecordRequest(route string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress--
	c.requests[route]++
	c.requestDurationMs[route] += duration.Milliseconds()
	if status >= 500 {
		c.requestErrors[route]++
	}
}

// RecordRateLimitHit records a rejected generation start.
func (c *Collector) RecordRateLimitHit(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
	c.rateLimitByUser[userID]++
}

func (c *Collector) StreamStarted(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsStarted++
	c.activeStreams++
}

func (c *Collector) StreamEnded(_ string, status stream.Status, elapsed time.Duration, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStreams--
	c.streamsEnded[string(status)]++
	c.streamDurationMs += elapsed.Milliseconds()
	c.streamChars += int64(size)
}

func (c *Collector) SubscriberDropped(string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribersDropped++
}

// GenerationFinished counts a generation outcome per provider.
func (c *Collector) GenerationFinished(p provider.Type, status stream.Status) {
	name := string(p)
	if name == "" {
		name = "unrouted"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[name+"|"+string(status)]++
}

// PersistFailed counts a conversation checkpoint that could not be written.
func (c *Collector) PersistFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistFailed++
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	Requests           map[string]int64
	RequestDurationMs  map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress int64
	RateLimitHits      int64
	RateLimitByUser    map[string]int64
	StreamsStarted     int64
	StreamsEnded       map[string]int64
	StreamDurationMs   int64
	StreamChars        int64
	ActiveStreams      int64
	SubscribersDropped int64
	Generations        map[string]int64
	PersistFailed      int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		Requests:           copyMap(c.requests),
		RequestDurationMs:  copyMap(c.requestDurationMs),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: c.requestsInProgress,
		RateLimitHits:      c.rateLimitHits,
		RateLimitByUser:    copyMap(c.rateLimitByUser),
		StreamsStarted:     c.streamsStarted,
		StreamsEnded:       copyMap(c.streamsEnded),
		StreamDurationMs:   c.streamDurationMs,
		StreamChars:        c.streamChars,
		ActiveStreams:      c.activeStreams,
		SubscribersDropped: c.subscribersDropped,
		Generations:        copyMap(c.generations),
		PersistFailed:      c.persistFailed,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
