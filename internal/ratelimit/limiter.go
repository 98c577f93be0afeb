package ratelimit

import (
	"context"
	"time"

	"github.com/tokligence/tokligence-chat/internal/config"
)

// Store is a rate limit backend keyed by an opaque string, usually a user id.
type Store interface {
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Close() error
}

// Limiter applies one token bucket policy per key.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds the limiter policy.
type Config struct {
	Store Store // defaults to a MemoryStore

	PerMinute float64 // sustained rate
	Burst     float64 // burst capacity
}

// DefaultConfig returns the chatd defaults: 30 generations a minute with a
// burst of 10.
func DefaultConfig() Config {
	return Config{PerMinute: 30, Burst: 10}
}

// FromSettings converts the loaded configuration.
func FromSettings(rl config.RateLimitConfig) Config {
	return Config{PerMinute: rl.PerMinute, Burst: rl.Burst}
}

// NewLimiter creates a limiter, filling unset values from DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.Burst,
		refillRate: cfg.PerMinute / 60,
	}
}

// Allow consumes a token for key. An empty key is never limited and store
// errors fail open.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return true
	}
	return allowed
}

// Remaining returns the tokens left for key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Limit is the burst capacity reported in headers.
func (l *Limiter) Limit() float64 { return l.capacity }

// ResetAfter returns how long until the bucket for a key holding remaining
// tokens is full again.
func (l *Limiter) ResetAfter(remaining float64) time.Duration {
	if remaining >= l.capacity || l.refillRate <= 0 {
		return 0
	}
	return secondsToDuration((l.capacity - remaining) / l.refillRate)
}

// TokenInterval is how long one token takes to refill.
func (l *Limiter) TokenInterval() time.Duration {
	if l.refillRate <= 0 {
		return 0
	}
	return secondsToDuration(1 / l.refillRate)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
