package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tokligence/tokligence-chat/internal/logging"
)

// KeyFunc extracts the rate limit key from a request. It normally returns
// the authenticated user id.
type KeyFunc func(*http.Request) string

// Middleware rejects requests once their key has exhausted its bucket.
type Middleware struct {
	limiter   *Limiter
	enabled   bool
	key       KeyFunc
	logger    *logging.Logger
	onLimited func(key string)
}

// NewMiddleware creates a rate limiting middleware. onLimited may be nil.
func NewMiddleware(limiter *Limiter, enabled bool, key KeyFunc, logger *logging.Logger, onLimited func(string)) *Middleware {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Middleware{
		limiter:   limiter,
		enabled:   enabled,
		key:       key,
		logger:    logger,
		onLimited: onLimited,
	}
}

// Wrap applies rate limiting to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Allow(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

// Allow consumes a token for the request's key. When the key is exhausted it
// writes the 429 response and returns false.
func (m *Middleware) Allow(w http.ResponseWriter, r *http.Request) bool {
	if !m.enabled || m.limiter == nil {
		return true
	}
	key := m.key(r)
	if key == "" {
		return true
	}
	allowed := m.limiter.Allow(r.Context(), key)
	m.addRateLimitHeaders(w, r, key)
	if allowed {
		return true
	}
	m.logger.Warnf("rate limit exceeded: user=%s path=%s", key, r.URL.Path)
	if m.onLimited != nil {
		m.onLimited(key)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(int(m.limiter.TokenInterval().Seconds())+1))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded. Please try again later."})
	return false
}

// addRateLimitHeaders sets the draft-polli-ratelimit-headers fields.
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, r *http.Request, key string) {
	limit := m.limiter.Limit()
	remaining := m.limiter.Remaining(r.Context(), key)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
	if remaining < limit {
		reset := time.Now().Add(m.limiter.ResetAfter(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
