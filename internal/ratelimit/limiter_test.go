package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllowPerKey(t *testing.T) {
	limiter := NewLimiter(Config{PerMinute: 60, Burst: 3})
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("4th request should be denied")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Fatal("different user should have a separate bucket")
	}
	if !limiter.Allow(ctx, "") {
		t.Fatal("empty key is never limited")
	}
}

func TestLimiterRemaining(t *testing.T) {
	limiter := NewLimiter(Config{PerMinute: 1, Burst: 5})
	defer limiter.Close()
	ctx := context.Background()

	if got := limiter.Remaining(ctx, "u"); got != 5 {
		t.Fatalf("expected untouched key to report full capacity, got %f", got)
	}
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, "u")
	}
	if limiter.Allow(ctx, "u") {
		t.Fatal("should be denied once the burst is spent")
	}
	if got := limiter.Remaining(ctx, "u"); got >= 1 {
		t.Fatalf("expected an empty bucket, got %f", got)
	}
	if got := limiter.Remaining(ctx, "other"); got != 5 {
		t.Fatalf("keys must not share a bucket, got %f", got)
	}
}

func TestLimiterDefaults(t *testing.T) {
	limiter := NewLimiter(Config{})
	defer limiter.Close()
	if limiter.Limit() != 10 {
		t.Fatalf("expected burst 10, got %f", limiter.Limit())
	}
	if limiter.TokenInterval() != 2*time.Second {
		t.Fatalf("expected 2s per token at 30/min, got %s", limiter.TokenInterval())
	}
	if limiter.ResetAfter(8) != 4*time.Second {
		t.Fatalf("unexpected reset duration %s", limiter.ResetAfter(8))
	}
}

func TestMemoryStoreCleanup(t *testing.T) {
	store := NewMemoryStoreWithCleanup(0)
	defer store.Close()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		store.Allow(ctx, key, 10, 1)
	}
	store.Allow(ctx, "c", 10, 1)
	if store.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", store.Len())
	}
	store.cleanup()
	if store.Len() != 3 {
		t.Fatalf("recently used buckets must survive, got %d", store.Len())
	}
	now = now.Add(time.Minute)
	store.cleanup()
	if store.Len() != 0 {
		t.Fatalf("refilled buckets should be swept, got %d", store.Len())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	limiter := NewLimiter(Config{PerMinute: 60, Burst: 2})
	defer limiter.Close()
	var limited []string
	mw := NewMiddleware(limiter, true, func(r *http.Request) string {
		return r.Header.Get("X-User")
	}, nil, func(k string) { limited = append(limited, k) })
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/stream", nil)
		req.Header.Set("X-User", "user-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "2" || first.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected headers %v", first.Header())
	}
	do()
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("missing reset headers %v", rec.Header())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if len(limited) != 1 || limited[0] != "user-1" {
		t.Fatalf("unexpected limited callbacks %v", limited)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	limiter := NewLimiter(Config{PerMinute: 1, Burst: 1})
	defer limiter.Close()
	mw := NewMiddleware(limiter, false, func(*http.Request) string { return "u" }, nil, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled middleware must not limit, got %d", rec.Code)
		}
	}
}
