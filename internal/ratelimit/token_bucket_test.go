package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestBucket(t *testing.T, capacity int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, 1, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2)

	allowed, remaining, err := bucket.Allow(ctx, "client")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	if remaining < 0.9 || remaining > 1.1 {
		t.Fatalf("expected about one token left, got %v", remaining)
	}
	allowed, _, _ = bucket.Allow(ctx, "client")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "client")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "other"); !allowed {
		t.Fatalf("buckets must be per client")
	}

	// Refill cannot be tested with miniredis.FastForward(): the script gets the
	// time from Go's time.Now(), not Redis's clock.
}

func TestMiddleware(t *testing.T) {
	bucket, mr := newTestBucket(t, 1)
	h := bucket.Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/generate", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := call(); code != http.StatusNoContent {
		t.Fatalf("first request %d", code)
	}
	if code := call(); code != http.StatusTooManyRequests {
		t.Fatalf("second request %d", code)
	}
	if !mr.Exists("rl:203.0.113.7") {
		t.Fatalf("bucket should be keyed by client ip")
	}

	mr.Close()
	if code := call(); code != http.StatusNoContent {
		t.Fatalf("outage should fall back to a fresh local bucket, got %d", code)
	}
	if code := call(); code != http.StatusTooManyRequests {
		t.Fatalf("local bucket should enforce capacity, got %d", code)
	}
}
