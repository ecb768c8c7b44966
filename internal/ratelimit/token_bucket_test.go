package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "acme")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "acme")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "acme")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter < time.Second {
		t.Fatalf("expected a retry hint, got %s", d.RetryAfter)
	}

	// Tenants have independent buckets.
	d, _ = bucket.Allow(ctx, "globex")
	if !d.Allowed {
		t.Fatalf("other tenant should not be throttled")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 2)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	// The script takes time from the caller, so the clock is moved here rather than in miniredis.
	bucket.now = func() time.Time { return now }

	if d, _ := bucket.Allow(ctx, "acme"); !d.Allowed {
		t.Fatalf("expected initial token")
	}
	if d, _ := bucket.Allow(ctx, "acme"); d.Allowed {
		t.Fatalf("bucket should be empty")
	}
	now = now.Add(600 * time.Millisecond)
	d, err := bucket.Allow(ctx, "acme")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refilled token, got %+v err=%v", d, err)
	}
}

func TestZeroCapacityDisablesLimit(t *testing.T) {
	bucket := newBucket(t, 0, 0)
	for i := 0; i < 5; i++ {
		if d, err := bucket.Allow(context.Background(), "acme"); err != nil || !d.Allowed {
			t.Fatalf("zero capacity should allow everything, got %+v err=%v", d, err)
		}
	}
}
