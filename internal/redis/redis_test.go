package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewWithClient(rdb, zap.NewNop()), mr
}

var due = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func TestClaimStore_OneWinnerPerAttempt(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	a := NewClaimStore(client, "server-a", time.Minute, zap.NewNop())
	b := NewClaimStore(client, "server-b", time.Minute, zap.NewNop())

	won, err := a.Claim(ctx, "r1", due, 1)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = b.Claim(ctx, "r1", due, 1)
	if err != nil || won {
		t.Fatalf("second claim on same attempt: won=%v err=%v", won, err)
	}

	holder, err := b.Holder(ctx, "r1", due, 1)
	if err != nil || holder != "server-a" {
		t.Errorf("holder = %q (%v)", holder, err)
	}

	// A retry is a new claim.
	if won, _ := b.Claim(ctx, "r1", due, 2); !won {
		t.Error("retry attempt should be claimable")
	}
	// So is another occurrence of the same series.
	if won, _ := b.Claim(ctx, "r1", due.Add(24*time.Hour), 1); !won {
		t.Error("next occurrence should be claimable")
	}
}

func TestClaimStore_Expires(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	s := NewClaimStore(client, "server-a", time.Minute, zap.NewNop())

	if won, _ := s.Claim(ctx, "r1", due, 1); !won {
		t.Fatal("expected first claim to win")
	}
	mr.FastForward(2 * time.Minute)

	if holder, _ := s.Holder(ctx, "r1", due, 1); holder != "" {
		t.Errorf("claim survived its ttl: %q", holder)
	}
	if won, _ := s.Claim(ctx, "r1", due, 1); !won {
		t.Error("expired claim should be claimable again")
	}
}

func TestClaimStore_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	s := NewClaimStore(client, "server-a", 0, zap.NewNop())
	if _, err := s.Claim(context.Background(), "r1", due, 1); err == nil {
		t.Fatal("expected error with redis unavailable")
	}
}

func newLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)
	l := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
	clock := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, clock := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Millisecond)
		result, err := limiter.Allow(ctx, "admin:10.0.0.1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksThenSlides(t *testing.T) {
	limiter, clock := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	r, err := limiter.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Allowed || r.Remaining != 0 {
		t.Fatalf("expected rejection, got %+v", r)
	}

	if r, _ := limiter.Allow(ctx, "other"); !r.Allowed {
		t.Error("keys must be limited independently")
	}

	*clock = clock.Add(time.Minute)
	if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
		t.Error("old requests should slide out of the window")
	}
}
