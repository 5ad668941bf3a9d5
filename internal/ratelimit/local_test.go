package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalRateLimiterAllowBurst(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(2)

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(context.Background(), "smtp")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(context.Background(), "smtp")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Fatal("third call should be rejected by rate limit")
	}
}

func TestLocalRateLimiterPerKey(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(1)

	if allowed, _ := limiter.Allow(context.Background(), "smtp"); !allowed {
		t.Fatal("smtp should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), " HTTP "); !allowed {
		t.Fatal("http should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), "SMTP"); allowed {
		t.Fatal("keys should be case-insensitive")
	}
}

func TestLocalRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(1)
	if allowed, _ := limiter.Allow(context.Background(), "smtp"); !allowed {
		t.Fatal("expected first call to be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "smtp"); err == nil {
		t.Fatal("Wait() should fail when the deadline is shorter than the refill")
	}
}

func TestLocalRateLimiterRequiresKey(t *testing.T) {
	t.Parallel()

	limiter := NewLocalRateLimiter(0)
	if limiter.limitPerSec != defaultLimitPerSec {
		t.Fatalf("limitPerSec = %d, want %d", limiter.limitPerSec, defaultLimitPerSec)
	}

	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty key")
	}

	var nilLimiter *LocalRateLimiter
	if err := nilLimiter.Wait(context.Background(), "smtp"); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() on nil limiter error = %v", err)
	}
}
