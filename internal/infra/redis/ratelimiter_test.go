package redis

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisRateLimiterAllowWithinWindow(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedis(t)

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newRedisRateLimiter(rdb, 2, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	steps := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{name: "first send", want: true},
		{name: "second send", advance: 300 * time.Millisecond, want: true},
		{name: "over limit", advance: 300 * time.Millisecond, want: false},
		{name: "next window", advance: 400 * time.Millisecond, want: true},
	}

	for _, step := range steps {
		now = now.Add(step.advance)

		allowed, err := limiter.Allow(context.Background(), "smtp")
		if err != nil {
			t.Fatalf("%s: Allow() error = %v", step.name, err)
		}
		if allowed != step.want {
			t.Fatalf("%s: Allow() = %v, want %v", step.name, allowed, step.want)
		}
	}
}

func TestRedisRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedis(t)

	now := time.Unix(1_700_000_100, 0)
	limiter, err := newRedisRateLimiter(rdb, 1, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	tests := []struct {
		key  string
		want bool
	}{
		{key: "smtp", want: true},
		{key: "http", want: true},
		{key: "SMTP", want: false},
		{key: "http", want: false},
	}

	for _, tt := range tests {
		allowed, err := limiter.Allow(context.Background(), tt.key)
		if err != nil {
			t.Fatalf("Allow(%s) error = %v", tt.key, err)
		}
		if allowed != tt.want {
			t.Fatalf("Allow(%s) = %v, want %v", tt.key, allowed, tt.want)
		}
	}

	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank key")
	}
}

func TestRedisRateLimiterWaitSleepsUntilNextWindow(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedis(t)

	now := time.Unix(1_700_000_200, 0).Add(250 * time.Millisecond)
	var sleeps []time.Duration
	limiter, err := newRedisRateLimiter(
		rdb,
		1,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			now = now.Add(d)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "smtp"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := limiter.Wait(context.Background(), "smtp"); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}

	want := []time.Duration{750 * time.Millisecond}
	if !reflect.DeepEqual(sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
}

func TestRedisRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedis(t)

	now := time.Unix(1_700_000_300, 0)
	limiter, err := newRedisRateLimiter(rdb, 1, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "smtp"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx, "smtp")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRedisRateLimiterRedisUnavailable(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedis(t)
	mr.Close()

	limiter, err := NewRedisRateLimiter(rdb, 1)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "smtp"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestRedisRateLimiterWindowKeyExpires(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedis(t)

	now := time.Unix(1_700_000_400, 0)
	limiter, err := newRedisRateLimiter(rdb, 5, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if _, err := limiter.Allow(context.Background(), " SMTP "); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	key := WindowKey("smtp", now)
	if key != "mail-relay:ratelimit:smtp:1700000400" {
		t.Fatalf("WindowKey() = %q", key)
	}
	if !mr.Exists(key) {
		t.Fatalf("expected counter key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl != time.Second {
		t.Fatalf("TTL(%q) = %v, want 1s", key, ttl)
	}
}

func TestUntilNextWindow(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_500, 0)
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{name: "window start", now: base, want: time.Second},
		{name: "mid window", now: base.Add(400 * time.Millisecond), want: 600 * time.Millisecond},
		{name: "window end is floored", now: base.Add(999 * time.Millisecond), want: minRetryAfter},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := untilNextWindow(tt.now); got != tt.want {
				t.Fatalf("untilNextWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRedisRateLimiterRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisRateLimiter(nil, 1); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func newTestRedis(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb, mr
}
