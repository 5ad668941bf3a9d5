package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/mail-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultSendsPerSecond int64 = 10
	minRetryAfter               = 5 * time.Millisecond
	window                      = time.Second
	keyPrefix                   = "mail-relay:ratelimit"
)

// sendCounterScript counts one send in the current window and returns the
// count so far. The counter expires with its window.
var sendCounterScript = goredis.NewScript(`
local sends = redis.call("INCR", KEYS[1])
if sends == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return sends
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps sends per transport per second across every relay
// instance pointing at the same Redis. A denied caller waits for the next
// window instead of polling.
type RedisRateLimiter struct {
	client         *goredis.Client
	sendsPerSecond int64
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, sendsPerSecond int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(sendsPerSecond), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	sendsPerSecond int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if sendsPerSecond <= 0 {
		sendsPerSecond = defaultSendsPerSecond
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:         client,
		sendsPerSecond: sendsPerSecond,
		now:            nowFn,
		sleep:          sleepFn,
	}, nil
}

// Allow reports whether one more send for key fits in the current window.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	retryAfter, err := r.reserve(ctx, key)
	if err != nil {
		return false, err
	}
	return retryAfter == 0, nil
}

// Wait blocks until a send for key is admitted or ctx is done.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		retryAfter, err := r.reserve(ctx, key)
		if err != nil {
			return err
		}
		if retryAfter == 0 {
			return nil
		}
		if err := r.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// reserve counts a send for key and returns zero when it is admitted, or how
// long until the window rolls over when it is not.
func (r *RedisRateLimiter) reserve(ctx context.Context, key string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	transport := strings.ToLower(strings.TrimSpace(key))
	if transport == "" {
		return 0, fmt.Errorf("key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now()
	sends, err := sendCounterScript.Run(ctx, r.client, []string{WindowKey(transport, now)}, int64(window/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to count send against rate limit: %w", err)
	}
	if sends <= r.sendsPerSecond {
		return 0, nil
	}

	return untilNextWindow(now), nil
}

// WindowKey is the Redis counter key for key during the second containing t.
func WindowKey(key string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, key, t.UTC().Unix())
}

func untilNextWindow(now time.Time) time.Duration {
	wait := now.Truncate(window).Add(window).Sub(now)
	if wait < minRetryAfter {
		return minRetryAfter
	}
	return wait
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
