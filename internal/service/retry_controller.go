package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"github.com/kursadbilgin/mail-relay/internal/provider"
	"github.com/kursadbilgin/mail-relay/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	reasonAbandoned  = "abandoned"
	reasonRateLimit  = "rate_limit"
	reasonNoProvider = "not_configured"
)

// Result is the terminal outcome of one delivery sequence.
type Result struct {
	State     domain.DeliveryState
	Attempts  []domain.DeliveryAttempt
	MessageID string
	Kind      domain.ErrorKind
	Err       error
	Elapsed   time.Duration
}

// RetryController drives a single message through send attempts until it is
// delivered, fails terminally, runs out of attempts or is abandoned.
type RetryController struct {
	provider    provider.Provider
	rateLimiter ratelimit.RateLimiter
	policy      RetryPolicy
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRetryController(
	provider provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	policy RetryPolicy,
	logger *zap.Logger,
) *RetryController {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryController{
		provider:    provider,
		rateLimiter: rateLimiter,
		policy:      policy,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepWithContext,
	}
}

func (c *RetryController) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *RetryController) Policy() RetryPolicy {
	return c.policy
}

// Deliver runs the attempt loop. The caller's ctx is the dispatcher's lifetime,
// so cancelling it abandons the message, including a pending retry wait.
func (c *RetryController) Deliver(ctx context.Context, msg domain.OutboundMessage) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	start := c.now()
	result := Result{State: domain.StatePending}

	if c.provider == nil {
		result.State = domain.StateFailed
		result.Kind = domain.KindUnknown
		result.Err = domain.ErrNotConfigured
		return c.finish(ctx, start, result, reasonNoProvider)
	}

	transport := c.provider.Name()
	logger := c.contextLogger(ctx)

	c.metrics.IncDeliveriesInFlight()
	defer c.metrics.DecDeliveriesInFlight()

	maxAttempts := c.policy.MaxAttempts()
	// Attempt indexes are 0-based; a retry is scheduled only while
	// index < MaxAdditionalAttempts.
	for index := 0; index < maxAttempts; index++ {
		if err := ctx.Err(); err != nil {
			result.State = domain.StateAbandoned
			result.Err = err
			return c.finish(ctx, start, result, reasonAbandoned)
		}

		result.State = domain.StateAttempting

		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx, transport); err != nil {
				if ctx.Err() != nil {
					result.State = domain.StateAbandoned
					result.Err = ctx.Err()
					return c.finish(ctx, start, result, reasonAbandoned)
				}
				result.State = domain.StateFailed
				result.Kind = domain.KindUnknown
				result.Err = fmt.Errorf("rate limiter wait failed: %w", err)
				return c.finish(ctx, start, result, reasonRateLimit)
			}
		}

		attempt := c.attempt(ctx, index, msg)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Succeeded() {
			result.State = domain.StateSucceeded
			result.MessageID = attempt.MessageID
			result.Kind = domain.KindNone
			result.Err = nil
			return c.finish(ctx, start, result, "")
		}

		result.State = domain.StateEvaluating
		result.Kind = attempt.Kind
		result.Err = attempt.Err

		if ctx.Err() != nil {
			result.State = domain.StateAbandoned
			return c.finish(ctx, start, result, reasonAbandoned)
		}
		if !c.policy.IsRetryable(attempt.Kind) || index >= c.policy.MaxAdditionalAttempts() {
			result.State = domain.StateFailed
			return c.finish(ctx, start, result, attempt.Kind.String())
		}

		logger.Warn("delivery attempt failed, retrying",
			zap.Int("attemptIndex", index),
			zap.Int("attempt", index+1),
			zap.Int("maxAttempts", maxAttempts),
			zap.String("kind", attempt.Kind.String()),
			zap.Duration("retryIn", c.policy.Delay()),
			zap.Error(attempt.Err),
		)
		c.metrics.IncRetryScheduled(transport, attempt.Kind.String())

		if err := c.sleep(ctx, c.policy.Delay()); err != nil {
			result.State = domain.StateAbandoned
			return c.finish(ctx, start, result, reasonAbandoned)
		}
	}

	// MaxAttempts is at least one, so the loop always returns.
	result.State = domain.StateFailed
	return c.finish(ctx, start, result, result.Kind.String())
}

func (c *RetryController) attempt(ctx context.Context, index int, msg domain.OutboundMessage) domain.DeliveryAttempt {
	startedAt := c.now()
	resp, err := c.provider.Send(ctx, msg)
	duration := c.now().Sub(startedAt)

	attempt := domain.DeliveryAttempt{
		Index:     index,
		Err:       err,
		Kind:      provider.Classify(err),
		StartedAt: startedAt,
		Duration:  duration,
	}
	if resp != nil {
		attempt.MessageID = resp.MessageID
	}

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	c.metrics.ObserveAttemptDuration(c.provider.Name(), outcome, duration)

	return attempt
}

func (c *RetryController) finish(ctx context.Context, start time.Time, result Result, reason string) Result {
	result.Elapsed = c.now().Sub(start)

	transport := reasonNoProvider
	if c.provider != nil {
		transport = c.provider.Name()
	}

	logger := c.contextLogger(ctx).With(
		zap.String("transport", transport),
		zap.String("state", result.State.String()),
		zap.Int("attempts", len(result.Attempts)),
		zap.Duration("elapsed", result.Elapsed),
	)

	switch result.State {
	case domain.StateSucceeded:
		c.metrics.IncMessageDelivered(transport)
		logger.Info("message delivered", zap.String("messageId", result.MessageID))
	case domain.StateAbandoned:
		c.metrics.IncMessageFailed(transport, reason)
		logger.Warn("delivery abandoned", zap.Error(result.Err))
	default:
		c.metrics.IncMessageFailed(transport, reason)
		logger.Error("delivery failed",
			zap.String("kind", result.Kind.String()),
			zap.Error(result.Err),
		)
	}

	return result
}

func (c *RetryController) contextLogger(ctx context.Context) *zap.Logger {
	return observability.WithContextLogger(c.logger, ctx)
}

// sleepWithContext waits for d on an explicit timer so a shutdown can cut the
// wait short.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
