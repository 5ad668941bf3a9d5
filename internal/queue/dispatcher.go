package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"go.uber.org/zap"
)

var _ Queue = (*Dispatcher)(nil)

// Dispatcher runs every accepted message on its own goroutine bound to a
// background context owned by the dispatcher, never the request context.
type Dispatcher struct {
	handler MessageHandler
	logger  *zap.Logger
	metrics *observability.Metrics
	newID   func() string
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewDispatcher(handler MessageHandler, logger *zap.Logger) (*Dispatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		handler: handler,
		logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
		baseCtx: baseCtx,
		cancel:  cancel,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch validates msg and schedules exactly one background delivery. The
// receipt id is the request's correlation id when one is present on ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.OutboundMessage) (Receipt, error) {
	if d == nil {
		return Receipt{}, fmt.Errorf("dispatcher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Receipt{}, domain.ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	id, ok := observability.CorrelationIDFromContext(ctx)
	if !ok {
		id = d.newID()
	}
	msg.CorrelationID = id

	deliveryCtx := observability.WithCorrelationID(d.baseCtx, id)
	d.inflight.Add(1)
	d.metrics.IncMessageAccepted()

	go d.run(deliveryCtx, msg)

	return Receipt{ID: id, AcceptedAt: d.now().UTC()}, nil
}

func (d *Dispatcher) run(ctx context.Context, msg domain.OutboundMessage) {
	logger := observability.WithContextLogger(d.logger, ctx)

	defer d.wg.Done()
	defer d.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background delivery panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	logger.Debug("background delivery started", observability.RecipientFields(msg.Recipients())...)
	d.handler(ctx, msg)
}

// Shutdown stops accepting messages, cancels the background context so pending
// retry waits end immediately, and waits for running deliveries until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if pending := d.InFlight(); pending > 0 {
		d.logger.Info("abandoning in-flight deliveries", zap.Int("inFlight", pending))
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain deliveries: %w", ctx.Err())
	}
}

func (d *Dispatcher) InFlight() int {
	if d == nil {
		return 0
	}
	return int(d.inflight.Load())
}
