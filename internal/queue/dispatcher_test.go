package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDispatcherRequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := NewDispatcher(nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestDispatcherRejectsMissingRecipient(t *testing.T) {
	t.Parallel()

	calls := 0
	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		calls++
	}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	for _, msg := range []domain.OutboundMessage{
		{},
		{To: []string{"", "   "}},
	} {
		_, err := dispatcher.Dispatch(context.Background(), msg)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Dispatch() error = %v, want ErrValidation", err)
		}
	}

	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler calls = %d, want 0", calls)
	}
}

func TestDispatcherReturnsBeforeDelivery(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	delivered := make(chan domain.OutboundMessage, 1)

	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		<-release
		delivered <- msg
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	dispatcher.newID = func() string { return "dispatch-1" }

	receipt, err := dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{"user@example.com"}})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if receipt.ID != "dispatch-1" {
		t.Fatalf("receipt ID = %q, want dispatch-1", receipt.ID)
	}
	if receipt.AcceptedAt.IsZero() {
		t.Fatal("receipt AcceptedAt should be set")
	}
	if got := dispatcher.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}

	select {
	case <-delivered:
		t.Fatal("delivery completed before being released")
	default:
	}

	close(release)

	select {
	case msg := <-delivered:
		if msg.CorrelationID != "dispatch-1" {
			t.Fatalf("CorrelationID = %q, want dispatch-1", msg.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never ran")
	}

	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := dispatcher.InFlight(); got != 0 {
		t.Fatalf("InFlight() = %d, want 0", got)
	}
}

func TestDispatcherDetachesFromRequestContext(t *testing.T) {
	t.Parallel()

	result := make(chan error, 1)
	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		time.Sleep(20 * time.Millisecond)
		result <- ctx.Err()
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	requestCtx, cancel := context.WithCancel(observability.WithCorrelationID(context.Background(), "req-42"))
	receipt, err := dispatcher.Dispatch(requestCtx, domain.OutboundMessage{To: []string{"user@example.com"}})
	cancel()
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if receipt.ID != "req-42" {
		t.Fatalf("receipt ID = %q, want request correlation id", receipt.ID)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("delivery context error = %v, want nil after request ends", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never ran")
	}
}

func TestDispatcherRunsEachMessageOnce(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		count = map[string]int{}
		wg    sync.WaitGroup
	)

	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		defer wg.Done()
		mu.Lock()
		count[msg.To[0]]++
		mu.Unlock()
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	recipients := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	wg.Add(len(recipients))
	for _, recipient := range recipients {
		if _, err := dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{recipient}}); err != nil {
			t.Fatalf("Dispatch(%s) error = %v", recipient, err)
		}
	}
	wg.Wait()

	for _, recipient := range recipients {
		if count[recipient] != 1 {
			t.Fatalf("handler ran %d times for %s, want 1", count[recipient], recipient)
		}
	}
}

func TestDispatcherShutdownCancelsPendingWork(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		close(started)
		timer := time.NewTimer(time.Hour)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if _, err := dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{"user@example.com"}}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, err = dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{"user@example.com"}})
	if !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("Dispatch() after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestDispatcherShutdownDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		<-release
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if _, err := dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{"user@example.com"}}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.ErrorLevel)
	dispatcher, err := NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		panic("boom")
	}, zap.New(core))
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if _, err := dispatcher.Dispatch(context.Background(), domain.OutboundMessage{To: []string{"user@example.com"}}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	entries := recorded.FilterMessage("background delivery panicked").All()
	if len(entries) != 1 {
		t.Fatalf("panic log entries = %d, want 1", len(entries))
	}
	if dispatcher.InFlight() != 0 {
		t.Fatalf("InFlight() = %d, want 0", dispatcher.InFlight())
	}
}
