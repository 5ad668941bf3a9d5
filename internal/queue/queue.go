package queue

import (
	"context"

	"github.com/kursadbilgin/mail-relay/internal/domain"
)

// MessageHandler delivers one accepted message. It runs detached from the request
// that produced the message and reports its outcome through logs and metrics.
type MessageHandler func(ctx context.Context, msg domain.OutboundMessage)

// Queue accepts messages for background delivery.
type Queue interface {
	Dispatch(ctx context.Context, msg domain.OutboundMessage) (Receipt, error)
	Shutdown(ctx context.Context) error
	InFlight() int
}
