package provider

import (
	"context"

	"github.com/kursadbilgin/mail-relay/internal/domain"
)

// Provider is the outbound mail delivery port.
type Provider interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (*ProviderResponse, error)
	Name() string
}

// ProviderResponse stores provider call metadata for logging.
type ProviderResponse struct {
	MessageID string
	Response  string
}
