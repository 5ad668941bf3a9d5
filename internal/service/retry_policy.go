package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/mail-relay/internal/domain"
)

const (
	DefaultMaxAdditionalAttempts = 2
	DefaultRetryDelay            = 5 * time.Second
)

// DefaultRetryableKinds are the connection-level failures worth another try.
func DefaultRetryableKinds() []domain.ErrorKind {
	return []domain.ErrorKind{
		domain.KindConnectionTimeout,
		domain.KindConnectionRefused,
		domain.KindDNSTemporary,
	}
}

// RetryPolicy bounds and paces retries of one message. The zero value allows a
// single attempt and retries nothing.
type RetryPolicy struct {
	maxAdditional int
	delay         time.Duration
	retryable     map[domain.ErrorKind]struct{}
}

// NewRetryPolicy builds a policy. Negative values clamp to zero and an empty kind
// list selects DefaultRetryableKinds.
func NewRetryPolicy(maxAdditional int, delay time.Duration, kinds ...domain.ErrorKind) RetryPolicy {
	if maxAdditional < 0 {
		maxAdditional = 0
	}
	if delay < 0 {
		delay = 0
	}
	if len(kinds) == 0 {
		kinds = DefaultRetryableKinds()
	}

	retryable := make(map[domain.ErrorKind]struct{}, len(kinds))
	for _, kind := range kinds {
		if kind.IsValid() {
			retryable[kind] = struct{}{}
		}
	}

	return RetryPolicy{
		maxAdditional: maxAdditional,
		delay:         delay,
		retryable:     retryable,
	}
}

func (p RetryPolicy) MaxAdditionalAttempts() int {
	return p.maxAdditional
}

func (p RetryPolicy) MaxAttempts() int {
	return 1 + p.maxAdditional
}

func (p RetryPolicy) Delay() time.Duration {
	return p.delay
}

func (p RetryPolicy) IsRetryable(kind domain.ErrorKind) bool {
	_, ok := p.retryable[kind]
	return ok
}

// RetryableKinds returns the retryable set in a stable order for logging.
func (p RetryPolicy) RetryableKinds() []string {
	kinds := make([]string, 0, len(p.retryable))
	for kind := range p.retryable {
		kinds = append(kinds, kind.String())
	}
	sort.Strings(kinds)
	return kinds
}

// ParseRetryableKinds parses a comma separated list of error kinds. An empty
// input returns nil, which NewRetryPolicy treats as the default set.
func ParseRetryableKinds(raw string) ([]domain.ErrorKind, error) {
	var kinds []domain.ErrorKind
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}

		kind := domain.ErrorKind(name)
		if !kind.IsValid() {
			return nil, fmt.Errorf("unknown error kind %q", part)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
