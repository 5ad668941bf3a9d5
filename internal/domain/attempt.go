package domain

import "time"

// ErrorKind is the closed classification assigned to a failed delivery attempt.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindConnectionTimeout ErrorKind = "connection_timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindDNSTemporary      ErrorKind = "dns_temporary"
	KindTemporaryReply    ErrorKind = "temporary_reply"
	KindAuthFailed        ErrorKind = "auth_failed"
	KindRecipientRejected ErrorKind = "recipient_rejected"
	KindPayloadRejected   ErrorKind = "payload_rejected"
	KindUnknown           ErrorKind = "unknown"
)

func (k ErrorKind) String() string { return string(k) }

func (k ErrorKind) IsValid() bool {
	switch k {
	case KindConnectionTimeout, KindConnectionRefused, KindDNSTemporary, KindTemporaryReply,
		KindAuthFailed, KindRecipientRejected, KindPayloadRejected, KindUnknown:
		return true
	}
	return false
}

// DeliveryState is the lifecycle state of one message's delivery sequence.
type DeliveryState string

const (
	StatePending    DeliveryState = "PENDING"
	StateAttempting DeliveryState = "ATTEMPTING"
	StateEvaluating DeliveryState = "EVALUATING"
	StateSucceeded  DeliveryState = "SUCCEEDED"
	StateFailed     DeliveryState = "FAILED"
	StateAbandoned  DeliveryState = "ABANDONED"
)

func (s DeliveryState) String() string { return string(s) }

func (s DeliveryState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// DeliveryAttempt records a single try. It is never persisted.
type DeliveryAttempt struct {
	// Index is 0-based: the first try is 0, the first retry is 1.
	Index     int
	MessageID string
	Kind      ErrorKind
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

func (a DeliveryAttempt) Succeeded() bool {
	return a.Err == nil
}
