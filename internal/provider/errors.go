package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"

	"github.com/kursadbilgin/mail-relay/internal/domain"
)

// DeliveryError is a provider failure carrying its classification.
type DeliveryError struct {
	Kind    domain.ErrorKind
	Code    int
	Message string
	Cause   error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "delivery error")

	if e.Kind != domain.KindNone {
		parts = append(parts, e.Kind.String())
	}
	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Classify maps a send error onto the closed error kind set.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindNone
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.Kind != domain.KindNone {
		return deliveryErr.Kind
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			return domain.KindDNSTemporary
		}
		return domain.KindUnknown
	}

	if errors.Is(err, context.Canceled) {
		return domain.KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.KindConnectionTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindConnectionTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return domain.KindConnectionRefused
	}

	var replyErr *textproto.Error
	if errors.As(err, &replyErr) {
		return ClassifyReplyCode(replyErr.Code)
	}

	return domain.KindUnknown
}

// ClassifyReplyCode classifies an SMTP reply code.
func ClassifyReplyCode(code int) domain.ErrorKind {
	switch {
	case code == 530 || code == 534 || code == 535 || code == 538:
		return domain.KindAuthFailed
	case code == 550 || code == 551 || code == 553:
		return domain.KindRecipientRejected
	case code == 552 || code == 554:
		return domain.KindPayloadRejected
	case code >= 400 && code < 500:
		return domain.KindTemporaryReply
	default:
		return domain.KindUnknown
	}
}
