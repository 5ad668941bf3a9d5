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
	"testing"

	"github.com/kursadbilgin/mail-relay/internal/domain"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "nil", err: nil, want: domain.KindNone},
		{name: "explicit kind wins", err: &DeliveryError{Kind: domain.KindAuthFailed, Cause: io.EOF}, want: domain.KindAuthFailed},
		{name: "deadline exceeded", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: domain.KindConnectionTimeout},
		{name: "os deadline", err: &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, want: domain.KindConnectionTimeout},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutError{}}, want: domain.KindConnectionTimeout},
		{name: "refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: domain.KindConnectionRefused},
		{name: "reset", err: &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, want: domain.KindConnectionRefused},
		{name: "aborted", err: os.NewSyscallError("write", syscall.ECONNABORTED), want: domain.KindConnectionRefused},
		{name: "eof mid session", err: fmt.Errorf("greeting: %w", io.EOF), want: domain.KindConnectionRefused},
		{name: "dns temporary", err: &net.DNSError{Err: "server misbehaving", Name: "smtp.example.com", IsTemporary: true}, want: domain.KindDNSTemporary},
		{name: "dns timeout", err: &net.DNSError{Err: "timeout", Name: "smtp.example.com", IsTimeout: true}, want: domain.KindDNSTemporary},
		{name: "dns not found", err: &net.DNSError{Err: "no such host", Name: "smtp.example.com", IsNotFound: true}, want: domain.KindUnknown},
		{name: "auth reply", err: &textproto.Error{Code: 535, Msg: "bad credentials"}, want: domain.KindAuthFailed},
		{name: "mailbox reply", err: &textproto.Error{Code: 550, Msg: "no such user"}, want: domain.KindRecipientRejected},
		{name: "size reply", err: &textproto.Error{Code: 552, Msg: "too big"}, want: domain.KindPayloadRejected},
		{name: "greylisted reply", err: &textproto.Error{Code: 451, Msg: "try later"}, want: domain.KindTemporaryReply},
		{name: "canceled", err: context.Canceled, want: domain.KindUnknown},
		{name: "plain error", err: errors.New("boom"), want: domain.KindUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestPhaseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		permanent domain.ErrorKind
		err       error
		want      domain.ErrorKind
		wantCode  int
	}{
		{name: "rcpt 5xx", permanent: domain.KindRecipientRejected, err: &textproto.Error{Code: 501, Msg: "bad address"}, want: domain.KindRecipientRejected, wantCode: 501},
		{name: "rcpt 4xx stays temporary", permanent: domain.KindRecipientRejected, err: &textproto.Error{Code: 450, Msg: "mailbox busy"}, want: domain.KindTemporaryReply, wantCode: 450},
		{name: "auth 454", permanent: domain.KindAuthFailed, err: &textproto.Error{Code: 454, Msg: "temporary auth failure"}, want: domain.KindAuthFailed, wantCode: 454},
		{name: "auth client refusal", permanent: domain.KindAuthFailed, err: errors.New("unencrypted connection"), want: domain.KindAuthFailed},
		{name: "auth timeout stays timeout", permanent: domain.KindAuthFailed, err: &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, want: domain.KindConnectionTimeout},
		{name: "data 554", permanent: domain.KindPayloadRejected, err: &textproto.Error{Code: 554, Msg: "spam"}, want: domain.KindPayloadRejected, wantCode: 554},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := phaseError("phase", tt.permanent, tt.err)

			var deliveryErr *DeliveryError
			if !errors.As(err, &deliveryErr) {
				t.Fatalf("expected DeliveryError, got %T", err)
			}
			if deliveryErr.Kind != tt.want {
				t.Fatalf("Kind = %s, want %s", deliveryErr.Kind, tt.want)
			}
			if deliveryErr.Code != tt.wantCode {
				t.Fatalf("Code = %d, want %d", deliveryErr.Code, tt.wantCode)
			}
			if !errors.Is(err, tt.err) {
				t.Fatal("phase error should unwrap to its cause")
			}
		})
	}
}

func TestDeliveryErrorMessage(t *testing.T) {
	t.Parallel()

	err := &DeliveryError{
		Kind:    domain.KindRecipientRejected,
		Code:    550,
		Message: "rcpt to failed",
		Cause:   errors.New("no such user"),
	}

	got := err.Error()
	for _, part := range []string{"recipient_rejected", "code=550", "rcpt to failed", "no such user"} {
		if !strings.Contains(got, part) {
			t.Fatalf("Error() = %q, missing %q", got, part)
		}
	}

	var nilErr *DeliveryError
	if nilErr.Error() != "<nil>" {
		t.Fatalf("nil Error() = %q", nilErr.Error())
	}
}
