package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	DefaultAttachmentContentType = "application/pdf"
	DefaultAttachmentEncoding    = "base64"
)

// MissingRecipientMessage is the client-facing text for a request without a recipient.
const MissingRecipientMessage = "Missing 'to' email address"

// Attachment is a file carried with an outbound message. Content is passed through
// as supplied; only its encoding is interpreted.
type Attachment struct {
	Filename    string
	Content     string
	ContentType string
	Encoding    string
}

// WithDefaults returns a copy with blank content type and encoding filled in.
func (a Attachment) WithDefaults() Attachment {
	if strings.TrimSpace(a.ContentType) == "" {
		a.ContentType = DefaultAttachmentContentType
	}
	if strings.TrimSpace(a.Encoding) == "" {
		a.Encoding = DefaultAttachmentEncoding
	}
	return a
}

// Decode returns the raw attachment bytes.
func (a Attachment) Decode() ([]byte, error) {
	a = a.WithDefaults()

	if !strings.EqualFold(strings.TrimSpace(a.Encoding), DefaultAttachmentEncoding) {
		return []byte(a.Content), nil
	}

	// Clients frequently wrap base64 at 76 columns.
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, a.Content)

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %q is not valid base64", ErrValidation, a.Filename)
	}
	return data, nil
}

// OutboundMessage is the unit of work handed to the dispatcher. It is built once
// from an inbound request and not modified afterwards.
type OutboundMessage struct {
	To            []string
	Subject       string
	Text          string
	HTML          string
	Attachments   []Attachment
	CorrelationID string
}

// Recipients returns the trimmed, non-empty recipient addresses.
func (m OutboundMessage) Recipients() []string {
	recipients := make([]string, 0, len(m.To))
	for _, to := range m.To {
		if trimmed := strings.TrimSpace(to); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	return recipients
}

func (m OutboundMessage) Validate() error {
	if len(m.Recipients()) == 0 {
		return fmt.Errorf("%w: %s", ErrValidation, MissingRecipientMessage)
	}
	return nil
}
