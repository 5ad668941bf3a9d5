package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/queue"
	"go.uber.org/zap"
)

const (
	acceptedMessage    = "Request accepted for processing."
	invalidBodyMessage = "invalid request body"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.OutboundMessage) (queue.Receipt, error)
}

type MailHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewMailHandler(dispatcher Dispatcher, logger *zap.Logger) (*MailHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailHandler{dispatcher: dispatcher, logger: logger}, nil
}

func RegisterMailRoutes(router fiber.Router, dispatcher Dispatcher, logger *zap.Logger) error {
	h, err := NewMailHandler(dispatcher, logger)
	if err != nil {
		return err
	}

	router.Post("/send", h.Send)
	router.All("/send", h.MethodNotAllowed)

	return nil
}

// recipientList accepts either a single (possibly comma separated) address
// string or an array of addresses.
type recipientList []string

func (r *recipientList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = nil
		return nil
	}

	var many []string
	if trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		many = []string{single}
	} else if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("to must be a string or an array of strings: %w", err)
	}

	out := make([]string, 0, len(many))
	for _, entry := range many {
		for _, part := range strings.Split(entry, ",") {
			if address := strings.TrimSpace(part); address != "" {
				out = append(out, address)
			}
		}
	}
	*r = out
	return nil
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Encoding    string `json:"encoding"`
}

type sendRequest struct {
	To          recipientList       `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Body        string              `json:"body"`
	Attachments []attachmentRequest `json:"attachments"`
}

type acceptedResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

func (h *MailHandler) Send(c *fiber.Ctx) error {
	// Bodies of any other content type are ignored, so they fail recipient
	// validation instead of parsing.
	var req sendRequest
	if c.Is("json") && len(bytes.TrimSpace(c.Body())) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, invalidBodyMessage)
		}
	}

	receipt, err := h.dispatcher.Dispatch(c.UserContext(), req.toMessage())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{
		OK:      true,
		Message: acceptedMessage,
		ID:      receipt.ID,
	})
}

func (h *MailHandler) MethodNotAllowed(c *fiber.Ctx) error {
	return fiber.ErrMethodNotAllowed
}

func (r sendRequest) toMessage() domain.OutboundMessage {
	text := r.Text
	if text == "" {
		text = r.Body
	}

	msg := domain.OutboundMessage{
		To:      []string(r.To),
		Subject: strings.TrimSpace(r.Subject),
		Text:    text,
		HTML:    r.HTML,
	}
	for _, a := range r.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			Filename:    a.Filename,
			Content:     a.Content,
			ContentType: a.ContentType,
			Encoding:    a.Encoding,
		})
	}
	return msg
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, validationMessage(err))
	case errors.Is(err, domain.ErrShuttingDown):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
}
