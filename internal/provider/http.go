package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/mail-relay/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	httpProviderName   = "http"
)

// HTTPOptions configures delivery through a JSON mail API.
type HTTPOptions struct {
	Endpoint       string
	APIKey         string
	From           string
	FromName       string
	DefaultSubject string
	Timeout        time.Duration
}

type httpAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type httpAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Encoding    string `json:"encoding"`
}

type httpSendRequest struct {
	From        httpAddress      `json:"from"`
	To          []httpAddress    `json:"to"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Attachments []httpAttachment `json:"attachments,omitempty"`
}

type httpSendResponse struct {
	MessageID string `json:"messageId"`
}

// HTTPProvider delivers messages to an HTTP mail API.
type HTTPProvider struct {
	client *resty.Client
	opts   HTTPOptions
}

func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultHTTPTimeout)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	client.SetRetryCount(0)

	return NewHTTPProviderWithClient(opts, client)
}

func NewHTTPProviderWithClient(opts HTTPOptions, client *resty.Client) (*HTTPProvider, error) {
	// An empty endpoint is allowed so the service can start unconfigured;
	// every send then fails with ErrNotConfigured.
	opts.Endpoint = strings.TrimSpace(opts.Endpoint)
	if opts.Endpoint != "" {
		if _, err := url.ParseRequestURI(opts.Endpoint); err != nil {
			return nil, fmt.Errorf("invalid mail api endpoint: %w", err)
		}
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	// Retries belong to the retry controller.
	client.SetRetryCount(0)

	return &HTTPProvider{
		client: client,
		opts:   opts,
	}, nil
}

func (p *HTTPProvider) Name() string {
	return httpProviderName
}

func (p *HTTPProvider) Send(ctx context.Context, msg domain.OutboundMessage) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if p.opts.Endpoint == "" || strings.TrimSpace(p.opts.From) == "" {
		return nil, &DeliveryError{
			Kind:    domain.KindUnknown,
			Message: "mail api endpoint and sender address are required",
			Cause:   domain.ErrNotConfigured,
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, &DeliveryError{Kind: domain.KindRecipientRejected, Message: "invalid message", Cause: err}
	}

	request := p.buildRequest(msg)

	var body httpSendResponse
	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(request).
		SetResult(&body)
	if key := strings.TrimSpace(p.opts.APIKey); key != "" {
		req.SetAuthToken(key)
	}

	response, err := req.Post(p.opts.Endpoint)
	if err != nil {
		return nil, &DeliveryError{
			Kind:    Classify(err),
			Message: "mail api request failed",
			Cause:   err,
		}
	}
	if response == nil {
		return nil, &DeliveryError{
			Kind:    domain.KindConnectionRefused,
			Message: "mail api returned empty response",
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID := strings.TrimSpace(body.MessageID)
		if messageID == "" {
			messageID = headerMessageID(response)
		}
		return &ProviderResponse{
			MessageID: messageID,
			Response:  responseBody,
		}, nil
	}

	return nil, &DeliveryError{
		Kind:    classifyHTTPStatus(statusCode),
		Code:    statusCode,
		Message: apiErrorMessage(statusCode, responseBody),
	}
}

func (p *HTTPProvider) buildRequest(msg domain.OutboundMessage) httpSendRequest {
	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = p.opts.DefaultSubject
	}

	request := httpSendRequest{
		From:    httpAddress{Email: p.opts.From, Name: p.opts.FromName},
		Subject: subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	}
	for _, rcpt := range msg.Recipients() {
		request.To = append(request.To, httpAddress{Email: rcpt})
	}
	for _, attachment := range msg.Attachments {
		attachment = attachment.WithDefaults()
		request.Attachments = append(request.Attachments, httpAttachment{
			Filename:    attachment.Filename,
			Content:     attachment.Content,
			ContentType: attachment.ContentType,
			Encoding:    attachment.Encoding,
		})
	}
	return request
}

func classifyHTTPStatus(statusCode int) domain.ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.KindAuthFailed
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return domain.KindTemporaryReply
	case statusCode == http.StatusRequestEntityTooLarge ||
		statusCode == http.StatusBadRequest ||
		statusCode == http.StatusUnprocessableEntity:
		return domain.KindPayloadRejected
	default:
		return domain.KindUnknown
	}
}

func apiErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("mail api returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func headerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
