package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/provider/dkim"
	"gopkg.in/gomail.v2"
)

const (
	defaultSMTPPort           = 587
	defaultConnectionTimeout  = 10 * time.Second
	defaultGreetingTimeout    = 10 * time.Second
	defaultSocketTimeout      = 20 * time.Second
	defaultAttachmentFilename = "attachment"
	fallbackMessageIDDomain   = "mail-relay.local"
	smtpProviderName          = "smtp"
	implicitTLSPort           = 465
)

var errAuthNotAdvertised = errors.New("server does not advertise AUTH")

// SMTPOptions configures the SMTP transport.
type SMTPOptions struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string

	From           string
	FromName       string
	DefaultSubject string
	LocalName      string

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	TLSConfig *tls.Config
	Signer    *dkim.Signer
}

// SMTPProvider composes MIME messages and relays them to a submission server.
type SMTPProvider struct {
	opts   SMTPOptions
	dialer *net.Dialer
	now    func() time.Time
	newID  func() string
}

func NewSMTPProvider(opts SMTPOptions) *SMTPProvider {
	opts.Host = strings.TrimSpace(opts.Host)
	opts.From = strings.TrimSpace(opts.From)
	if addr, err := mail.ParseAddress(opts.From); err == nil {
		opts.From = addr.Address
		if strings.TrimSpace(opts.FromName) == "" {
			opts.FromName = addr.Name
		}
	}
	if opts.Port <= 0 {
		opts.Port = defaultSMTPPort
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = defaultConnectionTimeout
	}
	if opts.GreetingTimeout <= 0 {
		opts.GreetingTimeout = defaultGreetingTimeout
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = defaultSocketTimeout
	}
	if strings.TrimSpace(opts.LocalName) == "" {
		opts.LocalName = localHostname()
	}

	return &SMTPProvider{
		opts:   opts,
		dialer: &net.Dialer{},
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (p *SMTPProvider) Name() string {
	return smtpProviderName
}

func (p *SMTPProvider) Send(ctx context.Context, msg domain.OutboundMessage) (*ProviderResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if p.opts.Host == "" || p.opts.From == "" {
		return nil, &DeliveryError{
			Kind:    domain.KindUnknown,
			Message: "smtp host and sender address are required",
			Cause:   domain.ErrNotConfigured,
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, &DeliveryError{Kind: domain.KindRecipientRejected, Message: "invalid message", Cause: err}
	}

	messageID := p.messageID()
	raw, err := p.compose(msg, messageID)
	if err != nil {
		return nil, &DeliveryError{Kind: domain.KindPayloadRejected, Message: "failed to compose message", Cause: err}
	}

	signed, err := p.opts.Signer.Sign(raw, p.opts.From)
	if err != nil {
		return nil, &DeliveryError{Kind: domain.KindPayloadRejected, Message: "failed to sign message", Cause: err}
	}

	if err := p.deliver(ctx, msg.Recipients(), signed); err != nil {
		return nil, err
	}

	return &ProviderResponse{MessageID: messageID}, nil
}

func (p *SMTPProvider) compose(msg domain.OutboundMessage, messageID string) ([]byte, error) {
	m := gomail.NewMessage()

	if name := strings.TrimSpace(p.opts.FromName); name != "" {
		m.SetAddressHeader("From", p.opts.From, name)
	} else {
		m.SetHeader("From", p.opts.From)
	}
	m.SetHeader("To", msg.Recipients()...)

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = p.opts.DefaultSubject
	}
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", p.now())

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	for _, attachment := range msg.Attachments {
		attachment = attachment.WithDefaults()
		data, err := attachment.Decode()
		if err != nil {
			return nil, err
		}

		filename := strings.TrimSpace(attachment.Filename)
		if filename == "" {
			filename = defaultAttachmentFilename
		}

		m.Attach(filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{
				"Content-Type": {attachment.ContentType},
			}),
		)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deliver runs one SMTP session. The dial, greeting (banner through AUTH) and
// transaction phases each get their own deadline.
func (p *SMTPProvider) deliver(ctx context.Context, recipients []string, data []byte) error {
	addr := net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectionTimeout)
	conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return phaseError("connect", domain.KindNone, err)
	}
	defer conn.Close() //nolint:errcheck // QUIT already attempted

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetDeadline(p.now().Add(p.opts.GreetingTimeout)); err != nil {
		return phaseError("greeting", domain.KindNone, err)
	}

	if p.secure() {
		tlsConn := tls.Client(conn, p.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return phaseError("tls handshake", domain.KindNone, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, p.opts.Host)
	if err != nil {
		return phaseError("greeting", domain.KindNone, err)
	}
	defer client.Close() //nolint:errcheck

	if err := client.Hello(p.opts.LocalName); err != nil {
		return phaseError("ehlo", domain.KindNone, err)
	}

	if !p.secure() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(p.tlsConfig()); err != nil {
				return phaseError("starttls", domain.KindNone, err)
			}
		}
	}

	// Configured credentials are mandatory; never fall back to an
	// unauthenticated session.
	if p.opts.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return phaseError("auth", domain.KindAuthFailed, errAuthNotAdvertised)
		}
		auth := smtp.PlainAuth("", p.opts.Username, p.opts.Password, p.opts.Host)
		if err := client.Auth(auth); err != nil {
			return phaseError("auth", domain.KindAuthFailed, err)
		}
	}

	if err := conn.SetDeadline(p.now().Add(p.opts.SocketTimeout)); err != nil {
		return phaseError("transaction", domain.KindNone, err)
	}

	if err := client.Mail(p.opts.From); err != nil {
		return phaseError("mail from", domain.KindNone, err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return phaseError("rcpt to", domain.KindRecipientRejected, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return phaseError("data", domain.KindPayloadRejected, err)
	}
	if _, err := w.Write(data); err != nil {
		return phaseError("data write", domain.KindNone, err)
	}
	if err := w.Close(); err != nil {
		return phaseError("data", domain.KindPayloadRejected, err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not undo that.
	_ = client.Quit()
	return nil
}

func (p *SMTPProvider) secure() bool {
	return p.opts.Secure
}

func (p *SMTPProvider) tlsConfig() *tls.Config {
	if p.opts.TLSConfig != nil {
		cfg := p.opts.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = p.opts.Host
		}
		return cfg
	}
	return &tls.Config{
		ServerName: p.opts.Host,
		MinVersion: tls.VersionTLS12,
	}
}

func (p *SMTPProvider) messageID() string {
	domainPart := fallbackMessageIDDomain
	if i := strings.LastIndex(p.opts.From, "@"); i >= 0 && i+1 < len(p.opts.From) {
		domainPart = strings.Trim(p.opts.From[i+1:], "<> ")
	}
	return fmt.Sprintf("<%s@%s>", p.newID(), domainPart)
}

// phaseError classifies a session failure. Permanent replies in phases that have a
// natural meaning (AUTH, RCPT, DATA) take that phase's kind.
func phaseError(phase string, permanentKind domain.ErrorKind, err error) error {
	kind := Classify(err)
	code := 0

	var replyErr *textproto.Error
	if errors.As(err, &replyErr) {
		code = replyErr.Code
		if permanentKind != domain.KindNone && code >= 500 {
			kind = permanentKind
		}
	}

	// Any AUTH rejection is terminal, including 454 and client-side refusals.
	if permanentKind == domain.KindAuthFailed && !isConnectionKind(kind) {
		kind = domain.KindAuthFailed
	}

	return &DeliveryError{
		Kind:    kind,
		Code:    code,
		Message: phase + " failed",
		Cause:   err,
	}
}

func isConnectionKind(kind domain.ErrorKind) bool {
	switch kind {
	case domain.KindConnectionTimeout, domain.KindConnectionRefused, domain.KindDNSTemporary:
		return true
	}
	return false
}

// DefaultSecure reports whether a port conventionally uses implicit TLS.
func DefaultSecure(port int) bool {
	return port == implicitTLSPort
}

func localHostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}
