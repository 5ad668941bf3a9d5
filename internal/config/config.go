package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	TransportSMTP = "smtp"
	TransportHTTP = "http"

	dotEnvFile      = ".env"
	implicitTLSPort = 465
	bytesPerMB      = 1024 * 1024
)

type Config struct {
	Port              int    `env:"PORT,default=3001"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	BodyLimitMB       int    `env:"BODY_LIMIT_MB,default=20"`
	ShutdownTimeoutMS int    `env:"SHUTDOWN_TIMEOUT_MS,default=10000"`
	AllowedOrigins    string `env:"ALLOWED_ORIGINS,default=*"`

	MailTransport string `env:"MAIL_TRANSPORT,default=smtp"`

	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      int    `env:"SMTP_PORT,default=587"`
	SMTPSecureRaw string `env:"SMTP_SECURE"`
	SMTPUser      string `env:"SMTP_USER"`
	SMTPPass      string `env:"SMTP_PASS"`

	FromEmail      string `env:"FROM_EMAIL"`
	FromName       string `env:"FROM_NAME"`
	DefaultSubject string `env:"DEFAULT_SUBJECT,default=Your Scan Results"`

	SMTPConnectionTimeoutMS int `env:"SMTP_CONNECTION_TIMEOUT_MS,default=10000"`
	SMTPGreetingTimeoutMS   int `env:"SMTP_GREETING_TIMEOUT_MS,default=10000"`
	SMTPSocketTimeoutMS     int `env:"SMTP_SOCKET_TIMEOUT_MS,default=20000"`

	MailAPIURL       string `env:"MAIL_API_URL"`
	MailAPIKey       string `env:"MAIL_API_KEY"`
	MailAPITimeoutMS int    `env:"MAIL_API_TIMEOUT_MS,default=10000"`

	RetryCount   int    `env:"RETRY_COUNT,default=2"`
	RetryDelayMS int    `env:"RETRY_DELAY_MS,default=5000"`
	RetryOn      string `env:"RETRY_ON"`

	RedisURL       string `env:"REDIS_URL"`
	SendRatePerSec int    `env:"SEND_RATE_PER_SEC,default=10"`

	DKIMSelector   string `env:"DKIM_SELECTOR"`
	DKIMDomain     string `env:"DKIM_DOMAIN"`
	DKIMPrivateKey string `env:"DKIM_PRIVATE_KEY"`
	DKIMKeyPath    string `env:"DKIM_KEY_PATH"`
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load() (*Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.MailTransport = strings.ToLower(strings.TrimSpace(cfg.MailTransport))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// Validate rejects values the service cannot start with. Missing delivery
// settings are not errors; see Warnings.
func (c *Config) Validate() error {
	switch c.MailTransport {
	case TransportSMTP, TransportHTTP:
	default:
		return fmt.Errorf("invalid MAIL_TRANSPORT %q: must be %s or %s", c.MailTransport, TransportSMTP, TransportHTTP)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("invalid SMTP_PORT %d", c.SMTPPort)
	}
	if _, err := c.parseSecure(); err != nil {
		return err
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must be >= 0, got %d", c.RetryCount)
	}
	if c.RetryDelayMS < 0 {
		return fmt.Errorf("RETRY_DELAY_MS must be >= 0, got %d", c.RetryDelayMS)
	}
	if c.BodyLimitMB <= 0 {
		return fmt.Errorf("BODY_LIMIT_MB must be > 0, got %d", c.BodyLimitMB)
	}

	return nil
}

// Warnings lists settings that leave delivery unconfigured or partially
// configured. They are logged at startup and never stop the service.
func (c *Config) Warnings() []string {
	var warnings []string

	if strings.TrimSpace(c.FromEmail) == "" {
		warnings = append(warnings, "FROM_EMAIL is not set; deliveries will fail")
	}

	switch c.MailTransport {
	case TransportHTTP:
		if strings.TrimSpace(c.MailAPIURL) == "" {
			warnings = append(warnings, "MAIL_API_URL is not set; deliveries will fail")
		}
		if strings.TrimSpace(c.MailAPIKey) == "" {
			warnings = append(warnings, "MAIL_API_KEY is not set; requests to the mail API are unauthenticated")
		}
	default:
		if strings.TrimSpace(c.SMTPHost) == "" {
			warnings = append(warnings, "SMTP_HOST is not set; deliveries will fail")
		}
		if c.SMTPUser != "" && c.SMTPPass == "" {
			warnings = append(warnings, "SMTP_USER is set without SMTP_PASS")
		}
	}

	if strings.TrimSpace(c.AllowedOrigins) == "" {
		warnings = append(warnings, "ALLOWED_ORIGINS is empty; browser origins will be rejected")
	}
	if c.DKIMSelector != "" && c.DKIMPrivateKey == "" && c.DKIMKeyPath == "" {
		warnings = append(warnings, "DKIM_SELECTOR is set without DKIM_PRIVATE_KEY or DKIM_KEY_PATH")
	}

	return warnings
}

// DeliveryConfigured reports whether the selected transport has what it needs
// to attempt a send.
func (c *Config) DeliveryConfigured() bool {
	if strings.TrimSpace(c.FromEmail) == "" {
		return false
	}
	if c.MailTransport == TransportHTTP {
		return strings.TrimSpace(c.MailAPIURL) != ""
	}
	return strings.TrimSpace(c.SMTPHost) != ""
}

// SMTPSecure defaults to implicit TLS on port 465 when SMTP_SECURE is unset.
func (c *Config) SMTPSecure() bool {
	secure, err := c.parseSecure()
	if err != nil {
		return c.SMTPPort == implicitTLSPort
	}
	return secure
}

func (c *Config) parseSecure() (bool, error) {
	raw := strings.TrimSpace(c.SMTPSecureRaw)
	if raw == "" {
		return c.SMTPPort == implicitTLSPort, nil
	}
	secure, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid SMTP_SECURE %q: %w", c.SMTPSecureRaw, err)
	}
	return secure, nil
}

func (c *Config) DKIMEnabled() bool {
	return strings.TrimSpace(c.DKIMSelector) != "" ||
		strings.TrimSpace(c.DKIMPrivateKey) != "" ||
		strings.TrimSpace(c.DKIMKeyPath) != ""
}

func (c *Config) RetryDelay() time.Duration {
	return millis(c.RetryDelayMS)
}

func (c *Config) SMTPConnectionTimeout() time.Duration {
	return millis(c.SMTPConnectionTimeoutMS)
}

func (c *Config) SMTPGreetingTimeout() time.Duration {
	return millis(c.SMTPGreetingTimeoutMS)
}

func (c *Config) SMTPSocketTimeout() time.Duration {
	return millis(c.SMTPSocketTimeoutMS)
}

func (c *Config) MailAPITimeout() time.Duration {
	return millis(c.MailAPITimeoutMS)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return millis(c.ShutdownTimeoutMS)
}

func (c *Config) BodyLimitBytes() int {
	return c.BodyLimitMB * bytesPerMB
}

func millis(ms int) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
