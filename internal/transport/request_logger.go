package transport

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"go.uber.org/zap"
)

const requestIDLocalsKey = "requestid"

// RequestLogger puts the request id on the user context as the correlation id
// and logs one line per completed request.
func RequestLogger(logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		if id := RequestID(c); id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		}

		err := c.Next()

		observability.WithContextLogger(logger, c.UserContext()).Info("request completed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", observability.ResponseStatus(c, err)),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// RequestID returns the caller supplied X-Request-ID or the one generated by the
// requestid middleware. Header values alias the fasthttp request buffer, so the
// result is copied: it outlives the request as the background correlation id.
func RequestID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return utils.CopyString(value)
	}
	if value, ok := c.Locals(requestIDLocalsKey).(string); ok {
		return utils.CopyString(strings.TrimSpace(value))
	}
	return ""
}
