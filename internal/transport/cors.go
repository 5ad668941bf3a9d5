package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"github.com/kursadbilgin/mail-relay/internal/origin"
	"go.uber.org/zap"
)

const (
	OriginNotAllowedMessage = "Origin not allowed"

	preflightAllowMethods  = "POST, OPTIONS"
	preflightDefaultHeader = fiber.HeaderContentType
	preflightMaxAge        = "86400"
)

// CORS admits or rejects every request by its Origin header. Preflight and
// actual requests go through the same rule; a rejected request gets a 403 with
// no CORS headers and never reaches the routes.
func CORS(rule origin.Rule, logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		requestOrigin := c.Get(fiber.HeaderOrigin)

		if !rule.IsAllowed(requestOrigin) {
			metrics.IncOriginRejected()
			observability.WithContextLogger(logger, c.UserContext()).Warn("origin rejected",
				zap.String("origin", requestOrigin),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse(OriginNotAllowedMessage))
		}

		headers := rule.HeadersFor(requestOrigin)
		if headers.AllowOrigin != "" {
			c.Set(fiber.HeaderAccessControlAllowOrigin, headers.AllowOrigin)
		}
		if headers.Vary != "" {
			c.Vary(headers.Vary)
		}

		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}

		requested := strings.TrimSpace(c.Get(fiber.HeaderAccessControlRequestHeaders))
		if requested == "" {
			requested = preflightDefaultHeader
		}

		c.Set(fiber.HeaderAccessControlAllowMethods, preflightAllowMethods)
		c.Set(fiber.HeaderAccessControlAllowHeaders, requested)
		c.Set(fiber.HeaderAccessControlMaxAge, preflightMaxAge)
		c.Status(fiber.StatusNoContent)
		return nil
	}
}
