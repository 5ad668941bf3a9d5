package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// RegisterHealthRoutes wires liveness and readiness. rdb may be nil when the
// rate limiter runs in-process.
func RegisterHealthRoutes(app fiber.Router, rdb *redis.Client, deliveryConfigured bool) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(rdb, deliveryConfigured))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(rdb *redis.Client, deliveryConfigured bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ready := true

		redisStatus := "disabled"
		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
			defer cancel()

			redisStatus = "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "down"
				ready = false
			}
		}

		deliveryStatus := "ok"
		if !deliveryConfigured {
			deliveryStatus = "not_configured"
			ready = false
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"redis":    redisStatus,
				"delivery": deliveryStatus,
			},
		})
	}
}
