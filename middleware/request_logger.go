package middleware

import (
	"strconv"
	"time"

	"reward-ledger/logging"
	"reward-ledger/monitoring"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request and feeds the HTTP collectors.
// Handlers that resolve a user store it under the "uid" local.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// let the app error handler pick the status before it is recorded
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		path := c.Route().Path
		elapsed := time.Since(start)

		monitoring.HTTPRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if uid, ok := c.Locals("uid").(string); ok && uid != "" {
			fields = append(fields, zap.String("uid", uid))
		}
		if status >= fiber.StatusInternalServerError {
			logging.Logger.Error("request", fields...)
		} else {
			logging.Logger.Info("request", fields...)
		}
		return nil
	}
}
