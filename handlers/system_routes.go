package handlers

import (
	"context"
	"time"

	"reward-ledger/logging"
	"reward-ledger/monitoring"
	"reward-ledger/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
)

// SetupSystemRoutes mounts /healthz and /metrics.
func SetupSystemRoutes(app *fiber.App, ledger store.LedgerStore) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := ledger.Ping(ctx); err != nil {
			logging.Logger.Warn("health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(monitoring.Handler()))
}
