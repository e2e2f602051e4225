// middleware/admin_auth.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"reward-ledger/logging"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AdminAuthMiddleware only lets through requests carrying "Bearer <token>".
func AdminAuthMiddleware(expectedToken string) fiber.Handler {
	expected := []byte(expectedToken)

	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			logging.Logger.Warn("admin request without token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin token missing",
				"code":  "unauthorized",
			})
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			logging.Logger.Warn("admin request with invalid token", zap.String("path", c.Path()), zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin token",
				"code":  "unauthorized",
			})
		}
		return c.Next()
	}
}
