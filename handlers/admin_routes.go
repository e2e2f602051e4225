// handlers/admin_routes.go
package handlers

import (
	"reward-ledger/middleware"
	"reward-ledger/models"
	"reward-ledger/services"
	"reward-ledger/store"

	"github.com/gofiber/fiber/v2"
)

// SetupAdminRoutes exposes withdrawal administration behind a bearer token.
// Nothing is mounted when token is empty.
func SetupAdminRoutes(app *fiber.App, balanceService *services.BalanceService, token string) {
	if token == "" {
		return
	}
	admin := app.Group("/admin", middleware.AdminAuthMiddleware(token))

	admin.Get("/withdrawals", func(c *fiber.Ctx) error {
		filter := store.WithdrawalFilter{
			UserID: models.UserID(c.Query("uid")),
			Status: models.WithdrawalStatus(c.Query("status")),
			Limit:  c.QueryInt("limit", 100),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown status",
				"code":  "invalid_input",
			})
		}
		list, err := balanceService.ListWithdrawals(c.UserContext(), filter)
		if err != nil {
			return renderError(c, err)
		}
		if list == nil {
			list = []models.WithdrawalRequest{}
		}
		return c.JSON(fiber.Map{"withdrawals": list, "count": len(list)})
	})

	admin.Get("/withdrawals/:id", func(c *fiber.Ctx) error {
		w, err := balanceService.GetWithdrawal(c.UserContext(), c.Params("id"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(w)
	})

	admin.Post("/withdrawals/:id/approve", func(c *fiber.Ctx) error {
		w, err := balanceService.ApproveWithdrawal(c.UserContext(), c.Params("id"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(w)
	})

	admin.Post("/withdrawals/:id/reject", func(c *fiber.Ctx) error {
		var req struct {
			Reason string `json:"reason"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid request body",
					"code":  "malformed_body",
				})
			}
		}
		w, err := balanceService.RejectWithdrawal(c.UserContext(), c.Params("id"), req.Reason)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(w)
	})

	admin.Post("/withdrawals/:id/paid", func(c *fiber.Ctx) error {
		w, err := balanceService.MarkWithdrawalPaid(c.UserContext(), c.Params("id"))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(w)
	})

	admin.Get("/accounts/:id", func(c *fiber.Ctx) error {
		acc, err := balanceService.GetAccount(c.UserContext(), models.UserID(c.Params("id")))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(acc)
	})

	admin.Get("/referrals/:id", func(c *fiber.Ctx) error {
		ref, err := balanceService.GetReferral(c.UserContext(), models.UserID(c.Params("id")))
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(ref)
	})
}
