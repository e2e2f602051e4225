// handlers/action_routes.go
package handlers

import (
	"context"
	"errors"

	"reward-ledger/models"
	"reward-ledger/monitoring"
	"reward-ledger/services"

	"github.com/gofiber/fiber/v2"
)

func SetupActionRoutes(app *fiber.App, balanceService *services.BalanceService) {
	app.Post("/api", func(c *fiber.Ctx) error {
		uid, action, err := decodeAction(c.Body())
		if err != nil {
			name := "invalid"
			if errors.Is(err, errUnknownAction) {
				name = "unknown"
			}
			monitoring.ActionsTotal.WithLabelValues(name, "rejected").Inc()
			return renderError(c, err)
		}
		c.Locals("uid", string(uid))

		body, err := dispatch(c.UserContext(), balanceService, uid, action)
		monitoring.ActionsTotal.WithLabelValues(action.action(), outcomeLabel(err)).Inc()
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(body)
	})

	// registered after Post so only other methods land here
	app.All("/api", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
			"error": "Method not allowed",
			"code":  "method_not_allowed",
		})
	})
}

func dispatch(ctx context.Context, svc *services.BalanceService, uid models.UserID, action Action) (fiber.Map, error) {
	switch a := action.(type) {
	case *LoginAction:
		acc, err := svc.Login(ctx, uid, a.User.Username)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"user": acc}, nil

	case *WatchAction:
		acc, err := svc.WatchAd(ctx, uid)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"remaining": acc.AdQuota, "user": acc}, nil

	case *SwapAction:
		res, err := svc.Convert(ctx, uid, a.Points)
		if err != nil {
			return nil, err
		}
		return fiber.Map{
			"status":        "swapped",
			"settlementOut": res.SettlementOut,
			"pointsSpent":   res.PointsDebited,
			"user":          res.Account,
		}, nil

	case *WithdrawAction:
		res, err := svc.RequestWithdrawal(ctx, uid, a.Addr, a.Amt)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"status": "requested", "requestId": res.Request.ID, "user": res.Account}, nil

	case *ReferralAction:
		res, err := svc.RecordReferral(ctx, uid, a.Ref)
		if err != nil {
			return nil, err
		}
		if res.Status != services.ReferralJoined {
			return fiber.Map{"status": res.Status}, nil
		}
		return fiber.Map{"status": res.Status, "bonus": res.Bonus, "user": res.Account}, nil

	case *MysteryAction:
		return claim(ctx, svc, uid, services.RewardMystery, "", "ok")
	case *QuickAction:
		return claim(ctx, svc, uid, services.RewardQuick, "", "ok")
	case *TaskAction:
		return claim(ctx, svc, uid, services.RewardTask, a.Type, "claimed")

	case *AutoClickAction:
		_, acc, err := svc.ClaimReward(ctx, uid, services.RewardAutoClick, "")
		if err != nil {
			return nil, err
		}
		return fiber.Map{"status": "clicked", "user": acc}, nil
	}
	return nil, errUnknownAction
}

func claim(ctx context.Context, svc *services.BalanceService, uid models.UserID, kind services.RewardKind, task, status string) (fiber.Map, error) {
	amount, acc, err := svc.ClaimReward(ctx, uid, kind, task)
	if err != nil {
		return nil, err
	}
	return fiber.Map{"status": status, "reward": amount, "user": acc}, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, services.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, services.ErrNotificationFailed):
		return "notification_failed"
	case isClientError(err):
		return "rejected"
	}
	return "error"
}
