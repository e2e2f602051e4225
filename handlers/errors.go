package handlers

import (
	"errors"

	"reward-ledger/logging"
	"reward-ledger/services"
	"reward-ledger/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type errorBody struct {
	status int
	code   string
	msg    string
}

// classify maps known errors to a response; ok is false for unexpected errors.
func classify(err error) (errorBody, bool) {
	switch {
	case errors.Is(err, errMalformedBody):
		return errorBody{fiber.StatusBadRequest, "malformed_body", "Malformed request body"}, true
	case errors.Is(err, errMissingUID):
		return errorBody{fiber.StatusBadRequest, "missing_uid", "Missing uid"}, true
	case errors.Is(err, errUnknownAction):
		return errorBody{fiber.StatusBadRequest, "unknown_action", "Unknown action"}, true
	case errors.Is(err, services.ErrInvalidInput):
		return errorBody{fiber.StatusBadRequest, "invalid_input", err.Error()}, true
	case errors.Is(err, services.ErrBelowMinimum):
		return errorBody{fiber.StatusBadRequest, "below_minimum", err.Error()}, true
	case errors.Is(err, services.ErrQuotaExhausted):
		return errorBody{fiber.StatusOK, "quota_exhausted", "Ad quota exhausted"}, true
	case errors.Is(err, services.ErrInsufficientPoints):
		return errorBody{fiber.StatusConflict, "insufficient_points", "Insufficient points"}, true
	case errors.Is(err, services.ErrInsufficientSettlement):
		return errorBody{fiber.StatusConflict, "insufficient_settlement", "Insufficient balance"}, true
	case errors.Is(err, services.ErrNotificationFailed):
		return errorBody{fiber.StatusBadGateway, "notification_failed", "Notification failed"}, true
	case errors.Is(err, store.ErrNotFound):
		return errorBody{fiber.StatusNotFound, "not_found", "Not found"}, true
	case errors.Is(err, store.ErrInvalidTransition):
		return errorBody{fiber.StatusConflict, "invalid_transition", err.Error()}, true
	}
	return errorBody{}, false
}

func isClientError(err error) bool {
	b, ok := classify(err)
	return ok && b.status < fiber.StatusInternalServerError
}

func renderError(c *fiber.Ctx, err error) error {
	b, ok := classify(err)
	if !ok {
		logging.Logger.Error("unhandled error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Any("uid", c.Locals("uid")),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Server error"})
	}
	body := fiber.Map{"error": b.msg, "code": b.code}
	if b.code == "quota_exhausted" {
		body["remaining"] = 0
	}
	return c.Status(b.status).JSON(body)
}

// ErrorHandler renders errors that escape route handlers, including fiber's own.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return renderError(c, err)
}
