package services

import "errors"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrQuotaExhausted         = errors.New("ad quota exhausted")
	ErrBelowMinimum           = errors.New("below minimum conversion")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrInsufficientSettlement = errors.New("insufficient settlement balance")
	// ErrNotificationFailed means the operator was not reached; nothing was debited.
	ErrNotificationFailed = errors.New("operator notification failed")
)
