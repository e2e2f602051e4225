// Package store holds the ledger's persistent state behind atomic per-account primitives.
package store

import (
	"context"
	"errors"
	"time"

	"reward-ledger/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for any operation on an account or request that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a withdrawal is not in one of the expected states.
	ErrInvalidTransition = errors.New("invalid withdrawal status transition")
)

// LedgerStore is the contract every backend honours. Every check-and-mutate
// primitive is a single indivisible step for the account it touches.
type LedgerStore interface {
	// GetOrCreate returns the account, creating it zeroed with startingAdQuota
	// if absent. Concurrent first calls for one id create exactly one account.
	GetOrCreate(ctx context.Context, id models.UserID, defaultUsername string, startingAdQuota int) (*models.Account, error)
	GetAccount(ctx context.Context, id models.UserID) (*models.Account, error)

	CreditPoints(ctx context.Context, id models.UserID, amount int64) error
	DebitPointsIfSufficient(ctx context.Context, id models.UserID, amount int64) (bool, error)

	CreditSettlement(ctx context.Context, id models.UserID, amount decimal.Decimal) error
	DebitSettlementIfSufficient(ctx context.Context, id models.UserID, amount decimal.Decimal) (bool, error)

	DecrementAdQuotaIfPositive(ctx context.Context, id models.UserID) (bool, error)
	ResetAdQuotas(ctx context.Context, quota int) (int64, error)

	// InsertReferralIfAbsent reports whether a record for referredID was inserted.
	InsertReferralIfAbsent(ctx context.Context, referrerID, referredID models.UserID) (bool, error)
	GetReferral(ctx context.Context, referredID models.UserID) (*models.Referral, error)
	IncrementReferralCount(ctx context.Context, id models.UserID) error

	CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error)
	// TransitionWithdrawal moves a request to `to` only if its current status is one of `from`.
	TransitionWithdrawal(ctx context.Context, id string, to models.WithdrawalStatus, reason string, from ...models.WithdrawalStatus) (*models.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]models.WithdrawalRequest, error)

	Ping(ctx context.Context) error
	Close() error
}

// WithdrawalFilter narrows ListWithdrawals. Zero values match everything.
type WithdrawalFilter struct {
	UserID        models.UserID
	Status        models.WithdrawalStatus
	CreatedBefore time.Time
	UpdatedSince  time.Time
	Limit         int
}

func (f WithdrawalFilter) matches(w *models.WithdrawalRequest) bool {
	if f.UserID != "" && w.UserID != f.UserID {
		return false
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if !f.CreatedBefore.IsZero() && !w.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedSince.IsZero() && w.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}

func statusIn(s models.WithdrawalStatus, from []models.WithdrawalStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
