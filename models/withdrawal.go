// models/withdrawal.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus tracks a withdrawal request through operator approval.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"  // recorded, operator not yet confirmed notified
	WithdrawalNotified WithdrawalStatus = "notified" // operator notified, balance debited
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected" // balance refunded
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalFailed   WithdrawalStatus = "failed" // never debited
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalNotified, WithdrawalApproved,
		WithdrawalRejected, WithdrawalPaid, WithdrawalFailed:
		return true
	}
	return false
}

// WithdrawalRequest is a user's request to move settlement balance to an external address.
type WithdrawalRequest struct {
	ID            string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID        UserID           `gorm:"type:varchar(64);index;not null" json:"userId"`
	Username      string           `gorm:"type:varchar(128)" json:"username"`
	Address       string           `gorm:"type:varchar(128);not null" json:"address"`
	Amount        decimal.Decimal  `gorm:"type:numeric(20,8);not null" json:"amount"`
	Status        WithdrawalStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	FailureReason string           `gorm:"type:text" json:"failureReason,omitempty"`
	CreatedAt     time.Time        `gorm:"index" json:"createdAt"`
	UpdatedAt     time.Time        `gorm:"index" json:"updatedAt"`
}
