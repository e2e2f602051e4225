// models/account.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// settlement amounts go over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// Account is the per-user balance record.
type Account struct {
	ID                UserID          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Username          string          `gorm:"type:varchar(128);not null" json:"username"`
	Points            int64           `gorm:"not null;check:chk_accounts_points,points >= 0" json:"points"`
	SettlementBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;check:chk_accounts_settlement,settlement_balance >= 0" json:"settlementBalance"`
	AdQuota           int             `gorm:"not null;check:chk_accounts_ad_quota,ad_quota >= 0" json:"adQuota"`
	ReferralCount     int64           `gorm:"not null" json:"referralCount"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// NewAccount returns a zeroed account with the starting ad allotment.
func NewAccount(id UserID, username string, startingAdQuota int) *Account {
	if username == "" {
		username = id.DefaultUsername()
	}
	now := time.Now().UTC()
	return &Account{
		ID:                id,
		Username:          username,
		SettlementBalance: decimal.Zero,
		AdQuota:           startingAdQuota,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
