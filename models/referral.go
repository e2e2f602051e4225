package models

import "time"

// Referral records who brought a user in. A user is referred at most once.
type Referral struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ReferrerID UserID    `gorm:"type:varchar(64);index;not null" json:"referrerId"`
	ReferredID UserID    `gorm:"type:varchar(64);uniqueIndex;not null" json:"referredId"`
	CreatedAt  time.Time `json:"createdAt"`
}
