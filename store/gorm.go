package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reward-ledger/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore keeps the ledger in a SQL database. Every conditional mutation is a
// single UPDATE ... WHERE <condition>, so the database row lock is the only
// serialization point.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the ledger tables.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open connection and runs AutoMigrate.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.Referral{},
		&models.WithdrawalRequest{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for tests and admin tooling.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) accounts(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Account{})
}

func (s *GormStore) GetOrCreate(ctx context.Context, id models.UserID, defaultUsername string, startingAdQuota int) (*models.Account, error) {
	acc := models.NewAccount(id, defaultUsername, startingAdQuota)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(acc).Error
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	return s.GetAccount(ctx, id)
}

func (s *GormStore) GetAccount(ctx context.Context, id models.UserID) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &acc, nil
}

// update applies updates to the account when cond holds. A zero-row result is
// resolved into ErrNotFound or a plain false.
func (s *GormStore) update(ctx context.Context, id models.UserID, updates map[string]interface{}, cond string, args ...interface{}) (bool, error) {
	updates["updated_at"] = time.Now().UTC()
	q := s.accounts(ctx).Where("id = ?", string(id))
	if cond != "" {
		q = q.Where(cond, args...)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := s.accounts(ctx).Where("id = ?", string(id)).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (s *GormStore) CreditPoints(ctx context.Context, id models.UserID, amount int64) error {
	_, err := s.update(ctx, id, map[string]interface{}{
		"points": gorm.Expr("points + ?", amount),
	}, "")
	return err
}

func (s *GormStore) DebitPointsIfSufficient(ctx context.Context, id models.UserID, amount int64) (bool, error) {
	return s.update(ctx, id, map[string]interface{}{
		"points": gorm.Expr("points - ?", amount),
	}, "points >= ?", amount)
}

func (s *GormStore) CreditSettlement(ctx context.Context, id models.UserID, amount decimal.Decimal) error {
	_, err := s.update(ctx, id, map[string]interface{}{
		"settlement_balance": gorm.Expr("settlement_balance + ?", amount),
	}, "")
	return err
}

func (s *GormStore) DebitSettlementIfSufficient(ctx context.Context, id models.UserID, amount decimal.Decimal) (bool, error) {
	return s.update(ctx, id, map[string]interface{}{
		"settlement_balance": gorm.Expr("settlement_balance - ?", amount),
	}, "settlement_balance >= ?", amount)
}

func (s *GormStore) DecrementAdQuotaIfPositive(ctx context.Context, id models.UserID) (bool, error) {
	return s.update(ctx, id, map[string]interface{}{
		"ad_quota": gorm.Expr("ad_quota - 1"),
	}, "ad_quota > 0")
}

func (s *GormStore) ResetAdQuotas(ctx context.Context, quota int) (int64, error) {
	res := s.accounts(ctx).Where("ad_quota <> ?", quota).Updates(map[string]interface{}{
		"ad_quota":   quota,
		"updated_at": time.Now().UTC(),
	})
	return res.RowsAffected, res.Error
}

func (s *GormStore) InsertReferralIfAbsent(ctx context.Context, referrerID, referredID models.UserID) (bool, error) {
	ref := models.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "referred_id"}}, DoNothing: true}).
		Create(&ref)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) GetReferral(ctx context.Context, referredID models.UserID) (*models.Referral, error) {
	var ref models.Referral
	if err := s.db.WithContext(ctx).Where("referred_id = ?", string(referredID)).First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("referral of %s: %w", referredID, ErrNotFound)
		}
		return nil, err
	}
	return &ref, nil
}

func (s *GormStore) IncrementReferralCount(ctx context.Context, id models.UserID) error {
	_, err := s.update(ctx, id, map[string]interface{}{
		"referral_count": gorm.Expr("referral_count + 1"),
	}, "")
	return err
}

func (s *GormStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return s.db.WithContext(ctx).Create(w).Error
}

func (s *GormStore) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &w, nil
}

func (s *GormStore) TransitionWithdrawal(ctx context.Context, id string, to models.WithdrawalStatus, reason string, from ...models.WithdrawalStatus) (*models.WithdrawalRequest, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	res := s.db.WithContext(ctx).Model(&models.WithdrawalRequest{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	w, err := s.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidTransition)
	}
	return w, nil
}

func (s *GormStore) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	q := s.db.WithContext(ctx).Model(&models.WithdrawalRequest{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", string(filter.UserID))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", filter.CreatedBefore)
	}
	if !filter.UpdatedSince.IsZero() {
		q = q.Where("updated_at >= ?", filter.UpdatedSince)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []models.WithdrawalRequest
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ LedgerStore = (*GormStore)(nil)
