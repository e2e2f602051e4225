// services/balance_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reward-ledger/logging"
	"reward-ledger/models"
	"reward-ledger/monitoring"
	"reward-ledger/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Economy holds the ledger's exchange constants.
type Economy struct {
	// ConversionRate is settlement units credited per point; 0.0005 is 5 per 10,000 points.
	ConversionRate decimal.Decimal
	// MinConversion is both the smallest convertible amount and the block
	// size; conversions only consume whole blocks.
	MinConversion   int64
	MinWithdrawal   decimal.Decimal
	AdReward        int64
	StartingAdQuota int
	ReferralBonus   int64
	NotifyTimeout   time.Duration
}

func DefaultEconomy() Economy {
	return Economy{
		ConversionRate:  decimal.RequireFromString("0.0005"),
		MinConversion:   10000,
		MinWithdrawal:   decimal.RequireFromString("0.5"),
		AdReward:        50,
		StartingAdQuota: 30,
		ReferralBonus:   10000,
		NotifyTimeout:   10 * time.Second,
	}
}

type BalanceService struct {
	store    store.LedgerStore
	notifier Notifier
	economy  Economy
	rewards  RewardTable
}

func NewBalanceService(st store.LedgerStore, notifier Notifier, economy Economy, rewards RewardTable) *BalanceService {
	if notifier == nil {
		notifier = DisabledNotifier{}
	}
	return &BalanceService{
		store:    st,
		notifier: notifier,
		economy:  economy,
		rewards:  rewards,
	}
}

func (s *BalanceService) Economy() Economy { return s.economy }

// Column widths of accounts.id and withdrawal_requests.address.
const (
	maxUserIDLen  = 64
	maxAddressLen = 128
)

func requireID(id models.UserID) error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	if len(id) > maxUserIDLen {
		return fmt.Errorf("%w: uid is longer than %d characters", ErrInvalidInput, maxUserIDLen)
	}
	return nil
}

// ensure provisions the account on first sight with the default username.
func (s *BalanceService) ensure(ctx context.Context, id models.UserID) (*models.Account, error) {
	return s.store.GetOrCreate(ctx, id, id.DefaultUsername(), s.economy.StartingAdQuota)
}

// Login returns the account, creating it on first sight. displayName only
// applies to new accounts.
func (s *BalanceService) Login(ctx context.Context, id models.UserID, displayName string) (*models.Account, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	return s.store.GetOrCreate(ctx, id, strings.TrimSpace(displayName), s.economy.StartingAdQuota)
}

// WatchAd spends one unit of ad quota and credits AdReward points.
func (s *BalanceService) WatchAd(ctx context.Context, id models.UserID) (*models.Account, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	if _, err := s.ensure(ctx, id); err != nil {
		return nil, err
	}
	ok, err := s.store.DecrementAdQuotaIfPositive(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExhausted
	}
	if err := s.store.CreditPoints(ctx, id, s.economy.AdReward); err != nil {
		return nil, fmt.Errorf("credit ad reward: %w", err)
	}
	return s.store.GetAccount(ctx, id)
}

type ConversionResult struct {
	Account       *models.Account
	PointsDebited int64
	SettlementOut decimal.Decimal
}

// Convert exchanges whole MinConversion blocks of points for settlement balance.
func (s *BalanceService) Convert(ctx context.Context, id models.UserID, pointsRequested int64) (*ConversionResult, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	if pointsRequested < s.economy.MinConversion {
		return nil, fmt.Errorf("%w: minimum is %d points", ErrBelowMinimum, s.economy.MinConversion)
	}

	debit := pointsRequested / s.economy.MinConversion * s.economy.MinConversion
	out := decimal.NewFromInt(debit).Mul(s.economy.ConversionRate)

	if _, err := s.ensure(ctx, id); err != nil {
		return nil, err
	}
	ok, err := s.store.DebitPointsIfSufficient(ctx, id, debit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientPoints
	}
	if err := s.store.CreditSettlement(ctx, id, out); err != nil {
		// put the points back so the failed half does not stick
		if rerr := s.store.CreditPoints(context.WithoutCancel(ctx), id, debit); rerr != nil {
			logging.Logger.Error("conversion refund failed",
				zap.String("uid", string(id)), zap.Int64("points", debit), zap.Error(rerr))
		}
		return nil, fmt.Errorf("credit settlement: %w", err)
	}

	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ConversionResult{Account: acc, PointsDebited: debit, SettlementOut: out}, nil
}

type WithdrawalResult struct {
	Request *models.WithdrawalRequest
	Account *models.Account
}

// RequestWithdrawal records the request, notifies the operator and only then
// debits. A request is never debited without a delivered notice.
func (s *BalanceService) RequestWithdrawal(ctx context.Context, id models.UserID, address string, amount decimal.Decimal) (*WithdrawalResult, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	if len(address) > maxAddressLen {
		return nil, fmt.Errorf("%w: address is longer than %d characters", ErrInvalidInput, maxAddressLen)
	}
	amount = amount.Truncate(8)
	if !amount.IsPositive() || amount.LessThan(s.economy.MinWithdrawal) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", ErrInvalidInput, s.economy.MinWithdrawal)
	}

	acc, err := s.ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.SettlementBalance.LessThan(amount) {
		monitoring.WithdrawalsTotal.WithLabelValues("insufficient").Inc()
		return nil, ErrInsufficientSettlement
	}

	w := &models.WithdrawalRequest{
		UserID:   id,
		Username: acc.Username,
		Address:  address,
		Amount:   amount,
		Status:   models.WithdrawalPending,
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	// past this point the operator may have been told; finish regardless of the caller
	bg := context.WithoutCancel(ctx)

	if err := s.notify(ctx, WithdrawalMessage(w, acc)); err != nil {
		logging.Logger.Warn("withdrawal notification failed",
			zap.String("uid", string(id)), zap.String("request", w.ID), zap.Error(err))
		s.fail(bg, w.ID, "notification failed")
		monitoring.WithdrawalsTotal.WithLabelValues("notification_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	ok, err := s.store.DebitSettlementIfSufficient(bg, id, amount)
	if err != nil || !ok {
		s.voidNotice(bg, w)
		s.fail(bg, w.ID, "insufficient balance at debit")
		monitoring.WithdrawalsTotal.WithLabelValues("voided").Inc()
		if err != nil {
			return nil, fmt.Errorf("debit withdrawal: %w", err)
		}
		return nil, ErrInsufficientSettlement
	}

	req, err := s.store.TransitionWithdrawal(bg, w.ID, models.WithdrawalNotified, "", models.WithdrawalPending)
	if err != nil {
		// no admin action can refund a request that left pending some other way
		logging.Logger.Error("withdrawal debited but not marked notified; refunding",
			zap.String("uid", string(id)), zap.String("request", w.ID), zap.Error(err))
		if rerr := s.store.CreditSettlement(bg, id, amount); rerr != nil {
			logging.Logger.Error("withdrawal refund failed",
				zap.String("uid", string(id)), zap.String("request", w.ID),
				zap.String("amount", amount.String()), zap.Error(rerr))
		}
		s.voidNotice(bg, w)
		if !errors.Is(err, store.ErrInvalidTransition) {
			s.fail(bg, w.ID, "not marked notified")
		}
		monitoring.WithdrawalsTotal.WithLabelValues("voided").Inc()
		return nil, fmt.Errorf("mark withdrawal notified: %w", err)
	}
	monitoring.WithdrawalsTotal.WithLabelValues("requested").Inc()

	after, err := s.store.GetAccount(bg, id)
	if err != nil {
		return nil, err
	}
	return &WithdrawalResult{Request: req, Account: after}, nil
}

func (s *BalanceService) notify(ctx context.Context, text string) error {
	timeout := s.economy.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.notifier.Notify(nctx, text)
	monitoring.NotificationsTotal.WithLabelValues(monitoring.Outcome(err == nil)).Inc()
	return err
}

func (s *BalanceService) fail(ctx context.Context, requestID, reason string) {
	if _, err := s.store.TransitionWithdrawal(ctx, requestID, models.WithdrawalFailed, reason, models.WithdrawalPending); err != nil {
		logging.Logger.Error("could not mark withdrawal failed",
			zap.String("request", requestID), zap.Error(err))
	}
}

func (s *BalanceService) voidNotice(ctx context.Context, w *models.WithdrawalRequest) {
	if err := s.notify(ctx, VoidMessage(w)); err != nil {
		logging.Logger.Error("void notice not delivered; operator may act on a stale request",
			zap.String("request", w.ID), zap.Error(err))
	}
}

type ReferralStatus string

const (
	ReferralJoined ReferralStatus = "joined"
	ReferralSelf   ReferralStatus = "self"
	ReferralOld    ReferralStatus = "old"
)

type ReferralResult struct {
	Status  ReferralStatus
	Bonus   int64
	Account *models.Account
}

// RecordReferral credits ReferralBonus to a brand-new account the first time
// it is attributed to a referrer.
func (s *BalanceService) RecordReferral(ctx context.Context, id, referrerID models.UserID) (*ReferralResult, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(referrerID)) == "" || len(referrerID) > maxUserIDLen {
		return nil, fmt.Errorf("%w: ref must be a uid", ErrInvalidInput)
	}
	if referrerID == id {
		return &ReferralResult{Status: ReferralSelf}, nil
	}

	acc, err := s.ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Points != 0 {
		return &ReferralResult{Status: ReferralOld}, nil
	}
	inserted, err := s.store.InsertReferralIfAbsent(ctx, referrerID, id)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &ReferralResult{Status: ReferralOld}, nil
	}

	if err := s.store.CreditPoints(ctx, id, s.economy.ReferralBonus); err != nil {
		return nil, fmt.Errorf("credit referral bonus: %w", err)
	}
	if err := s.store.IncrementReferralCount(ctx, referrerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Logger.Warn("referral count not updated",
			zap.String("referrer", string(referrerID)), zap.Error(err))
	}

	acc, err = s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ReferralResult{Status: ReferralJoined, Bonus: s.economy.ReferralBonus, Account: acc}, nil
}

// GrantReward credits amount points for a reward of the given kind.
func (s *BalanceService) GrantReward(ctx context.Context, id models.UserID, amount int64, kind RewardKind) (*models.Account, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: %s reward must not be negative", ErrInvalidInput, kind)
	}
	if _, err := s.ensure(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.CreditPoints(ctx, id, amount); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, id)
}

// ClaimReward looks the amount up in the reward table and grants it.
func (s *BalanceService) ClaimReward(ctx context.Context, id models.UserID, kind RewardKind, task string) (int64, *models.Account, error) {
	amount, err := s.rewards.Amount(kind, task)
	if err != nil {
		return 0, nil, err
	}
	acc, err := s.GrantReward(ctx, id, amount, kind)
	if err != nil {
		return 0, nil, err
	}
	return amount, acc, nil
}

func (s *BalanceService) GetAccount(ctx context.Context, id models.UserID) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetReferral returns who referred id, if anyone.
func (s *BalanceService) GetReferral(ctx context.Context, id models.UserID) (*models.Referral, error) {
	return s.store.GetReferral(ctx, id)
}

func (s *BalanceService) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return s.store.GetWithdrawal(ctx, id)
}

func (s *BalanceService) ListWithdrawals(ctx context.Context, filter store.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	return s.store.ListWithdrawals(ctx, filter)
}

// ApproveWithdrawal records the operator's go-ahead.
func (s *BalanceService) ApproveWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return s.store.TransitionWithdrawal(ctx, id, models.WithdrawalApproved, "", models.WithdrawalNotified)
}

// MarkWithdrawalPaid closes an approved request once funds have moved off-ledger.
func (s *BalanceService) MarkWithdrawalPaid(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return s.store.TransitionWithdrawal(ctx, id, models.WithdrawalPaid, "", models.WithdrawalApproved)
}

// RejectWithdrawal closes the request and returns the debited amount. The
// status change comes first so a request is refunded at most once.
func (s *BalanceService) RejectWithdrawal(ctx context.Context, id, reason string) (*models.WithdrawalRequest, error) {
	if reason == "" {
		reason = "rejected by operator"
	}
	w, err := s.store.TransitionWithdrawal(ctx, id, models.WithdrawalRejected, reason,
		models.WithdrawalNotified, models.WithdrawalApproved)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreditSettlement(context.WithoutCancel(ctx), w.UserID, w.Amount); err != nil {
		logging.Logger.Error("rejected withdrawal not refunded",
			zap.String("request", w.ID), zap.String("uid", string(w.UserID)),
			zap.String("amount", w.Amount.String()), zap.Error(err))
		return nil, fmt.Errorf("refund withdrawal %s: %w", w.ID, err)
	}
	return w, nil
}

// ReconcileAbandoned fails pending requests older than ttl. Pending means the
// debit never happened, so failing them moves no money; the operator gets one
// summary in case a notice did go out.
func (s *BalanceService) ReconcileAbandoned(ctx context.Context, ttl time.Duration) ([]models.WithdrawalRequest, error) {
	stale, err := s.store.ListWithdrawals(ctx, store.WithdrawalFilter{
		Status:        models.WithdrawalPending,
		CreatedBefore: time.Now().UTC().Add(-ttl),
	})
	if err != nil {
		return nil, err
	}

	var failed []models.WithdrawalRequest
	for _, w := range stale {
		got, err := s.store.TransitionWithdrawal(ctx, w.ID, models.WithdrawalFailed, "abandoned", models.WithdrawalPending)
		if err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				logging.Logger.Warn("could not fail abandoned withdrawal", zap.String("request", w.ID), zap.Error(err))
			}
			continue
		}
		failed = append(failed, *got)
	}

	if len(failed) > 0 {
		if err := s.notify(ctx, AbandonedSummary(failed)); err != nil {
			logging.Logger.Warn("abandoned withdrawal summary not delivered", zap.Int("count", len(failed)), zap.Error(err))
		}
	}
	return failed, nil
}
