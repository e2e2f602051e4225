package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reward-ledger/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// accountSlot guards one account; mutations on distinct accounts never contend.
type accountSlot struct {
	mu      sync.Mutex
	account models.Account
}

// MemoryStore is an in-process LedgerStore. It is what tests and
// LEDGER_BACKEND=memory run on; state does not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[models.UserID]*accountSlot

	refMu     sync.Mutex
	referrals map[models.UserID]models.Referral

	wdMu        sync.RWMutex
	withdrawals map[string]*models.WithdrawalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[models.UserID]*accountSlot),
		referrals:   make(map[models.UserID]models.Referral),
		withdrawals: make(map[string]*models.WithdrawalRequest),
	}
}

func (m *MemoryStore) slot(id models.UserID) (*accountSlot, error) {
	m.mu.RLock()
	s, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// mutate runs fn with the account locked and returns whether fn applied a change.
func (m *MemoryStore) mutate(id models.UserID, fn func(a *models.Account) bool) (bool, error) {
	s, err := m.slot(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(&s.account) {
		return false, nil
	}
	s.account.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id models.UserID, defaultUsername string, startingAdQuota int) (*models.Account, error) {
	m.mu.RLock()
	s, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		// re-check under the write lock so concurrent first calls create once
		if s, ok = m.accounts[id]; !ok {
			s = &accountSlot{account: *models.NewAccount(id, defaultUsername, startingAdQuota)}
			m.accounts[id] = s
		}
		m.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.account
	return &acc, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id models.UserID) (*models.Account, error) {
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.account
	return &acc, nil
}

func (m *MemoryStore) CreditPoints(ctx context.Context, id models.UserID, amount int64) error {
	_, err := m.mutate(id, func(a *models.Account) bool {
		a.Points += amount
		return true
	})
	return err
}

func (m *MemoryStore) DebitPointsIfSufficient(ctx context.Context, id models.UserID, amount int64) (bool, error) {
	return m.mutate(id, func(a *models.Account) bool {
		if a.Points < amount {
			return false
		}
		a.Points -= amount
		return true
	})
}

func (m *MemoryStore) CreditSettlement(ctx context.Context, id models.UserID, amount decimal.Decimal) error {
	_, err := m.mutate(id, func(a *models.Account) bool {
		a.SettlementBalance = a.SettlementBalance.Add(amount)
		return true
	})
	return err
}

func (m *MemoryStore) DebitSettlementIfSufficient(ctx context.Context, id models.UserID, amount decimal.Decimal) (bool, error) {
	return m.mutate(id, func(a *models.Account) bool {
		if a.SettlementBalance.LessThan(amount) {
			return false
		}
		a.SettlementBalance = a.SettlementBalance.Sub(amount)
		return true
	})
}

func (m *MemoryStore) DecrementAdQuotaIfPositive(ctx context.Context, id models.UserID) (bool, error) {
	return m.mutate(id, func(a *models.Account) bool {
		if a.AdQuota <= 0 {
			return false
		}
		a.AdQuota--
		return true
	})
}

func (m *MemoryStore) ResetAdQuotas(ctx context.Context, quota int) (int64, error) {
	m.mu.RLock()
	slots := make([]*accountSlot, 0, len(m.accounts))
	for _, s := range m.accounts {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	var n int64
	now := time.Now().UTC()
	for _, s := range slots {
		s.mu.Lock()
		if s.account.AdQuota != quota {
			s.account.AdQuota = quota
			s.account.UpdatedAt = now
			n++
		}
		s.mu.Unlock()
	}
	return n, nil
}

func (m *MemoryStore) InsertReferralIfAbsent(ctx context.Context, referrerID, referredID models.UserID) (bool, error) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if _, ok := m.referrals[referredID]; ok {
		return false, nil
	}
	m.referrals[referredID] = models.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  time.Now().UTC(),
	}
	return true, nil
}

func (m *MemoryStore) GetReferral(ctx context.Context, referredID models.UserID) (*models.Referral, error) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	ref, ok := m.referrals[referredID]
	if !ok {
		return nil, fmt.Errorf("referral of %s: %w", referredID, ErrNotFound)
	}
	return &ref, nil
}

func (m *MemoryStore) IncrementReferralCount(ctx context.Context, id models.UserID) error {
	_, err := m.mutate(id, func(a *models.Account) bool {
		a.ReferralCount++
		return true
	})
	return err
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	m.wdMu.Lock()
	defer m.wdMu.Unlock()
	if _, ok := m.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s already exists", w.ID)
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	m.wdMu.RLock()
	defer m.wdMu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) TransitionWithdrawal(ctx context.Context, id string, to models.WithdrawalStatus, reason string, from ...models.WithdrawalStatus) (*models.WithdrawalRequest, error) {
	m.wdMu.Lock()
	defer m.wdMu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if !statusIn(w.Status, from) {
		return nil, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidTransition)
	}
	w.Status = to
	if reason != "" {
		w.FailureReason = reason
	}
	w.UpdatedAt = time.Now().UTC()
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	m.wdMu.RLock()
	out := make([]models.WithdrawalRequest, 0, len(m.withdrawals))
	for _, w := range m.withdrawals {
		if filter.matches(w) {
			out = append(out, *w)
		}
	}
	m.wdMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ LedgerStore = (*MemoryStore)(nil)
