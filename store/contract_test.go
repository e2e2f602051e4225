package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reward-ledger/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the behaviour every LedgerStore backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) LedgerStore) {
	ctx := context.Background()

	t.Run("GetOrCreateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		acc, err := s.GetOrCreate(ctx, "42", "", 30)
		require.NoError(t, err)
		assert.Equal(t, models.UserID("42"), acc.ID)
		assert.Equal(t, "user_42", acc.Username)
		assert.Equal(t, int64(0), acc.Points)
		assert.True(t, acc.SettlementBalance.IsZero())
		assert.Equal(t, 30, acc.AdQuota)

		require.NoError(t, s.CreditPoints(ctx, "42", 700))

		again, err := s.GetOrCreate(ctx, "42", "someone-else", 5)
		require.NoError(t, err)
		assert.Equal(t, "user_42", again.Username)
		assert.Equal(t, int64(700), again.Points)
		assert.Equal(t, 30, again.AdQuota)
	})

	t.Run("MissingAccount", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAccount(ctx, "nobody")
		require.ErrorIs(t, err, ErrNotFound)

		err = s.CreditPoints(ctx, "nobody", 1)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.DebitPointsIfSufficient(ctx, "nobody", 1)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.DebitSettlementIfSufficient(ctx, "nobody", decimal.NewFromInt(1))
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.DecrementAdQuotaIfPositive(ctx, "nobody")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PointsDebitIsConditional", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "7", "alice", 30)
		require.NoError(t, err)
		require.NoError(t, s.CreditPoints(ctx, "7", 15000))

		ok, err := s.DebitPointsIfSufficient(ctx, "7", 20000)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.DebitPointsIfSufficient(ctx, "7", 10000)
		require.NoError(t, err)
		assert.True(t, ok)

		acc, err := s.GetAccount(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), acc.Points)
	})

	t.Run("SettlementDebitIsConditional", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "8", "bob", 30)
		require.NoError(t, err)
		require.NoError(t, s.CreditSettlement(ctx, "8", decimal.RequireFromString("5")))

		ok, err := s.DebitSettlementIfSufficient(ctx, "8", decimal.RequireFromString("5.5"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.DebitSettlementIfSufficient(ctx, "8", decimal.RequireFromString("1.25"))
		require.NoError(t, err)
		assert.True(t, ok)

		acc, err := s.GetAccount(ctx, "8")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(decimal.RequireFromString("3.75")), "got %s", acc.SettlementBalance)
	})

	t.Run("AdQuotaStopsAtZero", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "9", "", 2)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			ok, err := s.DecrementAdQuotaIfPositive(ctx, "9")
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := s.DecrementAdQuotaIfPositive(ctx, "9")
		require.NoError(t, err)
		assert.False(t, ok)

		acc, err := s.GetAccount(ctx, "9")
		require.NoError(t, err)
		assert.Equal(t, 0, acc.AdQuota)
	})

	t.Run("ResetAdQuotas", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "full", "", 30)
		require.NoError(t, err)
		_, err = s.GetOrCreate(ctx, "spent", "", 1)
		require.NoError(t, err)
		_, err = s.DecrementAdQuotaIfPositive(ctx, "spent")
		require.NoError(t, err)

		n, err := s.ResetAdQuotas(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		acc, err := s.GetAccount(ctx, "spent")
		require.NoError(t, err)
		assert.Equal(t, 30, acc.AdQuota)
	})

	t.Run("ReferralInsertedOnce", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.InsertReferralIfAbsent(ctx, "1", "2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.InsertReferralIfAbsent(ctx, "3", "2")
		require.NoError(t, err)
		assert.False(t, ok)

		ref, err := s.GetReferral(ctx, "2")
		require.NoError(t, err)
		assert.Equal(t, models.UserID("1"), ref.ReferrerID)
		assert.Equal(t, models.UserID("2"), ref.ReferredID)
		assert.NotEmpty(t, ref.ID)
		assert.WithinDuration(t, time.Now(), ref.CreatedAt, time.Minute)

		_, err = s.GetReferral(ctx, "1")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetOrCreate(ctx, "1", "", 30)
		require.NoError(t, err)
		require.NoError(t, s.IncrementReferralCount(ctx, "1"))
		acc, err := s.GetAccount(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), acc.ReferralCount)
	})

	t.Run("WithdrawalLifecycle", func(t *testing.T) {
		s := newStore(t)
		w := &models.WithdrawalRequest{
			UserID:   "5",
			Username: "carol",
			Address:  "UQAbc",
			Amount:   decimal.RequireFromString("0.75"),
			Status:   models.WithdrawalPending,
		}
		require.NoError(t, s.CreateWithdrawal(ctx, w))
		require.NotEmpty(t, w.ID)

		got, err := s.GetWithdrawal(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalPending, got.Status)
		assert.True(t, got.Amount.Equal(w.Amount))
		assert.Equal(t, "UQAbc", got.Address)

		got, err = s.TransitionWithdrawal(ctx, w.ID, models.WithdrawalNotified, "", models.WithdrawalPending)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalNotified, got.Status)

		_, err = s.TransitionWithdrawal(ctx, w.ID, models.WithdrawalPaid, "", models.WithdrawalApproved)
		require.ErrorIs(t, err, ErrInvalidTransition)

		got, err = s.TransitionWithdrawal(ctx, w.ID, models.WithdrawalRejected, "address blocked",
			models.WithdrawalNotified, models.WithdrawalApproved)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalRejected, got.Status)
		assert.Equal(t, "address blocked", got.FailureReason)

		_, err = s.TransitionWithdrawal(ctx, "missing", models.WithdrawalPaid, "", models.WithdrawalApproved)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetWithdrawal(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListWithdrawalsFilters", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		for i, status := range []models.WithdrawalStatus{models.WithdrawalPending, models.WithdrawalNotified, models.WithdrawalPending} {
			require.NoError(t, s.CreateWithdrawal(ctx, &models.WithdrawalRequest{
				UserID:    models.UserID([]string{"a", "b", "a"}[i]),
				Address:   "addr",
				Amount:    decimal.NewFromInt(1),
				Status:    status,
				CreatedAt: base.Add(time.Duration(i) * 10 * time.Minute),
			}))
		}

		all, err := s.ListWithdrawals(ctx, WithdrawalFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "newest first")

		pending, err := s.ListWithdrawals(ctx, WithdrawalFilter{Status: models.WithdrawalPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		old, err := s.ListWithdrawals(ctx, WithdrawalFilter{
			Status:        models.WithdrawalPending,
			CreatedBefore: base.Add(5 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, old, 1)

		forB, err := s.ListWithdrawals(ctx, WithdrawalFilter{UserID: "b"})
		require.NoError(t, err)
		require.Len(t, forB, 1)
		assert.Equal(t, models.WithdrawalNotified, forB[0].Status)

		limited, err := s.ListWithdrawals(ctx, WithdrawalFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "race", "", 30)
		require.NoError(t, err)
		require.NoError(t, s.CreditPoints(ctx, "race", 10))
		require.NoError(t, s.CreditSettlement(ctx, "race", decimal.NewFromInt(3)))

		var (
			wg         sync.WaitGroup
			points     int64
			settlement int64
			failures   int64
		)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.DebitPointsIfSufficient(ctx, "race", 1)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					return
				}
				if ok {
					atomic.AddInt64(&points, 1)
				}
				ok, err = s.DebitSettlementIfSufficient(ctx, "race", decimal.RequireFromString("0.5"))
				if err != nil {
					atomic.AddInt64(&failures, 1)
					return
				}
				if ok {
					atomic.AddInt64(&settlement, 1)
				}
			}()
		}
		wg.Wait()

		require.Zero(t, failures)
		assert.Equal(t, int64(10), points)
		assert.Equal(t, int64(6), settlement)

		acc, err := s.GetAccount(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.Points)
		assert.True(t, acc.SettlementBalance.IsZero(), "got %s", acc.SettlementBalance)
	})

	t.Run("ConcurrentCreditsAreNotLost", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrCreate(ctx, "sum", "", 30)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 25)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.CreditPoints(ctx, "sum", 4)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		acc, err := s.GetAccount(ctx, "sum")
		require.NoError(t, err)
		assert.Equal(t, int64(100), acc.Points)
	})

	t.Run("ConcurrentFirstLoginCreatesOnce", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var failed int64
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.GetOrCreate(ctx, "first", "", 30); err != nil && !errors.Is(err, context.Canceled) {
					atomic.AddInt64(&failed, 1)
				}
			}()
		}
		wg.Wait()
		require.Zero(t, failed)

		require.NoError(t, s.CreditPoints(ctx, "first", 1))
		acc, err := s.GetOrCreate(ctx, "first", "", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), acc.Points)
	})
}
