package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reward-ledger/models"
	"reward-ledger/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
	// onNotify runs before the result is returned, e.g. to race the debit.
	onNotify func()
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) error {
	f.mu.Lock()
	f.messages = append(f.messages, text)
	hook := f.onNotify
	f.onNotify = nil
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func newTestService(t *testing.T) (*BalanceService, *store.MemoryStore, *fakeNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	n := &fakeNotifier{}
	return NewBalanceService(st, n, DefaultEconomy(), DefaultRewardTable()), st, n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLoginIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	acc, err := svc.Login(ctx, "1001", "")
	require.NoError(t, err)
	assert.Equal(t, "user_1001", acc.Username)
	assert.Equal(t, 30, acc.AdQuota)

	require.NoError(t, st.CreditPoints(ctx, "1001", 10))
	again, err := svc.Login(ctx, "1001", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "user_1001", again.Username)
	assert.Equal(t, int64(10), again.Points)

	named, err := svc.Login(ctx, "1002", "  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", named.Username)

	_, err = svc.Login(ctx, " ", "x")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestWatchAd(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	acc, err := svc.WatchAd(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Points)
	assert.Equal(t, 29, acc.AdQuota)

	_, err = st.ResetAdQuotas(ctx, 0)
	require.NoError(t, err)

	_, err = svc.WatchAd(ctx, "7")
	require.ErrorIs(t, err, ErrQuotaExhausted)

	acc, err = st.GetAccount(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Points)
	assert.Equal(t, 0, acc.AdQuota)
}

func TestConvert(t *testing.T) {
	ctx := context.Background()

	t.Run("debits whole blocks only", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		_, err := svc.Login(ctx, "1", "")
		require.NoError(t, err)
		require.NoError(t, st.CreditPoints(ctx, "1", 15000))

		res, err := svc.Convert(ctx, "1", 15000)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), res.PointsDebited)
		assert.True(t, res.SettlementOut.Equal(dec("5")), "got %s", res.SettlementOut)
		assert.Equal(t, int64(5000), res.Account.Points)
		assert.True(t, res.Account.SettlementBalance.Equal(dec("5")))
	})

	t.Run("below minimum mutates nothing", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		_, err := svc.Login(ctx, "1", "")
		require.NoError(t, err)
		require.NoError(t, st.CreditPoints(ctx, "1", 9999))

		_, err = svc.Convert(ctx, "1", 9999)
		require.ErrorIs(t, err, ErrBelowMinimum)

		acc, err := st.GetAccount(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, int64(9999), acc.Points)
		assert.True(t, acc.SettlementBalance.IsZero())
	})

	t.Run("insufficient points", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		_, err := svc.Login(ctx, "1", "")
		require.NoError(t, err)
		require.NoError(t, st.CreditPoints(ctx, "1", 12000))

		_, err = svc.Convert(ctx, "1", 20000)
		require.ErrorIs(t, err, ErrInsufficientPoints)

		acc, err := st.GetAccount(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, int64(12000), acc.Points)
	})
}

func fundedService(t *testing.T, balance string) (*BalanceService, *store.MemoryStore, *fakeNotifier) {
	t.Helper()
	svc, st, n := newTestService(t)
	_, err := svc.Login(context.Background(), "500", "carol")
	require.NoError(t, err)
	require.NoError(t, st.CreditSettlement(context.Background(), "500", dec(balance)))
	return svc, st, n
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("notifies then debits", func(t *testing.T) {
		svc, st, n := fundedService(t, "2")

		res, err := svc.RequestWithdrawal(ctx, "500", " UQabc ", dec("0.75"))
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalNotified, res.Request.Status)
		assert.True(t, res.Account.SettlementBalance.Equal(dec("1.25")))

		msgs := n.sent()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0], "<code>/approve UQabc 0.75</code>")
		assert.Contains(t, msgs[0], "<code>/reject UQabc 0.75</code>")
		assert.Contains(t, msgs[0], res.Request.ID)
		assert.Contains(t, msgs[0], "carol")

		stored, err := st.GetWithdrawal(ctx, res.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalNotified, stored.Status)
	})

	t.Run("failed notification leaves balance untouched", func(t *testing.T) {
		svc, st, n := fundedService(t, "2")
		n.err = errors.New("telegram down")

		_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("1"))
		require.ErrorIs(t, err, ErrNotificationFailed)

		acc, err := st.GetAccount(ctx, "500")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(dec("2")))

		reqs, err := st.ListWithdrawals(ctx, store.WithdrawalFilter{UserID: "500"})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, models.WithdrawalFailed, reqs[0].Status)
	})

	t.Run("insufficient balance is refused before notifying", func(t *testing.T) {
		svc, _, n := fundedService(t, "0.6")

		_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("1"))
		require.ErrorIs(t, err, ErrInsufficientSettlement)
		assert.Empty(t, n.sent())
	})

	t.Run("balance drained during notification voids the request", func(t *testing.T) {
		svc, st, n := fundedService(t, "1")
		n.onNotify = func() {
			ok, err := st.DebitSettlementIfSufficient(context.Background(), "500", dec("0.8"))
			require.NoError(t, err)
			require.True(t, ok)
		}

		_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("0.5"))
		require.ErrorIs(t, err, ErrInsufficientSettlement)

		msgs := n.sent()
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[1], "voided")

		acc, err := st.GetAccount(ctx, "500")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(dec("0.2")))

		reqs, err := st.ListWithdrawals(ctx, store.WithdrawalFilter{UserID: "500"})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, models.WithdrawalFailed, reqs[0].Status)
	})

	t.Run("request failed by the reconciler mid-notify is refunded", func(t *testing.T) {
		svc, st, n := fundedService(t, "2")
		n.onNotify = func() {
			failed, err := svc.ReconcileAbandoned(context.Background(), -time.Minute)
			require.NoError(t, err)
			require.Len(t, failed, 1)
		}

		_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("1"))
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		acc, err := st.GetAccount(ctx, "500")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(dec("2")), "got %s", acc.SettlementBalance)

		msgs := n.sent()
		require.Len(t, msgs, 3)
		assert.Contains(t, msgs[1], "abandoned")
		assert.Contains(t, msgs[2], "voided")

		reqs, err := st.ListWithdrawals(ctx, store.WithdrawalFilter{UserID: "500"})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, models.WithdrawalFailed, reqs[0].Status)
		assert.Equal(t, "abandoned", reqs[0].FailureReason)
	})

	t.Run("invalid input", func(t *testing.T) {
		svc, _, n := fundedService(t, "5")

		_, err := svc.RequestWithdrawal(ctx, "500", "  ", dec("1"))
		require.ErrorIs(t, err, ErrInvalidInput)

		_, err = svc.RequestWithdrawal(ctx, "500", "UQabc", dec("0.49"))
		require.ErrorIs(t, err, ErrInvalidInput)

		_, err = svc.RequestWithdrawal(ctx, "500", "UQabc", dec("-3"))
		require.ErrorIs(t, err, ErrInvalidInput)

		_, err = svc.RequestWithdrawal(ctx, "500", strings.Repeat("U", 129), dec("1"))
		require.ErrorIs(t, err, ErrInvalidInput)

		_, err = svc.RequestWithdrawal(ctx, models.UserID(strings.Repeat("9", 65)), "UQabc", dec("1"))
		require.ErrorIs(t, err, ErrInvalidInput)

		assert.Empty(t, n.sent())
	})
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := fundedService(t, "2")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("0.5"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if !errors.Is(err, ErrInsufficientSettlement) {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 4, ok)
	acc, err := st.GetAccount(ctx, "500")
	require.NoError(t, err)
	assert.True(t, acc.SettlementBalance.IsZero(), "got %s", acc.SettlementBalance)
}

func TestConcurrentConversionsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	_, err := svc.Login(ctx, "1", "")
	require.NoError(t, err)
	require.NoError(t, st.CreditPoints(ctx, "1", 50000))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Convert(ctx, "1", 10000)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInsufficientPoints)
	}
	assert.Equal(t, 5, succeeded)

	acc, err := st.GetAccount(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Points)
	assert.True(t, acc.SettlementBalance.Equal(dec("25")))
}

func TestConcurrentConvertAndWithdrawBalance(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := fundedService(t, "1")
	require.NoError(t, st.CreditPoints(ctx, "500", 50000))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		converted  int
		withdrawn  int
		unexpected []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Convert(ctx, "500", 10000)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				converted++
			case !errors.Is(err, ErrInsufficientPoints):
				unexpected = append(unexpected, err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("0.5"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				withdrawn++
			case !errors.Is(err, ErrInsufficientSettlement):
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, 5, converted)
	assert.GreaterOrEqual(t, withdrawn, 2)

	acc, err := st.GetAccount(ctx, "500")
	require.NoError(t, err)
	assert.Equal(t, int64(50000-10000*converted), acc.Points)
	assert.False(t, acc.SettlementBalance.IsNegative())

	// starting balance + conversions - withdrawals
	want := dec("1").
		Add(dec("5").Mul(decimal.NewFromInt(int64(converted)))).
		Sub(dec("0.5").Mul(decimal.NewFromInt(int64(withdrawn))))
	assert.True(t, acc.SettlementBalance.Equal(want), "got %s want %s", acc.SettlementBalance, want)

	notified, err := st.ListWithdrawals(ctx, store.WithdrawalFilter{UserID: "500", Status: models.WithdrawalNotified})
	require.NoError(t, err)
	assert.Len(t, notified, withdrawn)
}

func TestRecordReferral(t *testing.T) {
	ctx := context.Background()

	t.Run("self", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		res, err := svc.RecordReferral(ctx, "1", "1")
		require.NoError(t, err)
		assert.Equal(t, ReferralSelf, res.Status)
		_, err = st.GetAccount(ctx, "1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("joined then old", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		_, err := svc.Login(ctx, "100", "referrer")
		require.NoError(t, err)

		res, err := svc.RecordReferral(ctx, "200", "100")
		require.NoError(t, err)
		assert.Equal(t, ReferralJoined, res.Status)
		assert.Equal(t, int64(10000), res.Bonus)
		assert.Equal(t, int64(10000), res.Account.Points)

		ref, err := st.GetAccount(ctx, "100")
		require.NoError(t, err)
		assert.Equal(t, int64(1), ref.ReferralCount)

		res, err = svc.RecordReferral(ctx, "200", "300")
		require.NoError(t, err)
		assert.Equal(t, ReferralOld, res.Status)

		acc, err := st.GetAccount(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, int64(10000), acc.Points)
	})

	t.Run("account with points is old", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		_, err := svc.Login(ctx, "200", "")
		require.NoError(t, err)
		require.NoError(t, st.CreditPoints(ctx, "200", 1))

		res, err := svc.RecordReferral(ctx, "200", "100")
		require.NoError(t, err)
		assert.Equal(t, ReferralOld, res.Status)
	})

	t.Run("existing record blocks a zero-point account", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		ok, err := st.InsertReferralIfAbsent(ctx, "100", "200")
		require.NoError(t, err)
		require.True(t, ok)

		res, err := svc.RecordReferral(ctx, "200", "100")
		require.NoError(t, err)
		assert.Equal(t, ReferralOld, res.Status)

		acc, err := st.GetAccount(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.Points)
	})

	t.Run("unknown referrer still pays the new account", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		res, err := svc.RecordReferral(ctx, "200", "ghost")
		require.NoError(t, err)
		assert.Equal(t, ReferralJoined, res.Status)
	})

	t.Run("concurrent referrals pay once", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = svc.RecordReferral(ctx, "200", "100")
			}()
		}
		wg.Wait()

		acc, err := st.GetAccount(ctx, "200")
		require.NoError(t, err)
		assert.Equal(t, int64(10000), acc.Points)
	})
}

func TestGrantAndClaimReward(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	acc, err := svc.GrantReward(ctx, "1", 25, RewardQuick)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acc.Points)

	_, err = svc.GrantReward(ctx, "1", -5, RewardQuick)
	require.ErrorIs(t, err, ErrInvalidInput)

	amount, acc, err := svc.ClaimReward(ctx, "1", RewardTask, "Join Channel")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), amount)
	assert.Equal(t, int64(1025), acc.Points)

	_, _, err = svc.ClaimReward(ctx, "1", RewardTask, "mine-bitcoin")
	require.ErrorIs(t, err, ErrInvalidInput)

	amount, acc, err = svc.ClaimReward(ctx, "1", RewardAutoClick, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), amount)
	assert.Equal(t, int64(1026), acc.Points)
}

func TestWithdrawalAdministration(t *testing.T) {
	ctx := context.Background()

	t.Run("reject refunds once", func(t *testing.T) {
		svc, st, _ := fundedService(t, "3")
		res, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("1"))
		require.NoError(t, err)

		w, err := svc.RejectWithdrawal(ctx, res.Request.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalRejected, w.Status)

		acc, err := st.GetAccount(ctx, "500")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(dec("3")))

		_, err = svc.RejectWithdrawal(ctx, res.Request.ID, "")
		require.ErrorIs(t, err, store.ErrInvalidTransition)
		acc, err = st.GetAccount(ctx, "500")
		require.NoError(t, err)
		assert.True(t, acc.SettlementBalance.Equal(dec("3")))
	})

	t.Run("approve then paid", func(t *testing.T) {
		svc, _, _ := fundedService(t, "3")
		res, err := svc.RequestWithdrawal(ctx, "500", "UQabc", dec("1"))
		require.NoError(t, err)

		_, err = svc.MarkWithdrawalPaid(ctx, res.Request.ID)
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		w, err := svc.ApproveWithdrawal(ctx, res.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalApproved, w.Status)

		w, err = svc.MarkWithdrawalPaid(ctx, res.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalPaid, w.Status)

		_, err = svc.RejectWithdrawal(ctx, res.Request.ID, "too late")
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("unknown request", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.ApproveWithdrawal(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestReconcileAbandoned(t *testing.T) {
	ctx := context.Background()
	svc, st, n := newTestService(t)

	old := &models.WithdrawalRequest{
		UserID:    "9",
		Address:   "UQold",
		Amount:    dec("1"),
		Status:    models.WithdrawalPending,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	fresh := &models.WithdrawalRequest{
		UserID:  "9",
		Address: "UQnew",
		Amount:  dec("1"),
		Status:  models.WithdrawalPending,
	}
	require.NoError(t, st.CreateWithdrawal(ctx, old))
	require.NoError(t, st.CreateWithdrawal(ctx, fresh))

	failed, err := svc.ReconcileAbandoned(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, old.ID, failed[0].ID)
	assert.Equal(t, "abandoned", failed[0].FailureReason)

	got, err := st.GetWithdrawal(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, got.Status)

	msgs := n.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], old.ID)

	failed, err = svc.ReconcileAbandoned(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, n.sent(), 1)
}
