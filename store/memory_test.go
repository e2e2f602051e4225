package store

import (
	"context"
	"testing"

	"reward-ledger/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) LedgerStore { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	acc, err := s.GetOrCreate(ctx, "1", "", 30)
	require.NoError(t, err)
	acc.Points = 999

	fresh, err := s.GetAccount(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.Points)

	w := &models.WithdrawalRequest{UserID: "1", Address: "a", Status: models.WithdrawalPending}
	require.NoError(t, s.CreateWithdrawal(ctx, w))
	w.Status = models.WithdrawalPaid

	got, err := s.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, got.Status)
}
