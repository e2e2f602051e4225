package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reward-ledger/logging"
	"reward-ledger/store"

	"go.uber.org/zap"
)

// Uploader stores an archive object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// WithdrawalArchiver ships every withdrawal request touched since the last
// successful run to object storage as one JSON document.
type WithdrawalArchiver struct {
	store        store.LedgerStore
	uploader     Uploader
	lastSyncTime time.Time
	now          func() time.Time
}

func NewWithdrawalArchiver(st store.LedgerStore, uploader Uploader, lookback time.Duration) *WithdrawalArchiver {
	return &WithdrawalArchiver{
		store:        st,
		uploader:     uploader,
		lastSyncTime: time.Now().UTC().Add(-lookback),
		now:          time.Now,
	}
}

// Run uploads one batch. The cursor only advances after a successful upload,
// so a failed run is retried with the same window next time.
func (a *WithdrawalArchiver) Run(ctx context.Context) error {
	runTime := a.now().UTC()

	batch, err := a.store.ListWithdrawals(ctx, store.WithdrawalFilter{UpdatedSince: a.lastSyncTime})
	if err != nil {
		return fmt.Errorf("list withdrawals: %w", err)
	}
	if len(batch) == 0 {
		a.lastSyncTime = runTime
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	key := fmt.Sprintf("withdrawals/%s/%d.json", runTime.Format("2006-01-02"), runTime.Unix())
	url, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return err
	}

	a.lastSyncTime = runTime
	logging.Logger.Info("withdrawals archived", zap.Int("count", len(batch)), zap.String("url", url))
	return nil
}
