// workers/scheduler.go
package workers

import (
	"context"
	"fmt"
	"time"

	"reward-ledger/logging"
	"reward-ledger/monitoring"
	"reward-ledger/services"
	"reward-ledger/store"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const reconcileEvery = time.Minute

// JobFunc is one run of a background job.
type JobFunc func(ctx context.Context) error

type SchedulerConfig struct {
	AdQuotaResetEvery    time.Duration
	StartingAdQuota      int
	PendingWithdrawalTTL time.Duration
	ReconcileEvery       time.Duration
	ArchiveEvery         time.Duration
}

// ResetAdQuotasJob restores every account's ad allotment.
func ResetAdQuotasJob(st store.LedgerStore, quota int) JobFunc {
	return func(ctx context.Context) error {
		n, err := st.ResetAdQuotas(ctx, quota)
		if err != nil {
			return err
		}
		logging.Logger.Info("ad quotas reset", zap.Int64("accounts", n), zap.Int("quota", quota))
		return nil
	}
}

// ReconcileWithdrawalsJob fails pending requests older than ttl.
func ReconcileWithdrawalsJob(svc *services.BalanceService, ttl time.Duration) JobFunc {
	return func(ctx context.Context) error {
		failed, err := svc.ReconcileAbandoned(ctx, ttl)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			logging.Logger.Warn("abandoned withdrawals failed", zap.Int("count", len(failed)))
		}
		return nil
	}
}

// StartScheduler registers the ledger's periodic jobs and starts them. A zero
// interval disables a job; archiver may be nil. Jobs stop when ctx is done or
// the returned scheduler is shut down.
func StartScheduler(ctx context.Context, cfg SchedulerConfig, ledger store.LedgerStore, svc *services.BalanceService, archiver *WithdrawalArchiver) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	add := func(name string, every time.Duration, job JobFunc) error {
		_, err := sched.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() {
				if ctx.Err() != nil {
					return
				}
				err := job(ctx)
				monitoring.JobRunsTotal.WithLabelValues(name, monitoring.Outcome(err == nil)).Inc()
				if err != nil {
					logging.Logger.Error("job failed", zap.String("job", name), zap.Error(err))
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		logging.Logger.Info("job scheduled", zap.String("job", name), zap.Duration("every", every))
		return nil
	}

	if cfg.AdQuotaResetEvery > 0 {
		if err := add("ad-quota-reset", cfg.AdQuotaResetEvery, ResetAdQuotasJob(ledger, cfg.StartingAdQuota)); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	if cfg.PendingWithdrawalTTL > 0 {
		every := cfg.ReconcileEvery
		if every <= 0 {
			every = reconcileEvery
		}
		if err := add("withdrawal-reconciler", every, ReconcileWithdrawalsJob(svc, cfg.PendingWithdrawalTTL)); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	if archiver != nil && cfg.ArchiveEvery > 0 {
		if err := add("withdrawal-archive", cfg.ArchiveEvery, archiver.Run); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	sched.Start()
	return sched, nil
}
