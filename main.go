package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reward-ledger/config"
	"reward-ledger/handlers"
	"reward-ledger/logging"
	"reward-ledger/middleware"
	"reward-ledger/services"
	"reward-ledger/store"
	"reward-ledger/utils"
	"reward-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration: ", err)
	}
	if err := logging.Init(cfg.LogProduction); err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logging.Sync()
	logger := logging.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer ledger.Close()

	var notifier services.Notifier = services.DisabledNotifier{}
	if cfg.Telegram.Enabled() {
		tg, err := services.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID,
			cfg.Telegram.Endpoint, cfg.Telegram.Timeout, cfg.Telegram.PerMinute)
		if err != nil {
			logger.Fatal("failed to connect to Telegram", zap.Error(err))
		}
		notifier = tg
	} else {
		logger.Warn("TG_TOKEN or TG_CHAT not set; withdrawals will be refused")
	}

	economy := services.Economy{
		ConversionRate:  cfg.Economy.ConversionRate,
		MinConversion:   cfg.Economy.MinConversion,
		MinWithdrawal:   cfg.Economy.MinWithdrawal,
		AdReward:        cfg.Economy.AdReward,
		StartingAdQuota: cfg.Economy.StartingAdQuota,
		ReferralBonus:   cfg.Economy.ReferralBonus,
		NotifyTimeout:   cfg.Telegram.Timeout,
	}
	balanceService := services.NewBalanceService(ledger, notifier, economy, services.DefaultRewardTable())

	var archiver *workers.WithdrawalArchiver
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.R2, "")
		if err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		archiver = workers.NewWithdrawalArchiver(ledger, r2, cfg.Jobs.ArchiveEvery)
	} else {
		logger.Info("R2 bucket not configured; withdrawal archive disabled")
	}

	sched, err := workers.StartScheduler(ctx, workers.SchedulerConfig{
		AdQuotaResetEvery:    cfg.Jobs.AdQuotaResetEvery,
		StartingAdQuota:      cfg.Economy.StartingAdQuota,
		PendingWithdrawalTTL: cfg.Jobs.PendingWithdrawalTTL,
		ArchiveEvery:         cfg.Jobs.ArchiveEvery,
	}, ledger, balanceService, archiver)
	if err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    64 * 1024,
		ErrorHandler: handlers.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       86400,
	}))

	handlers.SetupSystemRoutes(app, ledger)
	handlers.SetupActionRoutes(app, balanceService)
	handlers.SetupAdminRoutes(app, balanceService, cfg.AdminToken)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; /admin routes disabled")
	}

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("server running",
		zap.Int("port", cfg.Port),
		zap.String("backend", cfg.Backend),
		zap.String("origins", cfg.AllowedOrigins))

	<-ctx.Done()
	logger.Info("shutting down server")

	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.LedgerStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendRedis:
		return store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return store.OpenPostgres(cfg.DatabaseURL)
	}
}
