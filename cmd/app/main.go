// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"caregiver-billing/internal/config"
	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/adapters/ledger"
	"caregiver-billing/internal/infra/adapters/marketplace"
	payAdapters "caregiver-billing/internal/infra/adapters/payment"
	tele "caregiver-billing/internal/infra/adapters/telegram"
	"caregiver-billing/internal/infra/api"
	"caregiver-billing/internal/infra/api/apiv1"
	pg "caregiver-billing/internal/infra/db/postgres"
	"caregiver-billing/internal/infra/logging"
	"caregiver-billing/internal/infra/metrics"
	red "caregiver-billing/internal/infra/redis"
	"caregiver-billing/internal/infra/sched"
	"caregiver-billing/internal/infra/security"
	"caregiver-billing/internal/infra/worker"
	"caregiver-billing/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	if cfg.Database.Migrate {
		if err := pg.RunMigrations(ctx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
	}
	go reportPoolStats(ctx, pool)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Encryption ----
	var cipher pg.TokenCipher = security.PlainText{}
	if cfg.Security.EncryptionKey != "" {
		enc, err := security.NewEncryptionService(cfg.Security.EncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("encryption")
		}
		cipher = enc
	} else if !cfg.Runtime.Dev {
		logger.Fatal().Msg("security.encryption_key is required outside dev mode")
	} else {
		logger.Warn().Msg("security.encryption_key not set; charge tokens stored in plain text (INSECURE)")
	}

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	payRepo := pg.NewPaymentRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool, cipher)

	// ---- Messaging ----
	var (
		billingLedger adapter.BillingLedger
		userNotifier  adapter.Notifier
	)
	if cfg.NATS.URL != "" {
		nc, err := ledger.Connect(&cfg.NATS, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats")
		}
		defer nc.Drain()
		billingLedger = ledger.NewNATSLedger(nc, cfg.NATS.BillingSubject)
		userNotifier = ledger.NewNATSNotifier(nc, cfg.NATS.NotificationSubject)
	} else {
		logger.Warn().Msg("nats.url not set; billing events and user notifications are disabled")
	}

	var support adapter.SupportNotifier
	if cfg.Telegram.Token != "" {
		bot, err := tele.NewSupportBot(&cfg.Telegram, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram")
		}
		support = bot
	} else {
		support = tele.NewNoopSupportNotifier(logger)
	}

	// ---- Payment gateway ----
	var gateway adapter.PaymentGateway
	if cfg.Payment.Sandbox {
		logger.Warn().Msg("payment.sandbox enabled; using in-memory gateway")
		gateway = payAdapters.NewNoopPaymentGateway(cfg.Payment.SecretKey)
	} else {
		gateway, err = payAdapters.NewPaystackGateway(cfg.Payment.SecretKey, cfg.Payment.BaseURL, cfg.Payment.CallbackURL, cfg.Payment.Timeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("payment gateway")
		}
	}

	// ---- Marketplace ----
	market, err := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey, cfg.Marketplace.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("marketplace")
	}
	gigs := marketplace.NewGigCatalogCacheDecorator(market, redisClient, cfg.Marketplace.GigTTL, logger)

	// ---- Use cases ----
	feePolicy := fees.Policy{
		ServiceChargeRate: cfg.Billing.ServiceChargeRate,
		GatewayFeeRate:    cfg.Billing.GatewayFeeRate,
		GatewayFeeCap:     cfg.Billing.GatewayFeeCap,
	}
	notifyUC := usecase.NewNotificationUseCase(userNotifier, support, logger)
	subUC := usecase.NewSubscriptionUseCase(subRepo, tm, gateway, market, market, billingLedger, locker, notifyUC,
		usecase.SubscriptionOptions{
			Currency: cfg.Payment.Currency,
			Retry: model.RetryPolicy{
				MaxAttempts:   cfg.Billing.MaxRetryAttempts,
				BackoffBase:   cfg.Billing.BackoffBase,
				BackoffFactor: cfg.Billing.BackoffFactor,
			},
			Fees:               feePolicy,
			AutoRefund:         cfg.Billing.AutoRefund,
			VerificationAmount: cfg.Payment.VerificationAmount,
			ChargeTimeout:      cfg.Payment.Timeout,
		}, logger)
	payUC := usecase.NewPaymentUseCase(payRepo, tm, gateway, gigs, market, billingLedger, subUC, notifyUC,
		usecase.PaymentOptions{
			Currency:  cfg.Payment.Currency,
			Tolerance: cfg.Billing.AmountTolerance,
			Fees:      feePolicy,
		}, logger)
	statsUC := usecase.NewStatsUseCase(subRepo, payRepo, logger)

	// ---- Scheduler ----
	workers := worker.NewPool(cfg.Scheduler.Workers, logger)
	workers.Start(ctx)
	scheduler, err := sched.NewBillingScheduler(subUC, payUC, statsUC, locker, workers, cfg.Scheduler, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start")
	}

	// ---- HTTP ----
	v1 := apiv1.NewServer(payUC, subUC, statsUC, gateway, rateLimiter,
		apiv1.Options{CreatePaymentRate: cfg.HTTP.CreatePaymentRate}, logger)
	router := api.NewRouter(v1, apiv1.NewAuthenticator(cfg.HTTP.JWTSecret), map[string]api.CheckFunc{
		"postgres": pool.Ping,
		"redis":    redisClient.Ping,
	}, cfg.HTTP.RequestTimeout, logger)
	server := api.NewHTTPServer(cfg.HTTP, router)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := scheduler.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown")
	}
	cancel()
	workers.Stop()
	logger.Info().Msg("bye")
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.SetDBPoolStats(pool.Stat())
		}
	}
}
