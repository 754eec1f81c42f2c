package main

import (
	"context"
	"errors"
	"fmt"
	stlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"go-topup/config"
	"go-topup/log"
	"go-topup/payment/db"
	"go-topup/payment/fulfill"
	"go-topup/payment/ledger"
	"go-topup/payment/notify"
	"go-topup/payment/order"
	"go-topup/payment/provider"
	"go-topup/payment/reconcile"
	"go-topup/payment/watcher"
	"go-topup/service"
	"go-topup/utils"
	"go-topup/web"
	"go-topup/web/controllers"
	"go-topup/web/middleware"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		stlog.Fatalln("Error loading config:", err)
	}
	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		stlog.Fatalln("Error creating logger:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("payment service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gdb, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := db.Sync(gdb); err != nil {
		return err
	}

	clock := utils.NewSystemClock()
	store := order.NewStore(gdb, clock)

	l, err := newLedger(cfg, store, clock, logger)
	if err != nil {
		return err
	}

	airalo := provider.NewAiralo(cfg.AiraloURL, cfg.AiraloAPIKey, cfg.ProviderTimeout, logger.Named("airalo")).WithClock(clock)
	svc := order.NewService(store, airalo, order.NewConverter("", 5*time.Minute, clock), order.ServiceConfig{
		ReceivingAccount: cfg.ReceivingAccount,
		TokenMint:        cfg.TokenMint,
		TokenSymbol:      cfg.TokenSymbol,
		TokenDecimals:    cfg.TokenDecimals,
		TTL:              cfg.OrderTTL,
		TestingMode:      cfg.TestingMode,
		Multiplier:       decimal.NewFromFloat(cfg.TestingPaymentMultiplier),
		UniqueAmounts:    cfg.UniqueAmounts,
	}, logger.Named("orders"))

	w := watcher.New(l, store, watcher.Config{
		Account:          cfg.ReceivingAccount,
		Network:          cfg.Network,
		PollInterval:     cfg.PollInterval,
		FetchAttempts:    cfg.FetchAttempts,
		FatalAfterCycles: cfg.FatalAfterCycles,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		DedupSize:        cfg.DedupSize,
		DedupTTL:         cfg.DedupTTL,
	}, clock, logger.Named("watcher"))
	reconciler := reconcile.New(store, clock, logger.Named("reconciler"))
	sweeper := reconcile.NewSweeper(store, clock, logger.Named("sweeper"))
	dispatcher := fulfill.New(store, airalo, fulfill.Config{
		Workers:      cfg.DispatchWorkers,
		MaxAttempts:  cfg.MaxFulfillmentAttempts,
		CallTimeout:  cfg.ProviderTimeout,
		ScanInterval: cfg.DispatchInterval,
		StaleAfter:   cfg.StaleAfter,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		Rate:         cfg.ProviderRate,
	}, clock, logger.Named("dispatcher"))
	notifier, err := newNotifier(cfg, store, clock, logger.Named("notifier"))
	if err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret is not set, the order API rejects every request")
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	handler := controllers.NewHandler(svc, store, airalo, cfg.Chain(), clock.Now, logger.Named("http"))
	router := web.NewRouter(handler, limiter, web.RouterConfig{
		JWTSecret:    cfg.JWTSecret,
		AdminKeyHash: cfg.AdminKeyHash,
		CORSOrigins:  cfg.CORSOrigins,
	}, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("payment service starting",
		zap.String("network", cfg.Network),
		zap.String("receiving_account", cfg.ReceivingAccount),
		zap.String("token_mint", cfg.TokenMint),
		zap.Bool("testing_mode", cfg.TestingMode),
		zap.Bool("mock_ledger", cfg.MockLedger()))

	return service.Run(ctx, srv, []service.Loop{
		{Name: "watcher", Run: w.Run},
		{Name: "reconciler", Run: func(ctx context.Context) error { return reconciler.Run(ctx, cfg.ReconcileInterval) }},
		{Name: "sweeper", Run: func(ctx context.Context) error { return sweeper.Run(ctx, cfg.SweepInterval) }},
		{Name: "dispatcher", Run: dispatcher.Run},
		{Name: "notifier", Run: notifier.Run},
		{Name: "ratelimit-cleanup", Run: func(ctx context.Context) error {
			return limiter.RunCleanup(ctx, 10*time.Minute, 30*time.Minute)
		}},
	}, service.Options{
		Fatal: func(err error) bool { return errors.Is(err, watcher.ErrWatcherFatal) },
	}, logger)
}

func newLedger(cfg *config.Config, store *order.Store, clock utils.Clock, logger *zap.Logger) (ledger.Ledger, error) {
	if cfg.MockLedger() {
		logger.Warn("mock payments enabled, every order is paid after the delay", zap.Duration("delay", cfg.MockPaymentDelay))
		return ledger.NewMock(store, cfg.TokenMint, cfg.MockPaymentDelay, clock), nil
	}

	switch cfg.Chain() {
	case config.ChainTron:
		if !ledger.ValidTronAddress(cfg.ReceivingAccount) {
			return nil, fmt.Errorf("receiving_account %q is not a tron address", cfg.ReceivingAccount)
		}
		return ledger.NewTronGrid(cfg.RPCURL, ledger.TronOptions{
			Contract: cfg.TokenMint,
			Decimals: cfg.TokenDecimals,
			APIKey:   cfg.TronGridAPIKey,
			Timeout:  cfg.LedgerTimeout,
			Logger:   logger.Named("trongrid"),
		}), nil
	default:
		for _, a := range []string{cfg.ReceivingAccount, cfg.ReceivingTokenAccount, cfg.TokenMint} {
			if !ledger.ValidSolanaAddress(a) {
				return nil, fmt.Errorf("%q is not a solana address", a)
			}
		}
		return ledger.NewSolana(cfg.RPCURL, ledger.SolanaOptions{
			TokenAccount: cfg.ReceivingTokenAccount,
			Mint:         cfg.TokenMint,
			Decimals:     cfg.TokenDecimals,
			Timeout:      cfg.LedgerTimeout,
			Logger:       logger.Named("solana"),
		}), nil
	}
}

func newNotifier(cfg *config.Config, store *order.Store, clock utils.Clock, logger *zap.Logger) (*notify.Notifier, error) {
	var sender notify.Sender = logSender{logger}
	if cfg.TelegramToken != "" {
		sender = notify.NewTelegram(cfg.TelegramURL, cfg.TelegramToken, 10*time.Second)
	} else {
		logger.Warn("telegram_token is not set, notifications are only logged")
	}

	var ops notify.Sender
	smtpCfg := notify.SMTPConfig{
		Server:   cfg.SMTPServer,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		FromAddr: cfg.FromAddr,
		FromName: cfg.FromName,
	}
	if smtpCfg.Enabled() && cfg.OpsEmail != "" {
		email, err := notify.NewEmail(smtpCfg)
		if err != nil {
			return nil, err
		}
		ops = email
	}

	return notify.New(store, sender, ops, notify.Config{
		Interval:    cfg.NotifyInterval,
		BackoffBase: cfg.BackoffBase,
		OpsAddress:  cfg.OpsEmail,
	}, clock, logger), nil
}

type logSender struct {
	logger *zap.Logger
}

func (s logSender) Send(ctx context.Context, to, text string) error {
	s.logger.Info("notification", zap.String("to", to), zap.String("text", text))
	return nil
}
