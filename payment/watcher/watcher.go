package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/payment/ledger"
	"go-topup/utils"
)

// ErrWatcherFatal means the ledger cannot be read and payments can no longer be observed.
var ErrWatcherFatal = errors.New("ledger watcher cannot make progress")

// EventSink persists handed-off transfers together with the watermark.
type EventSink interface {
	Watermark(ctx context.Context, account string) (string, error)
	SaveBatch(ctx context.Context, account, network string, events []db.PaymentEvent, position string) (int, error)
}

type Config struct {
	Account          string
	Network          string
	PollInterval     time.Duration
	FetchAttempts    int // per poll cycle
	FatalAfterCycles int // consecutive failed cycles
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	DedupSize        int
	DedupTTL         time.Duration
}

// Watcher polls one receiving account and forwards each confirmed transfer
// exactly once to the payment event table.
type Watcher struct {
	ledger ledger.Ledger
	sink   EventSink
	cfg    Config
	window *window
	clock  utils.Clock
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(l ledger.Ledger, sink EventSink, cfg Config, clock utils.Clock, logger *zap.Logger) *Watcher {
	if cfg.FetchAttempts < 1 {
		cfg.FetchAttempts = 1
	}
	if cfg.FatalAfterCycles < 1 {
		cfg.FatalAfterCycles = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Watcher{
		ledger: l,
		sink:   sink,
		cfg:    cfg,
		window: newWindow(cfg.DedupSize, cfg.DedupTTL),
		clock:  clock,
		logger: logger.With(zap.String("account", cfg.Account), zap.String("network", cfg.Network)),
		sleep:  utils.Sleep,
	}
}

// Run polls until ctx is cancelled. It returns an error wrapping
// ErrWatcherFatal when the ledger stays unreadable.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("ledger watcher started", zap.Duration("interval", w.cfg.PollInterval))
	failures := 0
	for {
		_, err := w.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("ledger watcher stopped")
			return nil
		case errors.Is(err, ErrWatcherFatal):
			w.logger.Error("ledger watcher giving up", zap.Error(err))
			return err
		case err != nil:
			failures++
			w.logger.Error("poll cycle failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= w.cfg.FatalAfterCycles {
				err = fmt.Errorf("%w: %d consecutive failed polls: %v", ErrWatcherFatal, failures, err)
				w.logger.Error("ledger watcher giving up", zap.Error(err))
				return err
			}
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			w.logger.Info("ledger watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one poll cycle with bounded retries and returns the number
// of new events handed off.
func (w *Watcher) PollOnce(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.FetchAttempts; attempt++ {
		n, err := w.cycle(ctx)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, ledger.ErrPermanent) {
			return 0, fmt.Errorf("%w: %v", ErrWatcherFatal, err)
		}

		lastErr = err
		if attempt == w.cfg.FetchAttempts {
			break
		}
		delay := utils.Backoff(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
		w.logger.Warn("ledger fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := w.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
	return 0, lastErr
}

func (w *Watcher) cycle(ctx context.Context) (int, error) {
	since, err := w.sink.Watermark(ctx, w.cfg.Account)
	if err != nil {
		return 0, err
	}

	transfers, next, err := w.ledger.ListTransfers(ctx, w.cfg.Account, since)
	if err != nil {
		return 0, err
	}

	now := w.clock.Now()
	events := make([]db.PaymentEvent, 0, len(transfers))
	for _, tr := range transfers {
		if w.window.Contains(tr.Ref) {
			continue
		}
		events = append(events, db.PaymentEvent{
			TransferRef:     tr.Ref,
			Network:         w.cfg.Network,
			FromAccount:     tr.From,
			ToAccount:       w.cfg.Account,
			TokenMint:       tr.Mint,
			Amount:          tr.Amount,
			LedgerTimestamp: tr.Timestamp,
			LedgerPosition:  tr.Position,
			Memo:            tr.Memo,
			ObservedAt:      now,
		})
	}
	if len(events) == 0 && next == since {
		return 0, nil
	}

	n, err := w.sink.SaveBatch(ctx, w.cfg.Account, w.cfg.Network, events, next)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		w.window.Add(ev.TransferRef, now)
		w.logger.Info("transfer observed",
			zap.String("transfer_ref", ev.TransferRef),
			zap.String("amount", ev.Amount.String()),
			zap.String("memo", ev.Memo))
	}
	return n, nil
}
