package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/utils"
)

//go:generate mockgen -destination=mocks/sender.go -package=mocks go-topup/payment/notify Sender

// Sender delivers a rendered message to a recipient.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

type Outbox interface {
	DueNotifications(ctx context.Context, limit int) ([]db.Notification, error)
	MarkDelivered(ctx context.Context, id uint64) error
	MarkDeliveryFailed(ctx context.Context, id uint64, reason string, next time.Time) error
}

type Config struct {
	Interval    time.Duration
	Batch       int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	OpsAddress  string // copied on refunds when an ops sender is set
}

// Notifier drains the outbox. A notification stays queued until the
// sender accepts it.
type Notifier struct {
	outbox Outbox
	sender Sender
	ops    Sender
	cfg    Config
	clock  utils.Clock
	logger *zap.Logger
}

// New returns a notifier. ops may be nil.
func New(outbox Outbox, sender, ops Sender, cfg Config, clock utils.Clock, logger *zap.Logger) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Notifier{outbox: outbox, sender: sender, ops: ops, cfg: cfg, clock: clock, logger: logger}
}

func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()
	n.logger.Info("notifier started", zap.Duration("interval", n.cfg.Interval))

	for {
		if _, err := n.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
			n.logger.Error("notification pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverOnce sends every due notification and returns how many were delivered.
// Messages of one order go out in the order they were written: the outbox
// only offers the oldest undelivered row of each order, so delivering a row
// releases the next one into the following batch.
func (n *Notifier) DeliverOnce(ctx context.Context) (int, error) {
	delivered := 0
	for {
		due, err := n.outbox.DueNotifications(ctx, n.cfg.Batch)
		if err != nil {
			return delivered, err
		}
		sent := 0
		for _, note := range due {
			ok, err := n.deliver(ctx, note)
			if err != nil {
				return delivered, err
			}
			if ok {
				sent++
			}
		}
		delivered += sent
		if sent == 0 {
			return delivered, nil
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, note db.Notification) (bool, error) {
	log := n.logger.With(zap.String("order_id", note.OrderID), zap.Uint64("notification", note.ID))

	if err := n.sender.Send(ctx, note.UserID, Render(note)); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		wait := utils.Backoff(note.Attempts+1, n.cfg.BackoffBase, n.cfg.BackoffMax)
		log.Warn("notification not delivered", zap.Int("attempts", note.Attempts+1), zap.Duration("retry_in", wait), zap.Error(err))
		return false, n.outbox.MarkDeliveryFailed(ctx, note.ID, err.Error(), n.clock.Now().Add(wait))
	}
	if err := n.outbox.MarkDelivered(ctx, note.ID); err != nil {
		return false, err
	}
	log.Debug("notification delivered", zap.String("state", string(note.State)))

	if n.ops != nil && n.cfg.OpsAddress != "" && note.State == db.StateRefundPending {
		if err := n.ops.Send(ctx, n.cfg.OpsAddress, opsText(note)); err != nil {
			log.Error("refund alert not sent", zap.Error(err))
		}
	}
	return true, nil
}
