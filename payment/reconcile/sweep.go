package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/utils"
)

// payment_seen and failed orders older than this missed their follow-up transition
const promoteGrace = 30 * time.Second

type SweepStore interface {
	ListAwaitingPaymentBelow(ctx context.Context, cutoff time.Time) ([]db.Order, error)
	ListUnderpaidBelow(ctx context.Context, cutoff time.Time) ([]db.Order, error)
	ListByState(ctx context.Context, state db.State, updatedBefore time.Time, limit int) ([]db.Order, error)
	Transition(ctx context.Context, id string, from, to db.State, change order.Change) (*db.Order, error)
}

type SweepResult struct {
	Expired       int
	RefundPending int
	Promoted      int
}

// Sweeper closes payment windows that ran out.
type Sweeper struct {
	store  SweepStore
	clock  utils.Clock
	logger *zap.Logger
}

func NewSweeper(store SweepStore, clock utils.Clock, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Sweeper{store: store, clock: clock, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
			if res.Expired+res.RefundPending+res.Promoted > 0 {
				s.logger.Info("expiry sweep",
					zap.Int("expired", res.Expired),
					zap.Int("refund_pending", res.RefundPending),
					zap.Int("promoted", res.Promoted))
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock.Now()

	awaiting, err := s.store.ListAwaitingPaymentBelow(ctx, now)
	if err != nil {
		return res, err
	}
	for _, o := range awaiting {
		ok, err := s.move(ctx, o, db.StateAwaitingPayment, db.StateExpired, order.Change{
			Detail: "no payment arrived before the order expired",
		})
		if err != nil {
			return res, err
		}
		if ok {
			res.Expired++
		}
	}

	underpaid, err := s.store.ListUnderpaidBelow(ctx, now)
	if err != nil {
		return res, err
	}
	for _, o := range underpaid {
		ok, err := s.move(ctx, o, db.StateUnderpaid, db.StateRefundPending, order.Change{
			FailureReason: "payment incomplete at expiry",
			Detail:        "received " + o.ReceivedAmount.String() + " of " + o.ExpectedAmount.String() + " before expiry, it will be refunded",
		})
		if err != nil {
			return res, err
		}
		if ok {
			res.RefundPending++
		}
	}

	failed, err := s.store.ListByState(ctx, db.StateFailed, now.Add(-promoteGrace), 100)
	if err != nil {
		return res, err
	}
	for _, o := range failed {
		ok, err := s.move(ctx, o, db.StateFailed, db.StateRefundPending, order.Change{
			Detail: "your payment will be refunded",
		})
		if err != nil {
			return res, err
		}
		if ok {
			res.RefundPending++
		}
	}

	seen, err := s.store.ListByState(ctx, db.StatePaymentSeen, now.Add(-promoteGrace), 100)
	if err != nil {
		return res, err
	}
	for _, o := range seen {
		ok, err := s.move(ctx, o, db.StatePaymentSeen, db.StatePaid, order.Change{})
		if err != nil {
			return res, err
		}
		if ok {
			res.Promoted++
		}
	}
	return res, nil
}

// move reports whether the transition happened; losing a race to the
// reconciler is not an error.
func (s *Sweeper) move(ctx context.Context, o db.Order, from, to db.State, change order.Change) (bool, error) {
	_, err := s.store.Transition(ctx, o.ID, from, to, change)
	if errors.Is(err, order.ErrConflict) {
		s.logger.Debug("order moved concurrently", zap.String("order_id", o.ID), zap.String("to", string(to)))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("order closed", zap.String("order_id", o.ID), zap.String("state", string(to)))
	return true, nil
}
