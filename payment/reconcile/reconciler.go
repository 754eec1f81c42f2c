package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/utils"
)

const (
	batchSize          = 100
	conflictRetries    = 5
	lapsedLookupWindow = 50
)

// Store is the part of the order store the reconciler needs.
type Store interface {
	PendingEvents(ctx context.Context, limit int) ([]db.PaymentEvent, error)
	Event(ctx context.Context, ref string) (*db.PaymentEvent, error)
	MarkEvent(ctx context.Context, ref string, status db.EventStatus, reason string, orderID *string) error
	Get(ctx context.Context, id string) (*db.Order, error)
	FindByTransferRef(ctx context.Context, ref string) (*db.Order, error)
	ListCandidates(ctx context.Context, account, mint string, now time.Time) ([]db.Order, error)
	ListLapsed(ctx context.Context, account, mint string, now time.Time, limit int) ([]db.Order, error)
	Transition(ctx context.Context, id string, from, to db.State, change order.Change) (*db.Order, error)
}

type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeUnderpaid Outcome = "underpaid"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeDuplicate Outcome = "duplicate"
)

// errRetry is returned when every attempt lost a CAS race; the event stays pending.
var errRetry = errors.New("event left pending after repeated conflicts")

// Reconciler binds payment events to orders.
type Reconciler struct {
	store  Store
	clock  utils.Clock
	logger *zap.Logger
}

func New(store Store, clock utils.Clock, logger *zap.Logger) *Reconciler {
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Reconciler{store: store, clock: clock, logger: logger}
}

// Run drains pending events every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes pending events in ledger order. It stops at the first
// event that cannot be settled so later events never overtake it.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		events, err := r.store.PendingEvents(ctx, batchSize)
		if err != nil {
			return processed, err
		}
		for _, ev := range events {
			if _, err := r.Process(ctx, ev); err != nil {
				return processed, err
			}
			processed++
		}
		if len(events) < batchSize {
			return processed, nil
		}
	}
}

// Process settles one event. Replaying an already settled event is a no-op.
// The stored copy of the event is authoritative, ev only names it.
func (r *Reconciler) Process(ctx context.Context, ev db.PaymentEvent) (Outcome, error) {
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		stored, err := r.store.Event(ctx, ev.TransferRef)
		if err != nil {
			return "", fmt.Errorf("reconcile %s: %w", ev.TransferRef, err)
		}
		if stored.Status != db.EventPending {
			return OutcomeDuplicate, nil
		}
		out, err := r.apply(ctx, *stored)
		if !errors.Is(err, order.ErrConflict) {
			if err != nil {
				return out, fmt.Errorf("reconcile %s: %w", ev.TransferRef, err)
			}
			return out, nil
		}
		r.logger.Debug("order changed underneath, retrying",
			zap.String("transfer_ref", ev.TransferRef),
			zap.Int("attempt", attempt))
	}
	r.logger.Warn("event left pending", zap.String("transfer_ref", ev.TransferRef))
	return "", errRetry
}

func (r *Reconciler) apply(ctx context.Context, ev db.PaymentEvent) (Outcome, error) {
	if bound, err := r.store.FindByTransferRef(ctx, ev.TransferRef); err == nil {
		// bound by an earlier pass that died before marking the event
		id := bound.ID
		return OutcomeDuplicate, r.store.MarkEvent(ctx, ev.TransferRef, db.EventMatched, "", &id)
	} else if !errors.Is(err, order.ErrNotFound) {
		return "", err
	}

	now := r.clock.Now()
	log := r.logger.With(zap.String("transfer_ref", ev.TransferRef), zap.String("amount", ev.Amount.String()))

	var candidates []db.Order
	if ev.Memo != "" {
		o, err := r.store.Get(ctx, ev.Memo)
		switch {
		case err == nil:
			if o.ReceivingAccount != ev.ToAccount || o.TokenMint != ev.TokenMint {
				return r.orphan(ctx, ev, db.OrphanMemoMismatch, &o.ID, log)
			}
			if lapsed(o, now) {
				return r.orphan(ctx, ev, db.OrphanExpiredOrder, &o.ID, log)
			}
			if !order.Payable(o.State) {
				return r.orphan(ctx, ev, db.OrphanAlreadyBound, &o.ID, log)
			}
			candidates = []db.Order{*o}
		case errors.Is(err, order.ErrNotFound):
			// free-form memo, match on amount
		default:
			return "", err
		}
	}
	if candidates == nil {
		var err error
		candidates, err = r.store.ListCandidates(ctx, ev.ToAccount, ev.TokenMint, now)
		if err != nil {
			return "", err
		}
	}

	target, kind := pick(candidates, ev.Amount)
	switch kind {
	case matchExact, matchOver:
		return r.bindPaid(ctx, ev, target, log)
	case matchUnder:
		return r.bindUnderpaid(ctx, ev, target, log)
	}

	// nothing live; was it meant for an order that lapsed?
	closed, err := r.store.ListLapsed(ctx, ev.ToAccount, ev.TokenMint, now, lapsedLookupWindow)
	if err != nil {
		return "", err
	}
	for _, o := range closed {
		if o.Due().Equal(ev.Amount) {
			id := o.ID
			return r.orphan(ctx, ev, db.OrphanExpiredOrder, &id, log)
		}
	}
	return r.orphan(ctx, ev, db.OrphanNoCandidate, nil, log)
}

// lapsed reports whether o stopped taking payments because its window
// closed, swept or not.
func lapsed(o *db.Order, now time.Time) bool {
	switch {
	case o.State == db.StateExpired:
		return true
	case o.State == db.StateRefundPending && o.MatchedTransferRef == nil:
		return true
	case order.Payable(o.State):
		return !o.ExpiresAt.After(now)
	}
	return false
}

func (r *Reconciler) bindPaid(ctx context.Context, ev db.PaymentEvent, o *db.Order, log *zap.Logger) (Outcome, error) {
	received := o.ReceivedAmount.Add(ev.Amount)
	over := received.Sub(o.ExpectedAmount)
	if over.IsNegative() {
		over = decimal.Zero
	}
	prev := o.ReceivedAmount

	_, err := r.store.Transition(ctx, o.ID, o.State, db.StatePaymentSeen, order.Change{
		MatchedTransferRef: ev.TransferRef,
		ReceivedAmount:     &received,
		ExpectReceived:     &prev,
		Overpayment:        &over,
		Event:              &order.EventOutcome{TransferRef: ev.TransferRef, Status: db.EventMatched},
	})
	if err != nil {
		return "", err
	}

	detail := ""
	if over.IsPositive() {
		detail = fmt.Sprintf("overpaid by %s, the excess will be refunded", over)
		log.Warn("overpayment recorded", zap.String("order_id", o.ID), zap.String("excess", over.String()))
	}
	if _, err := r.store.Transition(ctx, o.ID, db.StatePaymentSeen, db.StatePaid, order.Change{Detail: detail}); err != nil {
		// the sweeper promotes payment_seen orders left behind
		log.Error("promote to paid failed", zap.String("order_id", o.ID), zap.Error(err))
		return OutcomePaid, nil
	}

	log.Info("order paid", zap.String("order_id", o.ID))
	return OutcomePaid, nil
}

func (r *Reconciler) bindUnderpaid(ctx context.Context, ev db.PaymentEvent, o *db.Order, log *zap.Logger) (Outcome, error) {
	received := o.ReceivedAmount.Add(ev.Amount)
	prev := o.ReceivedAmount
	remaining := o.ExpectedAmount.Sub(received)

	_, err := r.store.Transition(ctx, o.ID, o.State, db.StateUnderpaid, order.Change{
		ReceivedAmount: &received,
		ExpectReceived: &prev,
		Event:          &order.EventOutcome{TransferRef: ev.TransferRef, Status: db.EventUnderpaid},
		Detail:         fmt.Sprintf("received %s, %s still due", received, remaining),
	})
	if err != nil {
		return "", err
	}

	log.Info("order underpaid",
		zap.String("order_id", o.ID),
		zap.String("received", received.String()),
		zap.String("remaining", remaining.String()))
	return OutcomeUnderpaid, nil
}

func (r *Reconciler) orphan(ctx context.Context, ev db.PaymentEvent, reason string, orderID *string, log *zap.Logger) (Outcome, error) {
	if err := r.store.MarkEvent(ctx, ev.TransferRef, db.EventOrphan, reason, orderID); err != nil {
		return "", err
	}
	fields := []zap.Field{zap.String("reason", reason), zap.String("from", ev.FromAccount)}
	if orderID != nil {
		fields = append(fields, zap.String("order_id", *orderID))
	}
	log.Warn("orphan payment, refund required", fields...)
	return OutcomeOrphan, nil
}
