package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go-topup/payment/db"
	"go-topup/utils"
)

type NewOrder struct {
	UserID           string
	ProductRef       string
	ICCID            string
	ExpectedAmount   decimal.Decimal
	PriceUSD         decimal.Decimal
	ReceivingAccount string
	TokenMint        string
	TTL              time.Duration
}

// EventOutcome marks a payment event processed together with a transition.
type EventOutcome struct {
	TransferRef string
	Status      db.EventStatus
}

// Change carries the column updates applied alongside a state transition.
// Zero values are left untouched.
type Change struct {
	MatchedTransferRef string           // bound only if the order holds none
	ReceivedAmount     *decimal.Decimal // new cumulative amount
	ExpectReceived     *decimal.Decimal // guard: current received amount must equal this
	Overpayment        *decimal.Decimal
	ConfirmationRef    string
	FailureReason      string
	Event              *EventOutcome
	Detail             string // notification text detail
}

// Store is the durable source of truth for orders, payment events,
// watermarks and the notification outbox.
type Store struct {
	db    *gorm.DB
	clock utils.Clock
}

func NewStore(gdb *gorm.DB, clock utils.Clock) *Store {
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Store{db: gdb, clock: clock}
}

func (s *Store) Create(ctx context.Context, in NewOrder) (*db.Order, error) {
	if in.UserID == "" || in.ProductRef == "" || in.ReceivingAccount == "" || in.TokenMint == "" {
		return nil, fmt.Errorf("%w: missing field", ErrInvalidRequest)
	}
	if !in.ExpectedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if in.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	if !CanTransition(db.StateCreated, db.StateAwaitingPayment) {
		return nil, ErrIllegalTransition
	}

	now := s.clock.Now()
	o := &db.Order{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		ProductRef:       in.ProductRef,
		ICCID:            in.ICCID,
		ExpectedAmount:   in.ExpectedAmount,
		PriceUSD:         in.PriceUSD,
		ReceivingAccount: in.ReceivingAccount,
		TokenMint:        in.TokenMint,
		State:            db.StateAwaitingPayment, // created is never observable
		ReceivedAmount:   decimal.Zero,
		Overpayment:      decimal.Zero,
		CreatedAt:        now,
		ExpiresAt:        now.Add(in.TTL),
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (s *Store) Get(ctx context.Context, id string) (*db.Order, error) {
	var o db.Order
	err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

// FindByTransferRef returns the order bound to a transfer, if any.
func (s *Store) FindByTransferRef(ctx context.Context, ref string) (*db.Order, error) {
	var o db.Order
	err := s.db.WithContext(ctx).First(&o, "matched_transfer_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order by transfer %s: %w", ref, err)
	}
	return &o, nil
}

// Transition moves an order from one state to another if, and only if, it is
// still in from. Losing the race returns ErrConflict and changes nothing.
// When change.Event is set the event must still be pending, so a transfer
// is never counted twice.
func (s *Store) Transition(ctx context.Context, id string, from, to db.State, change Change) (*db.Order, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	now := s.clock.Now()
	updates := map[string]any{
		"state":      to,
		"updated_at": now,
	}
	where := "id = ? AND state = ?"
	args := []any{id, from}

	if change.MatchedTransferRef != "" {
		updates["matched_transfer_ref"] = change.MatchedTransferRef
		where += " AND matched_transfer_ref IS NULL"
	}
	if change.ExpectReceived != nil {
		where += " AND received_amount = ?"
		args = append(args, *change.ExpectReceived)
	}
	if change.ReceivedAmount != nil {
		updates["received_amount"] = *change.ReceivedAmount
	}
	if change.Overpayment != nil {
		updates["overpayment"] = *change.Overpayment
	}
	if change.ConfirmationRef != "" {
		updates["confirmation_ref"] = change.ConfirmationRef
	}
	if change.FailureReason != "" {
		updates["failure_reason"] = change.FailureReason
	}

	var out db.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Order{}).Where(where, args...).Updates(updates)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict // transfer already bound elsewhere
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&db.Order{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return err
		}

		if change.Event != nil {
			if err := markEvent(tx, change.Event.TransferRef, change.Event.Status, "", &out.ID, now); err != nil {
				return err
			}
		}
		if notifiable[to] {
			if err := enqueue(tx, &out, change.Detail, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transition order %s %s -> %s: %w", id, from, to, err)
	}
	return &out, nil
}

// IncrementAttempts records a provider call about to be made. It only
// succeeds for the caller that saw the current attempt count.
func (s *Store) IncrementAttempts(ctx context.Context, id string, expected int) (*db.Order, error) {
	if !CanTransition(db.StateFulfilling, db.StateFulfilling) {
		return nil, ErrIllegalTransition
	}
	now := s.clock.Now()
	var out db.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Order{}).
			Where("id = ? AND state = ? AND fulfillment_attempts = ?", id, db.StateFulfilling, expected).
			Updates(map[string]any{
				"fulfillment_attempts": expected + 1,
				"updated_at":           now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if errors.Is(err, ErrConflict) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("increment attempts %s: %w", id, err)
	}
	return &out, nil
}

// ListAwaitingPaymentBelow returns unpaid orders whose window closed before cutoff.
func (s *Store) ListAwaitingPaymentBelow(ctx context.Context, cutoff time.Time) ([]db.Order, error) {
	return s.listExpiring(ctx, db.StateAwaitingPayment, cutoff)
}

// ListUnderpaidBelow returns partially paid orders whose window closed before cutoff.
func (s *Store) ListUnderpaidBelow(ctx context.Context, cutoff time.Time) ([]db.Order, error) {
	return s.listExpiring(ctx, db.StateUnderpaid, cutoff)
}

func (s *Store) listExpiring(ctx context.Context, state db.State, cutoff time.Time) ([]db.Order, error) {
	var orders []db.Order
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", state, cutoff).
		Order("expires_at, id").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list %s orders: %w", state, err)
	}
	return orders, nil
}

// ListCandidates returns orders on account/mint that can still take a payment, oldest first.
func (s *Store) ListCandidates(ctx context.Context, account, mint string, now time.Time) ([]db.Order, error) {
	var orders []db.Order
	err := s.db.WithContext(ctx).
		Where("receiving_account = ? AND token_mint = ? AND state IN ? AND expires_at > ?",
			account, mint, []db.State{db.StateAwaitingPayment, db.StateUnderpaid}, now).
		Order("created_at, id").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return orders, nil
}

// ListLapsed returns orders on account/mint whose payment window closed by
// now without a bound transfer, newest first. Orders the sweeper has not
// reached yet are included.
func (s *Store) ListLapsed(ctx context.Context, account, mint string, now time.Time, limit int) ([]db.Order, error) {
	var orders []db.Order
	err := s.db.WithContext(ctx).
		Where("receiving_account = ? AND token_mint = ? AND state IN ? AND expires_at <= ? AND matched_transfer_ref IS NULL",
			account, mint, lapsedStates, now).
		Order("expires_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list lapsed orders: %w", err)
	}
	return orders, nil
}

var lapsedStates = []db.State{db.StateAwaitingPayment, db.StateUnderpaid, db.StateExpired, db.StateRefundPending}

// ListByState returns orders in state last touched before updatedBefore, oldest first.
func (s *Store) ListByState(ctx context.Context, state db.State, updatedBefore time.Time, limit int) ([]db.Order, error) {
	var orders []db.Order
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", state, updatedBefore).
		Order("updated_at, id").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list %s orders: %w", state, err)
	}
	return orders, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]db.Order, error) {
	var orders []db.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", userID, err)
	}
	return orders, nil
}
