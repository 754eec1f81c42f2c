package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-topup/payment/db"
)

// SaveBatch hands newly observed transfers to the reconciler and moves the
// account watermark to position in one transaction. Transfers already
// stored are skipped. It returns the number of new events.
func (s *Store) SaveBatch(ctx context.Context, account, network string, events []db.PaymentEvent, position string) (int, error) {
	now := s.clock.Now()
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			ev := events[i]
			ev.ID = 0
			ev.Status = db.EventPending
			ev.OrderID = nil
			ev.ProcessedAt = nil
			if ev.ObservedAt.IsZero() {
				ev.ObservedAt = now
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
			if res.Error != nil {
				return res.Error
			}
			inserted += int(res.RowsAffected)
		}

		wm := db.Watermark{Account: account, Network: network, Position: position, UpdatedAt: now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}},
			DoUpdates: clause.AssignmentColumns([]string{"network", "position", "updated_at"}),
		}).Create(&wm).Error
	})
	if err != nil {
		return 0, fmt.Errorf("save %d events for %s: %w", len(events), account, err)
	}
	return inserted, nil
}

// Watermark returns the last handed-off ledger position for account, or "".
func (s *Store) Watermark(ctx context.Context, account string) (string, error) {
	var wm db.Watermark
	err := s.db.WithContext(ctx).First(&wm, "account = ?", account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read watermark %s: %w", account, err)
	}
	return wm.Position, nil
}

// PendingEvents returns unprocessed events in ledger order.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]db.PaymentEvent, error) {
	var events []db.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", db.EventPending).
		Order("id").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return events, nil
}

func (s *Store) Event(ctx context.Context, ref string) (*db.PaymentEvent, error) {
	var ev db.PaymentEvent
	err := s.db.WithContext(ctx).First(&ev, "transfer_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", ref, err)
	}
	return &ev, nil
}

// MarkEvent records the outcome of a pending event that did not move an order,
// typically an orphan. Already processed events are left alone and reported
// as ErrConflict.
func (s *Store) MarkEvent(ctx context.Context, ref string, status db.EventStatus, reason string, orderID *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return markEvent(tx, ref, status, reason, orderID, s.clock.Now())
	})
}

// markEvent settles a pending event. Exactly one pending row must change,
// otherwise the event was settled by someone else and ErrConflict rolls the
// caller's transaction back.
func markEvent(tx *gorm.DB, ref string, status db.EventStatus, reason string, orderID *string, now time.Time) error {
	updates := map[string]any{
		"status":        status,
		"orphan_reason": reason,
		"processed_at":  now,
	}
	if orderID != nil {
		updates["order_id"] = *orderID
	}
	res := tx.Model(&db.PaymentEvent{}).
		Where("transfer_ref = ? AND status = ?", ref, db.EventPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark event %s: %w", ref, res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrConflict
	}
	return nil
}

// Orphans lists transfers that could not be bound to a live order, newest first.
func (s *Store) Orphans(ctx context.Context, limit int) ([]db.PaymentEvent, error) {
	var events []db.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", db.EventOrphan).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	return events, nil
}
