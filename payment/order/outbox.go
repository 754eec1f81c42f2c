package order

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go-topup/payment/db"
)

func enqueue(tx *gorm.DB, o *db.Order, detail string, now time.Time) error {
	n := db.Notification{
		OrderID:       o.ID,
		UserID:        o.UserID,
		State:         o.State,
		Detail:        detail,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.Create(&n).Error; err != nil {
		return fmt.Errorf("enqueue notification for %s: %w", o.ID, err)
	}
	return nil
}

// notHeld excludes rows whose order still has an older undelivered row.
const notHeld = `NOT EXISTS (SELECT 1 FROM notifications earlier
	WHERE earlier.order_id = notifications.order_id
	AND earlier.id < notifications.id
	AND earlier.delivered_at IS NULL)`

// DueNotifications returns undelivered notifications whose next attempt is
// due. A row waits until every older row of its order is delivered.
func (s *Store) DueNotifications(ctx context.Context, limit int) ([]db.Notification, error) {
	var out []db.Notification
	err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL AND next_attempt_at <= ?", s.clock.Now()).
		Where(notHeld).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id uint64) error {
	err := s.db.WithContext(ctx).Model(&db.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivered_at": s.clock.Now(),
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
	if err != nil {
		return fmt.Errorf("mark notification %d delivered: %w", id, err)
	}
	return nil
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, id uint64, reason string, next time.Time) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	err := s.db.WithContext(ctx).Model(&db.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      reason,
			"next_attempt_at": next,
		}).Error
	if err != nil {
		return fmt.Errorf("mark notification %d failed: %w", id, err)
	}
	return nil
}

// Notifications lists the outbox rows of one order, oldest first.
func (s *Store) Notifications(ctx context.Context, orderID string) ([]db.Notification, error) {
	var out []db.Notification
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("notifications of %s: %w", orderID, err)
	}
	return out, nil
}
