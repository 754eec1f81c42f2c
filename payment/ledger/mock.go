package ledger

import (
	"context"
	"time"

	"go-topup/payment/db"
	"go-topup/utils"
)

// PendingOrders lists orders still able to take a payment.
type PendingOrders interface {
	ListCandidates(ctx context.Context, account, mint string, now time.Time) ([]db.Order, error)
}

// Mock pays every pending order in full once it is older than delay.
// It backs testing mode so the rest of the pipeline runs unchanged.
type Mock struct {
	orders PendingOrders
	mint   string
	delay  time.Duration
	clock  utils.Clock
}

func NewMock(orders PendingOrders, mint string, delay time.Duration, clock utils.Clock) *Mock {
	if clock == nil {
		clock = utils.NewSystemClock()
	}
	return &Mock{orders: orders, mint: mint, delay: delay, clock: clock}
}

func (m *Mock) ListTransfers(ctx context.Context, account, since string) ([]Transfer, string, error) {
	now := m.clock.Now()
	orders, err := m.orders.ListCandidates(ctx, account, m.mint, now)
	if err != nil {
		return nil, since, transient("mock ledger: %v", err)
	}

	var out []Transfer
	for _, o := range orders {
		if now.Sub(o.CreatedAt) < m.delay {
			continue
		}
		out = append(out, Transfer{
			Ref:       "mock-" + o.ID,
			From:      "mock-payer",
			To:        account,
			Mint:      m.mint,
			Amount:    o.Due(),
			Timestamp: now,
			Position:  uint64(now.Unix()),
			Memo:      o.ID,
		})
	}
	return out, since, nil
}
