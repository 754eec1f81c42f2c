// Package ordertest opens throwaway order stores for tests.
package ordertest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-topup/payment/db"
	"go-topup/payment/order"
	"go-topup/utils"
)

const (
	Account = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	Mint    = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Epoch is the starting time of every test clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewStore returns a store over a fresh sqlite file and the clock driving it.
func NewStore(t testing.TB) (*order.Store, *utils.ManualClock, *gorm.DB) {
	t.Helper()
	gdb, err := db.Open("sqlite:" + filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	require.NoError(t, db.Sync(gdb))
	t.Cleanup(func() { db.Close(gdb) })

	clock := utils.NewManualClock(Epoch)
	return order.NewStore(gdb, clock), clock, gdb
}

// NewOrder builds an order request on the test account expecting amount.
func NewOrder(user, amount string) order.NewOrder {
	return order.NewOrder{
		UserID:           user,
		ProductRef:       "pkg-1gb-7d",
		ICCID:            "8944500000000000001",
		ExpectedAmount:   decimal.RequireFromString(amount),
		PriceUSD:         decimal.RequireFromString(amount),
		ReceivingAccount: Account,
		TokenMint:        Mint,
		TTL:              10 * time.Minute,
	}
}

// Event builds a transfer of amount to the test account.
func Event(ref, amount string) db.PaymentEvent {
	return db.PaymentEvent{
		TransferRef:     ref,
		Network:         "devnet",
		FromAccount:     "payer",
		ToAccount:       Account,
		TokenMint:       Mint,
		Amount:          decimal.RequireFromString(amount),
		LedgerTimestamp: Epoch,
	}
}
