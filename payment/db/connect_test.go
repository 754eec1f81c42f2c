package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSync(t *testing.T) {
	gdb, err := Open("sqlite:" + filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { Close(gdb) })

	require.NoError(t, Sync(gdb))

	now := time.Now().UTC().Truncate(time.Second)
	o := Order{
		ID:               "order-1",
		UserID:           "42",
		ProductRef:       "pkg-1gb",
		ExpectedAmount:   decimal.RequireFromString("10.25"),
		ReceivingAccount: "acct",
		TokenMint:        "mint",
		State:            StateAwaitingPayment,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Minute),
		UpdatedAt:        now,
	}
	require.NoError(t, gdb.Create(&o).Error)

	var got Order
	require.NoError(t, gdb.First(&got, "id = ?", "order-1").Error)
	assert.True(t, got.ExpectedAmount.Equal(decimal.RequireFromString("10.25")))
	assert.True(t, got.ReceivedAmount.IsZero())
	assert.Nil(t, got.MatchedTransferRef)
	assert.True(t, got.Due().Equal(decimal.RequireFromString("10.25")))
}
