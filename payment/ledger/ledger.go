package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient covers failures worth retrying: timeouts, 429, 5xx, nodes lagging behind.
	ErrTransient = errors.New("ledger temporarily unavailable")
	// ErrPermanent means the ledger API rejected the request itself.
	ErrPermanent = errors.New("ledger request rejected")
)

// Transfer is a confirmed inbound token transfer.
type Transfer struct {
	Ref       string // transaction signature / id, unique per transfer
	From      string
	To        string
	Mint      string
	Amount    decimal.Decimal // token units
	Timestamp time.Time
	Position  uint64 // slot or block timestamp
	Memo      string
}

//go:generate mockgen -destination=mocks/ledger.go -package=mocks go-topup/payment/ledger Ledger

// Ledger lists confirmed transfers into account that happened after the
// position since, oldest first, and returns the position to resume from.
// An empty since starts from the ledger's recent history.
type Ledger interface {
	ListTransfers(ctx context.Context, account, since string) ([]Transfer, string, error)
}

// fromRaw converts an integer amount in base units into token units.
func fromRaw(raw string, decimals int32) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("bad token amount %q", raw)
	}
	return decimal.NewFromBigInt(n, -decimals), nil
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// statusError classifies a non-200 HTTP status from a ledger API.
func statusError(api string, status int) error {
	switch {
	case status == 429 || status == 408 || status >= 500:
		return transient("%s: status %d", api, status)
	default:
		return permanent("%s: status %d", api, status)
	}
}
