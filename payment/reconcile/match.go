package reconcile

import (
	"github.com/shopspring/decimal"

	"go-topup/payment/db"
)

type matchKind int

const (
	matchNone matchKind = iota
	matchExact
	matchOver
	matchUnder
)

// pick chooses the order a transfer of amount pays for. Candidates must be
// oldest first. An exact match on the amount due wins, then the oldest order
// the amount covers, then the oldest order it partially pays.
func pick(candidates []db.Order, amount decimal.Decimal) (*db.Order, matchKind) {
	var over, under *db.Order
	for i := range candidates {
		switch candidates[i].Due().Cmp(amount) {
		case 0:
			return &candidates[i], matchExact
		case -1:
			if over == nil {
				over = &candidates[i]
			}
		case 1:
			if under == nil {
				under = &candidates[i]
			}
		}
	}
	if over != nil {
		return over, matchOver
	}
	if under != nil {
		return under, matchUnder
	}
	return nil, matchNone
}
