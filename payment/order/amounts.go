package order

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"go-topup/payment/db"
)

// maxTagDecimals bounds the precision of distinct amounts so base units fit in an int64.
const maxTagDecimals = 6

// span is a run of consecutive taken amounts in base units.
type span struct {
	lo, hi int64
}

func (a span) Less(b btree.Item) bool {
	return a.lo < b.(span).lo
}

// amountSet keeps taken amounts as merged spans so the next free amount
// is found in O(log n).
type amountSet struct {
	tree *btree.BTree
}

func newAmountSet() *amountSet {
	return &amountSet{tree: btree.New(2)}
}

// covering returns the span starting at or before x.
func (s *amountSet) covering(x int64) (span, bool) {
	var p span
	found := false
	s.tree.DescendLessOrEqual(span{x, x}, func(it btree.Item) bool {
		p = it.(span)
		found = true
		return false
	})
	return p, found
}

func (s *amountSet) add(x int64) {
	lo, hi := x, x
	if p, ok := s.covering(x); ok {
		if p.hi >= x {
			return
		}
		if p.hi+1 == x {
			s.tree.Delete(p)
			lo = p.lo
		}
	}
	if it := s.tree.Get(span{x + 1, x + 1}); it != nil {
		n := it.(span)
		s.tree.Delete(n)
		hi = n.hi
	}
	s.tree.ReplaceOrInsert(span{lo, hi})
}

// nextFree returns the smallest amount >= x not in the set.
func (s *amountSet) nextFree(x int64) int64 {
	if p, ok := s.covering(x); ok && p.hi >= x {
		return p.hi + 1
	}
	return x
}

func (s *amountSet) len() int {
	return s.tree.Len()
}

// distinctAmount raises amount by the smallest tagged unit until no open
// order expects the same amount, so a transfer without a memo still
// points at a single order.
func distinctAmount(amount decimal.Decimal, open []db.Order, decimals int32) decimal.Decimal {
	if decimals > maxTagDecimals {
		decimals = maxTagDecimals
	}
	set := newAmountSet()
	for _, o := range open {
		if o.ExpectedAmount.Equal(o.ExpectedAmount.Truncate(decimals)) {
			set.add(o.ExpectedAmount.Shift(decimals).IntPart())
		}
	}
	base := amount.Truncate(decimals).Shift(decimals).IntPart()
	return decimal.New(set.nextFree(base), -decimals)
}
