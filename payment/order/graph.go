package order

import "go-topup/payment/db"

// legal order transitions; states without an entry are terminal
var transitions = map[db.State][]db.State{
	db.StateCreated:         {db.StateAwaitingPayment},
	db.StateAwaitingPayment: {db.StatePaymentSeen, db.StateUnderpaid, db.StateExpired},
	db.StateUnderpaid:       {db.StatePaymentSeen, db.StateUnderpaid, db.StateRefundPending},
	db.StatePaymentSeen:     {db.StatePaid},
	db.StatePaid:            {db.StateFulfilling},
	db.StateFulfilling:      {db.StateFulfilling, db.StateFulfilled, db.StateFailed},
	db.StateFailed:          {db.StateRefundPending},
}

// states the user hears about
var notifiable = map[db.State]bool{
	db.StateUnderpaid:     true,
	db.StatePaid:          true,
	db.StateFulfilled:     true,
	db.StateFailed:        true,
	db.StateRefundPending: true,
	db.StateExpired:       true,
}

func CanTransition(from, to db.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s db.State) bool {
	return len(transitions[s]) == 0
}

// Payable reports whether an order in state s may still be bound to a transfer.
func Payable(s db.State) bool {
	return s == db.StateAwaitingPayment || s == db.StateUnderpaid
}
