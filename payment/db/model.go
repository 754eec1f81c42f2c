package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateCreated         State = "created"
	StateAwaitingPayment State = "awaiting_payment"
	StatePaymentSeen     State = "payment_seen"
	StatePaid            State = "paid"
	StateFulfilling      State = "fulfilling"
	StateFulfilled       State = "fulfilled"
	StateUnderpaid       State = "underpaid"
	StateExpired         State = "expired"
	StateFailed          State = "failed"
	StateRefundPending   State = "refund_pending"
)

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventMatched   EventStatus = "matched"
	EventUnderpaid EventStatus = "underpaid"
	EventOrphan    EventStatus = "orphan"
)

// orphan reasons
const (
	OrphanNoCandidate  = "no_candidate"
	OrphanExpiredOrder = "expired_order"
	OrphanMemoMismatch = "memo_mismatch"
	OrphanAlreadyBound = "already_bound"
)

type Order struct {
	ID                  string          `gorm:"primaryKey;size:36"`                                     // uuid
	UserID              string          `gorm:"size:64;index;not null"`                                 // chat user id
	ProductRef          string          `gorm:"size:128;not null"`                                      // provider package id
	ICCID               string          `gorm:"column:iccid;size:32"`                                   // eSIM receiving the top-up
	ExpectedAmount      decimal.Decimal `gorm:"type:decimal(38,18);not null"`                           // in token units
	PriceUSD            decimal.Decimal `gorm:"column:price_usd;type:decimal(20,6)"`                    // quote the amount was derived from
	ReceivingAccount    string          `gorm:"size:64;not null;index:idx_orders_match,priority:1"`     // wallet address
	TokenMint           string          `gorm:"size:64;not null;index:idx_orders_match,priority:2"`     // token mint / contract
	State               State           `gorm:"size:32;not null;index:idx_orders_match,priority:3"`
	MatchedTransferRef  *string         `gorm:"size:128;uniqueIndex"`                                   // set once, never reused
	ReceivedAmount      decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"`                 // sum of bound transfers
	Overpayment         decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"`                 // owed back to the user
	FulfillmentAttempts int             `gorm:"not null;default:0"`                                     // provider calls made
	ConfirmationRef     string          `gorm:"size:128"`                                               // provider order code
	FailureReason       string          `gorm:"size:512"`
	CreatedAt           time.Time       `gorm:"autoCreateTime:false;index:idx_orders_match,priority:4"`
	ExpiresAt           time.Time       `gorm:"index"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime:false;index"`                             // set from the service clock
}

// Due is what is still owed on the order.
func (o *Order) Due() decimal.Decimal {
	return o.ExpectedAmount.Sub(o.ReceivedAmount)
}

// PaymentEvent is a confirmed inbound transfer handed from the watcher to the reconciler.
// ID follows ledger order within an account.
type PaymentEvent struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement"`
	TransferRef     string          `gorm:"size:128;uniqueIndex;not null"` // signature or tx id
	Network         string          `gorm:"size:32;not null"`
	FromAccount     string          `gorm:"size:64"`
	ToAccount       string          `gorm:"size:64;not null"`
	TokenMint       string          `gorm:"size:64;not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(38,18);not null"`
	LedgerTimestamp time.Time
	LedgerPosition  uint64 // slot or block timestamp
	Memo            string `gorm:"size:256"`

	Status       EventStatus `gorm:"size:16;not null;index"`
	OrderID      *string     `gorm:"size:36;index"`
	OrphanReason string      `gorm:"size:32"`
	ObservedAt   time.Time
	ProcessedAt  *time.Time
}

type Watermark struct {
	Account   string    `gorm:"primaryKey;size:64"`
	Network   string    `gorm:"size:32"`
	Position  string    `gorm:"size:128"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// Notification is an outbox row written with the transition that caused it.
type Notification struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement"`
	OrderID       string     `gorm:"size:36;index;not null"`
	UserID        string     `gorm:"size:64;not null"`
	State         State      `gorm:"size:32;not null"`
	Detail        string     `gorm:"size:512"`
	Attempts      int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"index"`
	DeliveredAt   *time.Time `gorm:"index"`
	LastError     string     `gorm:"size:512"`
	CreatedAt     time.Time  `gorm:"autoCreateTime:false"`
}
