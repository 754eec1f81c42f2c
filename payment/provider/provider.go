package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient means the call did not happen and may be retried.
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrPermanent means retrying the same request will not help.
	ErrPermanent = errors.New("provider rejected top-up")
	// ErrAlreadyFulfilled means an earlier call with the same idempotency key went through.
	ErrAlreadyFulfilled = errors.New("top-up already fulfilled")
	// ErrUnknownOutcome means the request was sent but no answer came back.
	ErrUnknownOutcome = errors.New("top-up outcome unknown")
)

// TooManyRequestsError is returned on HTTP 429.
type TooManyRequestsError struct {
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("provider rate limit, retry after %s", e.RetryAfter)
}

func (e *TooManyRequestsError) Unwrap() error {
	return ErrTransient
}

type TopupRequest struct {
	PackageID      string
	ICCID          string
	IdempotencyKey string
}

type Confirmation struct {
	Ref string // provider order code
}

type Package struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Price  decimal.Decimal `json:"price"`  // USD
	Amount int             `json:"amount"` // MB
	Day    int             `json:"day"`
	Data   string          `json:"data"`
}

type Usage struct {
	Remaining      int    `json:"remaining"`
	Total          int    `json:"total"`
	ExpiredAt      string `json:"expired_at"`
	IsUnlimited    bool   `json:"is_unlimited"`
	Status         string `json:"status"`
	RemainingVoice int    `json:"remaining_voice"`
	RemainingText  int    `json:"remaining_text"`
}

// Description tags provider orders so they can be found again by idempotency key.
func Description(key string) string {
	return "topup order " + key
}
