package order

import "errors"

var (
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order changed concurrently")
	ErrIllegalTransition = errors.New("illegal order transition")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInvalidRequest    = errors.New("invalid order request")
)
