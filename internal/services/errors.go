package services

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the payment ledger. The ledger never swallows
// or retries these; retries belong to the caller.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrInvalidPaymentMethod   = errors.New("payment method not allowed for appointment type")
	ErrInvalidAppointmentType = errors.New("unknown appointment type")
	ErrDuplicateAuthorization = errors.New("payment already authorized for appointment")
)

// InsufficientBalanceError reports a failed sufficiency check together with
// the amounts involved, so callers can show an actionable message.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}
