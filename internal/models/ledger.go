package models

import (
	"time"
)

// Entry types recognised by the payment ledger.
const (
	EntryPayment = "payment"
	EntryDeposit = "deposit"
	EntryRefund  = "refund"
)

// Lifecycle of a ledger entry. Settled entries are immutable; reversals are
// recorded as new refund entries, never by editing the original amount.
const (
	EntryPending   = "pending"
	EntryCompleted = "completed"
	EntryCancelled = "cancelled"
)

// Payment methods accepted at authorization time.
const (
	MethodBalance = "balance"
	MethodCash    = "cash"
)

type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	AppointmentID *string   `json:"appointment_id,omitempty" db:"appointment_id"`
	EntryType     string    `json:"entry_type" db:"entry_type"` // payment, deposit or refund
	Amount        int64     `json:"amount" db:"amount"`         // positive magnitude, in cents
	Description   string    `json:"description" db:"description"`
	PaymentMethod string    `json:"payment_method" db:"payment_method"` // balance or cash
	Status        string    `json:"status" db:"status"`                 // pending, completed or cancelled
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
