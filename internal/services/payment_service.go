package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/clinicpay/backend/internal/models"
	"github.com/google/uuid"
)

// PaymentService moves money between patient and provider balances as an
// appointment progresses from booking to completion, cancellation or
// refund. Every mutating operation takes a TxContext and runs inside a
// single database transaction, owned or joined.
type PaymentService struct {
	db *sql.DB
}

func NewPaymentService(db *sql.DB) *PaymentService {
	return &PaymentService{db: db}
}

// Owned returns a TxContext letting the service own the commit/rollback
// cycle for one operation against its pool.
func (s *PaymentService) Owned() TxContext {
	return OwnedTx(s.db)
}

type AuthorizeParams struct {
	AppointmentID   string
	PayerID         string
	PayeeID         string
	AppointmentType string // telemedicine or in-person
	PaymentMethod   string // balance or cash
	Amount          int64  // in cents, positive
}

type AuthorizeResult struct {
	NewBalance  int64  `json:"newBalance"`
	EntryID     string `json:"entryId,omitempty"`
	EntryStatus string `json:"entryStatus,omitempty"`
}

type SettleResult struct {
	PaymentProcessed bool  `json:"paymentProcessed"`
	PayeeNewBalance  int64 `json:"payeeNewBalance,omitempty"`
}

type RefundResult struct {
	RefundProcessed bool  `json:"refundProcessed"`
	NewBalance      int64 `json:"newBalance,omitempty"`
	Amount          int64 `json:"amount,omitempty"`
}

// AuthorizePayment reserves the appointment fee at booking time. Balance
// payments debit the payer immediately and leave a pending payment entry
// keyed by (appointment, payer); cash payments only record the fee on the
// appointment and are reconciled at completion. The balance decrement and
// the appointment fee/status write happen atomically or not at all.
func (s *PaymentService) AuthorizePayment(txc TxContext, p AuthorizeParams) (*AuthorizeResult, error) {
	switch p.AppointmentType {
	case models.TypeTelemedicine:
		if p.PaymentMethod != models.MethodBalance {
			return nil, ErrInvalidPaymentMethod
		}
	case models.TypeInPerson:
		if p.PaymentMethod != models.MethodBalance && p.PaymentMethod != models.MethodCash {
			return nil, ErrInvalidPaymentMethod
		}
	default:
		return nil, ErrInvalidAppointmentType
	}

	result := &AuthorizeResult{}
	err := txc.run(func(tx *sql.Tx) error {
		payer, err := s.lockAccount(tx, p.PayerID)
		if err != nil {
			return err
		}

		if p.PaymentMethod == models.MethodBalance {
			pending, err := s.hasPendingPayment(tx, p.AppointmentID, p.PayerID)
			if err != nil {
				return err
			}
			if pending {
				return ErrDuplicateAuthorization
			}

			if payer.Balance < p.Amount {
				return &InsufficientBalanceError{Required: p.Amount, Available: payer.Balance}
			}

			if err := s.adjustBalance(tx, p.PayerID, -p.Amount); err != nil {
				return err
			}

			entryID := uuid.New().String()
			if err := s.insertEntry(tx, &models.LedgerEntry{
				ID:            entryID,
				AccountID:     p.PayerID,
				AppointmentID: &p.AppointmentID,
				EntryType:     models.EntryPayment,
				Amount:        p.Amount,
				Description:   fmt.Sprintf("Payment for appointment %s", p.AppointmentID),
				PaymentMethod: models.MethodBalance,
				Status:        models.EntryPending,
			}); err != nil {
				return err
			}

			result.NewBalance = payer.Balance - p.Amount
			result.EntryID = entryID
			result.EntryStatus = models.EntryPending
		} else {
			// Cash changes hands at the front desk; no balance movement and
			// no pending entry until completion.
			result.NewBalance = payer.Balance
		}

		return s.setAppointmentFeeAndStatus(tx, p.AppointmentID, p.Amount, models.AppointmentBooked)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PAYMENT] Authorized %s payment of %d for appointment %s", p.PaymentMethod, p.Amount, p.AppointmentID)
	return result, nil
}

// SettleOnCompletion credits the payee once the appointment is completed.
// A pending balance payment settles in place: the entry moves to completed
// and the amount reserved at authorization becomes spendable payee balance,
// so the payer+payee total is unchanged across the pair of operations. When
// no pending entry exists the fee was paid in cash and is recorded as a
// fresh deposit with no matching debit.
func (s *PaymentService) SettleOnCompletion(txc TxContext, appointmentID, payerID, payeeID string) (*SettleResult, error) {
	result := &SettleResult{}
	err := txc.run(func(tx *sql.Tx) error {
		fee, err := s.getAppointmentFee(tx, appointmentID)
		if err != nil {
			return err
		}
		if fee == 0 {
			// Nothing was charged for this appointment.
			return nil
		}

		payee, err := s.lockAccount(tx, payeeID)
		if err != nil {
			return err
		}

		entry, err := s.findPendingPayment(tx, appointmentID, payerID)
		if err != nil {
			return err
		}

		if entry != nil {
			done, err := s.transitionEntry(tx, entry.ID, models.EntryCompleted, " | settled on completion")
			if err != nil {
				return err
			}
			if !done {
				// The entry was finalized concurrently; crediting again
				// would double-pay the provider.
				return nil
			}
		} else {
			if err := s.insertEntry(tx, &models.LedgerEntry{
				ID:            uuid.New().String(),
				AccountID:     payeeID,
				AppointmentID: &appointmentID,
				EntryType:     models.EntryDeposit,
				Amount:        fee,
				Description:   fmt.Sprintf("Cash payment for appointment %s", appointmentID),
				PaymentMethod: models.MethodCash,
				Status:        models.EntryCompleted,
			}); err != nil {
				return err
			}
		}

		if err := s.adjustBalance(tx, payeeID, fee); err != nil {
			return err
		}

		result.PaymentProcessed = true
		result.PayeeNewBalance = payee.Balance + fee
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.PaymentProcessed {
		log.Printf("[PAYMENT] Settled appointment %s, credited %s", appointmentID, payeeID)
	}
	return result, nil
}

// Refund reverses a pending payment when an appointment is cancelled. Only
// entries still pending are refundable: the entry is transitioned to
// cancelled with the reason kept as audit history, the payer is credited
// the original amount, and a completed refund entry records the reversal.
// Anything else (cash booking, already settled, already refunded) is a
// no-op success.
func (s *PaymentService) Refund(txc TxContext, appointmentID, payerID, reason string) (*RefundResult, error) {
	result := &RefundResult{}
	err := txc.run(func(tx *sql.Tx) error {
		fee, err := s.getAppointmentFee(tx, appointmentID)
		if err != nil {
			return err
		}
		if fee == 0 {
			return nil
		}

		payer, err := s.lockAccount(tx, payerID)
		if err != nil {
			return err
		}

		entry, err := s.findPendingPayment(tx, appointmentID, payerID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		suffix := " | cancelled"
		if reason != "" {
			suffix = fmt.Sprintf(" | cancelled: %s", reason)
		}
		done, err := s.transitionEntry(tx, entry.ID, models.EntryCancelled, suffix)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}

		if err := s.adjustBalance(tx, payerID, entry.Amount); err != nil {
			return err
		}

		if err := s.insertEntry(tx, &models.LedgerEntry{
			ID:            uuid.New().String(),
			AccountID:     payerID,
			AppointmentID: &appointmentID,
			EntryType:     models.EntryRefund,
			Amount:        entry.Amount,
			Description:   fmt.Sprintf("Refund for appointment %s", appointmentID),
			PaymentMethod: models.MethodBalance,
			Status:        models.EntryCompleted,
		}); err != nil {
			return err
		}

		if err := s.setAppointmentStatus(tx, appointmentID, models.AppointmentCancelled); err != nil {
			return err
		}

		result.RefundProcessed = true
		result.NewBalance = payer.Balance + entry.Amount
		result.Amount = entry.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.RefundProcessed {
		log.Printf("[PAYMENT] Refunded %d to %s for appointment %s", result.Amount, payerID, appointmentID)
	}
	return result, nil
}

// GetPaymentStatus reports the appointment's fee and payment state joined
// with its most recent ledger entry. Read-only; no transaction context.
func (s *PaymentService) GetPaymentStatus(appointmentID string) (*models.PaymentStatus, error) {
	status := &models.PaymentStatus{AppointmentID: appointmentID}

	var fee sql.NullInt64
	var entryType, entryStatus sql.NullString
	err := s.db.QueryRow(`
		SELECT a.appointment_fee, a.status, a.appointment_type, e.entry_type, e.status
		FROM appointments a
		LEFT JOIN ledger_entries e ON e.appointment_id = a.id
		WHERE a.id = $1
		ORDER BY e.created_at DESC
		LIMIT 1`, appointmentID).Scan(
		&fee, &status.AppointmentStatus, &status.AppointmentType, &entryType, &entryStatus)

	if err == sql.ErrNoRows {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}

	status.Fee = fee.Int64
	status.EntryType = entryType.String
	status.PaymentStatus = entryStatus.String
	status.PaymentProcessed = entryStatus.String == models.EntryCompleted
	return status, nil
}

// Store helpers. All of these run on the transaction of the enclosing
// operation, never on the pool directly.

func (s *PaymentService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// adjustBalance applies a delta as an atomic expression on the row. The
// balance guard plus the rows-affected check keeps the column non-negative
// even if a concurrent writer slipped past the locked read.
func (s *PaymentService) adjustBalance(tx *sql.Tx, accountID string, delta int64) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND balance + $1 >= 0`,
		delta, time.Now(), accountID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("balance update rejected for account %s", accountID)
	}
	return nil
}

func (s *PaymentService) insertEntry(tx *sql.Tx, entry *models.LedgerEntry) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries
		(id, account_id, appointment_id, entry_type, amount, description, payment_method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, entry.AppointmentID, entry.EntryType, entry.Amount,
		entry.Description, entry.PaymentMethod, entry.Status, time.Now())
	return err
}

func (s *PaymentService) hasPendingPayment(tx *sql.Tx, appointmentID, accountID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE appointment_id = $1 AND account_id = $2
			AND entry_type = 'payment' AND status = 'pending'
		)`, appointmentID, accountID).Scan(&exists)
	return exists, err
}

func (s *PaymentService) findPendingPayment(tx *sql.Tx, appointmentID, accountID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.QueryRow(`
		SELECT id, amount FROM ledger_entries
		WHERE appointment_id = $1 AND account_id = $2
		AND entry_type = 'payment' AND status = 'pending'`,
		appointmentID, accountID).Scan(&entry.ID, &entry.Amount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// transitionEntry moves an entry out of pending. The status guard plus the
// rows-affected check serializes concurrent settle/refund attempts on the
// same entry: exactly one wins.
func (s *PaymentService) transitionEntry(tx *sql.Tx, entryID, newStatus, descriptionSuffix string) (bool, error) {
	result, err := tx.Exec(`
		UPDATE ledger_entries
		SET status = $1, description = description || $2
		WHERE id = $3 AND status = 'pending'`,
		newStatus, descriptionSuffix, entryID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (s *PaymentService) getAppointmentFee(tx *sql.Tx, appointmentID string) (int64, error) {
	var fee sql.NullInt64
	err := tx.QueryRow(`
		SELECT appointment_fee FROM appointments WHERE id = $1`,
		appointmentID).Scan(&fee)

	if err == sql.ErrNoRows {
		return 0, ErrAppointmentNotFound
	}
	if err != nil {
		return 0, err
	}
	return fee.Int64, nil
}

func (s *PaymentService) setAppointmentFeeAndStatus(tx *sql.Tx, appointmentID string, fee int64, status string) error {
	result, err := tx.Exec(`
		UPDATE appointments
		SET appointment_fee = $1, status = $2
		WHERE id = $3`,
		fee, status, appointmentID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *PaymentService) setAppointmentStatus(tx *sql.Tx, appointmentID, status string) error {
	result, err := tx.Exec(`
		UPDATE appointments
		SET status = $1
		WHERE id = $2`,
		status, appointmentID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
