package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/clinicpay/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func accountRows(id string, balance int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}).
		AddRow(id, balance, 1, time.Now())
}

func expectLockAccount(mock sqlmock.Sqlmock, id string, balance int64) {
	mock.ExpectQuery("SELECT id, balance, version, updated_at FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(accountRows(id, balance))
}

func expectPendingCheck(mock sqlmock.Sqlmock, appointmentID, accountID string, pending bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(appointmentID, accountID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(pending))
}

func TestPaymentService_AuthorizePayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPaymentService(db)

	t.Run("balance payment debits payer and books appointment", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "patient1", 5000)
		expectPendingCheck(mock, "apt1", "patient1", false)

		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
			WithArgs(int64(-2000), sqlmock.AnyArg(), "patient1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "patient1", "apt1", "payment", int64(2000),
				"Payment for appointment apt1", "balance", "pending", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE appointments SET appointment_fee = \\$1, status = \\$2").
			WithArgs(int64(2000), "booked", "apt1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt1",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeTelemedicine,
			PaymentMethod:   models.MethodBalance,
			Amount:          2000,
		})

		assert.NoError(t, err)
		assert.Equal(t, int64(3000), result.NewBalance)
		assert.NotEmpty(t, result.EntryID)
		assert.Equal(t, models.EntryPending, result.EntryStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cash payment books appointment without touching balance", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "patient1", 500)

		mock.ExpectExec("UPDATE appointments SET appointment_fee = \\$1, status = \\$2").
			WithArgs(int64(2000), "booked", "apt2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt2",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeInPerson,
			PaymentMethod:   models.MethodCash,
			Amount:          2000,
		})

		assert.NoError(t, err)
		assert.Equal(t, int64(500), result.NewBalance)
		assert.Empty(t, result.EntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance fails with required and available amounts", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "patient1", 500)
		expectPendingCheck(mock, "apt3", "patient1", false)
		mock.ExpectRollback()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt3",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeTelemedicine,
			PaymentMethod:   models.MethodBalance,
			Amount:          10000,
		})

		assert.Nil(t, result)
		var insufficient *InsufficientBalanceError
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(10000), insufficient.Required)
		assert.Equal(t, int64(500), insufficient.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate authorization fails without a second debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "patient1", 5000)
		expectPendingCheck(mock, "apt1", "patient1", true)
		mock.ExpectRollback()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt1",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeTelemedicine,
			PaymentMethod:   models.MethodBalance,
			Amount:          2000,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrDuplicateAuthorization)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("telemedicine rejects cash regardless of balance", func(t *testing.T) {
		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt4",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeTelemedicine,
			PaymentMethod:   models.MethodCash,
			Amount:          100,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidPaymentMethod)
	})

	t.Run("unknown appointment type rejected", func(t *testing.T) {
		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt5",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: "house-call",
			PaymentMethod:   models.MethodBalance,
			Amount:          100,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidAppointmentType)
	})

	t.Run("missing payer account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version, updated_at FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}))
		mock.ExpectRollback()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt6",
			PayerID:         "ghost",
			PayeeID:         "provider1",
			AppointmentType: models.TypeInPerson,
			PaymentMethod:   models.MethodBalance,
			Amount:          100,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing appointment rolls back the debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "patient1", 5000)
		expectPendingCheck(mock, "apt7", "patient1", false)

		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
			WithArgs(int64(-2000), sqlmock.AnyArg(), "patient1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE appointments SET appointment_fee = \\$1, status = \\$2").
			WithArgs(int64(2000), "booked", "apt7").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectRollback()

		result, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
			AppointmentID:   "apt7",
			PayerID:         "patient1",
			PayeeID:         "provider1",
			AppointmentType: models.TypeTelemedicine,
			PaymentMethod:   models.MethodBalance,
			Amount:          2000,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentService_SettleOnCompletion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPaymentService(db)

	t.Run("pending entry settles and credits payee", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(2000))
		expectLockAccount(mock, "provider1", 1000)

		mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
			WithArgs("apt1", "patient1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow("entry1", 2000))

		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1").
			WithArgs("completed", " | settled on completion", "entry1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
			WithArgs(int64(2000), sqlmock.AnyArg(), "provider1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		result, err := service.SettleOnCompletion(service.Owned(), "apt1", "patient1", "provider1")

		assert.NoError(t, err)
		assert.True(t, result.PaymentProcessed)
		assert.Equal(t, int64(3000), result.PayeeNewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cash settlement creates a deposit with no payer debit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt2").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(1500))
		expectLockAccount(mock, "provider1", 1000)

		mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
			WithArgs("apt2", "patient1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "provider1", "apt2", "deposit", int64(1500),
				"Cash payment for appointment apt2", "cash", "completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
			WithArgs(int64(1500), sqlmock.AnyArg(), "provider1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		result, err := service.SettleOnCompletion(service.Owned(), "apt2", "patient1", "provider1")

		assert.NoError(t, err)
		assert.True(t, result.PaymentProcessed)
		assert.Equal(t, int64(2500), result.PayeeNewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero fee is a no-op success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt3").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(nil))
		mock.ExpectCommit()

		result, err := service.SettleOnCompletion(service.Owned(), "apt3", "patient1", "provider1")

		assert.NoError(t, err)
		assert.False(t, result.PaymentProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing payee account is fatal", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt4").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(2000))
		mock.ExpectQuery("SELECT id, balance, version, updated_at FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version", "updated_at"}))
		mock.ExpectRollback()

		result, err := service.SettleOnCompletion(service.Owned(), "apt4", "patient1", "ghost")

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("entry finalized concurrently is not credited twice", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt5").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(2000))
		expectLockAccount(mock, "provider1", 1000)

		mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
			WithArgs("apt5", "patient1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow("entry5", 2000))

		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1").
			WithArgs("completed", " | settled on completion", "entry5").
			WillReturnResult(sqlmock.NewResult(0, 0)) // lost the race

		mock.ExpectCommit()

		result, err := service.SettleOnCompletion(service.Owned(), "apt5", "patient1", "provider1")

		assert.NoError(t, err)
		assert.False(t, result.PaymentProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentService_Refund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPaymentService(db)

	t.Run("refund reverses exactly the pending amount", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(2000))
		expectLockAccount(mock, "patient1", 3000)

		mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
			WithArgs("apt1", "patient1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow("entry1", 2000))

		mock.ExpectExec("UPDATE ledger_entries SET status = \\$1").
			WithArgs("cancelled", " | cancelled: patient request", "entry1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
			WithArgs(int64(2000), sqlmock.AnyArg(), "patient1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "patient1", "apt1", "refund", int64(2000),
				"Refund for appointment apt1", "balance", "completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE appointments SET status = \\$1").
			WithArgs("cancelled", "apt1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		result, err := service.Refund(service.Owned(), "apt1", "patient1", "patient request")

		assert.NoError(t, err)
		assert.True(t, result.RefundProcessed)
		assert.Equal(t, int64(5000), result.NewBalance)
		assert.Equal(t, int64(2000), result.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second refund is a no-op success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(2000))
		expectLockAccount(mock, "patient1", 5000)

		mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
			WithArgs("apt1", "patient1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"})) // nothing pending any more

		mock.ExpectCommit()

		result, err := service.Refund(service.Owned(), "apt1", "patient1", "patient request")

		assert.NoError(t, err)
		assert.False(t, result.RefundProcessed)
		assert.Equal(t, int64(0), result.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero fee is a no-op success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
			WithArgs("apt2").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(0))
		mock.ExpectCommit()

		result, err := service.Refund(service.Owned(), "apt2", "patient1", "")

		assert.NoError(t, err)
		assert.False(t, result.RefundProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// Authorize then settle must keep the payer+payee total constant: the fee
// leaves the payer at authorization and arrives at the payee at settlement.
func TestPaymentService_Conservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPaymentService(db)

	payerBefore := int64(5000)
	payeeBefore := int64(1000)
	amount := int64(2000)

	mock.ExpectBegin()
	expectLockAccount(mock, "patient1", payerBefore)
	expectPendingCheck(mock, "apt1", "patient1", false)
	mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
		WithArgs(-amount, sqlmock.AnyArg(), "patient1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE appointments SET appointment_fee = \\$1, status = \\$2").
		WithArgs(amount, "booked", "apt1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	authorized, err := service.AuthorizePayment(service.Owned(), AuthorizeParams{
		AppointmentID:   "apt1",
		PayerID:         "patient1",
		PayeeID:         "provider1",
		AppointmentType: models.TypeInPerson,
		PaymentMethod:   models.MethodBalance,
		Amount:          amount,
	})
	assert.NoError(t, err)
	assert.Equal(t, payerBefore-amount, authorized.NewBalance)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT appointment_fee FROM appointments WHERE id = \\$1").
		WithArgs("apt1").
		WillReturnRows(sqlmock.NewRows([]string{"appointment_fee"}).AddRow(amount))
	expectLockAccount(mock, "provider1", payeeBefore)
	mock.ExpectQuery("SELECT id, amount FROM ledger_entries").
		WithArgs("apt1", "patient1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow("entry1", amount))
	mock.ExpectExec("UPDATE ledger_entries SET status = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1, version = version \\+ 1").
		WithArgs(amount, sqlmock.AnyArg(), "provider1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settled, err := service.SettleOnCompletion(service.Owned(), "apt1", "patient1", "provider1")
	assert.NoError(t, err)
	assert.Equal(t, payeeBefore+amount, settled.PayeeNewBalance)

	assert.Equal(t, payerBefore+payeeBefore, authorized.NewBalance+settled.PayeeNewBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentService_GetPaymentStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPaymentService(db)

	t.Run("settled payment", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.appointment_fee, a.status, a.appointment_type, e.entry_type, e.status").
			WithArgs("apt1").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee", "status", "appointment_type", "entry_type", "entry_status"}).
				AddRow(2000, "completed", "telemedicine", "payment", "completed"))

		status, err := service.GetPaymentStatus("apt1")

		assert.NoError(t, err)
		assert.Equal(t, int64(2000), status.Fee)
		assert.Equal(t, "telemedicine", status.AppointmentType)
		assert.True(t, status.PaymentProcessed)
		assert.Equal(t, "completed", status.PaymentStatus)
	})

	t.Run("no ledger entry yet", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.appointment_fee, a.status, a.appointment_type, e.entry_type, e.status").
			WithArgs("apt2").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee", "status", "appointment_type", "entry_type", "entry_status"}).
				AddRow(nil, "booked", "in-person", nil, nil))

		status, err := service.GetPaymentStatus("apt2")

		assert.NoError(t, err)
		assert.Equal(t, int64(0), status.Fee)
		assert.False(t, status.PaymentProcessed)
		assert.Empty(t, status.PaymentStatus)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.appointment_fee, a.status, a.appointment_type, e.entry_type, e.status").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"appointment_fee", "status", "appointment_type", "entry_type", "entry_status"}))

		status, err := service.GetPaymentStatus("ghost")

		assert.Nil(t, status)
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})
}
