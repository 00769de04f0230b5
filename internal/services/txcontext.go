package services

import (
	"database/sql"
)

// TxContext states who owns the database transaction a payment operation
// runs in. An owned context begins its own transaction, commits on success
// and rolls back on any failure. A participant context executes every
// statement on the transaction supplied by the caller and never commits or
// rolls back; finalizing is the caller's job alone.
//
// Callers choose the variant explicitly instead of the ledger guessing
// ownership from the shape of the handle it was given.
type TxContext struct {
	db *sql.DB
	tx *sql.Tx
}

// OwnedTx returns a context in which the operation owns the full
// begin/commit/rollback cycle against the pool.
func OwnedTx(db *sql.DB) TxContext {
	return TxContext{db: db}
}

// ParticipantTx returns a context in which the operation joins a
// transaction the caller has already begun.
func ParticipantTx(tx *sql.Tx) TxContext {
	return TxContext{tx: tx}
}

// Owned reports whether this context finalizes its own transaction.
func (tc TxContext) Owned() bool {
	return tc.tx == nil
}

// run executes fn within the unit of work described by the context. Errors
// from fn propagate untouched; a participant context leaves the caller's
// transaction open either way.
func (tc TxContext) run(fn func(tx *sql.Tx) error) error {
	if tc.tx != nil {
		return fn(tc.tx)
	}

	tx, err := tc.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
