package txcoord

import "fmt"

// CannotCreateTransactionError is raised when the driver fails while a new
// transaction is being started (connection acquisition, initial
// GetAutoCommit, isolation set).
type CannotCreateTransactionError struct {
	Cause error
}

func (e *CannotCreateTransactionError) Error() string {
	return fmt.Sprintf("cannot create transaction: %v", e.Cause)
}

func (e *CannotCreateTransactionError) Unwrap() error { return e.Cause }

// TransactionSystemError is raised when the driver fails during commit or
// rollback and no more specific translation applies.
type TransactionSystemError struct {
	Cause error
}

func (e *TransactionSystemError) Error() string {
	return fmt.Sprintf("transaction system error: %v", e.Cause)
}

func (e *TransactionSystemError) Unwrap() error { return e.Cause }

// UnexpectedRollbackError is raised when commit is requested but
// rollback-only was set, either by the current scope or a participant.
type UnexpectedRollbackError struct {
	Message string
}

func (e *UnexpectedRollbackError) Error() string {
	return "transaction rolled back because it was marked rollback-only: " + e.Message
}

// IllegalTransactionStateError is raised when propagation preconditions are
// violated: NEVER with an existing transaction, MANDATORY without one, or a
// validateExistingTransaction mismatch.
type IllegalTransactionStateError struct {
	Message string
}

func (e *IllegalTransactionStateError) Error() string {
	return "illegal transaction state: " + e.Message
}

// NestedTransactionNotSupportedError is raised when NESTED is requested but
// the driver lacks savepoint support.
type NestedTransactionNotSupportedError struct {
	Message string
}

func (e *NestedTransactionNotSupportedError) Error() string {
	if e.Message == "" {
		return "nested transactions are not supported by this connection"
	}
	return "nested transactions are not supported: " + e.Message
}

// TransactionTimedOutError is raised when a transaction's deadline has
// elapsed before the guarded operation completed.
type TransactionTimedOutError struct {
	Message string
}

func (e *TransactionTimedOutError) Error() string {
	if e.Message == "" {
		return "transaction timed out"
	}
	return "transaction timed out: " + e.Message
}

// ErrIllegalState is returned by Status.RegisterSynchronization when a
// listener tries to register itself while afterCompletion is already being
// dispatched for the current transaction.
type ErrIllegalState struct {
	Message string
}

func (e *ErrIllegalState) Error() string { return "illegal state: " + e.Message }

// IsTransactionError reports whether err is one of the taxonomy kinds
// defined in this package. The template executor (Execute) uses this to
// decide whether an error propagating out of a callback should be treated as
// "the transaction layer already decided the outcome" (rollback and
// rethrow verbatim) versus "application code failed" (mark rollback-only,
// roll back, then rethrow verbatim) — in both cases the original error is
// returned unwrapped, only the rollback path taken differs conceptually. If
// the rollback itself fails, the original error is joined with the
// rollback error (errors.Join) so both stay reachable.
func IsTransactionError(err error) bool {
	switch err.(type) {
	case *CannotCreateTransactionError,
		*TransactionSystemError,
		*UnexpectedRollbackError,
		*IllegalTransactionStateError,
		*NestedTransactionNotSupportedError,
		*TransactionTimedOutError:
		return true
	default:
		return false
	}
}
