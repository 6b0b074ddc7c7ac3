package txcoord

import "errors"

// ErrorTranslator classifies a driver error raised during a named task
// (e.g. "commit", "rollback") into a domain error. The manager calls it on
// every commit/rollback driver failure; it never interprets
// driver errors itself. The returned error should usually wrap cause via
// errors.Unwrap-compatible wrapping so callers can still reach the original
// failure.
type ErrorTranslator func(task, sql string, cause error) error

// SQLStateClassifier is optionally implemented by a driver error wrapper so
// the default translator can classify it by SQLSTATE class without this
// package importing any driver. The postgres
// adapter's wrapped errors implement this.
type SQLStateClassifier interface {
	SQLState() string
}

// ConcurrencyFailureError is the one domain classification worth naming
// explicitly: a concurrency failure when the driver SQLSTATE indicates a
// serialization conflict"): SQLSTATE class 40 (transaction rollback,
// including serialization_failure and deadlock_detected).
type ConcurrencyFailureError struct {
	Cause error
}

func (e *ConcurrencyFailureError) Error() string {
	return "concurrency failure: " + e.Cause.Error()
}

func (e *ConcurrencyFailureError) Unwrap() error { return e.Cause }

// defaultTranslator is the lazily-used fallback when a Manager is not
// configured with one: it classifies by SQLSTATE class when the error
// exposes one, and otherwise wraps as TransactionSystemError.
func defaultTranslator(task, sql string, cause error) error {
	var classifier SQLStateClassifier
	if errors.As(cause, &classifier) {
		state := classifier.SQLState()
		if len(state) >= 2 && state[0:2] == "40" {
			return &ConcurrencyFailureError{Cause: cause}
		}
	}
	return &TransactionSystemError{Cause: cause}
}
