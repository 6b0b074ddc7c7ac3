package txcoord

import "time"

// Propagation is the closed set of ways a requested transaction can relate
// to one already active on the same execution context. A tagged enum plus
// a dispatcher expresses this more directly in Go than a type per mode.
type Propagation int

const (
	PropagationRequired Propagation = iota
	PropagationRequiresNew
	PropagationNested
	PropagationSupports
	PropagationNotSupported
	PropagationNever
	PropagationMandatory
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNested:
		return "NESTED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationNever:
		return "NEVER"
	case PropagationMandatory:
		return "MANDATORY"
	default:
		return "UNKNOWN"
	}
}

// Definition configures a single Begin call.
type Definition struct {
	Propagation Propagation
	Isolation   Isolation
	ReadOnly    bool
	Timeout     time.Duration
	Name        string
}

// DefaultDefinition returns REQUIRED propagation, default isolation, no
// timeout, read-write — the common case.
func DefaultDefinition() Definition {
	return Definition{Propagation: PropagationRequired}
}

// action is the outcome of the propagation decision: what Begin must
// physically do.
type action int

const (
	actionStartNew action = iota
	actionJoinExisting
	actionCreateSavepoint
	actionNonTransactional // no binding, no suspend needed (no existing tx)
	actionSuspendAndRunNonTransactional
	actionSuspendAndStartNew
)

// decide implements the propagation-mode decision table.
func decide(hasExisting bool, def Definition, nestedAllowed bool) (action, error) {
	switch def.Propagation {
	case PropagationRequired:
		if hasExisting {
			return actionJoinExisting, nil
		}
		return actionStartNew, nil

	case PropagationRequiresNew:
		if hasExisting {
			return actionSuspendAndStartNew, nil
		}
		return actionStartNew, nil

	case PropagationNested:
		if hasExisting {
			if !nestedAllowed {
				return 0, &NestedTransactionNotSupportedError{Message: "nested transactions are disabled by configuration"}
			}
			return actionCreateSavepoint, nil
		}
		return actionStartNew, nil

	case PropagationSupports:
		if hasExisting {
			return actionJoinExisting, nil
		}
		return actionNonTransactional, nil

	case PropagationNotSupported:
		if hasExisting {
			return actionSuspendAndRunNonTransactional, nil
		}
		return actionNonTransactional, nil

	case PropagationNever:
		if hasExisting {
			return 0, &IllegalTransactionStateError{Message: "existing transaction found for propagation NEVER"}
		}
		return actionNonTransactional, nil

	case PropagationMandatory:
		if hasExisting {
			return actionJoinExisting, nil
		}
		return 0, &IllegalTransactionStateError{Message: "no existing transaction found for propagation MANDATORY"}

	default:
		return 0, &IllegalTransactionStateError{Message: "unknown propagation mode"}
	}
}

// validateJoin enforces the isolation/read-only compatibility
// check when validateExistingTransaction is enabled and def joins an
// existing transaction.
func validateJoin(def Definition, outerIsolation Isolation, outerReadOnly bool) error {
	if def.Isolation != IsolationDefault && def.Isolation != outerIsolation {
		return &IllegalTransactionStateError{
			Message: "participating transaction with definite isolation level " + def.Isolation.String() +
				" does not match existing transaction's isolation level " + outerIsolation.String(),
		}
	}
	if !def.ReadOnly && outerReadOnly {
		// Outer read-only, inner read-write: rejected. Outer read-write,
		// inner read-only is allowed (stricter is fine).
		return &IllegalTransactionStateError{
			Message: "participating transaction is not marked as read-only but existing transaction is",
		}
	}
	return nil
}
