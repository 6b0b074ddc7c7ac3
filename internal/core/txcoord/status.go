package txcoord

// Status is the handle returned by Begin and passed to Execute's callback.
// It exposes exactly what application code is allowed to do to an in-flight
// transaction: mark it rollback-only, inspect its shape, and register
// lifecycle listeners on it.
type Status struct {
	txObj *transactionObject
	state *contextState
}

// SetRollbackOnly marks the transaction so that a later Commit is turned
// into a rollback, surfacing UnexpectedRollbackError at the appropriate
// boundary.
func (s *Status) SetRollbackOnly() {
	s.txObj.localRollbackOnly = true
}

// IsRollbackOnly reports the local rollback-only flag, or the holder's
// (escalated) one for a participating transaction.
func (s *Status) IsRollbackOnly() bool {
	return s.txObj.localRollbackOnly || (s.txObj.holder != nil && s.txObj.holder.isRollbackOnly())
}

// IsNewTransaction reports whether this Begin call created the transaction
// (as opposed to joining or running non-transactionally).
func (s *Status) IsNewTransaction() bool { return s.txObj.newHolder }

// HasSavepoint reports whether this Begin call created a NESTED savepoint.
func (s *Status) HasSavepoint() bool { return s.txObj.hasSavepoint }

// IsReadOnly reports the effective read-only flag for this transaction.
func (s *Status) IsReadOnly() bool { return s.txObj.readOnly }

// IsCompleted reports whether Commit or Rollback has already consumed this
// Status.
func (s *Status) IsCompleted() bool { return s.txObj.completed }

// RegisterSynchronization adds a lifecycle listener to the currently active
// transaction. It returns ErrIllegalState if called while afterCompletion
// is already being dispatched for this execution context: registration
// during that window is a deliberately preserved asymmetry, not an
// oversight.
func (s *Status) RegisterSynchronization(sync Synchronization) error {
	return s.state.registerSynchronization(sync)
}
