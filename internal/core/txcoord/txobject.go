package txcoord

// SuspendedResources is the snapshot captured by suspend and restored
// atomically by resume.
type SuspendedResources struct {
	holder           *ConnectionHolder
	name             string
	readOnly         bool
	isolation        Isolation
	active           bool
	synchronizations *synchronizationList
}

// transactionObject is the transient per-begin record. It
// is created in Begin and consumed by exactly one of Commit/Rollback; it is
// never reused after that.
type transactionObject struct {
	source ConnectionSource
	holder *ConnectionHolder

	newHolder          bool
	newSynchronization bool

	suspended *SuspendedResources

	savepoint   Savepoint
	hasSavepoint bool

	readOnly  bool
	isolation Isolation
	name      string

	// prior* remember what the connection's settings were before Begin
	// changed them, so cleanup can restore them in reverse order
	// reverse order on cleanup.
	priorAutoCommit    bool
	autoCommitChanged  bool
	priorIsolation     Isolation
	isolationChanged   bool
	readOnlySet        bool

	// local rollback-only flag set on Status by application code, distinct
	// from holder.rollbackOnly which escalates to an outer participant.
	localRollbackOnly bool

	completed bool
}
