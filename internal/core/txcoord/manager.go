// Package txcoord is a propagation-aware transaction coordinator: it
// decides, for a declared unit of work, whether to join an in-flight
// transaction on the caller's execution context, start a new one
// (suspending the caller's), run outside any transaction, or nest via a
// savepoint — and guarantees the underlying connection is acquired,
// configured, completed and released exactly once.
package txcoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"txguard/pkg/logger"
)

var tracer = otel.Tracer("txguard/txcoord")

// SynchronizationMode controls when the manager activates the
// synchronization list.
type SynchronizationMode int

const (
	SynchronizationAlways SynchronizationMode = iota
	SynchronizationOnActualTransaction
	SynchronizationNever
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Synchronization               SynchronizationMode
	DefaultTimeout                time.Duration
	FailEarlyOnGlobalRollbackOnly bool
	RollbackOnCommitFailure       bool
	EnforceReadOnly               bool
	ValidateExistingTransaction   bool
	NestedTransactionAllowed      bool

	// Translator classifies driver errors raised during commit/rollback.
	// If nil, defaultTranslator is used.
	Translator ErrorTranslator
}

// DefaultManagerOptions returns the common production configuration:
// synchronization always on, nesting allowed, no global fail-fast.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Synchronization:          SynchronizationAlways,
		NestedTransactionAllowed: true,
	}
}

// Manager is the core orchestrator: Begin / Commit / Rollback /
// suspend / resume over a single ConnectionSource.
type Manager struct {
	source ConnectionSource
	opts   ManagerOptions
}

// NewManager builds a Manager over source with the given options.
func NewManager(source ConnectionSource, opts ManagerOptions) *Manager {
	if opts.Translator == nil {
		opts.Translator = defaultTranslator
	}
	return &Manager{source: source, opts: opts}
}

// Begin starts, joins, or otherwise honors def's propagation against
// whatever transaction (if any) is already bound to ctx for m's source. It
// returns a context to use for the remainder of the scope (carrying the
// execution-context state) and a Status to pass to the eventual
// Commit/Rollback.
func (m *Manager) Begin(ctx context.Context, def Definition) (context.Context, *Status, error) {
	ctx, state := withState(ctx)

	ctx, span := tracer.Start(ctx, "txcoord.Begin")
	defer span.End()
	span.SetAttributes(attribute.String("txcoord.propagation", def.Propagation.String()))

	existingHolder, hasExisting := state.holderFor(m.source)
	hasExisting = hasExisting && existingHolder != nil && existingHolder.isTransactionActive()

	act, err := decide(hasExisting, def, m.opts.NestedTransactionAllowed)
	if err != nil {
		return ctx, nil, err
	}

	if hasExisting && act == actionJoinExisting && m.opts.ValidateExistingTransaction {
		if verr := validateJoin(def, state.currentTxIsolation, state.currentTxReadOnly); verr != nil {
			return ctx, nil, verr
		}
	}

	switch act {
	case actionJoinExisting:
		return m.joinExisting(ctx, state, existingHolder, def)
	case actionCreateSavepoint:
		return m.beginSavepoint(ctx, state, existingHolder, def)
	case actionStartNew:
		return m.beginNew(ctx, state, def, nil)
	case actionSuspendAndStartNew:
		suspended, serr := m.suspend(ctx, state, existingHolder)
		if serr != nil {
			return ctx, nil, serr
		}
		return m.beginNew(ctx, state, def, suspended)
	case actionNonTransactional:
		return ctx, &Status{txObj: &transactionObject{source: m.source}, state: state}, nil
	case actionSuspendAndRunNonTransactional:
		suspended, serr := m.suspend(ctx, state, existingHolder)
		if serr != nil {
			return ctx, nil, serr
		}
		return ctx, &Status{txObj: &transactionObject{source: m.source, suspended: suspended}, state: state}, nil
	default:
		return ctx, nil, &IllegalTransactionStateError{Message: "unreachable propagation action"}
	}
}

func (m *Manager) joinExisting(ctx context.Context, state *contextState, holder *ConnectionHolder, def Definition) (context.Context, *Status, error) {
	holder.addReference()
	txObj := &transactionObject{
		source:    m.source,
		holder:    holder,
		readOnly:  state.currentTxReadOnly,
		isolation: state.currentTxIsolation,
		name:      state.currentTxName,
	}
	return ctx, &Status{txObj: txObj, state: state}, nil
}

func (m *Manager) beginSavepoint(ctx context.Context, state *contextState, holder *ConnectionHolder, def Definition) (context.Context, *Status, error) {
	supported := holder.savepointsSupported
	if supported == nil {
		ok, err := holder.conn.SupportsSavepoints(ctx)
		if err != nil {
			return ctx, nil, &CannotCreateTransactionError{Cause: err}
		}
		holder.savepointsSupported = &ok
		supported = &ok
	}
	if !*supported {
		return ctx, nil, &NestedTransactionNotSupportedError{Message: "driver does not support savepoints"}
	}

	name := holder.nextSavepointName()
	sp, err := holder.conn.SetSavepoint(ctx, name)
	if err != nil {
		return ctx, nil, &CannotCreateTransactionError{Cause: err}
	}

	holder.addReference()
	txObj := &transactionObject{
		source:       m.source,
		holder:       holder,
		savepoint:    sp,
		hasSavepoint: true,
		readOnly:     state.currentTxReadOnly,
		isolation:    state.currentTxIsolation,
		name:         state.currentTxName,
	}
	return ctx, &Status{txObj: txObj, state: state}, nil
}

// beginNew implements "start new": acquire a
// connection, remember its prior settings, apply the requested ones, bind
// it, and activate synchronization.
func (m *Manager) beginNew(ctx context.Context, state *contextState, def Definition, suspended *SuspendedResources) (context.Context, *Status, error) {
	conn, err := m.source.Acquire(ctx)
	if err != nil {
		return ctx, nil, &CannotCreateTransactionError{Cause: err}
	}

	holder := newHolderWithConnection(conn)
	holder.addReference()

	txObj := &transactionObject{
		source:    m.source,
		holder:    holder,
		newHolder: true,
		suspended: suspended,
		readOnly:  def.ReadOnly,
		isolation: def.Isolation,
		name:      def.Name,
	}

	if err := m.configureConnection(ctx, conn, def, txObj); err != nil {
		_ = conn.Close(ctx)
		if suspended != nil {
			_ = m.resume(ctx, state, suspended)
		}
		return ctx, nil, &CannotCreateTransactionError{Cause: err}
	}

	timeout := def.Timeout
	if timeout == 0 {
		timeout = m.opts.DefaultTimeout
	}
	if timeout > 0 {
		holder.setDeadline(time.Now().Add(timeout))
	}

	holder.setTransactionActive(true)
	state.bind(m.source, holder)
	state.setCurrentTransaction(def.Name, def.ReadOnly, def.Isolation, true)

	if m.shouldSynchronize(true) {
		state.activateSynchronization()
		holder.synchronizedWithTransaction = true
		txObj.newSynchronization = true
	}

	return ctx, &Status{txObj: txObj, state: state}, nil
}

// configureConnection applies the connection configuration contract, in
// order, remembering prior values on txObj for reverse
// restoration during cleanup.
func (m *Manager) configureConnection(ctx context.Context, conn Connection, def Definition, txObj *transactionObject) error {
	if def.ReadOnly {
		if err := conn.SetReadOnly(ctx, true); err != nil {
			return err
		}
		txObj.readOnlySet = true
	}

	if def.Isolation != IsolationDefault {
		prior, err := conn.GetTransactionIsolation(ctx)
		if err != nil {
			return err
		}
		if err := conn.SetTransactionIsolation(ctx, def.Isolation); err != nil {
			return err
		}
		txObj.priorIsolation = prior
		txObj.isolationChanged = true
	}

	autoCommit, err := conn.GetAutoCommit(ctx)
	if err != nil {
		return err
	}
	if autoCommit {
		if err := conn.SetAutoCommit(ctx, false); err != nil {
			return err
		}
		txObj.priorAutoCommit = true
		txObj.autoCommitChanged = true
	}

	if m.opts.EnforceReadOnly && def.ReadOnly {
		if err := conn.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) shouldSynchronize(actualTransaction bool) bool {
	switch m.opts.Synchronization {
	case SynchronizationNever:
		return false
	case SynchronizationOnActualTransaction:
		return actualTransaction
	default:
		return true
	}
}

// suspend detaches the holder bound for m.source from state, invoking each
// listener's Suspend callback, and snapshots the flags.
func (m *Manager) suspend(ctx context.Context, state *contextState, holder *ConnectionHolder) (*SuspendedResources, error) {
	var syncs *synchronizationList
	if state.synchronizationActive() {
		syncs = state.synchronizations
		syncs.forEach(func(s Synchronization) { s.Suspend() })
		state.clearSynchronization()
	}

	state.unbind(m.source)

	snapshot := &SuspendedResources{
		holder:           holder,
		name:             state.currentTxName,
		readOnly:         state.currentTxReadOnly,
		isolation:        state.currentTxIsolation,
		active:           state.actualTxActive,
		synchronizations: syncs,
	}
	state.clearCurrentTransaction()
	return snapshot, nil
}

// resume restores a previously suspended binding.
func (m *Manager) resume(ctx context.Context, state *contextState, suspended *SuspendedResources) error {
	if suspended == nil {
		return nil
	}
	if suspended.holder != nil {
		state.bind(m.source, suspended.holder)
	}
	state.setCurrentTransaction(suspended.name, suspended.readOnly, suspended.isolation, suspended.active)
	if suspended.synchronizations != nil {
		state.synchronizations = suspended.synchronizations
		suspended.synchronizations.forEach(func(s Synchronization) { s.Resume() })
	}
	return nil
}

// Commit honors a rollback-only flag before attempting any driver commit.
// That check applies only at the boundary that actually owns the
// connection (a new transaction or a savepoint), since a participating
// scope without a savepoint has nothing of its own to roll back yet and
// instead escalates through doCommit below.
func (m *Manager) Commit(ctx context.Context, status *Status) error {
	if status.txObj.completed {
		return &IllegalTransactionStateError{Message: "transaction already completed"}
	}
	txObj := status.txObj
	state := status.state
	owner := txObj.newHolder || txObj.hasSavepoint

	ctx, span := tracer.Start(ctx, "txcoord.Commit")
	defer span.End()

	if owner && status.IsRollbackOnly() {
		m.triggerBeforeCompletion(state, txObj)
		rbErr := m.doRollback(ctx, state, txObj)
		m.finishCleanup(ctx, state, txObj, StatusRolledBack)
		if rbErr != nil {
			return rbErr
		}
		return &UnexpectedRollbackError{Message: "transaction was marked rollback-only"}
	}

	m.triggerBeforeCommit(state, txObj)
	m.triggerBeforeCompletion(state, txObj)

	commitErr := m.doCommit(ctx, txObj)

	if ue, ok := commitErr.(*UnexpectedRollbackError); ok {
		// A participant's own rollback-only flag escalated eagerly
		// (FailEarlyOnGlobalRollbackOnly): not a driver failure, just an
		// early exit at this inner boundary.
		m.finishCleanup(ctx, state, txObj, StatusRolledBack)
		return ue
	}

	if commitErr != nil {
		if m.opts.RollbackOnCommitFailure {
			_ = m.doRollback(ctx, state, txObj)
		}
		m.finishCleanup(ctx, state, txObj, StatusUnknown)
		return m.opts.Translator("commit", "", commitErr)
	}

	if txObj.newSynchronization {
		state.synchronizations.forEach(func(s Synchronization) { s.AfterCommit() })
	}
	m.finishCleanup(ctx, state, txObj, StatusCommitted)
	return nil
}

// doCommit issues the actual commit or savepoint release.
func (m *Manager) doCommit(ctx context.Context, txObj *transactionObject) error {
	if txObj.hasSavepoint {
		return txObj.holder.conn.ReleaseSavepoint(ctx, txObj.savepoint)
	}
	if txObj.newHolder {
		return txObj.holder.conn.Commit(ctx)
	}
	if txObj.holder == nil {
		return nil // non-transactional scope: nothing to commit
	}
	// Participating without a savepoint: local commit defers to the
	// outer boundary; a local rollback-only escalates to it, optionally
	// raising eagerly instead of waiting for the outer's own commit.
	if txObj.localRollbackOnly {
		txObj.holder.setRollbackOnly()
		if m.opts.FailEarlyOnGlobalRollbackOnly {
			return &UnexpectedRollbackError{Message: "global transaction marked rollback-only by a participant (fail-early)"}
		}
	}
	return nil
}

// Rollback tears down the transaction at whichever boundary owns it.
func (m *Manager) Rollback(ctx context.Context, status *Status) error {
	if status.txObj.completed {
		return &IllegalTransactionStateError{Message: "transaction already completed"}
	}
	txObj := status.txObj
	state := status.state

	ctx, span := tracer.Start(ctx, "txcoord.Rollback")
	defer span.End()

	m.triggerBeforeCompletion(state, txObj)

	rbErr := m.doRollback(ctx, state, txObj)

	var translated error
	if rbErr != nil {
		translated = m.opts.Translator("rollback", "", rbErr)
	}

	m.finishCleanup(ctx, state, txObj, StatusRolledBack)
	return translated
}

// doRollback issues the actual rollback or savepoint rollback.
func (m *Manager) doRollback(ctx context.Context, state *contextState, txObj *transactionObject) error {
	if txObj.holder == nil {
		return nil // non-transactional scope, nothing to roll back
	}
	if txObj.hasSavepoint {
		if err := txObj.holder.conn.RollbackToSavepoint(ctx, txObj.savepoint); err != nil {
			return err
		}
		return txObj.holder.conn.ReleaseSavepoint(ctx, txObj.savepoint)
	}
	if txObj.newHolder {
		return txObj.holder.conn.Rollback(ctx)
	}
	txObj.holder.setRollbackOnly()
	return nil
}

func (m *Manager) triggerBeforeCommit(state *contextState, txObj *transactionObject) {
	if !txObj.newSynchronization {
		return
	}
	state.synchronizations.forEach(func(s Synchronization) { s.BeforeCommit(txObj.readOnly) })
}

// triggerBeforeCompletion runs every listener's BeforeCompletion, capturing
// and logging (never propagating) individual listener failures.
func (m *Manager) triggerBeforeCompletion(state *contextState, txObj *transactionObject) {
	if !txObj.newSynchronization {
		return
	}
	state.synchronizations.forEach(func(s Synchronization) {
		safeCall(func() { s.BeforeCompletion() })
	})
}

// triggerAfterCompletion runs every listener's AfterCompletion exactly
// once, guarded by the completionInProgress flag so re-entrant registration
// attempts are rejected.
func (m *Manager) triggerAfterCompletion(state *contextState, status CompletionStatus) {
	if !state.synchronizationActive() {
		return
	}
	items := state.synchronizations.snapshot()
	state.completionInProgress = true
	for _, s := range items {
		safeCall(func() { s.AfterCompletion(status) })
	}
	state.completionInProgress = false
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "synchronization listener panicked", "panic", r)
		}
	}()
	fn()
}

// finishCleanup restores connection settings in
// reverse order, unbind, release, resume any suspended outer — all run
// unconditionally, and any error here is logged and suppressed in favor of
// whatever the caller is already returning.
func (m *Manager) finishCleanup(ctx context.Context, state *contextState, txObj *transactionObject, status CompletionStatus) {
	defer func() {
		txObj.completed = true
	}()

	if txObj.newSynchronization {
		m.triggerAfterCompletion(state, status)
	}

	if txObj.holder == nil {
		if txObj.suspended != nil {
			if err := m.resume(ctx, state, txObj.suspended); err != nil {
				logger.Error(ctx, "failed to resume suspended transaction", "error", err)
			}
		}
		return
	}

	txObj.holder.release()
	if !txObj.newHolder {
		return
	}

	conn := txObj.holder.conn
	if txObj.autoCommitChanged {
		if err := conn.SetAutoCommit(ctx, true); err != nil {
			logger.Error(ctx, "failed to restore autocommit on cleanup", "error", err)
		}
	}
	if txObj.isolationChanged {
		if err := conn.SetTransactionIsolation(ctx, txObj.priorIsolation); err != nil {
			logger.Error(ctx, "failed to restore isolation on cleanup", "error", err)
		}
	}
	if txObj.readOnlySet {
		if err := conn.SetReadOnly(ctx, false); err != nil {
			logger.Error(ctx, "failed to clear read-only on cleanup", "error", err)
		}
	}

	state.unbind(m.source)
	state.clearCurrentTransaction()
	if txObj.newSynchronization {
		state.clearSynchronization()
	}

	if err := conn.Close(ctx); err != nil {
		logger.Error(ctx, "failed to close connection on cleanup", "error", err)
	}

	if txObj.suspended != nil {
		if err := m.resume(ctx, state, txObj.suspended); err != nil {
			logger.Error(ctx, "failed to resume suspended transaction", "error", err)
		}
	}
}
