package txcoord

import "context"

// contextState is the per-execution-context resource registry. It is
// injected into a context.Context by pointer once, at the first
// Begin of a call chain; every derived context returned down that chain
// carries the same pointer, so mutations made by a manager deep in a
// callback remain visible to the manager that started the chain. This is
// the Go analogue of a thread-local: one state per logical call chain,
// never shared across chains running concurrently.
type contextState struct {
	boundResources map[ConnectionSource]*ConnectionHolder

	synchronizations *synchronizationList // nil == inactive

	currentTxName      string
	currentTxReadOnly  bool
	currentTxIsolation Isolation
	actualTxActive     bool

	// completionInProgress guards a deliberate asymmetry: a
	// synchronization listener that registers a new listener from inside
	// afterCompletion must be rejected, not silently queued.
	completionInProgress bool
}

func newContextState() *contextState {
	return &contextState{boundResources: make(map[ConnectionSource]*ConnectionHolder)}
}

type stateKey struct{}

// withState returns a context carrying a *contextState, reusing one already
// present on ctx if any, plus that state.
func withState(ctx context.Context) (context.Context, *contextState) {
	if st, ok := ctx.Value(stateKey{}).(*contextState); ok {
		return ctx, st
	}
	st := newContextState()
	return context.WithValue(ctx, stateKey{}, st), st
}

// stateFromContext returns the bound state, or nil if none is bound yet.
func stateFromContext(ctx context.Context) *contextState {
	st, _ := ctx.Value(stateKey{}).(*contextState)
	return st
}

func (s *contextState) holderFor(source ConnectionSource) (*ConnectionHolder, bool) {
	h, ok := s.boundResources[source]
	return h, ok
}

func (s *contextState) bind(source ConnectionSource, holder *ConnectionHolder) {
	s.boundResources[source] = holder
}

func (s *contextState) unbind(source ConnectionSource) {
	delete(s.boundResources, source)
}

func (s *contextState) isEmpty() bool {
	return len(s.boundResources) == 0 && s.synchronizations == nil &&
		!s.actualTxActive && !s.currentTxReadOnly && s.currentTxName == ""
}

func (s *contextState) synchronizationActive() bool { return s.synchronizations != nil }

func (s *contextState) activateSynchronization() {
	s.synchronizations = newSynchronizationList()
}

func (s *contextState) clearSynchronization() {
	s.synchronizations = nil
}

// registerSynchronization implements a deliberate asymmetry: registration
// during afterCompletion dispatch is rejected with ErrIllegalState instead
// of being silently appended to (or dropped from) the list being drained.
func (s *contextState) registerSynchronization(sync Synchronization) error {
	if s.completionInProgress {
		return &ErrIllegalState{Message: "cannot register synchronization while afterCompletion is in progress"}
	}
	if s.synchronizations == nil {
		s.activateSynchronization()
	}
	s.synchronizations.register(sync)
	return nil
}

func (s *contextState) setCurrentTransaction(name string, readOnly bool, isolation Isolation, active bool) {
	s.currentTxName = name
	s.currentTxReadOnly = readOnly
	s.currentTxIsolation = isolation
	s.actualTxActive = active
}

func (s *contextState) clearCurrentTransaction() {
	s.setCurrentTransaction("", false, IsolationDefault, false)
}
