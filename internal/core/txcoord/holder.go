package txcoord

import (
	"context"
	"fmt"
	"time"
)

// ConnectionHolder is the per-source owner of a physical connection plus its
// transactional state flags. While bound in a
// contextState, it has exactly one owner; while suspended, ownership moves
// to the SuspendedResources snapshot. It is never shared between two
// concurrently bound slots.
type ConnectionHolder struct {
	conn Connection

	refCount          int
	transactionActive bool
	rollbackOnly      bool

	savepointsSupported *bool // nil = unknown, not yet probed
	savepointCounter    int

	deadline *time.Time

	synchronizedWithTransaction bool
}

func newHolderWithConnection(conn Connection) *ConnectionHolder {
	return &ConnectionHolder{conn: conn}
}

func newHolderWithoutConnection() *ConnectionHolder {
	return &ConnectionHolder{}
}

func (h *ConnectionHolder) hasConnection() bool { return h.conn != nil }

func (h *ConnectionHolder) setConnection(conn Connection) { h.conn = conn }

func (h *ConnectionHolder) addReference()      { h.refCount++ }
func (h *ConnectionHolder) release()           { h.refCount-- }
func (h *ConnectionHolder) isOpen() bool       { return h.refCount > 0 }
func (h *ConnectionHolder) resetReferences()   { h.refCount = 0 }

func (h *ConnectionHolder) setRollbackOnly()    { h.rollbackOnly = true }
func (h *ConnectionHolder) isRollbackOnly() bool { return h.rollbackOnly }

func (h *ConnectionHolder) setTransactionActive(active bool) { h.transactionActive = active }
func (h *ConnectionHolder) isTransactionActive() bool         { return h.transactionActive }

// nextSavepointName bumps the monotonic counter and returns the next
// SAVEPOINT_<N> name.
func (h *ConnectionHolder) nextSavepointName() string {
	h.savepointCounter++
	return fmt.Sprintf("SAVEPOINT_%d", h.savepointCounter)
}

func (h *ConnectionHolder) setDeadline(d time.Time) { h.deadline = &d }

// remainingTime reports how long is left before the holder's deadline, or
// an error if it has already elapsed. Callers issuing statements under a
// timed-out holder should treat the error as a TransactionTimedOutError.
func (h *ConnectionHolder) remainingTime() (time.Duration, error) {
	if h.deadline == nil {
		return 0, nil
	}
	remaining := time.Until(*h.deadline)
	if remaining <= 0 {
		return 0, &TransactionTimedOutError{}
	}
	return remaining, nil
}

// checkTimeout is the hook downstream statement execution should call
// before issuing a query against a connection obtained through this
// holder's source.
func (h *ConnectionHolder) checkTimeout(ctx context.Context) error {
	_, err := h.remainingTime()
	return err
}
