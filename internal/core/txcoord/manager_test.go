package txcoord

import (
	"context"
	"errors"
	"testing"
)

// fakeSavepoint is the Savepoint handle returned by fakeConn.
type fakeSavepoint struct{ name string }

func (s *fakeSavepoint) Name() string { return s.name }

// fakeConn is an in-memory Connection double that records every call it
// receives, in order, so tests can assert on the exact sequence the manager
// drives it through.
type fakeConn struct {
	id         int
	autoCommit bool
	isolation  Isolation
	readOnly   bool
	closed     bool

	savepointSupport bool
	savepointSeq     int

	calls []string

	commitErr   error
	rollbackErr error
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, autoCommit: true, savepointSupport: true}
}

func (c *fakeConn) GetAutoCommit(ctx context.Context) (bool, error) { return c.autoCommit, nil }
func (c *fakeConn) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	c.calls = append(c.calls, "set_autocommit")
	c.autoCommit = autoCommit
	return nil
}
func (c *fakeConn) GetTransactionIsolation(ctx context.Context) (Isolation, error) {
	return c.isolation, nil
}
func (c *fakeConn) SetTransactionIsolation(ctx context.Context, level Isolation) error {
	c.calls = append(c.calls, "set_isolation")
	c.isolation = level
	return nil
}
func (c *fakeConn) SetReadOnly(ctx context.Context, readOnly bool) error {
	c.calls = append(c.calls, "set_read_only")
	c.readOnly = readOnly
	return nil
}
func (c *fakeConn) Exec(ctx context.Context, sql string) error {
	c.calls = append(c.calls, "exec:"+sql)
	return nil
}
func (c *fakeConn) Commit(ctx context.Context) error {
	c.calls = append(c.calls, "commit")
	return c.commitErr
}
func (c *fakeConn) Rollback(ctx context.Context) error {
	c.calls = append(c.calls, "rollback")
	return c.rollbackErr
}
func (c *fakeConn) SupportsSavepoints(ctx context.Context) (bool, error) {
	return c.savepointSupport, nil
}
func (c *fakeConn) SetSavepoint(ctx context.Context, name string) (Savepoint, error) {
	c.calls = append(c.calls, "savepoint:"+name)
	c.savepointSeq++
	return &fakeSavepoint{name: name}, nil
}
func (c *fakeConn) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	c.calls = append(c.calls, "rollback_to:"+sp.Name())
	return nil
}
func (c *fakeConn) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	c.calls = append(c.calls, "release_savepoint:"+sp.Name())
	return nil
}
func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	c.calls = append(c.calls, "close")
	return nil
}

// fakeSource hands out fakeConns in sequence and remembers every one it
// created, so tests can inspect connections after the fact.
type fakeSource struct {
	conns []*fakeConn
}

func (s *fakeSource) Acquire(ctx context.Context) (Connection, error) {
	c := newFakeConn(len(s.conns) + 1)
	s.conns = append(s.conns, c)
	return c, nil
}

func testManager(opts ...func(*ManagerOptions)) (*Manager, *fakeSource) {
	src := &fakeSource{}
	o := DefaultManagerOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return NewManager(src, o), src
}

func TestExecuteRequiredCommitsOnSuccess(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()

	result, err := Execute(ctx, mgr, DefaultDefinition(), func(ctx context.Context, status *Status) (int, error) {
		if !status.IsNewTransaction() {
			t.Fatal("expected a new transaction")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if len(src.conns) != 1 {
		t.Fatalf("expected exactly one connection acquired, got %d", len(src.conns))
	}
	if !src.conns[0].closed {
		t.Error("expected connection to be closed after commit")
	}
}

func TestExecuteRequiredJoinsExistingTransaction(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		return ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, inner *Status) error {
			if inner.IsNewTransaction() {
				t.Fatal("inner call should have joined, not started a new transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.conns) != 1 {
		t.Fatalf("expected one connection shared between outer and inner, got %d", len(src.conns))
	}
}

func TestExecuteRollsBackOnApplicationError(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Execute(ctx, mgr, DefaultDefinition(), func(ctx context.Context, status *Status) (struct{}, error) {
		return struct{}{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error to propagate, got %v", err)
	}
	if !containsCall(src.conns[0].calls, "rollback") {
		t.Errorf("expected rollback call, got %v", src.conns[0].calls)
	}
	if containsCall(src.conns[0].calls, "commit") {
		t.Errorf("commit should never have been called, got %v", src.conns[0].calls)
	}
}

func TestExecuteRequiresNewSuspendsOuter(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		return ExecuteVoid(ctx, mgr, Definition{Propagation: PropagationRequiresNew}, func(ctx context.Context, inner *Status) error {
			if !inner.IsNewTransaction() {
				t.Error("REQUIRES_NEW should always start a new transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.conns) != 2 {
		t.Fatalf("expected two independent connections, got %d", len(src.conns))
	}
	if !src.conns[0].closed || !src.conns[1].closed {
		t.Error("expected both connections closed")
	}
}

func TestExecuteNestedUsesSavepoint(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		return ExecuteVoid(ctx, mgr, Definition{Propagation: PropagationNested}, func(ctx context.Context, inner *Status) error {
			if !inner.HasSavepoint() {
				t.Error("expected NESTED scope to hold a savepoint")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.conns) != 1 {
		t.Fatalf("expected one shared connection, got %d", len(src.conns))
	}
	if !containsCall(src.conns[0].calls, "savepoint:SAVEPOINT_1") {
		t.Errorf("expected a savepoint call, got %v", src.conns[0].calls)
	}
	if !containsCall(src.conns[0].calls, "release_savepoint:SAVEPOINT_1") {
		t.Errorf("expected the savepoint to be released on commit, got %v", src.conns[0].calls)
	}
}

func TestExecuteNestedRollsBackToSavepointOnError(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()
	boom := errors.New("boom")

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		innerErr := ExecuteVoid(ctx, mgr, Definition{Propagation: PropagationNested}, func(ctx context.Context, inner *Status) error {
			return boom
		})
		if !errors.Is(innerErr, boom) {
			t.Fatalf("expected inner error to propagate, got %v", innerErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer scope should have committed despite inner rollback: %v", err)
	}
	if !containsCall(src.conns[0].calls, "rollback_to:SAVEPOINT_1") {
		t.Errorf("expected rollback to savepoint, got %v", src.conns[0].calls)
	}
	if !containsCall(src.conns[0].calls, "commit") {
		t.Errorf("expected outer scope to still commit, got %v", src.conns[0].calls)
	}
}

func TestSetRollbackOnlyTurnsCommitIntoRollback(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()

	_, err := Execute(ctx, mgr, DefaultDefinition(), func(ctx context.Context, status *Status) (struct{}, error) {
		status.SetRollbackOnly()
		return struct{}{}, nil
	})
	var unexpected *UnexpectedRollbackError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected UnexpectedRollbackError, got %v", err)
	}
	if !containsCall(src.conns[0].calls, "rollback") {
		t.Errorf("expected rollback call, got %v", src.conns[0].calls)
	}
}

func TestSetRollbackOnlyFiresBeforeCompletionBeforeRollback(t *testing.T) {
	mgr, src := testManager()
	ctx := context.Background()
	var events []string

	_, err := Execute(ctx, mgr, DefaultDefinition(), func(ctx context.Context, status *Status) (struct{}, error) {
		if regErr := status.RegisterSynchronization(countingSync{events: &events}); regErr != nil {
			t.Fatalf("register failed: %v", regErr)
		}
		status.SetRollbackOnly()
		return struct{}{}, nil
	})
	var unexpected *UnexpectedRollbackError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected UnexpectedRollbackError, got %v", err)
	}

	want := []string{"before_completion", "after_completion"}
	if len(events) != len(want) {
		t.Fatalf("event sequence mismatch\nwant: %v\ngot:  %v", want, events)
	}
	for i, w := range want {
		if events[i] != w {
			t.Fatalf("event sequence mismatch at %d\nwant: %v\ngot:  %v", i, want, events)
		}
	}
	if !containsCall(src.conns[0].calls, "rollback") {
		t.Errorf("expected rollback call, got %v", src.conns[0].calls)
	}
}

func TestMandatoryRejectsWithoutExistingTransaction(t *testing.T) {
	mgr, _ := testManager()
	ctx := context.Background()

	_, _, err := mgr.Begin(ctx, Definition{Propagation: PropagationMandatory})
	var illegalState *IllegalTransactionStateError
	if !errors.As(err, &illegalState) {
		t.Fatalf("expected IllegalTransactionStateError, got %v", err)
	}
}

func TestNeverRejectsWithExistingTransaction(t *testing.T) {
	mgr, _ := testManager()
	ctx := context.Background()

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		_, _, err := mgr.Begin(ctx, Definition{Propagation: PropagationNever})
		var illegalState *IllegalTransactionStateError
		if !errors.As(err, &illegalState) {
			t.Fatalf("expected IllegalTransactionStateError, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected outer error: %v", err)
	}
}

// countingSync records, in order, which phases fired.
type countingSync struct {
	events *[]string
}

func (s countingSync) Suspend()              { *s.events = append(*s.events, "suspend") }
func (s countingSync) Resume()               { *s.events = append(*s.events, "resume") }
func (s countingSync) Flush()                { *s.events = append(*s.events, "flush") }
func (s countingSync) BeforeCommit(bool)     { *s.events = append(*s.events, "before_commit") }
func (s countingSync) BeforeCompletion()     { *s.events = append(*s.events, "before_completion") }
func (s countingSync) AfterCommit()          { *s.events = append(*s.events, "after_commit") }
func (s countingSync) AfterCompletion(CompletionStatus) {
	*s.events = append(*s.events, "after_completion")
}

func TestSynchronizationFiresOnSuspendResumeAndCommit(t *testing.T) {
	mgr, _ := testManager()
	ctx := context.Background()
	var events []string

	err := ExecuteVoid(ctx, mgr, DefaultDefinition(), func(ctx context.Context, outer *Status) error {
		if regErr := outer.RegisterSynchronization(countingSync{events: &events}); regErr != nil {
			t.Fatalf("register failed: %v", regErr)
		}
		return ExecuteVoid(ctx, mgr, Definition{Propagation: PropagationRequiresNew}, func(ctx context.Context, inner *Status) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"suspend", "resume", "before_commit", "before_completion", "after_commit", "after_completion"}
	if len(events) != len(want) {
		t.Fatalf("event sequence mismatch\nwant: %v\ngot:  %v", want, events)
	}
	for i, w := range want {
		if events[i] != w {
			t.Fatalf("event sequence mismatch at %d\nwant: %v\ngot:  %v", i, want, events)
		}
	}
}

func containsCall(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}
