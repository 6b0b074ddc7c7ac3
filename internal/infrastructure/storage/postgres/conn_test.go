package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"

	"txguard/internal/core/txcoord"
)

// newMockConnection builds a pgConnection directly over a pgxmock driver,
// bypassing Source/pgxpool entirely. pgConnection only ever talks to its
// querier through the Exec/Query/QueryRow subset pgxmock implements, so this
// exercises the real SQL the manager's connection configuration contract
// emits without a live database.
func newMockConnection(t *testing.T) (*pgConnection, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("create mock conn: %v", err)
	}
	t.Cleanup(func() { _ = mock.Close(context.Background()) })
	return &pgConnection{querier: mock, isolation: txcoord.IsolationDefault}, mock
}

func TestPgConnectionSetTransactionIsolation(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL SERIALIZABLE").
		WillReturnResult(pgxmock.NewResult("SET", 0))

	if err := conn.SetTransactionIsolation(context.Background(), txcoord.IsolationSerializable); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionSetTransactionIsolationDefaultSkipsStatement(t *testing.T) {
	conn, mock := newMockConnection(t)

	if err := conn.SetTransactionIsolation(context.Background(), txcoord.IsolationDefault); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionSetReadOnly(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY").
		WillReturnResult(pgxmock.NewResult("SET", 0))

	if err := conn.SetReadOnly(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionSetAutoCommitIssuesBegin(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("BEGIN").WillReturnResult(pgxmock.NewResult("BEGIN", 0))

	if err := conn.SetAutoCommit(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conn.inTx {
		t.Error("expected inTx to be true after turning autocommit off")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionSetAutoCommitOnWithoutOpenTxIsNoop(t *testing.T) {
	conn, mock := newMockConnection(t)

	if err := conn.SetAutoCommit(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionCommitAndRollback(t *testing.T) {
	conn, mock := newMockConnection(t)
	conn.inTx = true
	mock.ExpectExec("COMMIT").WillReturnResult(pgxmock.NewResult("COMMIT", 0))

	if err := conn.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.inTx {
		t.Error("expected inTx cleared after commit")
	}

	conn.inTx = true
	mock.ExpectExec("ROLLBACK").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	if err := conn.Rollback(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionSavepointLifecycle(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.ExpectExec("SAVEPOINT SAVEPOINT_1").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT SAVEPOINT_1").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec("RELEASE SAVEPOINT SAVEPOINT_1").WillReturnResult(pgxmock.NewResult("RELEASE", 0))

	ctx := context.Background()
	sp, err := conn.SetSavepoint(ctx, "SAVEPOINT_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.RollbackToSavepoint(ctx, sp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.ReleaseSavepoint(ctx, sp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPgConnectionCloseIsNoopWithoutPooledConn(t *testing.T) {
	conn, _ := newMockConnection(t)
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
