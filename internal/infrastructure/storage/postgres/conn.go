package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txguard/internal/core/txcoord"
)

// Source adapts a Pool into txcoord.ConnectionSource. Its pointer identity
// is the per-context binding key, so a Manager built over
// one *Source is independent of a Manager built over another, even against
// the same underlying pool.
type Source struct {
	pool *pgxpool.Pool
}

// NewSource wraps pool for use as a txcoord.ConnectionSource.
func NewSource(pool *Pool) *Source {
	return &Source{pool: pool.Pool}
}

// Acquire implements txcoord.ConnectionSource.
func (s *Source) Acquire(ctx context.Context) (txcoord.Connection, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapPgError(err)
	}
	return &pgConnection{pooled: conn, querier: conn.Conn(), isolation: txcoord.IsolationDefault}, nil
}

// pgConnection implements txcoord.Connection over a pooled pgx connection.
// It tracks session-level autocommit/isolation/read-only state itself:
// Postgres has no driver-level "autocommit" flag, so the manager's
// configuration sequence (readOnly, isolation, autoCommit, in that order)
// is mapped onto SET SESSION CHARACTERISTICS statements that take effect
// for the BEGIN issued when autocommit is turned off.
type pgConnection struct {
	pooled  *pgxpool.Conn // nil for a connection built directly over a Querier in tests
	querier Querier

	autoCommit bool // starts true: no BEGIN issued yet
	isolation  txcoord.Isolation
	readOnly   bool

	inTx bool
}

func (c *pgConnection) raw() Querier { return c.querier }

func (c *pgConnection) GetAutoCommit(ctx context.Context) (bool, error) {
	return !c.inTx, nil
}

func (c *pgConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if !autoCommit {
		if c.inTx {
			return nil
		}
		if _, err := c.raw().Exec(ctx, "BEGIN"); err != nil {
			return wrapPgError(err)
		}
		c.inTx = true
		return nil
	}
	// Turning autocommit back on with no open statement boundary of our own
	// is a no-op: Commit/Rollback already closed the transaction block.
	c.inTx = false
	return nil
}

func (c *pgConnection) GetTransactionIsolation(ctx context.Context) (txcoord.Isolation, error) {
	return c.isolation, nil
}

func (c *pgConnection) SetTransactionIsolation(ctx context.Context, level txcoord.Isolation) error {
	stmt := "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL " + level.String()
	if level == txcoord.IsolationDefault {
		c.isolation = level
		return nil
	}
	if _, err := c.raw().Exec(ctx, stmt); err != nil {
		return wrapPgError(err)
	}
	c.isolation = level
	return nil
}

func (c *pgConnection) SetReadOnly(ctx context.Context, readOnly bool) error {
	mode := "READ WRITE"
	if readOnly {
		mode = "READ ONLY"
	}
	if _, err := c.raw().Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION "+mode); err != nil {
		return wrapPgError(err)
	}
	c.readOnly = readOnly
	return nil
}

func (c *pgConnection) Exec(ctx context.Context, sql string) error {
	_, err := c.raw().Exec(ctx, sql)
	return wrapPgError(err)
}

func (c *pgConnection) Commit(ctx context.Context) error {
	_, err := c.raw().Exec(ctx, "COMMIT")
	c.inTx = false
	return wrapPgError(err)
}

func (c *pgConnection) Rollback(ctx context.Context) error {
	_, err := c.raw().Exec(ctx, "ROLLBACK")
	c.inTx = false
	return wrapPgError(err)
}

func (c *pgConnection) SupportsSavepoints(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *pgConnection) SetSavepoint(ctx context.Context, name string) (txcoord.Savepoint, error) {
	if _, err := c.raw().Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, wrapPgError(err)
	}
	return pgSavepoint(name), nil
}

func (c *pgConnection) RollbackToSavepoint(ctx context.Context, sp txcoord.Savepoint) error {
	_, err := c.raw().Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp.Name())
	return wrapPgError(err)
}

func (c *pgConnection) ReleaseSavepoint(ctx context.Context, sp txcoord.Savepoint) error {
	_, err := c.raw().Exec(ctx, "RELEASE SAVEPOINT "+sp.Name())
	return wrapPgError(err)
}

func (c *pgConnection) Close(ctx context.Context) error {
	if c.pooled != nil {
		c.pooled.Release()
	}
	return nil
}

type pgSavepoint string

func (s pgSavepoint) Name() string { return string(s) }

// pgError wraps a driver error and exposes its SQLSTATE class to
// txcoord.SQLStateClassifier, without the core package ever importing pgx.
type pgError struct {
	cause   error
	sqlstate string
}

func wrapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &pgError{cause: err, sqlstate: pgErr.Code}
	}
	return &pgError{cause: err}
}

func (e *pgError) Error() string {
	if e.sqlstate != "" {
		return fmt.Sprintf("postgres: %s (%s)", e.cause, e.sqlstate)
	}
	return fmt.Sprintf("postgres: %s", e.cause)
}

func (e *pgError) Unwrap() error { return e.cause }

func (e *pgError) SQLState() string { return e.sqlstate }

// IsSerializationFailure reports whether err is a Postgres serialization or
// deadlock conflict (SQLSTATE 40001/40P01), the case application code
// usually wants to retry.
func IsSerializationFailure(err error) bool {
	var pe *pgError
	if errors.As(err, &pe) && pe.sqlstate != "" {
		return pe.sqlstate == pgerrcode.SerializationFailure || pe.sqlstate == pgerrcode.DeadlockDetected
	}
	var raw *pgconn.PgError
	if errors.As(err, &raw) {
		return raw.Code == pgerrcode.SerializationFailure || raw.Code == pgerrcode.DeadlockDetected
	}
	return false
}
