package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"txguard/internal/core/txcoord"
)

// Querier is the subset of *pgx.Conn that repository code needs. It is
// satisfied directly by the connection underlying either a bound
// transaction or a freshly acquired one, so repositories never care which
// they got.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AwareQuerier is the postgres-flavored entry point to the transaction-aware
// source facade: it resolves to the connection bound to ctx's current
// transaction for source if one is active, or a fresh one
// otherwise, and returns it as a plain Querier plus a release func that
// must be called when the caller is done (mirroring Connection.Close for
// the unbound case, or just a refcount decrement for the bound one).
func AwareQuerier(ctx context.Context, source *Source) (Querier, func(context.Context) error, error) {
	conn, release, err := txcoord.AcquireAware(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	pc, ok := conn.(*pgConnection)
	if !ok {
		return nil, nil, fmt.Errorf("postgres: unexpected connection type %T", conn)
	}
	return pc.raw(), release, nil
}
