package txcoord

import "context"

// AcquireAware implements the transaction-aware source facade: if a
// transaction is active for source on ctx, it hands back the
// bound connection with the holder's reference count bumped, and a release
// func that only decrements it again. Otherwise it falls through to a fresh
// acquisition from source, and release closes the real connection. Callers
// (typically a repository layer) use the same Connection either way and
// must call release instead of Connection.Close directly.
func AcquireAware(ctx context.Context, source ConnectionSource) (conn Connection, release func(context.Context) error, err error) {
	if state := stateFromContext(ctx); state != nil {
		if holder, ok := state.holderFor(source); ok && holder != nil && holder.isTransactionActive() {
			if _, terr := holder.remainingTime(); terr != nil {
				return nil, nil, terr
			}
			holder.addReference()
			return holder.conn, func(context.Context) error {
				holder.release()
				return nil
			}, nil
		}
	}

	conn, err = source.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}
