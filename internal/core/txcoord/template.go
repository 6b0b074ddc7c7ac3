package txcoord

import (
	"context"
	"errors"
)

// Execute is the template executor: it begins a transaction per def,
// invokes fn, and commits or rolls back based on the outcome — including
// any rollback-only flag fn set on the Status. It never swallows fn's
// error: whatever fn (or the commit/rollback path) returns is what the
// caller sees.
func Execute[T any](ctx context.Context, mgr *Manager, def Definition, fn func(ctx context.Context, status *Status) (T, error)) (T, error) {
	var zero T

	txCtx, status, err := mgr.Begin(ctx, def)
	if err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			if !status.IsCompleted() {
				_ = mgr.Rollback(txCtx, status)
			}
			panic(r)
		}
	}()

	result, err := fn(txCtx, status)
	if err != nil {
		if !IsTransactionError(err) {
			status.SetRollbackOnly()
		}
		if rbErr := mgr.Rollback(txCtx, status); rbErr != nil {
			return zero, errors.Join(err, rbErr)
		}
		return zero, err
	}

	if cErr := mgr.Commit(txCtx, status); cErr != nil {
		return zero, cErr
	}
	return result, nil
}

// ExecuteVoid is Execute for callbacks with no return value.
func ExecuteVoid(ctx context.Context, mgr *Manager, def Definition, fn func(ctx context.Context, status *Status) error) error {
	_, err := Execute(ctx, mgr, def, func(ctx context.Context, status *Status) (struct{}, error) {
		return struct{}{}, fn(ctx, status)
	})
	return err
}
