// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"txguard/internal/core/apperror"
	"txguard/internal/core/txcoord"
)

// IdempotencyStatus represents the state of an idempotent operation.
type IdempotencyStatus string

const (
	IdempotencyStatusPending IdempotencyStatus = "pending"
	IdempotencyStatusSuccess IdempotencyStatus = "success"
	IdempotencyStatusFailed  IdempotencyStatus = "failed"
)

// IdempotencyRecord stores the result of an idempotent operation.
type IdempotencyRecord struct {
	Key         string            `db:"idempotency_key"`
	UserID      string            `db:"user_id"`
	Operation   string            `db:"operation"`
	Status      IdempotencyStatus `db:"status"`
	RequestHash string            `db:"request_hash"`
	Response    []byte            `db:"response"`
	StatusCode  int               `db:"response_status"`
	ContentType string            `db:"response_content_type"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
	ExpiresAt   time.Time         `db:"expires_at"`
}

// IdempotencyReplay is the cached HTTP response for replay.
type IdempotencyReplay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyStore manages idempotency keys. AcquireKey, CompleteKey and
// FailKey each run in their own REQUIRES_NEW transaction (CleanupExpired
// runs on whatever connection the context resolves to): an idempotency key must be
// visible and durable independently of whatever the caller's own unit of
// work ultimately does: it runs under REQUIRES_NEW, so it commits
// regardless of the caller's outcome.
type IdempotencyStore struct {
	source *Source
	mgr    *txcoord.Manager
	ttl    time.Duration
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(source *Source, mgr *txcoord.Manager, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{source: source, mgr: mgr, ttl: ttl}
}

func (s *IdempotencyStore) requiresNew() txcoord.Definition {
	return txcoord.Definition{Propagation: txcoord.PropagationRequiresNew, Name: "idempotency"}
}

// AcquireKey attempts to acquire an idempotency key.
// Returns:
//   - (nil, nil) if key acquired successfully
//   - (cachedResponse, nil) if operation already completed (success or failed)
//   - (nil, error) if key is locked by another request
func (s *IdempotencyStore) AcquireKey(ctx context.Context, key, userID, operation, requestHash string) (*IdempotencyReplay, error) {
	return txcoord.Execute(ctx, s.mgr, s.requiresNew(), func(ctx context.Context, status *txcoord.Status) (*IdempotencyReplay, error) {
		q, release, err := AwareQuerier(ctx, s.source)
		if err != nil {
			return nil, err
		}
		defer release(ctx)

		// Truncated to the microsecond precision of timestamptz, so that
		// the RETURNING created_at of a fresh insert compares equal below.
		now := time.Now().UTC().Truncate(time.Microsecond)
		expiresAt := now.Add(s.ttl)

		var record IdempotencyRecord
		err = q.QueryRow(ctx, `
			INSERT INTO sys_idempotency (idempotency_key, user_id, operation, status, request_hash, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
			ON CONFLICT (idempotency_key) DO UPDATE SET
				updated_at = sys_idempotency.updated_at
			RETURNING idempotency_key, user_id, operation, status, request_hash, response, response_status, response_content_type, created_at, updated_at, expires_at
		`, key, userID, operation, IdempotencyStatusPending, requestHash, now, expiresAt).Scan(
			&record.Key, &record.UserID, &record.Operation, &record.Status,
			&record.RequestHash, &record.Response, &record.StatusCode, &record.ContentType,
			&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("acquire idempotency key: %w", err)
		}

		if record.CreatedAt.Equal(now) {
			return nil, nil
		}

		if record.UserID != userID || record.Operation != operation || record.RequestHash != requestHash {
			return nil, apperror.NewIdempotencyMismatch(key).
				WithDetail("stored_user_id", record.UserID).
				WithDetail("request_user_id", userID)
		}

		switch record.Status {
		case IdempotencyStatusSuccess, IdempotencyStatusFailed:
			return &IdempotencyReplay{
				StatusCode:  normalizeReplayStatus(record.StatusCode),
				ContentType: normalizeReplayContentType(record.ContentType),
				Body:        record.Response,
			}, nil
		case IdempotencyStatusPending:
			if time.Since(record.UpdatedAt) > time.Minute {
				if _, err := q.Exec(ctx, `
					UPDATE sys_idempotency SET status = $1, updated_at = $2
					WHERE idempotency_key = $3 AND status = $4
				`, IdempotencyStatusPending, now, key, IdempotencyStatusPending); err != nil {
					return nil, fmt.Errorf("reclaim stale key: %w", err)
				}
				return nil, nil
			}
			return nil, apperror.NewIdempotencyConflict(key)
		}
		return nil, nil
	})
}

// CompleteKey marks an idempotency key as completed with HTTP response.
func (s *IdempotencyStore) CompleteKey(ctx context.Context, key string, statusCode int, contentType string, response any) error {
	return s.finishKey(ctx, key, IdempotencyStatusSuccess, statusCode, contentType, response)
}

// FailKey marks an idempotency key as failed with HTTP response.
func (s *IdempotencyStore) FailKey(ctx context.Context, key string, statusCode int, contentType string, response any) error {
	return s.finishKey(ctx, key, IdempotencyStatusFailed, statusCode, contentType, response)
}

func (s *IdempotencyStore) finishKey(ctx context.Context, key string, status IdempotencyStatus, statusCode int, contentType string, response any) error {
	return txcoord.ExecuteVoid(ctx, s.mgr, s.requiresNew(), func(ctx context.Context, _ *txcoord.Status) error {
		var responseBytes []byte
		if response != nil {
			b, err := json.Marshal(response)
			if err != nil {
				responseBytes, _ = json.Marshal(map[string]string{"error": err.Error()})
			} else {
				responseBytes = b
			}
		}

		q, release, err := AwareQuerier(ctx, s.source)
		if err != nil {
			return err
		}
		defer release(ctx)

		_, err = q.Exec(ctx, `
			UPDATE sys_idempotency
			SET status = $1, response = $2, response_status = $3, response_content_type = $4, updated_at = $5
			WHERE idempotency_key = $6
		`, status, responseBytes, statusCode, contentType, time.Now().UTC(), key)
		return err
	})
}

// CleanupExpired removes expired idempotency records.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	q, release, err := AwareQuerier(ctx, s.source)
	if err != nil {
		return 0, err
	}
	defer release(ctx)

	tag, err := q.Exec(ctx, `DELETE FROM sys_idempotency WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func normalizeReplayStatus(status int) int {
	if status == 0 {
		return 200
	}
	return status
}

func normalizeReplayContentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}
