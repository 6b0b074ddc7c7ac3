package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"txguard/internal/core/txcoord"
	"txguard/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            uuid.UUID    `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   uuid.UUID    `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// DomainEvent represents an event to be published via outbox.
type DomainEvent struct {
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       any
}

// OutboxPublisher writes events to the outbox table. Publish must run
// inside an existing transaction (PropagationMandatory-shaped usage): the
// row it inserts only survives if the caller's own unit of work commits,
// which is the entire point of the transactional-outbox pattern.
type OutboxPublisher struct {
	source *Source
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(source *Source) *OutboxPublisher {
	return &OutboxPublisher{source: source}
}

// Publish writes an event to the outbox within the current transaction.
func (p *OutboxPublisher) Publish(ctx context.Context, event DomainEvent) error {
	q, release, err := AwareQuerier(ctx, p.source)
	if err != nil {
		return err
	}
	defer release(ctx)

	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), event.AggregateType, event.AggregateID, event.EventType, payloadBytes, OutboxStatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// PublishBatch writes multiple events to the outbox in one round trip.
func (p *OutboxPublisher) PublishBatch(ctx context.Context, events []DomainEvent) error {
	q, release, err := AwareQuerier(ctx, p.source)
	if err != nil {
		return err
	}
	defer release(ctx)

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, event := range events {
		payloadBytes, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		batch.Queue(`
			INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), event.AggregateType, event.AggregateID, event.EventType, payloadBytes, OutboxStatusPending, now)
	}

	br, ok := q.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		for _, event := range events {
			if err := p.Publish(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}

	results := br.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert outbox message: %w", err)
		}
	}
	return nil
}

// OutboxRelay reads and processes messages from the outbox. Used by the
// background worker to publish events to a message broker.
type OutboxRelay struct {
	source    *Source
	mgr       *txcoord.Manager
	batchSize int
	handler   OutboxHandler
}

// OutboxHandler processes outbox messages.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// LogOutboxHandler logs every message instead of forwarding it to a real
// broker. Useful as the relay's handler until one is wired in.
type LogOutboxHandler struct{}

func (LogOutboxHandler) Handle(ctx context.Context, msg *OutboxMessage) error {
	logger.Info(ctx, "outbox message relayed",
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"event_type", msg.EventType,
	)
	return nil
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(source *Source, mgr *txcoord.Manager, batchSize int, handler OutboxHandler) *OutboxRelay {
	return &OutboxRelay{source: source, mgr: mgr, batchSize: batchSize, handler: handler}
}

// maxSerializationRetries bounds how many times ProcessBatch retries a
// whole batch after a serialization or deadlock conflict, before giving up
// and surfacing the error to the poll loop.
const maxSerializationRetries = 3

// ProcessBatch fetches and processes pending messages, returning how many
// were processed. It runs in its own REQUIRED transaction: the FOR UPDATE
// SKIP LOCKED claim below only keeps competing relay instances off the same
// rows for as long as the claiming transaction stays open, so this must not
// run on an auto-committed connection.
//
// A serialization failure here (two relay instances racing despite SKIP
// LOCKED, or a conflict against a concurrent ledger write) is retried
// immediately rather than parked with the per-message backoff that
// processMessage uses for handler failures: the conflict is with the
// relay's own claim, not with the downstream handler.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		n, err := txcoord.Execute(ctx, r.mgr, txcoord.DefaultDefinition(), func(ctx context.Context, status *txcoord.Status) (int, error) {
			return r.processBatch(ctx)
		})
		if err == nil {
			return n, nil
		}
		if !IsSerializationFailure(err) {
			return n, err
		}
		lastErr = err
		logger.Warn(ctx, "outbox batch hit serialization conflict, retrying",
			"attempt", attempt+1, "error", err)
	}
	return 0, lastErr
}

func (r *OutboxRelay) processBatch(ctx context.Context) (int, error) {
	q, release, err := AwareQuerier(ctx, r.source)
	if err != nil {
		return 0, err
	}
	defer release(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
		       retry_count, last_error, next_retry_at, created_at, published_at
		FROM sys_outbox
		WHERE status = $1
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, OutboxStatusPending, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox messages: %w", err)
	}

	var messages []*OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(
			&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &msg.Status, &msg.RetryCount, &msg.LastError,
			&msg.NextRetryAt, &msg.CreatedAt, &msg.PublishedAt,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox message: %w", err)
		}
		messages = append(messages, &msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox messages: %w", err)
	}

	processed := 0
	for _, msg := range messages {
		if err := r.processMessage(ctx, q, msg); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

func (r *OutboxRelay) processMessage(ctx context.Context, q Querier, msg *OutboxMessage) error {
	if err := r.handler.Handle(ctx, msg); err != nil {
		nextRetry := time.Now().Add(time.Duration(msg.RetryCount+1) * time.Minute)
		errStr := err.Error()
		_, updateErr := q.Exec(ctx, `
			UPDATE sys_outbox
			SET retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    status = CASE WHEN retry_count >= 5 THEN $3 ELSE status END
			WHERE id = $4
		`, errStr, nextRetry, OutboxStatusFailed, msg.ID)
		if updateErr != nil {
			return fmt.Errorf("update failed message: %w", updateErr)
		}
		return err
	}

	now := time.Now().UTC()
	_, err := q.Exec(ctx, `
		UPDATE sys_outbox SET status = $1, published_at = $2 WHERE id = $3
	`, OutboxStatusPublished, now, msg.ID)
	return err
}

// MoveToDLQ moves exhausted-retry messages to the dead letter table.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	q, release, err := AwareQuerier(ctx, r.source)
	if err != nil {
		return 0, err
	}
	defer release(ctx)

	tag, err := q.Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1 AND retry_count >= 5
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() as failed_at, last_error as failure_reason FROM moved
	`, OutboxStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return tag.RowsAffected(), nil
}
