// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"txguard/internal/core/txcoord"
	"txguard/pkg/logger"
)

// AuditAction represents the type of audited operation.
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
)

// CompressionAlgo specifies the compression algorithm used.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID                uuid.UUID       `db:"id"`
	EntityType        string          `db:"entity_type"`
	EntityID          uuid.UUID       `db:"entity_id"`
	Action            AuditAction     `db:"action"`
	UserID            string          `db:"user_id"`
	Changes           json.RawMessage `db:"changes"`
	ChangesCompressed []byte          `db:"changes_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

// AuditService writes and reads audit entries.
type AuditService struct {
	source            *Source
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewAuditService creates a new audit service.
func NewAuditService(source *Source) (*AuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &AuditService{source: source, encoder: encoder, decoder: decoder, compressThreshold: 10 * 1024}, nil
}

func (s *AuditService) prepare(entry AuditEntry) AuditEntry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.CompressionAlgo = CompressionNone
	if len(entry.Changes) > s.compressThreshold {
		entry.ChangesCompressed = s.encoder.EncodeAll(entry.Changes, nil)
		entry.Changes = nil
		entry.CompressionAlgo = CompressionZstd
	}
	return entry
}

func (s *AuditService) insert(ctx context.Context, q Querier, entry AuditEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sys_audit (id, entity_type, entity_id, action, user_id, changes, changes_compressed, compression_algo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.UserID,
		entry.Changes, entry.ChangesCompressed, entry.CompressionAlgo, entry.CreatedAt)
	return err
}

// GetEntityHistory retrieves audit history for an entity.
func (s *AuditService) GetEntityHistory(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]AuditEntry, error) {
	q, release, err := AwareQuerier(ctx, s.source)
	if err != nil {
		return nil, err
	}
	defer release(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, entity_type, entity_id, action, user_id, changes, changes_compressed, compression_algo, created_at
		FROM sys_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.UserID,
			&e.Changes, &e.ChangesCompressed, &e.CompressionAlgo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.CompressionAlgo == CompressionZstd && len(e.ChangesCompressed) > 0 {
			decompressed, err := s.decoder.DecodeAll(e.ChangesCompressed, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress changes: %w", err)
			}
			e.Changes = decompressed
			e.ChangesCompressed = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditSync is a txcoord.Synchronization that accumulates audit entries
// over the lifetime of one transaction and writes them all in AfterCommit,
// so the audit trail is only ever written for a transaction that actually
// committed, and dropped entirely on rollback. It closes over the
// transaction's own context, since the Synchronization interface itself
// carries none.
type AuditSync struct {
	ctx     context.Context
	svc     *AuditService
	entries []AuditEntry
}

// NewAuditSync creates a listener bound to txCtx (the context returned by
// the Begin/Execute call it will be registered against).
func NewAuditSync(txCtx context.Context, svc *AuditService) *AuditSync {
	return &AuditSync{ctx: txCtx, svc: svc}
}

// Add stages an entry to be written when the transaction commits.
func (a *AuditSync) Add(entityType string, entityID uuid.UUID, action AuditAction, userID string, changes map[string]any) {
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		logger.Error(a.ctx, "marshal audit changes failed", "error", err)
		return
	}
	a.entries = append(a.entries, a.svc.prepare(AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		UserID:     userID,
		Changes:    changesJSON,
	}))
}

func (a *AuditSync) Suspend() {}
func (a *AuditSync) Resume()  {}
func (a *AuditSync) Flush()   {}

func (a *AuditSync) BeforeCommit(readOnly bool) {}

func (a *AuditSync) BeforeCompletion() {}

// AfterCommit writes every entry staged over the life of the transaction,
// once the business change it describes has actually committed. It fires
// before the holder is released, so it still reuses the same physical
// connection, now outside any transaction block: each insert is its own
// auto-committed statement. A failure here is logged and never turns a
// committed transfer into an error.
func (a *AuditSync) AfterCommit() {
	if len(a.entries) == 0 {
		return
	}
	q, release, err := AwareQuerier(a.ctx, a.svc.source)
	if err != nil {
		logger.Error(a.ctx, "audit sync could not acquire connection", "error", err)
		return
	}
	defer release(a.ctx)

	for _, entry := range a.entries {
		if err := a.svc.insert(a.ctx, q, entry); err != nil {
			logger.Error(a.ctx, "audit insert failed", "error", err, "entity_id", entry.EntityID)
		}
	}
}
func (a *AuditSync) AfterCompletion(status txcoord.CompletionStatus) {
	if status == txcoord.StatusRolledBack {
		a.entries = nil
	}
}

// Diff calculates the difference between old and new entity states.
func Diff(oldState, newState map[string]any) map[string]any {
	changes := make(map[string]any)
	for key, newVal := range newState {
		oldVal, exists := oldState[key]
		if !exists || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes[key] = map[string]any{"old": oldVal, "new": newVal}
		}
	}
	for key, oldVal := range oldState {
		if _, exists := newState[key]; !exists {
			changes[key] = map[string]any{"old": oldVal, "new": nil}
		}
	}
	return changes
}
