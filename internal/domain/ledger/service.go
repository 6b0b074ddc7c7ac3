package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"txguard/internal/core/apperror"
	"txguard/internal/core/txcoord"
	"txguard/internal/domain/ledger/policy"
	"txguard/internal/domain/ledger/store"
	"txguard/internal/infrastructure/storage/postgres"
	"txguard/pkg/logger"
)

// Service orchestrates wallet transfers over the transaction coordinator.
type Service struct {
	mgr       *txcoord.Manager
	store     *store.Store
	idempo    *postgres.IdempotencyStore
	outbox    *postgres.OutboxPublisher
	auditSvc  *postgres.AuditService
	evaluator *policy.Evaluator
}

// NewService wires a ledger Service from its infrastructure dependencies.
func NewService(mgr *txcoord.Manager, st *store.Store, idempo *postgres.IdempotencyStore, outbox *postgres.OutboxPublisher, auditSvc *postgres.AuditService, evaluator *policy.Evaluator) *Service {
	return &Service{mgr: mgr, store: st, idempo: idempo, outbox: outbox, auditSvc: auditSvc, evaluator: evaluator}
}

// CreateWallet opens a new wallet for owner in a single REQUIRED transaction.
func (s *Service) CreateWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	return txcoord.Execute(ctx, s.mgr, txcoord.DefaultDefinition(), func(ctx context.Context, status *txcoord.Status) (*Wallet, error) {
		wallet := Wallet{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Currency:  currency,
			Balance:   decimal.Zero,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateWallet(ctx, wallet); err != nil {
			return nil, fmt.Errorf("create wallet: %w", err)
		}
		return &wallet, nil
	})
}

// Transfer moves amount from one wallet to another. The whole operation is
// one REQUIRED transaction; each leg (debit, credit) runs as its own
// NESTED savepoint, which is rolled back if that leg fails. A leg failure is
// then returned from the transfer's callback, so the whole transfer rolls
// back; the idempotency record, claimed in its own REQUIRES_NEW
// transaction before the transfer starts, is kept and marked failed. The
// outbox event is written only after both legs succeed. A synchronization listener accumulates
// an audit entry per leg and writes both after the whole transfer commits.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.Amount.Sign() <= 0 {
		return nil, apperror.NewValidation("transfer amount must be positive")
	}

	if req.IdempotencyKey != "" {
		replay, err := s.idempo.AcquireKey(ctx, req.IdempotencyKey, req.InitiatedBy, "ledger.transfer", req.Amount.String())
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return nil, apperror.NewConflict("transfer already processed for this idempotency key")
		}
	}

	transfer, txErr := txcoord.Execute(ctx, s.mgr, txcoord.DefaultDefinition(), func(ctx context.Context, status *txcoord.Status) (*Transfer, error) {
		audit := postgres.NewAuditSync(ctx, s.auditSvc)
		if err := status.RegisterSynchronization(audit); err != nil {
			return nil, fmt.Errorf("register audit listener: %w", err)
		}

		elevated, err := s.evaluator.IsElevated(req.Amount)
		if err != nil {
			return nil, fmt.Errorf("evaluate transfer risk: %w", err)
		}
		legDef := policy.LegDefinition(req.Amount, elevated)

		transferID := uuid.New()
		now := time.Now().UTC()

		debit := Entry{ID: uuid.New(), TransferID: transferID, WalletID: req.FromWalletID, Direction: DirectionDebit, Amount: req.Amount, CreatedAt: now}
		if err := s.applyLeg(ctx, legDef, req.FromWalletID, debit, audit); err != nil {
			return nil, fmt.Errorf("debit leg: %w", err)
		}

		credit := Entry{ID: uuid.New(), TransferID: transferID, WalletID: req.ToWalletID, Direction: DirectionCredit, Amount: req.Amount, CreatedAt: now}
		if err := s.applyLeg(ctx, legDef, req.ToWalletID, credit, audit); err != nil {
			return nil, fmt.Errorf("credit leg: %w", err)
		}

		if err := s.outbox.Publish(ctx, postgres.DomainEvent{
			AggregateType: "Transfer",
			AggregateID:   transferID,
			EventType:     "TransferCompleted",
			Payload: map[string]any{
				"from_wallet": req.FromWalletID,
				"to_wallet":   req.ToWalletID,
				"amount":      req.Amount.String(),
			},
		}); err != nil {
			return nil, fmt.Errorf("publish transfer event: %w", err)
		}

		return &Transfer{ID: transferID, From: debit, To: credit, CreatedAt: now}, nil
	})

	if req.IdempotencyKey != "" {
		s.completeIdempotency(ctx, req.IdempotencyKey, txErr, transfer)
	}

	return transfer, txErr
}

// applyLeg debits or credits wallet inside its own NESTED savepoint and
// stages the matching audit entry.
func (s *Service) applyLeg(ctx context.Context, def txcoord.Definition, walletID uuid.UUID, entry Entry, audit *postgres.AuditSync) error {
	return txcoord.ExecuteVoid(ctx, s.mgr, def, func(ctx context.Context, status *txcoord.Status) error {
		wallet, err := s.store.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}

		delta := entry.Amount
		if entry.Direction == DirectionDebit {
			if wallet.Balance.LessThan(entry.Amount) {
				return apperror.NewBusinessRule("INSUFFICIENT_FUNDS", "wallet balance is lower than the requested debit").
					WithDetail("wallet_id", walletID).
					WithDetail("balance", wallet.Balance.String()).
					WithDetail("requested", entry.Amount.String())
			}
			delta = entry.Amount.Neg()
		}

		if err := s.store.AdjustBalance(ctx, walletID, delta); err != nil {
			return err
		}
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			return err
		}

		audit.Add("Wallet", walletID, postgres.AuditActionUpdate, "", map[string]any{
			"direction": string(entry.Direction),
			"amount":    entry.Amount.String(),
		})
		return nil
	})
}

func (s *Service) completeIdempotency(ctx context.Context, key string, txErr error, transfer *Transfer) {
	if txErr != nil {
		if err := s.idempo.FailKey(ctx, key, 422, "application/json", map[string]string{"error": txErr.Error()}); err != nil {
			logger.Error(ctx, "failed to mark idempotency key as failed", "error", err, "key", key)
		}
		return
	}
	if err := s.idempo.CompleteKey(ctx, key, 200, "application/json", transfer); err != nil {
		logger.Error(ctx, "failed to mark idempotency key as complete", "error", err, "key", key)
	}
}
