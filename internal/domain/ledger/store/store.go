// Package store is the ledger's repository layer: squirrel builds the SQL,
// scany scans the rows, and every statement runs against whatever
// connection the transaction-aware source facade hands back for the
// call's context, so this package never special-cases "inside or outside a
// transaction."
package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"txguard/internal/domain/ledger"
	"txguard/internal/infrastructure/storage/postgres"
)

var ErrNotFound = errors.New("ledger: not found")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the ledger's repository, backed by the shared postgres Source.
type Store struct {
	source *postgres.Source
}

// New creates a Store over source.
func New(source *postgres.Source) *Store {
	return &Store{source: source}
}

// CreateWallet inserts a new wallet with a zero starting balance.
func (s *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) error {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return err
	}
	defer release(ctx)

	sql, args, err := psql.Insert("ledger_wallets").
		Columns("id", "owner_id", "currency", "balance", "version", "created_at", "updated_at").
		Values(wallet.ID, wallet.OwnerID, wallet.Currency, wallet.Balance, 0, wallet.CreatedAt, wallet.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build wallet insert: %w", err)
	}

	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// WalletByID loads a wallet without taking a row lock.
func (s *Store) WalletByID(ctx context.Context, id uuid.UUID) (*ledger.Wallet, error) {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return nil, err
	}
	defer release(ctx)

	sql, args, err := psql.Select("id", "owner_id", "currency", "balance", "version", "created_at", "updated_at").
		From("ledger_wallets").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build wallet query: %w", err)
	}

	var wallet ledger.Wallet
	if err := pgxscan.Get(ctx, q.(pgxscan.Querier), &wallet, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load wallet %s: %w", id, err)
	}
	return &wallet, nil
}

// WalletForUpdate loads a wallet row-locked against concurrent transfers.
// It must run inside an active transaction: the lock is released on
// commit/rollback of whichever transaction holds the connection it runs on.
func (s *Store) WalletForUpdate(ctx context.Context, id uuid.UUID) (*ledger.Wallet, error) {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return nil, err
	}
	defer release(ctx)

	sql, args, err := psql.Select("id", "owner_id", "currency", "balance", "version", "created_at", "updated_at").
		From("ledger_wallets").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build wallet query: %w", err)
	}

	var wallet ledger.Wallet
	if err := pgxscan.Get(ctx, q.(pgxscan.Querier), &wallet, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load wallet %s: %w", id, err)
	}
	return &wallet, nil
}

// AdjustBalance applies delta to a wallet's balance and bumps its optimistic
// version counter, failing with ErrNotFound if the wallet no longer exists.
func (s *Store) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return err
	}
	defer release(ctx)

	sql, args, err := psql.Update("ledger_wallets").
		Set("balance", sq.Expr("balance + ?", delta.String())).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build balance update: %w", err)
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("adjust balance for wallet %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertEntry records one leg of a transfer.
func (s *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return err
	}
	defer release(ctx)

	sql, args, err := psql.Insert("ledger_entries").
		Columns("id", "transfer_id", "wallet_id", "direction", "amount", "created_at").
		Values(entry.ID, entry.TransferID, entry.WalletID, entry.Direction, entry.Amount, entry.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build entry insert: %w", err)
	}

	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// TransferEntries loads both legs of a completed transfer.
func (s *Store) TransferEntries(ctx context.Context, transferID uuid.UUID) ([]ledger.Entry, error) {
	q, release, err := postgres.AwareQuerier(ctx, s.source)
	if err != nil {
		return nil, err
	}
	defer release(ctx)

	sql, args, err := psql.Select("id", "transfer_id", "wallet_id", "direction", "amount", "created_at").
		From("ledger_entries").
		Where(sq.Eq{"transfer_id": transferID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build entries query: %w", err)
	}

	var entries []ledger.Entry
	if err := pgxscan.Select(ctx, q.(pgxscan.Querier), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("load transfer entries: %w", err)
	}
	return entries, nil
}
