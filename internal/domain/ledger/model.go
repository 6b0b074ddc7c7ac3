// Package ledger implements wallet balances and money transfers, the
// reference domain that exercises txcoord end to end.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds a single currency balance for one owner.
type Wallet struct {
	ID        uuid.UUID       `db:"id"`
	OwnerID   string          `db:"owner_id"`
	Currency  string          `db:"currency"`
	Balance   decimal.Decimal `db:"balance"`
	Version   int64           `db:"version"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// EntryDirection is the side of a ledger entry.
type EntryDirection string

const (
	DirectionDebit  EntryDirection = "debit"
	DirectionCredit EntryDirection = "credit"
)

// Entry is one posting against a wallet, part of a double-entry Transfer.
type Entry struct {
	ID         uuid.UUID       `db:"id"`
	TransferID uuid.UUID       `db:"transfer_id"`
	WalletID   uuid.UUID       `db:"wallet_id"`
	Direction  EntryDirection  `db:"direction"`
	Amount     decimal.Decimal `db:"amount"`
	CreatedAt  time.Time       `db:"created_at"`
}

// RiskTier classifies a transfer for the propagation policy (policy.go):
// larger transfers demand a stricter isolation level.
type RiskTier string

const (
	RiskStandard RiskTier = "standard"
	RiskElevated RiskTier = "elevated"
)

// TransferRequest is the input to Service.Transfer.
type TransferRequest struct {
	IdempotencyKey string
	FromWalletID   uuid.UUID
	ToWalletID     uuid.UUID
	Amount         decimal.Decimal
	InitiatedBy    string
}

// Transfer is the completed record of a money movement between two
// wallets, expressed as two Entry postings sharing a TransferID.
type Transfer struct {
	ID        uuid.UUID
	From      Entry
	To        Entry
	CreatedAt time.Time
}
