// Package dto provides data transfer objects for the ledger HTTP API.
package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"txguard/internal/domain/ledger"
)

// CreateWalletRequest opens a new wallet.
type CreateWalletRequest struct {
	OwnerID  string `json:"ownerId" binding:"required"`
	Currency string `json:"currency" binding:"required,len=3"`
}

// WalletResponse is the wire representation of a Wallet.
type WalletResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// FromWallet maps a domain Wallet to its wire representation.
func FromWallet(w *ledger.Wallet) WalletResponse {
	return WalletResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Currency:  w.Currency,
		Balance:   w.Balance.String(),
		Version:   w.Version,
		CreatedAt: w.CreatedAt,
	}
}

// TransferRequest moves funds between two wallets.
type TransferRequest struct {
	FromWalletID uuid.UUID `json:"fromWalletId" binding:"required"`
	ToWalletID   uuid.UUID `json:"toWalletId" binding:"required"`
	Amount       string    `json:"amount" binding:"required"`
}

// ToDomain converts the wire request to the domain TransferRequest, parsing
// Amount as a decimal and stamping initiatedBy/idempotencyKey from the
// authenticated caller and request header respectively.
func (r *TransferRequest) ToDomain(initiatedBy, idempotencyKey string) (ledger.TransferRequest, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return ledger.TransferRequest{}, err
	}
	return ledger.TransferRequest{
		IdempotencyKey: idempotencyKey,
		FromWalletID:   r.FromWalletID,
		ToWalletID:     r.ToWalletID,
		Amount:         amount,
		InitiatedBy:    initiatedBy,
	}, nil
}

// EntryResponse is the wire representation of an Entry.
type EntryResponse struct {
	ID         uuid.UUID `json:"id"`
	TransferID uuid.UUID `json:"transferId"`
	WalletID   uuid.UUID `json:"walletId"`
	Direction  string    `json:"direction"`
	Amount     string    `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}

func fromEntry(e ledger.Entry) EntryResponse {
	return EntryResponse{
		ID:         e.ID,
		TransferID: e.TransferID,
		WalletID:   e.WalletID,
		Direction:  string(e.Direction),
		Amount:     e.Amount.String(),
		CreatedAt:  e.CreatedAt,
	}
}

// TransferResponse is the wire representation of a completed Transfer.
type TransferResponse struct {
	ID        uuid.UUID     `json:"id"`
	From      EntryResponse `json:"from"`
	To        EntryResponse `json:"to"`
	CreatedAt time.Time     `json:"createdAt"`
}

// FromTransfer maps a domain Transfer to its wire representation.
func FromTransfer(t *ledger.Transfer) TransferResponse {
	return TransferResponse{
		ID:        t.ID,
		From:      fromEntry(t.From),
		To:        fromEntry(t.To),
		CreatedAt: t.CreatedAt,
	}
}
