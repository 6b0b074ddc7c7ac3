package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"txguard/internal/core/apperror"
	"txguard/internal/domain/ledger"
	"txguard/internal/domain/ledger/store"
	"txguard/internal/infrastructure/http/v1/dto"
	"txguard/internal/infrastructure/http/v1/middleware"
)

// LedgerHandler exposes wallet and transfer operations over HTTP.
type LedgerHandler struct {
	*BaseHandler
	service *ledger.Service
	store   *store.Store
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(base *BaseHandler, service *ledger.Service, st *store.Store) *LedgerHandler {
	return &LedgerHandler{BaseHandler: base, service: service, store: st}
}

// CreateWallet handles POST /wallets.
func (h *LedgerHandler) CreateWallet(c *gin.Context) {
	var req dto.CreateWalletRequest
	if !h.BindJSON(c, &req) {
		return
	}

	wallet, err := h.service.CreateWallet(c.Request.Context(), req.OwnerID, req.Currency)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromWallet(wallet))
}

// GetWallet handles GET /wallets/:id.
func (h *LedgerHandler) GetWallet(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid wallet id"))
		return
	}

	wallet, err := h.store.WalletByID(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			h.Error(c, apperror.NewNotFound("wallet", id))
			return
		}
		h.Error(c, apperror.NewInternal(err))
		return
	}

	h.OK(c, dto.FromWallet(wallet))
}

// Transfer handles POST /transfers. The X-Idempotency-Key header, if
// present, is forwarded to the ledger service so a retried request after a
// dropped response is rejected with a conflict instead of moving funds
// twice; the original result is not replayed.
func (h *LedgerHandler) Transfer(c *gin.Context) {
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}

	idempotencyKey := c.GetHeader(middleware.HeaderIdempotencyKey)
	transferReq, err := req.ToDomain(h.GetUserID(c), idempotencyKey)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid transfer amount"))
		return
	}

	transfer, err := h.service.Transfer(c.Request.Context(), transferReq)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromTransfer(transfer))
}
