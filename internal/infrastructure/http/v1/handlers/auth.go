package handlers

import (
	"github.com/gin-gonic/gin"

	"txguard/internal/domain/auth"
	"txguard/internal/infrastructure/http/v1/dto"
)

// AuthHandler issues access tokens for the ledger API.
type AuthHandler struct {
	*BaseHandler
	jwt *auth.JWTService
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(base *BaseHandler, jwt *auth.JWTService) *AuthHandler {
	return &AuthHandler{BaseHandler: base, jwt: jwt}
}

// IssueToken handles POST /auth/token. There is no user/password store in
// this service: callers are trusted service clients authenticated by
// whatever sits in front of this endpoint (an API gateway, mTLS), and this
// just mints the token carrying their declared identity and roles.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req dto.IssueTokenRequest
	if !h.BindJSON(c, &req) {
		return
	}

	token, expiresAt, err := h.jwt.GenerateAccessToken(req.UserID, req.Email, req.Roles)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.TokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}
