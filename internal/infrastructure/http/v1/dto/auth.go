package dto

import "time"

// IssueTokenRequest requests an access token for a trusted client identity.
type IssueTokenRequest struct {
	UserID string   `json:"userId" binding:"required"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
