package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	
	appctx "txguard/internal/core/context"
	"txguard/internal/core/apperror"
	"txguard/internal/infrastructure/storage/postgres"
)

// HeaderIdempotencyKey is the client-supplied key that scopes a replay
// check to one logical attempt of a mutating request.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// maxIdempotencyBodyBytes bounds how much of a request body this middleware
// will hash; larger bodies skip idempotency rather than buffer unbounded
// memory per in-flight request.
const maxIdempotencyBodyBytes = 1 << 20 // 1 MiB

var idempotentMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Idempotency guards mutating endpoints against duplicate delivery: a
// client that retries a request with the same X-Idempotency-Key gets back
// the exact response the first attempt produced, without re-running the
// handler. The key is claimed here in the store's own
// PropagationRequiresNew transaction (see postgres.IdempotencyStore) so the
// claim survives even if the handler's own transfer later rolls back.
func Idempotency(store *postgres.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !idempotentMethods[c.Request.Method] {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		requestHash, ok := hashAndRestoreBody(c)
		if !ok {
			return // error response already written
		}

		userID := ""
		if user := appctx.GetUser(c.Request.Context()); user != nil {
			userID = user.UserID
		}
		operation := c.Request.Method + " " + c.FullPath()

		replay, err := store.AcquireKey(c.Request.Context(), key, userID, operation, requestHash)
		if err != nil {
			if appErr, ok := apperror.AsAppError(err); ok {
				_ = c.Error(appErr)
			} else {
				_ = c.Error(apperror.NewInternal(err).WithDetail("component", "idempotency"))
			}
			c.Abort()
			return
		}
		if replay != nil {
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		c.Set("idempotency_key", key)
		c.Set("idempotency_store", store)
		c.Next()
	}
}

// hashAndRestoreBody reads and hashes the request body, then rewinds it so
// the handler downstream still sees the full body. Returns false if it
// already wrote an error response (body too large).
func hashAndRestoreBody(c *gin.Context) (string, bool) {
	limited := io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1)
	body, _ := io.ReadAll(limited)
	if len(body) > maxIdempotencyBodyBytes {
		appErr := apperror.NewValidation("request body too large for idempotency")
		appErr.HTTPStatus = http.StatusRequestEntityTooLarge
		_ = c.Error(appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
		c.Abort()
		return "", false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:]), true
}
