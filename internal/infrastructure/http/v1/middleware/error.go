package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appctx "txguard/internal/core/context"
	"txguard/internal/core/apperror"
	"txguard/internal/infrastructure/storage/postgres"
	"txguard/pkg/logger"
)

// ErrorHandler turns the last error a handler attached via c.Error into a
// single JSON response, translating an *apperror.AppError into its declared
// status/code and collapsing everything else into an opaque 500 so driver
// and SQL details never reach a client. If the failed request carried an
// idempotency key, the response recorded here is also the one replayed on
// retry, so idempotency.go's FailKey runs with the exact same body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		ctx := c.Request.Context()

		appErr, ok := apperror.AsAppError(err)
		if !ok {
			logger.Error(ctx, "unhandled error", "error", err)
			appErr = apperror.NewInternal(err)
		} else if appErr.Err != nil {
			logger.Error(ctx, "request error", "code", appErr.Code, "cause", appErr.Err)
		}

		body := gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		}
		if appErr.Code == apperror.CodeInternal && appErr.Details == nil {
			body["details"] = map[string]any{"request_id": appctx.GetRequestID(ctx)}
		}

		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		failIdempotencyKey(c, status, body)
		c.JSON(status, body)
	}
}

// failIdempotencyKey best-effort records a failed response against the
// request's idempotency key, if Idempotency middleware claimed one, so a
// client retry with the same key replays this exact response instead of
// re-running the handler.
func failIdempotencyKey(c *gin.Context, status int, body gin.H) {
	key, exists := c.Get("idempotency_key")
	if !exists {
		return
	}
	store, ok := c.Get("idempotency_store")
	if !ok {
		return
	}
	s, ok := store.(*postgres.IdempotencyStore)
	if !ok || s == nil {
		return
	}
	_ = s.FailKey(c.Request.Context(), key.(string), status, "application/json", body)
}
