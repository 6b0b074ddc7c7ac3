package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	appctx "txguard/internal/core/context"
	"txguard/pkg/logger"
)

// slowRequestThreshold is the latency above which Logger escalates an
// otherwise-successful request from info to warn.
const slowRequestThreshold = 2 * time.Second

// Logger records one structured log line per HTTP request, tagged with the
// request ID Trace() attached to the context so the line can be correlated
// with the txcoord spans the handler's transaction opened.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(started)
		status := c.Writer.Status()
		ctx := c.Request.Context()

		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", appctx.GetRequestID(ctx),
		}
		if failed := c.Errors.ByType(gin.ErrorTypePrivate).String(); failed != "" {
			fields = append(fields, "error", failed)
		}

		entry := log.WithContext(ctx)
		switch {
		case status >= 500:
			entry.Errorw("http request", fields...)
		case status >= 400 || latency > slowRequestThreshold:
			entry.Warnw("http request", fields...)
		default:
			entry.Infow("http request", fields...)
		}
	}
}
