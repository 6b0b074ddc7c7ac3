// Package middleware provides HTTP middleware components.
package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	appctx "txguard/internal/core/context"
	"txguard/internal/core/apperror"
	"txguard/pkg/logger"
)

// Recovery turns a panic anywhere downstream into a 500 response instead of
// killing the connection. A panic that happens while a handler is holding a
// txcoord.Status leaves that Status abandoned in its deferred Execute
// cleanup (the rollback still runs; the panic unwinds past it), so the only
// thing this middleware owns is shielding the client and the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			if isBrokenPipe(recovered) {
				logger.Warn(c.Request.Context(), "client disconnected mid-request", "error", recovered)
				c.Abort()
				return
			}

			logger.Error(c.Request.Context(), "panic recovered",
				"error", recovered,
				"stack", string(debug.Stack()),
			)
			appErr := apperror.NewInternal(fmt.Errorf("panic: %v", recovered)).
				WithDetail("request_id", appctx.GetRequestID(c.Request.Context()))
			_ = c.Error(appErr)
			// ErrorHandler sits inside this middleware and was unwound by the
			// panic, so the 500 body is written here.
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			})
		}()
		c.Next()
	}
}

// isBrokenPipe reports whether recovered came from a client closing the
// connection mid-write, the one panic cause a handler can't be blamed for.
func isBrokenPipe(recovered any) bool {
	err, ok := recovered.(error)
	if !ok {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if se, ok := netErr.Err.(*os.SyscallError); ok {
			return strings.Contains(strings.ToLower(se.Error()), "broken pipe") ||
				strings.Contains(strings.ToLower(se.Error()), "connection reset by peer") ||
				errors.Is(se.Err, syscall.EPIPE) ||
				errors.Is(se.Err, syscall.ECONNRESET)
		}
	}
	return false
}
