package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	appctx "txguard/internal/core/context"
)

const (
	// HeaderRequestID identifies one inbound HTTP call, end to end.
	HeaderRequestID = "X-Request-ID"
	// HeaderTraceID identifies the distributed trace a request belongs to,
	// shared across services when a caller propagates it.
	HeaderTraceID = "X-Trace-ID"
)

// Trace stamps every request with a request/trace/span identity before any
// handler runs, so every txcoord span and every log line for the request
// can be correlated back to it. If the request arrived with an active
// OpenTelemetry span already attached (e.g. via an upstream propagator),
// that span's trace and span IDs take precedence over the X-Trace-ID header
// so the two tracing surfaces never disagree about which trace a request
// belongs to.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := firstNonEmpty(c.GetHeader(HeaderRequestID), uuid.New().String())

		tc := appctx.NewTraceContext()
		tc.RequestID = requestID

		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			tc.TraceID = sc.TraceID().String()
			tc.SpanID = sc.SpanID().String()
		} else if headerTraceID := c.GetHeader(HeaderTraceID); headerTraceID != "" {
			tc.TraceID = headerTraceID
		}

		ctx := appctx.WithTrace(c.Request.Context(), tc)
		c.Request = c.Request.WithContext(ctx)

		c.Set("trace_id", tc.TraceID)
		c.Set("request_id", tc.RequestID)

		c.Header(HeaderRequestID, tc.RequestID)
		c.Header(HeaderTraceID, tc.TraceID)

		c.Next()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
