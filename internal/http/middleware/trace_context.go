package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// AttachTraceContext opens the request scope. The trace id prefers the caller's header, then the
// otelgin span, then a fresh uuid.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := ctxutil.Scope{
			RequestID: firstNonEmpty(c.GetHeader(headerRequestID), uuid.NewString()),
			TraceID:   strings.TrimSpace(c.GetHeader(headerTraceID)),
		}
		if scope.TraceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				scope.TraceID = sc.TraceID().String()
			} else {
				scope.TraceID = uuid.NewString()
			}
		}
		c.Request = c.Request.WithContext(ctxutil.With(c.Request.Context(), scope))
		c.Writer.Header().Set(headerTraceID, scope.TraceID)
		c.Writer.Header().Set(headerRequestID, scope.RequestID)
		c.Next()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
