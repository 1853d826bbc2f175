package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// RequestLogger writes one line per request after it is served, at a level chosen by the status.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := append([]interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}, ctxutil.LogFields(c.Request.Context())...)
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("request served", fields...)
		case status >= 400:
			log.Warn("request served", fields...)
		default:
			log.Debug("request served", fields...)
		}
	}
}
