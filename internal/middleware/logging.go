package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apirelay/apirelay/internal/observability"
)

// AccessLogConfig configures the access log middleware.
type AccessLogConfig struct {
	Logger    observability.Logger
	SkipPaths []string
}

// AccessLog logs every completed request, leveled by response status.
func AccessLog(logger observability.Logger) gin.HandlerFunc {
	return AccessLogWithConfig(AccessLogConfig{Logger: logger})
}

// AccessLogWithConfig returns an access log middleware with custom
// configuration.
func AccessLogWithConfig(cfg AccessLogConfig) gin.HandlerFunc {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("requestID", GetRequestID(c)),
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.String("query", c.Request.URL.RawQuery),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("clientIP", c.ClientIP()),
			observability.Int("bodySize", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			cfg.Logger.Error("request completed", fields...)
		case status >= 400:
			cfg.Logger.Warn("request completed", fields...)
		default:
			cfg.Logger.Info("request completed", fields...)
		}
	}
}
