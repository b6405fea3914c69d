package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/observability"
)

// Recovery turns panics into 500 responses instead of dropped
// connections.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.Any("error", err),
					observability.String("requestID", GetRequestID(c)),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("stack", string(debug.Stack())),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, dispatch.ErrorBody{
					Error:     dispatch.CodeInternal,
					Message:   "internal error",
					Timestamp: time.Now().UTC(),
					Path:      c.Request.URL.Path,
				})
			}
		}()

		c.Next()
	}
}
