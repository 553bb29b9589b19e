package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
)

// DefaultRequestTimeout bounds a request when no timeout is configured
const DefaultRequestTimeout = 30 * time.Second

// Timeout replaces the request context with one that ends after timeout.
// Handlers see the deadline through c.Request.Context().
func Timeout(timeout time.Duration, m *metrics.Metrics) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if m != nil {
				m.RecordTimeout(c.Request.Method, c.FullPath())
			}
			logger.FromContext(ctx).Warn("Request timed out",
				zap.Duration("timeout", timeout),
				zap.Duration("duration", time.Since(start)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			)
		}
	}
}
