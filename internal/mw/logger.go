package mw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-ID"

// Logger logs each request with zerolog, tags it with a request id and records
// request metrics.
func Logger(component string) gin.HandlerFunc {
	logger := log.WithComponent(component)
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())

		ev := logger.Info()
		if status >= 500 {
			ev = logger.Error()
		} else if status >= 400 {
			ev = logger.Warn()
		}
		ev.Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", elapsed).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
