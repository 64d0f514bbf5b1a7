package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ae-signal-engine/internal/metrics"
)

// Metrics records request counters and latencies per route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		done := metrics.InFlight()
		defer done()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
