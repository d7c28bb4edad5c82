package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/pkg/metrics"
)

// MetricsMiddleware records count, latency and body size for every
// request against its matched route. Probe endpoints are skipped so
// scraping /metrics does not move the numbers it reports.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/metrics" || path == "/health" {
			c.Next()
			return
		}

		// Label by route pattern, not raw path, or every job ID mints a
		// fresh label pair.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if c.Request.ContentLength > 0 {
			metrics.HTTPRequestBytes.Observe(float64(c.Request.ContentLength))
		}

		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		start := time.Now()
		c.Next()

		metrics.RecordHTTPRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
