package middleware

import (
	"strconv"

	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records request counts and latency per route. Scrapes of the
// metrics endpoint itself are not counted.
func Metrics(skip ...string) gin.HandlerFunc {
	ignored := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		ignored[p] = struct{}{}
	}

	return func(c *gin.Context) {
		route := routeOf(c)
		if _, ok := ignored[route]; ok {
			c.Next()
			return
		}

		method := c.Request.Method
		timer := prometheus.NewTimer(telemetry.HTTPRequestDuration.WithLabelValues(method, route))
		c.Next()
		timer.ObserveDuration()

		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
