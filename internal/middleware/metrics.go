package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"forward-proxy/internal/metrics"
)

// AdminMetrics returns an Echo middleware that records Prometheus metrics
// for each admin request.
func AdminMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			// A returned *echo.HTTPError has not been written yet; the central
			// error handler writes it after this middleware returns.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			route := metrics.NormalizeRoute(c.Path())
			if statusCode == http.StatusNotFound {
				route = "other"
			}
			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				route,
			}

			m.AdminRequestsTotal.WithLabelValues(labels...).Inc()
			m.AdminRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
