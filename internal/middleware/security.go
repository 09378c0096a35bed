package middleware

import (
	"github.com/labstack/echo/v4"
)

// AdminHeaders returns an Echo middleware that marks admin responses as
// non-cacheable and adds basic hardening headers. Status and metrics bodies
// are live data and must never be served from a cache.
func AdminHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderCacheControl, "no-store")
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderXFrameOptions, "DENY")

			return next(c)
		}
	}
}
