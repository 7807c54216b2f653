package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers a JSON-only API should always
// send. Responses are never cached by intermediaries; clients revalidate
// with ETag / If-None-Match instead.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			// Browsers must not sniff a JSON body into HTML or script.
			h.Set("X-Content-Type-Options", "nosniff")

			// No page of this API is meant to be framed.
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// Request URLs carry search values such as patient names.
			h.Set("Referrer-Policy", "no-referrer")

			// Bodies may hold PHI and must not sit in shared caches.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
