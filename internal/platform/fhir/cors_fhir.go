package fhir

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRCORSConfig holds CORS configuration for the FHIR endpoints.
type FHIRCORSConfig struct {
	AllowOrigins     []string
	AllowCredentials bool
	MaxAge           int // in seconds
}

// DefaultFHIRCORSConfig returns the CORS defaults: every origin, no
// credentials, preflight results cached for one hour.
func DefaultFHIRCORSConfig() FHIRCORSConfig {
	return FHIRCORSConfig{
		AllowOrigins:     []string{"*"},
		AllowCredentials: false,
		MaxAge:           3600,
	}
}

// fhirAllowMethods covers the routes RegisterRoutes mounts; there is no
// PATCH or HEAD handler to advertise.
var fhirAllowMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodOptions,
}

// fhirAllowHeaders are the request headers browser clients send to this
// server. Prefer selects the write response body.
var fhirAllowHeaders = []string{
	"Origin",
	"Accept",
	"Prefer",
	"X-Requested-With",
	"Content-Type",
	"Access-Control-Request-Method",
	"Access-Control-Request-Headers",
	// conditional requests and bearer auth
	"Authorization",
	"If-Match",
	"If-None-Match",
}

// fhirExposeHeaders must be listed for browser scripts to read the
// version and location of a written resource.
var fhirExposeHeaders = []string{
	"Location",
	"Content-Location",
	"ETag",
	"Last-Modified",
}

// FHIRCORSMiddleware returns Echo middleware that sets the CORS headers for
// FHIR clients. When called without arguments the DefaultFHIRCORSConfig is
// used. Preflight OPTIONS requests are answered with 204 No Content.
func FHIRCORSMiddleware(config ...FHIRCORSConfig) echo.MiddlewareFunc {
	cfg := DefaultFHIRCORSConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	allowMethods := strings.Join(fhirAllowMethods, ", ")
	allowHeaders := strings.Join(fhirAllowHeaders, ", ")
	exposeHeaders := strings.Join(fhirExposeHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin == "" {
				return next(c)
			}

			h := c.Response().Header()

			allowOrigin := resolveAllowOrigin(cfg.AllowOrigins, origin)
			if allowOrigin == "" {
				return next(c)
			}
			h.Set("Access-Control-Allow-Origin", allowOrigin)
			if allowOrigin != "*" {
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", exposeHeaders)

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", allowMethods)
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", maxAge)
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}

// resolveAllowOrigin returns the value for Access-Control-Allow-Origin, or ""
// when origin is not permitted.
func resolveAllowOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}
