package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: infrastructure endpoints and the
// CapabilityStatement, which clients fetch before they hold a token.
var publicPaths = map[string]bool{
	"/health":        true,
	"/metrics":       true,
	"/fhir/metadata": true,
}

// Skipper reports whether the request should bypass authentication.
// CORS preflights are always let through.
func Skipper(c echo.Context) bool {
	if c.Request().Method == "OPTIONS" {
		return true
	}
	return IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	return publicPaths[strings.TrimRight(path, "/")]
}
