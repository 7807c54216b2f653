package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
	"github.com/dermal/dermal/internal/platform/resource"
)

// Scope is a parsed SMART resource scope such as "user/Patient.read" or
// "patient/Observation.rs".
type Scope struct {
	Context      string // patient, user or system
	ResourceType string // a type name or "*"
	// Permissions holds the granted SMART v2 letters (c r u d s). v1 "read"
	// maps to "rs", "write" to "cud", "*" to all five.
	Permissions string
}

// ParseScope parses a single resource scope. Non-resource scopes such as
// "openid" or "launch" are an error.
func ParseScope(raw string) (Scope, error) {
	slash := strings.Index(raw, "/")
	if slash < 0 {
		return Scope{}, fmt.Errorf("not a resource scope: %s", raw)
	}
	ctx, rest := raw[:slash], raw[slash+1:]
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return Scope{}, fmt.Errorf("invalid scope context %q", ctx)
	}
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	rt, op := rest[:dot], rest[dot+1:]
	if i := strings.IndexByte(op, '?'); i >= 0 {
		op = op[:i]
	}

	var perms string
	switch op {
	case "read":
		perms = "rs"
	case "write":
		perms = "cud"
	case "*":
		perms = "cruds"
	default:
		if op == "" || strings.Trim(op, "cruds") != "" {
			return Scope{}, fmt.Errorf("invalid scope operation %q", op)
		}
		perms = op
	}
	return Scope{Context: ctx, ResourceType: rt, Permissions: perms}, nil
}

// ParseScopes keeps the valid resource scopes and skips the rest.
func ParseScopes(raw []string) []Scope {
	var out []Scope
	for _, s := range raw {
		if sc, err := ParseScope(s); err == nil {
			out = append(out, sc)
		}
	}
	return out
}

// permission maps an interaction to its SMART v2 letter.
func permission(i resource.Interaction) byte {
	switch i {
	case resource.InteractionCreate:
		return 'c'
	case resource.InteractionUpdate:
		return 'u'
	case resource.InteractionDelete:
		return 'd'
	case resource.InteractionSearch:
		return 's'
	default:
		return 'r'
	}
}

// Allows reports whether any scope grants interaction on resourceType.
// patient/ scopes grant the same access as user/ ones; results are not
// restricted to the patient's compartment.
func Allows(scopes []Scope, resourceType string, interaction resource.Interaction) bool {
	p := permission(interaction)
	for _, s := range scopes {
		if s.ResourceType != "*" && s.ResourceType != resourceType {
			continue
		}
		if strings.IndexByte(s.Permissions, p) >= 0 {
			return true
		}
	}
	return false
}

// InteractionFor maps a request on a /:type route to the interaction it
// performs. A form-encoded POST to the type endpoint is a search.
func InteractionFor(c echo.Context) resource.Interaction {
	req := c.Request()
	switch req.Method {
	case http.MethodPost:
		if strings.HasSuffix(c.Path(), "/_search") ||
			strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
			return resource.InteractionSearch
		}
		return resource.InteractionCreate
	case http.MethodPut:
		return resource.InteractionUpdate
	case http.MethodDelete:
		return resource.InteractionDelete
	}
	if c.Param("id") == "" {
		return resource.InteractionSearch
	}
	if c.Param("vid") != "" {
		return resource.InteractionVRead
	}
	if strings.HasSuffix(c.Path(), "/_history") {
		return resource.InteractionHistoryInstance
	}
	return resource.InteractionRead
}

// ScopeMiddleware enforces SMART scopes on routes carrying a :type param.
// System-level routes (metadata, page fetch) are left to the handlers.
func ScopeMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rt := c.Param("type")
			if rt == "" || c.Request().Method == http.MethodOptions {
				return next(c)
			}
			interaction := InteractionFor(c)
			if !Allows(ParseScopes(ScopesFromContext(c.Request().Context())), rt, interaction) {
				return writeOutcome(c, http.StatusForbidden, fhir.IssueTypeForbidden,
					fmt.Sprintf("insufficient scope for %s %s", interaction, rt))
			}
			return next(c)
		}
	}
}
