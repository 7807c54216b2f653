package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
)

type contextKey string

const (
	SubjectKey contextKey = "auth_subject"
	ScopesKey  contextKey = "auth_scopes"
)

// Claims are the token claims the server reads. Scopes may arrive either as
// the space-separated OAuth "scope" claim or as a "fhir_scopes" array.
type Claims struct {
	jwt.RegisteredClaims
	Scope      string   `json:"scope,omitempty"`
	FHIRScopes []string `json:"fhir_scopes,omitempty"`
}

// AllScopes merges both scope claims.
func (c *Claims) AllScopes() []string {
	out := append([]string(nil), c.FHIRScopes...)
	return append(out, strings.Fields(c.Scope)...)
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification instead of JWKS.
	SigningKey []byte
	// Skipper bypasses authentication for matching requests.
	Skipper func(echo.Context) bool
	// JWKSCacheTTL defaults to five minutes.
	JWKSCacheTTL time.Duration
}

// Enabled reports whether the config can verify tokens at all.
func (cfg JWTConfig) Enabled() bool {
	return len(cfg.SigningKey) > 0 || cfg.JWKSURL != ""
}

// JWTMiddleware verifies a bearer token and stores its subject and scopes on
// the request context. Failures answer 401 with a login OperationOutcome.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithLeeway(30 * time.Second)}
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		ttl := cfg.JWKSCacheTTL
		if ttl <= 0 {
			ttl = defaultJWKSCacheTTL
		}
		keyFunc = NewJWKSCache(cfg.JWKSURL, ttl).KeyFunc
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return unauthorized(c, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return unauthorized(c, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid {
				return unauthorized(c, "invalid token")
			}

			setIdentity(c, claims.Subject, claims.AllScopes())
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as "dev-user" with
// full access. It is only installed when no verification key is configured.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setIdentity(c, "dev-user", []string{"user/*.*"})
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, subject string, scopes []string) {
	c.Set(string(SubjectKey), subject)
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, SubjectKey, subject)
	ctx = context.WithValue(ctx, ScopesKey, scopes)
	c.SetRequest(c.Request().WithContext(ctx))
}

func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(SubjectKey).(string)
	return sub
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}

func unauthorized(c echo.Context, diagnostics string) error {
	c.Response().Header().Set("WWW-Authenticate", `Bearer realm="fhir"`)
	return writeOutcome(c, http.StatusUnauthorized, fhir.IssueTypeLogin, diagnostics)
}
