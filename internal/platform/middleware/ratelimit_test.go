package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
)

func rateLimitedServer(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(RateLimit(cfg))
	e.GET("/fhir/Patient", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func doFrom(e *echo.Echo, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if rec := doFrom(e, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	doFrom(e, "10.0.0.1")
	doFrom(e, "10.0.0.1")
	rec := doFrom(e, "10.0.0.1")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	issue := outcome["issue"].([]interface{})[0].(map[string]interface{})
	if issue["code"] != fhir.IssueTypeThrottled {
		t.Errorf("expected throttled issue, got %v", issue["code"])
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if rec := doFrom(e, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doFrom(e, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same client, got %d", rec.Code)
	}
	if rec := doFrom(e, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket for another client, got %d", rec.Code)
	}
}

func TestRateLimit_KeysBySubject(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("auth_subject", c.Request().Header.Get("X-Test-Subject"))
			return next(c)
		}
	})
	e.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}))
	e.GET("/fhir/Patient", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func(sub string) int {
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set("X-Test-Subject", sub)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("alice"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Fatalf("expected a separate bucket per subject behind one IP, got %d", code)
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}

func TestRateLimit_ZeroConfigUsesDefaults(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{})
	rec := doFrom(e, "10.0.0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected default limit 100, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}
