package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func negotiate(t *testing.T, target, accept string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := ContentNegotiationMiddleware()(func(c echo.Context) error {
		called = true
		return writeJSON(c, http.StatusOK, map[string]string{"resourceType": "Patient"})
	})
	if err := handler(c); err != nil {
		t.Fatal(err)
	}
	return rec, called
}

func TestContentNegotiation(t *testing.T) {
	tests := []struct {
		name   string
		target string
		accept string
		want   int
	}{
		{"no format no accept", "/fhir/Patient", "", http.StatusOK},
		{"format json", "/fhir/Patient?_format=json", "", http.StatusOK},
		{"format fhir json decoded plus", "/fhir/Patient?_format=application/fhir+json", "", http.StatusOK},
		{"format xml", "/fhir/Patient?_format=xml", "", http.StatusNotAcceptable},
		{"format unknown", "/fhir/Patient?_format=turtle", "", http.StatusNotAcceptable},
		{"accept fhir json", "/fhir/Patient", "application/fhir+json", http.StatusOK},
		{"accept wildcard", "/fhir/Patient", "text/html, */*;q=0.8", http.StatusOK},
		{"accept xml", "/fhir/Patient", "application/fhir+xml", http.StatusNotAcceptable},
		{"format beats accept", "/fhir/Patient?_format=json", "application/fhir+xml", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, called := negotiate(t, tt.target, tt.accept)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("next handler called = %v", called)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); ct != FHIRContentType {
				t.Errorf("expected %q, got %q", FHIRContentType, ct)
			}
		})
	}
}
