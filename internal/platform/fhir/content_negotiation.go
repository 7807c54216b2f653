package fhir

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// ContentNegotiationMiddleware accepts JSON only. The _format query
// parameter wins over the Accept header; XML and unknown formats get 406.
func ContentNegotiationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if format := c.QueryParam("_format"); format != "" {
				if !isJSONFormat(format) {
					return writeJSON(c, http.StatusNotAcceptable,
						ErrorOutcome("Unsupported _format value: "+format+". Use application/fhir+json."))
				}
				return next(c)
			}

			if accept := c.Request().Header.Get("Accept"); accept != "" && !negotiateAccept(accept) {
				return writeJSON(c, http.StatusNotAcceptable,
					ErrorOutcome("Accept header does not include a supported FHIR content type. Use application/fhir+json."))
			}
			return next(c)
		}
	}
}

// normalizeFormat lowercases and restores the "+" that query decoding turns
// into a space.
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	return strings.ReplaceAll(f, "fhir json", "fhir+json")
}

func isJSONFormat(format string) bool {
	switch normalizeFormat(format) {
	case "json", "application/json", "application/fhir+json":
		return true
	}
	return false
}

// negotiateAccept reports whether any media type in an Accept header is
// JSON-compatible.
func negotiateAccept(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mediaType) {
		case "application/fhir+json", "application/json", "json", "*/*", "application/*":
			return true
		}
	}
	return false
}

// writeJSON writes v as indented FHIR JSON unless the request carries
// _pretty=false.
func writeJSON(c echo.Context, status int, v interface{}) error {
	var (
		body []byte
		err  error
	)
	if c.QueryParam("_pretty") == "false" {
		body, err = json.Marshal(v)
	} else {
		body, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	return c.Blob(status, FHIRContentType, body)
}
