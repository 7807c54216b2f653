package fhir

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// maxSearchBody bounds the form body of a POST _search.
const maxSearchBody = 1 << 20

// SearchPostMiddleware folds the form body of a POST search into the query
// string so GET /Type?params and POST /Type/_search share one handler. Body
// parameters follow the URL parameters, keeping their order.
func SearchPostMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost || req.Body == nil {
				return next(c)
			}
			if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				return next(c)
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, maxSearchBody))
			if err != nil {
				return writeJSON(c, http.StatusBadRequest, ErrorOutcome("unable to read search body: "+err.Error()))
			}
			form := strings.TrimSpace(string(body))
			if form != "" {
				if req.URL.RawQuery == "" {
					req.URL.RawQuery = form
				} else {
					req.URL.RawQuery += "&" + form
				}
			}
			return next(c)
		}
	}
}
