package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. Handlers observe it
// through their context; when the deadline has passed and nothing has been
// written yet, the client gets a 504 OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return writeOutcome(c, http.StatusGatewayTimeout, fhir.IssueTypeTimeout,
					"Request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
