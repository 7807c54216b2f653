package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
)

// writeOutcome answers with a single-issue OperationOutcome unless the
// response has already been committed.
func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	if c.Response().Committed {
		return nil
	}
	c.Response().Header().Set(echo.HeaderContentType, fhir.FHIRContentType)
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
