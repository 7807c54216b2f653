package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/dermal/dermal/internal/platform/fhir"
)

func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.FHIRContentType)
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
