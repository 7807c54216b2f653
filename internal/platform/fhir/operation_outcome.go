package fhir

import (
	"net/http"

	"github.com/dermal/dermal/internal/platform/resource"
)

// OperationOutcome severity levels (FHIR R4).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes (FHIR R4).
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTransient    = "transient"
	IssueTypeExpired      = "expired"
	IssueTypeLogin        = "login"
	IssueTypeForbidden    = "forbidden"
	IssueTypeTimeout      = "timeout"
)

// StatusForError maps an error kind to its HTTP status. ifMatch reports
// whether the expected version came from an If-Match precondition, which
// turns a version conflict into 412.
func StatusForError(err error, ifMatch bool) int {
	switch resource.KindOf(err) {
	case resource.KindUnknownResourceType, resource.KindNotFound:
		return http.StatusNotFound
	case resource.KindUnsupportedOperation:
		return http.StatusMethodNotAllowed
	case resource.KindConflict:
		if ifMatch {
			return http.StatusPreconditionFailed
		}
		return http.StatusConflict
	case resource.KindCursorExpired:
		return http.StatusGone
	case resource.KindInvalidSearchParameter:
		return http.StatusBadRequest
	case resource.KindInvalid:
		return http.StatusUnprocessableEntity
	case resource.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OutcomeForError renders err as an OperationOutcome. Internal errors are
// reported without their message.
func OutcomeForError(err error) *OperationOutcome {
	var code string
	switch resource.KindOf(err) {
	case resource.KindUnknownResourceType, resource.KindUnsupportedOperation:
		code = IssueTypeNotSupported
	case resource.KindNotFound:
		code = IssueTypeNotFound
	case resource.KindConflict:
		code = IssueTypeConflict
	case resource.KindCursorExpired:
		code = IssueTypeExpired
	case resource.KindInvalidSearchParameter, resource.KindInvalid:
		code = IssueTypeInvalid
	case resource.KindBackendUnavailable:
		code = IssueTypeTransient
	default:
		return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, "internal server error")
	}
	return NewOperationOutcome(IssueSeverityError, code, err.Error())
}

// InformationOutcome reports a successful operation that has no resource to
// return.
func InformationOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, "informational", diagnostics)
}
