package resource

import (
	"errors"
	"fmt"
)

// Kind classifies an error surfaced by the server core.
type Kind int

const (
	KindInternal Kind = iota
	KindUnknownResourceType
	KindUnsupportedOperation
	KindNotFound
	KindConflict
	KindCursorExpired
	KindInvalidSearchParameter
	KindBackendUnavailable
	KindDuplicateRegistration
	KindInvalid
)

var kindNames = map[Kind]string{
	KindInternal:               "Internal",
	KindUnknownResourceType:    "UnknownResourceType",
	KindUnsupportedOperation:   "UnsupportedOperation",
	KindNotFound:               "NotFound",
	KindConflict:               "Conflict",
	KindCursorExpired:          "CursorExpired",
	KindInvalidSearchParameter: "InvalidSearchParameter",
	KindBackendUnavailable:     "BackendUnavailable",
	KindDuplicateRegistration:  "DuplicateRegistration",
	KindInvalid:                "Invalid",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by the registry, the dispatcher, handlers
// and storage backends.
type Error struct {
	Kind         Kind
	ResourceType string
	ID           string
	Msg          string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so the sentinels
// below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUnknownResourceType    = &Error{Kind: KindUnknownResourceType}
	ErrUnsupportedOperation   = &Error{Kind: KindUnsupportedOperation}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrCursorExpired          = &Error{Kind: KindCursorExpired}
	ErrInvalidSearchParameter = &Error{Kind: KindInvalidSearchParameter}
	ErrBackendUnavailable     = &Error{Kind: KindBackendUnavailable}
	ErrDuplicateRegistration  = &Error{Kind: KindDuplicateRegistration}
	ErrInvalid                = &Error{Kind: KindInvalid}
)

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func UnknownResourceType(name string) error {
	return &Error{Kind: KindUnknownResourceType, ResourceType: name,
		Msg: fmt.Sprintf("resource type %q is not supported", name)}
}

func UnsupportedOperation(resourceType string, i Interaction) error {
	return &Error{Kind: KindUnsupportedOperation, ResourceType: resourceType,
		Msg: fmt.Sprintf("%s does not support %s", resourceType, i)}
}

func NotFound(resourceType, id string) error {
	return &Error{Kind: KindNotFound, ResourceType: resourceType, ID: id,
		Msg: resourceType + "/" + id + " not found"}
}

func VersionNotFound(resourceType, id string, version int) error {
	return &Error{Kind: KindNotFound, ResourceType: resourceType, ID: id,
		Msg: fmt.Sprintf("%s/%s/_history/%d not found", resourceType, id, version)}
}

func Conflict(resourceType, id string, expected, current int) error {
	return &Error{Kind: KindConflict, ResourceType: resourceType, ID: id,
		Msg: fmt.Sprintf("version conflict: expected version %d but %s/%s is at version %d", expected, resourceType, id, current)}
}

// CursorExpired never includes the cursor token in its message.
func CursorExpired() error {
	return &Error{Kind: KindCursorExpired, Msg: "search cursor is unknown or has expired"}
}

func InvalidSearchParameter(resourceType, name, reason string) error {
	return &Error{Kind: KindInvalidSearchParameter, ResourceType: resourceType,
		Msg: fmt.Sprintf("%s: search parameter %q %s", resourceType, name, reason)}
}

func BackendUnavailable(err error) error {
	return &Error{Kind: KindBackendUnavailable, Msg: "storage backend unavailable", Err: err}
}

func DuplicateRegistration(name string) error {
	return &Error{Kind: KindDuplicateRegistration, ResourceType: name,
		Msg: fmt.Sprintf("resource type %q is already registered", name)}
}

func Invalid(resourceType, msg string) error {
	return &Error{Kind: KindInvalid, ResourceType: resourceType, Msg: msg}
}

func AlreadyExists(resourceType, id string) error {
	return &Error{Kind: KindConflict, ResourceType: resourceType, ID: id,
		Msg: resourceType + "/" + id + " already exists"}
}
