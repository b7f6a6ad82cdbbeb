// Package gatterr defines the structured error taxonomy that public
// operations in this module return (spec §4.6), following the sentinel +
// typed-error pattern of the teacher's internal/device.ConnectionError and
// internal/device.NotFoundError.
package gatterr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error uniformly across backends.
type Kind string

const (
	NotSupported      Kind = "not_supported"
	NotConnected      Kind = "not_connected"
	DeviceNotFound    Kind = "device_not_found"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	BluetoothOff      Kind = "bluetooth_off"
	PermissionDenied  Kind = "permission_denied"
	Ambiguous         Kind = "ambiguous"
	AttributeNotFound Kind = "attribute_not_found"
	InvalidArgument   Kind = "invalid_argument"
	ATTError          Kind = "att_error"
	PairingFailed     Kind = "pairing_failed"
	BackendError      Kind = "backend_error"
)

// Error is the structured error type returned by attribute lookups, GATT
// operations and connection management in this module (spec §4.6). Two
// failures are reported as plain, uncategorized errors instead: malformed
// input to uuid.Normalize, and a second Start/ScanStart on a Scanner or
// backend that is already scanning.
type Error struct {
	Kind Kind
	// Resource/UUIDs describe what was being looked up, for
	// AttributeNotFound/Ambiguous (mirrors NotFoundError.Resource/UUIDs).
	Resource string
	UUIDs    []string
	// ATTCode is populated when Kind == ATTError.
	ATTCode uint8
	// Platform/Code/Message are populated when Kind == BackendError.
	Platform string
	Code     int
	Message  string
	// Err is an optional wrapped underlying cause.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case AttributeNotFound, Ambiguous:
		return e.attrMessage()
	case ATTError:
		return fmt.Sprintf("att error: code=0x%02x", e.ATTCode)
	case BackendError:
		return fmt.Sprintf("backend error [%s]: code=%d: %s", e.Platform, e.Code, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
}

func (e *Error) attrMessage() string {
	verb := "not found"
	if e.Kind == Ambiguous {
		verb = "is ambiguous"
	}
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s %s", e.Resource, verb)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q %s", e.Resource, e.UUIDs[0], verb)
	}
	parent := "service"
	if e.Resource == "descriptor" {
		parent = "characteristic"
	}
	return fmt.Sprintf("%s %q %s in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], verb, parent, e.UUIDs[0])
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is compares two *Error values by Kind (and, for attribute lookups, by
// Resource), following ConnectionError.Is in the teacher's device package.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if t.Resource != "" && e.Resource != t.Resource {
		return false
	}
	return true
}

// New builds a bare Error of the given kind with a free-form message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NotFound builds an AttributeNotFound error for resource ("service",
// "characteristic", "descriptor") identified by uuids, the outermost being
// the one actually missing and any earlier ones its ancestry.
func NotFound(resource string, uuids ...string) *Error {
	return &Error{Kind: AttributeNotFound, Resource: resource, UUIDs: uuids}
}

// AmbiguousLookup builds an Ambiguous error: uuid matched more than one
// attribute of the given resource kind and the caller did not disambiguate
// by handle.
func AmbiguousLookup(resource, uuid string) *Error {
	return &Error{Kind: Ambiguous, Resource: resource, UUIDs: []string{uuid}}
}

// FromATT wraps a raw ATT protocol error code (spec §4.6 ATTError{code}).
func FromATT(code uint8) *Error {
	return &Error{Kind: ATTError, ATTCode: code}
}

// FromBackend wraps an opaque OS/backend error into a structured code,
// satisfying the Backend Trait requirement (§4.5) that backends never
// surface opaque strings.
func FromBackend(platform string, code int, message string) *Error {
	return &Error{Kind: BackendError, Platform: platform, Code: code, Message: message}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for common kinds with no further detail, for convenient
// errors.Is comparisons at call sites.
var (
	ErrNotConnected     = &Error{Kind: NotConnected}
	ErrCancelled        = &Error{Kind: Cancelled}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrBluetoothOff     = &Error{Kind: BluetoothOff}
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrNotSupported     = &Error{Kind: NotSupported}
	ErrDeviceNotFound   = &Error{Kind: DeviceNotFound}
	ErrInvalidArgument  = &Error{Kind: InvalidArgument}
	ErrPairingFailed    = &Error{Kind: PairingFailed}
)
