package policy

import (
	"errors"
	"fmt"
)

// Error codes reported by parsing, compilation, resolution and request checks.
const (
	CodeSchemaInvalid      = "schema_invalid"
	CodeVersionUnsupported = "version_unsupported"
	CodeThresholdGap       = "threshold_gap"
	CodeThresholdOverlap   = "threshold_overlap"
	CodeThresholdSyntax    = "threshold_syntax"
	CodeMatcherInvalid     = "matcher_invalid"
	CodeSignalInvalid      = "signal_invalid"
	CodeUnresolved         = "unresolved"
	CodeCapabilityExceeded = "capability_exceeded"
)

// Error is a policy failure. Execution never starts when one is returned.
type Error struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("policy %s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("policy %s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code, field, format string, args ...interface{}) *Error {
	return &Error{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the policy error code carried by err, or "".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
