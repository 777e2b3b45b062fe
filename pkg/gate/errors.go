package gate

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// Code is the stable class of a structured gate failure.
type Code string

const (
	CodeInputInvalid    Code = "input_invalid"
	CodeOutputInvalid   Code = "output_invalid"
	CodePolicyViolation Code = "policy_violation"
	CodeTransport       Code = "transport"
	CodeInternal        Code = "internal"
)

// Exit statuses of the direct invocation surface.
const (
	ExitGreen           = 0
	ExitInputInvalid    = 1
	ExitOutputInvalid   = 2
	ExitPolicyViolation = 3
	ExitInternal        = 4
	ExitYellow          = 10
	ExitRed             = 20
)

// Error is a failure at or above the pipeline boundary. Payload misbehavior
// is never an Error; it is part of the result.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransport
}

func newError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the gate code of err. Errors that are not *Error are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// ExitCode maps a result or error to the process exit status.
func ExitCode(res *spell.Result, err error) int {
	if err != nil {
		switch CodeOf(err) {
		case CodeInputInvalid:
			return ExitInputInvalid
		case CodeOutputInvalid:
			return ExitOutputInvalid
		case CodePolicyViolation:
			return ExitPolicyViolation
		default:
			return ExitInternal
		}
	}
	if res == nil {
		return ExitInternal
	}
	switch res.Verdict {
	case spell.VerdictGreen:
		return ExitGreen
	case spell.VerdictYellow:
		return ExitYellow
	case spell.VerdictRed:
		return ExitRed
	default:
		return ExitOutputInvalid
	}
}
