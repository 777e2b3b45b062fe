// Package api is the HTTP surface of the execution gate: RFC 7807 problem
// responses, intake middleware and the spell handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/policy"
)

const problemTypeBase = "https://magicrune.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	// Instance is the request path of this occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the request.
	TraceID string `json:"trace_id,omitempty"`
	// Code is the gate error code, when the problem came from the gate.
	Code gate.Code `json:"code,omitempty"`
	// PolicyCode refines policy violations (e.g. capability_exceeded).
	PolicyCode string `json:"policy_code,omitempty"`
	// ExitCode is the exit status the CLI reports for the same failure.
	ExitCode int `json:"exit_code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// gateStatus maps gate codes to HTTP status and title.
var gateStatus = map[gate.Code]struct {
	status int
	title  string
}{
	gate.CodeInputInvalid:    {http.StatusBadRequest, "Invalid Request"},
	gate.CodePolicyViolation: {http.StatusUnprocessableEntity, "Policy Violation"},
	gate.CodeOutputInvalid:   {http.StatusBadGateway, "Invalid Result"},
	gate.CodeTransport:       {http.StatusServiceUnavailable, "Unavailable"},
	gate.CodeInternal:        {http.StatusInternalServerError, "Internal Server Error"},
}

// WriteGateError writes a problem for an error returned by the gate.
// Internal failures are logged and their detail is withheld.
func WriteGateError(w http.ResponseWriter, r *http.Request, err error) {
	code := gate.CodeOf(err)
	m, ok := gateStatus[code]
	if !ok {
		m = gateStatus[gate.CodeInternal]
	}

	detail := err.Error()
	var ge *gate.Error
	if errors.As(err, &ge) {
		detail = ge.Message
		if ge.Cause != nil && code != gate.CodeInternal {
			detail += ": " + ge.Cause.Error()
		}
	}
	if code == gate.CodeInternal {
		slog.Error("internal server error", "error", err, "path", r.URL.Path)
		detail = "An unexpected error occurred. Please try again later."
	}

	writeProblem(w, &ProblemDetail{
		Type:       problemTypeBase + string(code),
		Title:      m.title,
		Status:     m.status,
		Detail:     detail,
		Instance:   r.URL.Path,
		TraceID:    w.Header().Get(RequestIDHeader),
		Code:       code,
		PolicyCode: policy.CodeOf(err),
		ExitCode:   gate.ExitCode(nil, err),
	})
}
