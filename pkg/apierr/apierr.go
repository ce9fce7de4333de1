// Package apierr implements the §7 error taxonomy as a typed kind plus an
// RFC 7807 Problem Detail HTTP encoding, following the reference codebase's
// ProblemDetail/WriteXxx convention in pkg/api.
package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind enumerates the §7 error taxonomy. These are kinds, not Go type names:
// every Error carries exactly one Kind and a stable machine-readable Code.
type Kind string

const (
	InvalidRequest       Kind = "invalid_request"
	IdempotencyConflict  Kind = "idempotency_conflict"
	LockContended        Kind = "lock_contended"
	LockTimeout          Kind = "lock_timeout"
	TokenInvalid         Kind = "token_invalid"
	TokenBindingMismatch Kind = "token_binding_mismatch"
	DependencyUnavailable Kind = "dependency_unavailable"
	InvariantViolation   Kind = "invariant_violation"
	Throttled            Kind = "throttled"
)

// httpStatus maps each kind to its HTTP-class per §7. LockContended,
// LockTimeout, and DependencyUnavailable never reach here directly — callers
// in the decision engine convert them to FAIL_SAFE_* decisions instead of
// propagating a raw error (§7 "Propagation"). They are mapped here only so
// any package that does surface one (e.g. a non-gate admin endpoint) fails
// safely rather than defaulting to 200.
var httpStatus = map[Kind]int{
	InvalidRequest:        http.StatusUnprocessableEntity,
	IdempotencyConflict:   http.StatusConflict,
	LockContended:         http.StatusConflict,
	LockTimeout:           http.StatusGatewayTimeout,
	TokenInvalid:          http.StatusUnauthorized,
	TokenBindingMismatch:  http.StatusForbidden,
	DependencyUnavailable: http.StatusServiceUnavailable,
	InvariantViolation:    http.StatusInternalServerError,
	Throttled:             http.StatusTooManyRequests,
}

// Error is the typed error carried across package boundaries. Code is a
// stable machine-readable string (e.g. "token_already_consumed",
// "over_plan_ceiling") distinct from Kind, which only classifies the error.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed error.
func New(kind Kind, code, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

// Wrap constructs a typed error that also carries the underlying cause.
func Wrap(kind Kind, code, detail string, err error) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail, Err: err}
}

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// WriteError writes an *Error as an RFC 7807 Problem Detail response.
// Invariant violations are logged with full context and never have their
// internal detail exposed verbatim to the caller.
func WriteError(w http.ResponseWriter, r *http.Request, err *Error) {
	status, ok := httpStatus[err.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	detail := err.Detail
	if err.Kind == InvariantViolation {
		slog.Error("invariant violation", "code", err.Code, "detail", err.Detail, "cause", err.Err)
		detail = "an internal invariant was violated; the request was not applied"
	}

	p := &ProblemDetail{
		Type:     fmt.Sprintf("https://valdrix.io/errors/%s", err.Kind),
		Title:    string(err.Kind),
		Status:   status,
		Detail:   detail,
		Code:     err.Code,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteTooManyRequests writes a 429 response carrying Retry-After, used by
// the global/per-tenant throttle (§4.L).
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int, reason string) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, New(Throttled, "rate_limited", reason))
}

// WriteInternal writes a 500 response for an untyped error, logging the
// cause but never exposing it to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, Wrap(InvariantViolation, "internal_error", "an unexpected error occurred", err))
}
