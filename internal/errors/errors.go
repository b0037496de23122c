package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a gateway fault. Every error surfaced by the pipeline
// carries exactly one kind; the session layer maps kinds to wire responses
// and the observability sink labels events with them.
type Kind string

const (
	KindParse        Kind = "parse"         // malformed or oversized wire input
	KindNoRoute      Kind = "no_route"      // no route matched the exchange
	KindPolicyReject Kind = "policy_reject" // a policy stage denied the exchange
	KindUpstream     Kind = "upstream"      // backend dial/response/stream failure
	KindConfig       Kind = "config"        // configuration failed validation
	KindInternal     Kind = "internal"      // unexpected gateway-side failure
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Code       int      `json:"code"`
	Kind       Kind     `json:"kind"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
	Violations []string `json:"violations,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(e.JSON())
}

// JSON returns the error's serialized form. Base singletons reuse their
// pre-serialized bytes; callers must not mutate the result.
func (e *GatewayError) JSON() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	b, _ := json.Marshal(e)
	return append(b, '\n')
}

// Common errors
var (
	ErrParse = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    KindParse,
		Message: "Malformed Request",
	}

	ErrBodyTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Kind:    KindParse,
		Message: "Request Entity Too Large",
	}

	ErrNoRoute = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    KindNoRoute,
		Message: "No Route",
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Kind:    KindNoRoute,
		Message: "Method Not Allowed",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    KindPolicyReject,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    KindPolicyReject,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    KindPolicyReject,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstream,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindUpstream,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstream,
		Message: "Gateway Timeout",
	}

	ErrConfigInvalid = &GatewayError{
		Code:    http.StatusUnprocessableEntity,
		Kind:    KindConfig,
		Message: "Configuration Invalid",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrParse, ErrBodyTooLarge, ErrNoRoute, ErrMethodNotAllowed,
		ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
		ErrConfigInvalid, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// Reject builds a policy rejection with the given status and reason.
func Reject(status int, reason string) *GatewayError {
	return &GatewayError{
		Code:    status,
		Kind:    KindPolicyReject,
		Message: "Request Rejected",
		Details: reason,
	}
}

// ConfigValidation builds a configuration error carrying every violation
// found, so the control plane sees the full list in a single rejection.
func ConfigValidation(violations []string) *GatewayError {
	return &GatewayError{
		Code:       http.StatusUnprocessableEntity,
		Kind:       KindConfig,
		Message:    "Configuration Invalid",
		Violations: violations,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		Violations: e.Violations,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		Violations: e.Violations,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}

// FromError coerces err into a GatewayError, wrapping unknown errors as
// internal faults so no raw error text ever reaches a client.
func FromError(err error) *GatewayError {
	if ge, ok := IsGatewayError(err); ok {
		return ge
	}
	return &GatewayError{
		Code:       http.StatusInternalServerError,
		Kind:       KindInternal,
		Message:    "Internal Server Error",
		underlying: err,
	}
}
