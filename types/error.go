package types

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures; each kind maps onto a user-visible
// HTTP outcome.
type ErrorKind string

const (
	ErrBadRequest      ErrorKind = "BAD_REQUEST"
	ErrJailbreak       ErrorKind = "JAILBREAK_DETECTED"
	ErrRatelimited     ErrorKind = "RATELIMIT_EXCEEDED"
	ErrUpstream        ErrorKind = "UPSTREAM_ERROR"
	ErrDeserialization ErrorKind = "DESERIALIZATION_ERROR"
	ErrSerialization   ErrorKind = "SERIALIZATION_ERROR"
	ErrLogic           ErrorKind = "LOGIC_ERROR"
	ErrDispatch        ErrorKind = "DISPATCH_ERROR"
	ErrNoMessages      ErrorKind = "NO_MESSAGES_FOUND"
)

// GatewayError is the structured error surfaced by callout handlers through
// the host's local-response path.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	HTTPStatus int
	Cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error { return e.Cause }

// WithStatus overrides the HTTP status the error surfaces with.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	e.HTTPStatus = status
	return e
}

// Status returns the HTTP status to surface, defaulting to 500.
func (e *GatewayError) Status() int {
	if e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// NewBadRequest reports an invalid request (bad JSON, missing fields, bad
// path substitution, missing access key).
func NewBadRequest(why string) *GatewayError {
	return &GatewayError{Kind: ErrBadRequest, Message: why, HTTPStatus: http.StatusBadRequest}
}

// NewJailbreak reports a guard rejection using the configured message.
func NewJailbreak(message string) *GatewayError {
	return &GatewayError{
		Kind:       ErrJailbreak,
		Message:    fmt.Sprintf("jailbreak detected: %s", message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewRatelimited reports a token-bucket rejection.
func NewRatelimited(model, selectorKey, selectorValue string, tokens int) *GatewayError {
	return &GatewayError{
		Kind: ErrRatelimited,
		Message: fmt.Sprintf("exceeded limit model=%s, selector=%s: %s, tokens_used=%d",
			model, selectorKey, selectorValue, tokens),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NewUpstream propagates a non-2xx answer from an application endpoint or
// provider, preserving the observed status.
func NewUpstream(host, path string, status int, body string) *GatewayError {
	return &GatewayError{
		Kind: ErrUpstream,
		Message: fmt.Sprintf("upstream application error host=%s, path=%s, status=%d, body=%s",
			host, path, status, body),
		HTTPStatus: status,
	}
}

// NewDeserialization reports a JSON decode failure of an inbound body.
func NewDeserialization(err error) *GatewayError {
	return &GatewayError{
		Kind:       ErrDeserialization,
		Message:    "failed to deserialize",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      err,
	}
}

// NewSerialization reports a JSON encode failure of an internal structure.
func NewSerialization(err error) *GatewayError {
	return &GatewayError{
		Kind:       ErrSerialization,
		Message:    "failed to serialize",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      err,
	}
}

// NewLogicError reports an invariant violation (unknown target, duplicate
// callout token).
func NewLogicError(why string) *GatewayError {
	return &GatewayError{Kind: ErrLogic, Message: why, HTTPStatus: http.StatusInternalServerError}
}

// NewDispatchError reports the host refusing an outbound call.
func NewDispatchError(upstream, path string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       ErrDispatch,
		Message:    fmt.Sprintf("error dispatching call to %s%s", upstream, path),
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewNoMessages reports a request without a usable user turn.
func NewNoMessages(why string) *GatewayError {
	return &GatewayError{Kind: ErrNoMessages, Message: why, HTTPStatus: http.StatusInternalServerError}
}
