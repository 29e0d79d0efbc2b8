package kernel

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/luciancaetano/kephasgate"
)

// Kind classifies a dispatch failure.
type Kind int

const (
	KindMalformedRequest Kind = iota
	KindNotFound
	KindMethodNotAllowed
	KindRateLimited
	KindUnauthorized
	KindValidationFailed
	KindHandlerFault
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindNotFound:
		return "not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidationFailed:
		return "validation_failed"
	case KindHandlerFault:
		return "handler_fault"
	default:
		return "unknown"
	}
}

// Error is a dispatch failure that maps to a terminal response.
//
// Handlers may return an *Error from Invoke to answer with a status other than
// 500; any other error is reported as a handler fault.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Details    map[string][]string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// NewError creates an error with the given status. The kind is derived from
// the status and defaults to KindHandlerFault.
func NewError(status int, message string) *Error {
	return &Error{Kind: kindFor(status), Status: status, Message: message}
}

func kindFor(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindMalformedRequest
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusUnprocessableEntity:
		return KindValidationFailed
	default:
		return KindHandlerFault
	}
}

func errMalformed() *Error {
	return NewError(http.StatusBadRequest, kephasgate.MsgIllegalRequest)
}

func errNotFound() *Error {
	return NewError(http.StatusNotFound, kephasgate.MsgNotFound)
}

func errMethodNotAllowed() *Error {
	return NewError(http.StatusMethodNotAllowed, kephasgate.MsgMethodNotAllowed)
}

func errRateLimited(retryAfter time.Duration) *Error {
	e := NewError(http.StatusTooManyRequests, kephasgate.MsgTooManyRequests)
	e.RetryAfter = retryAfter
	return e
}

func errUnauthorized() *Error {
	return NewError(http.StatusUnauthorized, kephasgate.MsgUnauthorized)
}

// ValidationError creates a 422 error carrying per-attribute messages.
func ValidationError(details map[string][]string) *Error {
	e := NewError(http.StatusUnprocessableEntity, kephasgate.MsgValidationFailed)
	e.Details = details
	return e
}

func errHandlerFault() *Error {
	return NewError(http.StatusInternalServerError, kephasgate.MsgInternalError)
}

type errorBody struct {
	Message    string              `json:"message"`
	Errors     map[string][]string `json:"errors,omitempty"`
	RetryAfter int                 `json:"retry_after,omitempty"`
}

// Response renders the error as a JSON response.
func (e *Error) Response() *kephasgate.Response {
	body := errorBody{Message: e.Message, Errors: e.Details}
	if e.RetryAfter > 0 {
		body.RetryAfter = int(math.Ceil(e.RetryAfter.Seconds()))
	}

	resp := kephasgate.JSON(e.Status, body)
	if body.RetryAfter > 0 {
		resp.Header.Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	return resp
}
