package dispatch

import (
	"errors"
	"net/http"
	"time"

	"github.com/apirelay/apirelay/internal/util"
)

// Code identifies an error category in client-visible responses.
type Code string

// Error codes carried in the response body.
const (
	CodeRouteNotFound    Code = "RouteNotFound"
	CodeUnauthorized     Code = "Unauthorized"
	CodeForbidden        Code = "Forbidden"
	CodeInvalidRequest   Code = "InvalidRequest"
	CodeNoHealthyBackend Code = "NoHealthyBackend"
	CodeCircuitOpen      Code = "CircuitOpen"
	CodeUpstreamTimeout  Code = "UpstreamTimeout"
	CodeUpstreamError    Code = "UpstreamError"
	CodeRateLimited      Code = "RateLimited"
	CodeInternal         Code = "Internal"
)

// ErrorBody is the uniform error response payload.
type ErrorBody struct {
	Error     Code      `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`

	// RetryAfter is set in seconds for circuit-open and rate-limit
	// rejections.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code Code) int {
	switch code {
	case CodeRouteNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNoHealthyBackend, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Classify maps an internal error to its client-visible code.
func Classify(err error) Code {
	switch {
	case errors.Is(err, util.ErrRouteNotFound):
		return CodeRouteNotFound
	case errors.Is(err, util.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, util.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, util.ErrInvalidInput):
		return CodeInvalidRequest
	case errors.Is(err, util.ErrNoHealthyBackend):
		return CodeNoHealthyBackend
	case errors.Is(err, util.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, util.ErrTimeout):
		return CodeUpstreamTimeout
	case errors.Is(err, util.ErrBackendUnavail):
		return CodeUpstreamError
	case errors.Is(err, util.ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// NewErrorBody builds the response status and payload for an error.
func NewErrorBody(err error, path string) (int, ErrorBody) {
	code := Classify(err)
	body := ErrorBody{
		Error:     code,
		Message:   clientMessage(code, err),
		Timestamp: time.Now().UTC(),
		Path:      path,
	}

	var openErr *util.CircuitOpenError
	if errors.As(err, &openErr) {
		body.RetryAfter = retryAfterSeconds(openErr.RetryAfter)
	}
	var rateErr *util.RateLimitError
	if errors.As(err, &rateErr) {
		body.RetryAfter = retryAfterSeconds(rateErr.RetryAfter)
	}

	return StatusFor(code), body
}

// clientMessage keeps internal detail out of 5xx responses.
func clientMessage(code Code, err error) string {
	switch code {
	case CodeUpstreamError:
		return "upstream request failed"
	case CodeUpstreamTimeout:
		return "upstream request timed out"
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
