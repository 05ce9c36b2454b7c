// Package apperror defines the typed error carried across component
// boundaries and the HTTP error envelope written at the API edge.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Stable error codes surfaced to clients and to the telemetry router.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidState       = "INVALID_STATE"
	CodeAuthExchangeFailed = "AUTH_EXCHANGE_FAILED"
	CodeUnauthorized       = "AUTHORIZATION_ERROR"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeQueueFull          = "QUEUE_FULL"
	CodeJobTimeout         = "JOB_TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeLocked             = "RESOURCE_LOCKED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeBusinessRule       = "BUSINESS_RULE_VIOLATION"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeNetwork            = "NETWORK_ERROR"
	CodeAPIIntegration     = "API_INTEGRATION_ERROR"
	CodeEHRFHIR            = "EHR_FHIR_ERROR"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
	CodeInternal           = "SYSTEM_ERROR"
)

// Error is the typed error raised by core components. Transient errors are
// eligible for orchestrator retry; everything else fails fast.
type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code, HTTP status, and message.
func New(code string, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Validation is the common 400 constructor.
func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, http.StatusBadRequest, format, args...)
}

// NotFound is the common 404 constructor.
func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, http.StatusNotFound, format, args...)
}

// WithDetails attaches structured details rendered into the envelope.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// AsTransient marks the error retryable.
func (e *Error) AsTransient() *Error {
	e.Transient = true
	return e
}

// IsTransient reports whether err (or anything it wraps) is a transient
// Error.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}

// CodeOf extracts the stable code from err, defaulting to SYSTEM_ERROR.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status from err, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message    string                 `json:"message"`
	Code       string                 `json:"code"`
	StatusCode int                    `json:"statusCode"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"requestId"`
}

// HTTPErrorHandler returns the central echo error handler. Every error
// crossing the API boundary is serialized into the envelope; stack traces
// and wrapped causes never reach the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := StatusOf(err)
		code := CodeOf(err)
		message := "internal server error"
		var details map[string]interface{}

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			message = ae.Message
			details = ae.Details
		case errors.As(err, &he):
			if m, ok := he.Message.(string); ok {
				message = m
			}
			code = codeForStatus(he.Code)
		default:
			if status < http.StatusInternalServerError {
				message = err.Error()
			}
		}

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("request_id", requestID).Str("path", c.Path()).Msg("request failed")
		}

		body := envelope{Error: envelopeBody{
			Message:    message,
			Code:       code,
			StatusCode: status,
			Details:    details,
			Timestamp:  time.Now().UTC(),
			RequestID:  requestID,
		}}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case http.StatusUnprocessableEntity:
		return CodeBusinessRule
	case http.StatusLocked:
		return CodeLocked
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway:
		return CodeExternalService
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
