// Package apierr defines the service-wide error taxonomy and converts any
// handler error into the structured JSON envelope returned to callers.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrTransport    = errors.New("model provider request failed")
	ErrParse        = errors.New("model response does not match the expected schema")
	ErrStorageWrite = errors.New("storage write failed")
)

// Status values carried in every response envelope.
const (
	StatusSuccess = "success"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// ValidationError reports a caller-supplied field that was missing or invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Detail is the body of the "error" member in an error envelope.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Envelope is the JSON shape of every error response.
type Envelope struct {
	Status string `json:"status"`
	Error  Detail `json:"error"`
}

// Classify maps an error to its HTTP status and machine-readable code.
func Classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrParse):
		return http.StatusBadGateway, "parse_error"
	case errors.Is(err, ErrTransport):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "transport_timeout"
		}
		return http.StatusBadGateway, "transport_failure"
	case errors.Is(err, ErrStorageWrite):
		return http.StatusInternalServerError, "storage_write_failed"
	case errors.As(err, &he):
		return he.Code, codeForStatus(he.Code)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// NewEnvelope builds the error envelope for err.
func NewEnvelope(err error) (int, Envelope) {
	status, code := Classify(err)
	env := Envelope{Status: StatusError, Error: Detail{Code: code, Message: err.Error()}}

	var ve *ValidationError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ve):
		env.Error.Field = ve.Field
		env.Error.Message = ve.Message
	case errors.As(err, &he):
		env.Error.Message = fmt.Sprintf("%v", he.Message)
	}
	if status == http.StatusInternalServerError && code == "internal_error" {
		env.Error.Message = "internal server error"
	}
	return status, env
}

// HTTPErrorHandler replaces echo's default error handler so that every
// failure leaves the server as a JSON envelope with an explicit status.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, env := NewEnvelope(err)
		rid, _ := c.Get("request_id").(string)

		evt := logger.Warn()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Err(err).
			Str("request_id", rid).
			Int("status", status).
			Str("code", env.Error.Code).
			Msg("request failed")

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, env)
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("failed to write error response")
		}
	}
}
