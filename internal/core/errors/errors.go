package errors

import (
	"errors"
	"fmt"
	"strings"
)

// GenericMutationMessage is shown when a failed mutation carried no server message.
const GenericMutationMessage = "Action failed. Please try again."

// Sync-layer errors. All of them are recoverable: callers convert them into a
// local state reset or a banner, never into a crash.
var (
	// Transport
	ErrTransportUnavailable = errors.New("real-time transport unavailable")
	ErrChannelClosed        = errors.New("channel closed")

	// REST
	ErrFetchFailed        = errors.New("fetch failed")
	ErrMutationFailed     = errors.New("mutation failed")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrInvalidContentType = errors.New("unexpected content type")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrEndpointMissing    = errors.New("endpoint not available")

	// Views and long-running operations
	ErrNotMounted          = errors.New("view is not mounted")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrOperationTimeout    = errors.New("operation timed out")
	ErrUnknownReport       = errors.New("unknown report kind")

	// Relay
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("action forbidden")
	ErrNotFound     = errors.New("resource not found")
	ErrInternal     = errors.New("internal server error")
	ErrBadRequest   = errors.New("bad request")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// MutationError is returned when the backend rejects a user-initiated mutation.
type MutationError struct {
	Status        int
	ServerMessage string
}

func (e *MutationError) Error() string {
	if e.ServerMessage != "" {
		return fmt.Sprintf("mutation failed (status %d): %s", e.Status, e.ServerMessage)
	}
	return fmt.Sprintf("mutation failed (status %d)", e.Status)
}

func (e *MutationError) Unwrap() error {
	return ErrMutationFailed
}

// UserMessage returns the best-available text for an error banner.
func UserMessage(err error) string {
	var mutErr *MutationError
	if errors.As(err, &mutErr) && strings.TrimSpace(mutErr.ServerMessage) != "" {
		return mutErr.ServerMessage
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return GenericMutationMessage
}

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewValidationError(err error, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		StatusCode: 422,
		Details:    details,
	}
}

func NewRateLimitError() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many requests. Please try again later.",
		Code:       "RATE_LIMITED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}
