package errors

import (
	"errors"
	"net/http"
)

// Sentinels shared by every layer. Wrap them with fmt.Errorf("...: %w", err)
// and test with errors.Is.
var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("version conflict")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrCodesExhausted     = errors.New("no free short code")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
)

// AppError is a custom error type that includes an HTTP status code
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

// NewAppError creates a new AppError
func NewAppError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// FromError maps an error chain onto the response the client should see.
// Unknown errors become a generic 500 so internals are never leaked.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredentials):
		return NewAppError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrValidation):
		return NewAppError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRateLimited):
		return NewAppError(http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
	case errors.Is(err, ErrNotFound):
		return NewAppError(http.StatusNotFound, "Short URL not found")
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrAlreadyExists):
		return NewAppError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConflict):
		return NewAppError(http.StatusConflict, "Short URL is being updated. Try again.")
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrCodesExhausted):
		return NewAppError(http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		return NewAppError(http.StatusInternalServerError, "Internal server error")
	}
}

func BadRequest(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, msg)
}

func Unauthorized(msg string) *AppError {
	return NewAppError(http.StatusUnauthorized, msg)
}
