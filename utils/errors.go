package utils

import (
	"errors"
	"fmt"
)

// AppError is an error that carries the HTTP status to answer with and the
// message that is safe to show to the user.
type AppError struct {
	Code      int                    // HTTP status code
	Message   string                 // User-facing message (already localized when possible)
	MessageID string                 // i18n message ID, when the message came from a bundle
	Err       error                  // Underlying error
	Context   map[string]interface{} // Additional context for logs
}

// NewAppError creates a new AppError
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying error to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// WithMessageID records which bundle message produced Message
func (e *AppError) WithMessageID(id string) *AppError {
	e.MessageID = id
	return e
}

// AsAppError returns the AppError in err's chain, if any
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func BadRequestError(message string, err error) *AppError {
	return NewAppError(400, message, err)
}

func UnauthorizedError(message string, err error) *AppError {
	return NewAppError(401, message, err)
}

func NotFoundError(message string, err error) *AppError {
	return NewAppError(404, message, err)
}

func ConflictError(message string, err error) *AppError {
	return NewAppError(409, message, err)
}

func TooManyRequestsError(message string, err error) *AppError {
	return NewAppError(429, message, err)
}

func BadGatewayError(message string, err error) *AppError {
	return NewAppError(502, message, err)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(500, message, err)
}
