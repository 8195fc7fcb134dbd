package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/status"
)

// Error is a domain error carrying a machine-readable code.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	cause    error
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithMetadata attaches key/value details used by operators and clients.
func (e *Error) WithMetadata(metadata map[string]string) *Error {
	e.Metadata = metadata
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// ToGRPC converts domain errors to gRPC status for client responses.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(e.Code.GRPCCode(), e.Message)
	}
	return status.Error(CodeUnknown.GRPCCode(), "an unexpected error occurred")
}
