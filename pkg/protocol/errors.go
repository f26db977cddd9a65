package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in envelopes
const (
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeTimeout      = 408
	CodeCancelled    = 499
	CodeInternal     = 500
)

// Error is a typed protocol error with an HTTP-like status code
type Error struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// NewError creates a protocol error
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Is matches any protocol error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	// ErrTimeout matches every request or transaction timeout
	ErrTimeout = &Error{Code: CodeTimeout, Message: "request timed out"}

	// ErrCancelled matches requests rejected because their connection closed
	ErrCancelled = &Error{Code: CodeCancelled, Message: "connection closed"}

	ErrDuplicateExtension = errors.New("duplicate extension")
	ErrUnknownExtension   = errors.New("unknown extension")
	ErrNotInitialized     = errors.New("protocol not initialized")
	ErrAlreadyInitialized = errors.New("protocol already initialized")
	ErrClosed             = errors.New("protocol closed")
)

// ErrorCode extracts the code of a protocol error, defaulting to 500
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// errorMessage is the text sent to the remote side for err
func errorMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
