package errors

import "fmt"

// ErrorCode represents a unique identifier for specific error conditions.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Listener
	ErrCodeSocketBindFailed ErrorCode = 2001
	ErrCodeNoListenSockets  ErrorCode = 2002

	// Launcher
	ErrCodeSpawnFailed       ErrorCode = 3001
	ErrCodeSnapshotWriteFail ErrorCode = 3002
	ErrCodeSnapshotReadFail  ErrorCode = 3003

	// Data directory
	ErrCodeLockFileHeld  ErrorCode = 5001
	ErrCodeLockFileWrite ErrorCode = 5002
)

// MorayError is a custom error type that provides structured error
// information, including an error code, the operation being performed,
// and the underlying cause.
type MorayError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *MorayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *MorayError) Unwrap() error {
	return e.Err
}

// New creates a new MorayError with the specified code, operation, message,
// and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &MorayError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}
