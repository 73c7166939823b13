package protocol

import (
	"errors"
	"fmt"
)

const (
	CodeTimeout        = "TIMEOUT"
	CodeSessionAborted = "SESSION_ABORTED"
	CodeAttach         = "ATTACH_ERROR"
	CodeChannelClosed  = "CHANNEL_CLOSED"
	CodeTargetNotFound = "TARGET_NOT_FOUND"
	CodeValidation     = "VALIDATION"
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
	CodeInternal       = "INTERNAL"

	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
)

// CodedError is a typed error used for stable wire and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Is matches any *CodedError carrying the same code, so callers can write
// errors.Is(err, protocol.ErrTimeout).
func (e *CodedError) Is(target error) bool {
	var other *CodedError
	if !errors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Cause == nil && other.Code == e.Code
}

// Sentinels for errors.Is comparisons. They carry no message.
var (
	ErrTimeout        = &CodedError{Code: CodeTimeout}
	ErrSessionAborted = &CodedError{Code: CodeSessionAborted}
	ErrAttach         = &CodedError{Code: CodeAttach}
	ErrChannelClosed  = &CodedError{Code: CodeChannelClosed}
	ErrTargetNotFound = &CodedError{Code: CodeTargetNotFound}
	ErrValidation     = &CodedError{Code: CodeValidation}
)

func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func Validationf(format string, args ...any) error {
	return &CodedError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the outermost CodedError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
