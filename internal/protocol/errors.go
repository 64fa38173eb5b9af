package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure. Every error crossing a component
// boundary is one of these kinds; internal error types never leak to callers.
type Kind string

const (
	KindInput      Kind = "INPUT"
	KindCapacity   Kind = "CAPACITY"
	KindEngine     Kind = "ENGINE"
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
)

// Stable machine-readable codes carried on error responses and events.
const (
	CodeMissingInput      = "MISSING_INPUT"
	CodeTextTooLong       = "TEXT_TOO_LONG"
	CodeInvalidOptions    = "INVALID_OPTIONS"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeFeatureDisabled   = "FEATURE_DISABLED"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeDuplicateSession  = "DUPLICATE_SESSION"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeSynthesisFailed   = "SYNTHESIS_FAILED"
	CodeEngineTimeout     = "ENGINE_TIMEOUT"
	CodeTooShort          = "TOO_SHORT"
	CodeSampleRateTooLow  = "SAMPLE_RATE_TOO_LOW"
	CodeUnreadableAudio   = "UNREADABLE_AUDIO"
	CodeVoiceNotFound     = "VOICE_NOT_FOUND"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
)

// Error is the boundary error type: a kind for classification, a stable code
// for machines, and a human-readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a boundary error.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError builds a boundary error around an internal cause.
func WrapError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// ErrorKind extracts the kind from err, or KindEngine when err is not a
// boundary error (an unclassified failure is an internal fault).
func ErrorKind(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindEngine
}

// ErrorCode extracts the stable code from err, falling back to SYNTHESIS_FAILED.
func ErrorCode(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeSynthesisFailed
}

// ErrorMessage extracts the human-readable message from err.
func ErrorMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
