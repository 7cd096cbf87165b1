package convertlib

import (
	"errors"
	"fmt"
)

// Error categories. Every failure in the conversion pipeline is fatal to the
// current operation; these exist so callers can map a failure to an exit
// diagnostic with errors.Is.
var (
	ErrConfig                  = errors.New("config")
	ErrUnsupportedLayout       = errors.New("unsupported-layout")
	ErrInvalidSize             = errors.New("invalid-size")
	ErrMappingFailed           = errors.New("mapping-failed")
	ErrBuildVerificationFailed = errors.New("build-verification-failed")
	ErrStagingFailed           = errors.New("staging-failed")
	ErrDeviceTypeMismatch      = errors.New("device-type-mismatch")
	ErrExternalTool            = errors.New("external-tool")
)

// ConversionError attaches a category and message to an underlying cause.
type ConversionError struct {
	Type    error
	Message string
	Cause   error
}

func (e *ConversionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s:\n%v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}

func (e *ConversionError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

func NewConversionError(errorType error, message string) *ConversionError {
	return &ConversionError{
		Type:    errorType,
		Message: message,
	}
}

func NewConversionErrorWithCause(errorType error, message string, cause error) *ConversionError {
	return &ConversionError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}
