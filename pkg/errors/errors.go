package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown        ErrorCode = "UNKNOWN"
	ErrInternal       ErrorCode = "INTERNAL"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrNotImplemented ErrorCode = "NOT_IMPLEMENTED"
	ErrCanceled       ErrorCode = "CANCELED"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigParse ErrorCode = "CONFIG_PARSE"
	ErrConfigValid ErrorCode = "CONFIG_INVALID"

	// Install plan errors
	ErrPlanParse      ErrorCode = "PLAN_PARSE"
	ErrPlanInvalid    ErrorCode = "PLAN_INVALID"
	ErrExtentOverlap  ErrorCode = "EXTENT_OVERLAP"
	ErrExtentRange    ErrorCode = "EXTENT_RANGE"
	ErrDigestMismatch ErrorCode = "DIGEST_MISMATCH"

	// Operation application errors
	ErrDecode      ErrorCode = "DECODE"
	ErrShortWrite  ErrorCode = "SHORT_WRITE"
	ErrShortRead   ErrorCode = "SHORT_READ"
	ErrCowWriter   ErrorCode = "COW_WRITER"
	ErrCowReplay   ErrorCode = "COW_REPLAY"
	ErrCheckpoint  ErrorCode = "CHECKPOINT_IO"
	ErrDeviceOpen  ErrorCode = "DEVICE_OPEN"
	ErrDeviceClose ErrorCode = "DEVICE_CLOSE"

	// Postinstall errors
	ErrMount             ErrorCode = "MOUNT"
	ErrUnmount           ErrorCode = "UNMOUNT"
	ErrPathValidation    ErrorCode = "PATH_VALIDATION"
	ErrProcessSpawn      ErrorCode = "PROCESS_SPAWN"
	ErrProcessExit       ErrorCode = "PROCESS_EXIT"
	ErrFirmwareSlotA     ErrorCode = "FIRMWARE_SLOT_A"
	ErrFirmwareSlotB     ErrorCode = "FIRMWARE_SLOT_B"
	ErrPowerwashSchedule ErrorCode = "POWERWASH_SCHEDULE"

	// Pipeline errors
	ErrActionFailed  ErrorCode = "ACTION_FAILED"
	ErrBondMismatch  ErrorCode = "BOND_MISMATCH"
	ErrPipelineState ErrorCode = "PIPELINE_STATE"
)

// Exit codes a postinstall program may use to signal that the device
// booted from an alternate firmware slot instead of a generic failure.
const (
	ExitFirmwareSlotA = 3
	ExitFirmwareSlotB = 4
)

// UpdateError represents a structured error with code and details
type UpdateError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *UpdateError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *UpdateError) Unwrap() error {
	return e.Wrapped
}

// Is reports code equality so errors.Is can match against sentinel codes
func (e *UpdateError) Is(target error) bool {
	var targetErr *UpdateError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new UpdateError with the given code and message
func New(code ErrorCode, message string) *UpdateError {
	return &UpdateError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new UpdateError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *UpdateError {
	return &UpdateError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with an UpdateError
func Wrap(err error, code ErrorCode, message string) *UpdateError {
	if err == nil {
		return nil
	}
	return &UpdateError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *UpdateError {
	if err == nil {
		return nil
	}
	return &UpdateError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a key-value detail to the error and returns it
func (e *UpdateError) WithDetail(key string, value interface{}) *UpdateError {
	e.Details[key] = value
	return e
}

// Code extracts the ErrorCode from an error chain, or ErrUnknown
func Code(err error) ErrorCode {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrUnknown
}

// IsCode reports whether the error chain carries the given code
func IsCode(err error, code ErrorCode) bool {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// FromExitCode maps a postinstall exit status to the error taxonomy.
// Exit 0 maps to nil. Exits 3 and 4 are reserved for alternate-firmware-slot
// signaling; every other nonzero exit is a generic postinstall failure.
func FromExitCode(exitCode int) *UpdateError {
	switch exitCode {
	case 0:
		return nil
	case ExitFirmwareSlotA:
		return Newf(ErrFirmwareSlotA, "postinstall reports boot from firmware slot A (exit %d)", exitCode).
			WithDetail("exit_code", exitCode)
	case ExitFirmwareSlotB:
		return Newf(ErrFirmwareSlotB, "postinstall reports boot from firmware slot B (exit %d)", exitCode).
			WithDetail("exit_code", exitCode)
	default:
		return Newf(ErrProcessExit, "postinstall exited with code %d", exitCode).
			WithDetail("exit_code", exitCode)
	}
}
