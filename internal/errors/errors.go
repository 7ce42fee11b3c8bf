// Package errors provides structured error handling for batchscan operations.
// It defines the error taxonomy used to classify per-target scan failures,
// configuration problems and storage errors, plus helpers to inspect them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCancelled     ErrorCode = "CANCELLED"

	// Per-target scan errors.
	CodeInvalidTarget      ErrorCode = "INVALID_TARGET"
	CodeEngineUnavailable  ErrorCode = "ENGINE_UNAVAILABLE"
	CodeScanTimeout        ErrorCode = "SCAN_TIMEOUT"
	CodeScanExecutionError ErrorCode = "SCAN_EXECUTION_ERROR"
	CodeAnalysisError      ErrorCode = "ANALYSIS_ERROR"

	// File system errors.
	CodeIO ErrorCode = "IO_ERROR"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
)

// ScanError represents an error attached to a single target. It is stored on
// scan records and serialized into reports. Cause is not encoded; wrappers
// put its first line into Message.
type ScanError struct {
	Code    ErrorCode `json:"code" xml:"code,attr"`
	Message string    `json:"message" xml:",chardata"`
	Target  string    `json:"target,omitempty" xml:"-"`
	Cause   error     `json:"-" xml:"-"`
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, msg, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message, operation string, err error) *DatabaseError {
	return &DatabaseError{
		Code:      code,
		Message:   message,
		Operation: operation,
		Cause:     err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// GetCode extracts the error code from an error if it has one.
// Wrapped errors are inspected, the outermost coded error wins.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable per-target condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeScanTimeout, CodeScanExecutionError:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error should stop a whole batch before it starts.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeEngineUnavailable, CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target, reason string) *ScanError {
	return NewScanErrorWithTarget(CodeInvalidTarget, "invalid target specification: "+reason, target)
}

// ErrScanTimeout creates an error for scan timeouts.
func ErrScanTimeout(target string) *ScanError {
	return NewScanErrorWithTarget(CodeScanTimeout, "scan exceeded its time limit", target)
}

// ErrCancelled creates an error for targets that never ran or were interrupted.
func ErrCancelled(target string) *ScanError {
	return NewScanErrorWithTarget(CodeCancelled, "batch cancelled before the scan completed", target)
}

// ErrEngineUnavailable wraps a failure to locate or start the scan engine.
func ErrEngineUnavailable(err error) *ScanError {
	return WrapScanError(CodeEngineUnavailable, "scan engine is not available", err)
}

// ErrIO wraps a file system failure for the given path.
func ErrIO(op, path string, err error) *ScanError {
	return WrapScanError(CodeIO, fmt.Sprintf("%s %s", op, path), err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}
