package core

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes configuration errors.
type ErrorCode string

const (
	// ErrCodeInvalidMatrix indicates a dimension without values or a duplicate dimension.
	ErrCodeInvalidMatrix ErrorCode = "INVALID_MATRIX"

	// ErrCodeUnknownDimension indicates a predicate or selector names a dimension the matrix lacks.
	ErrCodeUnknownDimension ErrorCode = "UNKNOWN_DIMENSION"

	// ErrCodeInvalidPipeline indicates any other malformed pipeline definition.
	ErrCodeInvalidPipeline ErrorCode = "INVALID_PIPELINE"
)

// ConfigError is a load-time error. No job starts while one is pending.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Step    string // offending step, if any
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s (step=%s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newConfigError(code ErrorCode, format string, args ...any) *ConfigError {
	return &ConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func hasCode(err error, code ErrorCode) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsInvalidMatrix reports whether err is an INVALID_MATRIX error.
func IsInvalidMatrix(err error) bool { return hasCode(err, ErrCodeInvalidMatrix) }

// IsUnknownDimension reports whether err is an UNKNOWN_DIMENSION error.
func IsUnknownDimension(err error) bool { return hasCode(err, ErrCodeUnknownDimension) }

// IsConfigError reports whether err is any load-time error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
