package k0fiscan

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Configuration errors. Each is fatal and reported before any probe starts.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidPortRange   = errors.New("invalid port range")
	ErrInvalidTopPorts    = errors.New("invalid top ports percentage")
	ErrInvalidTarget      = errors.New("invalid target")
	ErrInvalidHostRange   = errors.New("invalid host range")
	ErrTooManyHosts       = errors.New("too many hosts")
	ErrInvalidConcurrency = errors.New("invalid concurrency value")
	ErrInvalidTimeout     = errors.New("invalid probe timeout")
	ErrInvalidOutput      = errors.New("invalid output format")
	ErrMissingTarget      = errors.New("no scan target given")
	ErrConflictingTargets = errors.New("target options are mutually exclusive")
)

// ErrorCode classifies an AppError for programmatic handling
type ErrorCode int

const (
	// ErrCodeUnknown is used when the error doesn't fit any other category
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeConfiguration is used for invalid flags, config files or targets
	ErrCodeConfiguration
	// ErrCodeValidation is used for values rejected by a parser
	ErrCodeValidation
	// ErrCodeNetworkFailure is used for resolver and listener failures
	ErrCodeNetworkFailure
	// ErrCodeOutput is used for failures writing results
	ErrCodeOutput
	// ErrCodeCancelled is used when an operation is interrupted
	ErrCodeCancelled
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeValidation:
		return "validation"
	case ErrCodeNetworkFailure:
		return "network"
	case ErrCodeOutput:
		return "output"
	case ErrCodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AppError represents an application-specific error with context
type AppError struct {
	// Underlying error
	Err error
	// Error code for programmatic handling
	Code ErrorCode
	// Human-readable message
	Message string
	// Component where the error occurred
	Component string
	// Operation that was being performed
	Operation string
	// Target of the operation (e.g., CIDR block, host name, file path)
	Target string
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Target != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Target)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithTarget records the target the failing operation was working on.
func (e *AppError) WithTarget(target string) *AppError {
	e.Target = target
	return e
}

// NewAppError creates a new application error
func NewAppError(err error, code ErrorCode, message, component, operation string) *AppError {
	return &AppError{
		Err:       err,
		Code:      code,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// configError wraps err as a configuration failure of the given operation.
func configError(err error, operation, target string) error {
	return NewAppError(err, ErrCodeConfiguration, "invalid configuration", "config", operation).WithTarget(target)
}

// validationError marks err as a value rejected by a parser.
func validationError(err error, operation, target string) error {
	return NewAppError(err, ErrCodeValidation, "invalid value", "parser", operation).WithTarget(target)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorCode(err) == ErrCodeValidation
}

// IsConfigurationError reports whether err should abort the run before scanning.
func IsConfigurationError(err error) bool {
	return GetErrorCode(err) == ErrCodeConfiguration || errors.Is(err, ErrInvalidConfig)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// IsBrokenPipe reports whether err is the reader of our output going away.
// Such errors end the run early but are not failures.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}
