package tlscontext

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes context-manager errors
type ErrorType string

const (
	// Argument errors
	ErrorTypeInvalidArgument ErrorType = "invalid_argument"

	// Configuration errors
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeUnsupportedFormat ErrorType = "unsupported_format"
	ErrorTypeVersionBounds     ErrorType = "version_bounds"
	ErrorTypeSessionAllocation ErrorType = "session_allocation"

	// Credential errors
	ErrorTypeCredentialLoad ErrorType = "credential_load"
	ErrorTypeChainTooLong   ErrorType = "chain_too_long"

	// Validation errors
	ErrorTypeKeyMismatch ErrorType = "key_mismatch"

	// Operational errors
	ErrorTypeHandshakeFailure ErrorType = "handshake_failure"
	ErrorTypeListenerCreate   ErrorType = "listener_create"
	ErrorTypeFileWatching     ErrorType = "file_watching"
)

// Error is a structured context-manager error with context
type Error struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewError creates a new error with the specified type and message
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewErrorWithCause creates a new error with an underlying cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewInvalidArgumentError reports a nil or empty required input
func NewInvalidArgumentError(message string) *Error {
	return NewError(ErrorTypeInvalidArgument, message).
		WithSuggestion("Check the arguments passed to the failing call")
}

// NewConfigurationError reports a setup call the underlying stack rejected
func NewConfigurationError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeConfiguration, message, cause).
		WithSuggestion("Check the context configuration for conflicting settings")
}

// NewUnsupportedFormatError reports an unrecognized credential encoding
func NewUnsupportedFormatError(format string) *Error {
	return NewError(ErrorTypeUnsupportedFormat, fmt.Sprintf("unsupported certificate format: %s", format)).
		WithContext("format", format).
		WithSuggestion("Use PEM-encoded certificate and key material")
}

// NewCredentialLoadError reports a failed certificate or key load
func NewCredentialLoadError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeCredentialLoad, message, cause).
		WithSuggestion("Verify the credential files exist and are readable").
		WithSuggestion("Check that the material is PEM encoded")
}

// NewChainTooLongError reports a certificate chain past the hard bound
func NewChainTooLongError(count int) *Error {
	return NewError(ErrorTypeChainTooLong, "too many certificates in chain").
		WithContext("count", count).
		WithContext("max", maxCertChain).
		WithSuggestion("Trim the chain to the leaf and its intermediates")
}

// NewKeyMismatchError reports a certificate whose private key does not match
func NewKeyMismatchError(cause error) *Error {
	return NewErrorWithCause(ErrorTypeKeyMismatch, "certificate and private key do not match", cause).
		WithSuggestion("Ensure the key file pairs with the loaded certificate").
		WithSuggestion("Regenerate the pair if either file was replaced independently")
}

// NewVersionBoundsError reports an unusable protocol version floor
func NewVersionBoundsError(message string) *Error {
	return NewError(ErrorTypeVersionBounds, message).
		WithSuggestion("Lower the minimum protocol version or raise the ceiling")
}

// NewSessionAllocationError reports a failed per-connection allocation
func NewSessionAllocationError(cause error) *Error {
	return NewErrorWithCause(ErrorTypeSessionAllocation, "session allocation failed", cause).
		WithSuggestion("Do not create sessions from a closed context")
}

// Error classification helpers

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsInvalidArgument reports whether err is an argument error
func IsInvalidArgument(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrorTypeInvalidArgument
}

// IsConfigurationError reports whether err belongs to the configuration family
func IsConfigurationError(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrorTypeConfiguration, ErrorTypeUnsupportedFormat, ErrorTypeVersionBounds,
		ErrorTypeCredentialLoad, ErrorTypeChainTooLong, ErrorTypeSessionAllocation:
		return true
	}
	return false
}

// IsValidationError reports whether err is a credential validation failure
func IsValidationError(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrorTypeKeyMismatch
}

// IsHandshakeError reports whether err is a per-connection handshake failure
func IsHandshakeError(err error) bool {
	e, ok := asError(err)
	return ok && e.Type == ErrorTypeHandshakeFailure
}

// ErrorSeverity grades errors for log level selection
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// GetErrorSeverity maps an error to its operational severity
func GetErrorSeverity(err error) ErrorSeverity {
	e, ok := asError(err)
	if !ok {
		return SeverityError
	}
	switch e.Type {
	case ErrorTypeKeyMismatch, ErrorTypeChainTooLong, ErrorTypeVersionBounds, ErrorTypeListenerCreate:
		return SeverityCritical
	case ErrorTypeConfiguration, ErrorTypeUnsupportedFormat, ErrorTypeCredentialLoad, ErrorTypeSessionAllocation:
		return SeverityError
	case ErrorTypeHandshakeFailure, ErrorTypeFileWatching:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
