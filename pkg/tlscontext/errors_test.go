package tlscontext

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
	}{
		{
			name: "basic error",
			err: &Error{
				Type:    ErrorTypeCredentialLoad,
				Message: "failed to load certificate chain",
			},
		},
		{
			name: "error with context",
			err: &Error{
				Type:    ErrorTypeCredentialLoad,
				Message: "failed to load certificate chain",
				Context: map[string]interface{}{
					"path":   "/path/to/cert.pem",
					"format": "PEM",
				},
			},
		},
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrorTypeCredentialLoad,
				Message: "failed to load certificate chain",
				Cause:   fmt.Errorf("file not found"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Error()
			// Map iteration order is not guaranteed, so check components
			assert.Contains(t, result, "[credential_load]")
			assert.Contains(t, result, "failed to load certificate chain")

			if tt.err.Context != nil {
				assert.Contains(t, result, "context:")
				assert.Contains(t, result, "path=/path/to/cert.pem")
			}
			if tt.err.Cause != nil {
				assert.Contains(t, result, "cause: file not found")
			}
		})
	}
}

func TestError_WithContext(t *testing.T) {
	err := NewError(ErrorTypeConfiguration, "test error")

	result := err.WithContext("key", "value")

	assert.Same(t, err, result) // Should return same instance
	assert.Equal(t, "value", err.Context["key"])
}

func TestError_WithSuggestion(t *testing.T) {
	err := NewError(ErrorTypeConfiguration, "test error")

	result := err.WithSuggestion("Check the configuration")

	assert.Same(t, err, result) // Should return same instance
	assert.Contains(t, err.Suggestions, "Check the configuration")
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := NewErrorWithCause(ErrorTypeConfiguration, "wrapper", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		invalidArg    bool
		configuration bool
		validation    bool
	}{
		{
			name:       "invalid argument",
			err:        NewInvalidArgumentError("nil input"),
			invalidArg: true,
		},
		{
			name:          "configuration",
			err:           NewConfigurationError("bad option", nil),
			configuration: true,
		},
		{
			name:          "unsupported format",
			err:           NewUnsupportedFormatError("DER"),
			configuration: true,
		},
		{
			name:          "version bounds",
			err:           NewVersionBoundsError("floor too high"),
			configuration: true,
		},
		{
			name:          "credential load",
			err:           NewCredentialLoadError("read failed", nil),
			configuration: true,
		},
		{
			name:          "chain too long",
			err:           NewChainTooLongError(65),
			configuration: true,
		},
		{
			name:          "session allocation",
			err:           NewSessionAllocationError(fmt.Errorf("released")),
			configuration: true,
		},
		{
			name:       "key mismatch",
			err:        NewKeyMismatchError(fmt.Errorf("public keys differ")),
			validation: true,
		},
		{
			name: "unrelated error",
			err:  fmt.Errorf("plain error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.invalidArg, IsInvalidArgument(tt.err))
			assert.Equal(t, tt.configuration, IsConfigurationError(tt.err))
			assert.Equal(t, tt.validation, IsValidationError(tt.err))
		})
	}
}

func TestErrorClassifiersSeeThroughWrapping(t *testing.T) {
	inner := NewKeyMismatchError(fmt.Errorf("public keys differ"))
	wrapped := fmt.Errorf("loading credentials: %w", inner)

	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsConfigurationError(wrapped))
}

func TestChainTooLongErrorMessage(t *testing.T) {
	err := NewChainTooLongError(65)

	assert.Equal(t, "too many certificates in chain", err.Message)
	assert.Equal(t, 65, err.Context["count"])
	assert.Equal(t, maxCertChain, err.Context["max"])
}

func TestGetErrorSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorSeverity
	}{
		{"key mismatch is critical", NewKeyMismatchError(nil), SeverityCritical},
		{"chain too long is critical", NewChainTooLongError(65), SeverityCritical},
		{"version bounds is critical", NewVersionBoundsError("floor"), SeverityCritical},
		{"configuration is error", NewConfigurationError("bad", nil), SeverityError},
		{"handshake failure is warning", NewError(ErrorTypeHandshakeFailure, "alert"), SeverityWarning},
		{"file watching is warning", NewError(ErrorTypeFileWatching, "watch"), SeverityWarning},
		{"unknown error defaults to error", fmt.Errorf("plain"), SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetErrorSeverity(tt.err))
		})
	}
}
