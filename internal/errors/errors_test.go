package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/vstore/internal/errors"
)

func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Connection timeout")
	assert.Contains(t, errMsg, "Try: Check network connectivity")
}

func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Field:      "database.url",
		Value:      "mysql://x",
		Message:    "unsupported scheme",
		Suggestion: "Use a postgres:// DSN",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "database.url")
	assert.Contains(t, errMsg, "mysql://x")
	assert.Contains(t, errMsg, "unsupported scheme")
	assert.Contains(t, errMsg, "postgres://")
}

func TestValidationErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ValidationError{Provider: "azure", Field: "value", Limit: 25600, Actual: 25601}
	assert.Equal(t, "azure validation failed for value (25601 bytes exceeds limit of 25600 bytes)", err.Error())

	wrapped := fmt.Errorf("set secret: %w", err)
	assert.True(t, errors.IsValidation(wrapped))
	assert.False(t, errors.IsBackend(wrapped))

	var ve errors.ValidationError
	assert.True(t, stderrors.As(wrapped, &ve))
	assert.Equal(t, 25601, ve.Actual)
}

func TestBackendErrorUnwrap(t *testing.T) {
	t.Parallel()

	base := fmt.Errorf("dial tcp: connection refused")
	err := errors.BackendError{Backend: "postgres", Operation: "connect", Err: base}

	assert.Contains(t, err.Error(), "postgres backend connect failed")
	assert.ErrorIs(t, err, base)
	assert.True(t, errors.IsBackend(fmt.Errorf("open: %w", err)))
}

func TestProviderSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		provider           string
		err                error
		expectedSuggestion string
	}{
		{"aws_not_found", "aws", fmt.Errorf("ResourceNotFoundException: nope"), "Create the secret first"},
		{"aws_deleted", "aws", fmt.Errorf("InvalidRequestException"), "Restore it"},
		{"gcp_not_found", "gcp", fmt.Errorf("rpc error: code = NotFound"), "CreateSecret"},
		{"azure_disabled", "azure", fmt.Errorf("secret is disabled"), "Enable the secret"},
		{"postgres_schema", "postgres", fmt.Errorf(`relation "aws.secrets" does not exist`), "vstore schema"},
		{"validation", "gcp", errors.ValidationError{Limit: 1, Actual: 2}, "Reduce the payload size"},
		{"generic_timeout", "aws", fmt.Errorf("i/o timeout"), "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			errMsg := errors.ProviderError(tt.provider, "write", tt.err).Error()
			assert.Contains(t, errMsg, tt.provider+" provider error during write")
			assert.Contains(t, errMsg, tt.expectedSuggestion)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"timeout", fmt.Errorf("operation timeout"), true},
		{"connection_reset", fmt.Errorf("connection reset by peer"), true},
		{"deadlock", fmt.Errorf("pq: deadlock detected"), true},
		{"not_found", fmt.Errorf("resource not found"), false},
		{"validation", errors.ValidationError{Message: "timeout in name"}, false},
		{"nil_error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retryable, errors.IsRetryable(tt.err))
		})
	}
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	simplified := errors.SimplifyError(fmt.Errorf("load: %w", fmt.Errorf("yaml: line 5: mapping values are not allowed")))
	_, ok := simplified.(errors.ConfigError)
	assert.True(t, ok)

	simplified = errors.SimplifyError(fmt.Errorf("pq: password authentication failed for user"))
	assert.Contains(t, simplified.Error(), "Database authentication failed")

	ve := errors.ValidationError{Message: "json: bad"}
	assert.Equal(t, ve, errors.SimplifyError(ve))

	plain := fmt.Errorf("something else")
	assert.Equal(t, plain, errors.SimplifyError(plain))
	assert.Nil(t, errors.SimplifyError(nil))
}

func TestUserErrorUnwrap(t *testing.T) {
	t.Parallel()

	baseErr := fmt.Errorf("base error")
	userErr := errors.UserError{Message: "wrapped error", Err: baseErr}

	assert.Equal(t, baseErr, userErr.Unwrap())
}
