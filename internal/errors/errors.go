package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  " + e.Suggestion
	}

	return msg
}

// ValidationError is returned when a payload or request is rejected before
// any store mutation happens.
type ValidationError struct {
	Provider string
	Field    string
	Limit    int
	Actual   int
	Message  string
}

func (e ValidationError) Error() string {
	msg := "validation failed"
	if e.Provider != "" {
		msg = e.Provider + " " + msg
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" for %s", e.Field)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Limit > 0 {
		msg += fmt.Sprintf(" (%d bytes exceeds limit of %d bytes)", e.Actual, e.Limit)
	}
	return msg
}

// BackendError wraps failures of the storage engine itself.
type BackendError struct {
	Backend   string
	Operation string
	Err       error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("%s backend %s failed: %v", e.Backend, e.Operation, e.Err)
}

func (e BackendError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsBackend reports whether err is, or wraps, a BackendError.
func IsBackend(err error) bool {
	var be BackendError
	return errors.As(err, &be)
}

// ProviderError enhances provider-specific errors with context
func ProviderError(provider string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s provider error during %s", provider, operation),
		Suggestion: getProviderSuggestion(provider, err),
		Err:        err,
	}
}

// getProviderSuggestion returns helpful suggestions based on provider and error
func getProviderSuggestion(provider string, err error) string {
	if IsValidation(err) {
		return "Reduce the payload size or fix the request fields"
	}

	errStr := err.Error()

	switch provider {
	case "aws":
		if strings.Contains(errStr, "ResourceNotFoundException") {
			return "Create the secret first or check its name"
		}
		if strings.Contains(errStr, "InvalidRequestException") {
			return "The secret is scheduled for deletion. Restore it before writing"
		}
	case "gcp":
		if strings.Contains(errStr, "NotFound") {
			return "Create the secret with CreateSecret before adding versions"
		}
	case "azure":
		if strings.Contains(errStr, "SecretNotFound") {
			return "Check the name or recover the secret if it was deleted"
		}
		if strings.Contains(errStr, "disabled") {
			return "Enable the secret or version before reading it"
		}
	case "postgres":
		if strings.Contains(errStr, "does not exist") {
			return "Run 'vstore schema' to create the provider schemas"
		}
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check database connectivity and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check DATABASE_URL"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"bad connection",
		"deadlock detected",
		"could not serialize access",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(UserError); ok {
		return err
	}
	if _, ok := err.(ConfigError); ok {
		return err
	}
	if IsValidation(err) {
		return err
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "json:") {
		return UserError{
			Message:    "Invalid JSON payload",
			Suggestion: "Payloads and metadata must be valid JSON documents",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "password authentication failed") {
		return UserError{
			Message:    "Database authentication failed",
			Suggestion: "Check the credentials in DATABASE_URL",
			Err:        err,
		}
	}

	return err
}
