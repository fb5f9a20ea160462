package providers

import (
	"fmt"
)

// Azure access errors. A disabled secret or version is a client error,
// distinct from a missing one.
var (
	ErrSecretNotFound   = fmt.Errorf("secret not found")
	ErrSecretDisabled   = fmt.Errorf("secret is disabled")
	ErrVersionNotFound  = fmt.Errorf("secret version not found")
	ErrVersionDisabled  = fmt.Errorf("secret version is disabled")
	ErrSecretDeleted    = fmt.Errorf("secret is in deleted state")
	ErrDeletedNotFound  = fmt.Errorf("deleted secret not found")
	ErrSecretExists     = fmt.Errorf("secret already exists")
	ErrVersionIDMissing = fmt.Errorf("version id is required")
)

// StoreError wraps a backend failure with the provider operation that
// triggered it.
type StoreError struct {
	Provider string
	Op       string
	Key      string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func wrapErr(provider, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Provider: provider, Op: op, Key: key, Err: err}
}
