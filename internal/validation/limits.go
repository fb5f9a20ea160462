package validation

import (
	"encoding/base64"
	"fmt"

	"github.com/systmms/vstore/internal/errors"
)

// Payload size limits enforced by the hosted services.
const (
	AWSSecretMaxBytes   = 65536
	GCPSecretMaxBytes   = 65536
	AzureSecretMaxBytes = 25600
)

// ValidateAWSSecretSize checks a SecretString against the Secrets Manager limit.
func ValidateAWSSecretSize(secretString string) error {
	return checkSize("aws", "SecretString", len(secretString), AWSSecretMaxBytes)
}

// ValidateAzureSecretSize checks a Key Vault secret value.
func ValidateAzureSecretSize(value string) error {
	return checkSize("azure", "value", len(value), AzureSecretMaxBytes)
}

// ValidateGCPSecretSize checks raw (already decoded) payload bytes.
func ValidateGCPSecretSize(data []byte) error {
	return checkSize("gcp", "payload.data", len(data), GCPSecretMaxBytes)
}

// ValidateGCPSecretPayload decodes a base64 payload and checks its size.
func ValidateGCPSecretPayload(encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.ValidationError{
			Provider: "gcp",
			Field:    "payload.data",
			Message:  fmt.Sprintf("invalid base64: %v", err),
		}
	}
	return ValidateGCPSecretSize(data)
}

func checkSize(provider, field string, size, limit int) error {
	if size <= limit {
		return nil
	}
	return errors.ValidationError{
		Provider: provider,
		Field:    field,
		Limit:    limit,
		Actual:   size,
	}
}
