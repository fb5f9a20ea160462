package validation

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/vstore/internal/errors"
)

func TestSizeLimitsBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		validate func(n int) error
		limit    int
	}{
		{"aws", func(n int) error { return ValidateAWSSecretSize(strings.Repeat("a", n)) }, 65536},
		{"azure", func(n int) error { return ValidateAzureSecretSize(strings.Repeat("a", n)) }, 25600},
		{"gcp", func(n int) error { return ValidateGCPSecretSize(make([]byte, n)) }, 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.NoError(t, tt.validate(0))
			assert.NoError(t, tt.validate(tt.limit))

			err := tt.validate(tt.limit + 1)
			require.Error(t, err)

			var ve errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.name, ve.Provider)
			assert.Equal(t, tt.limit, ve.Limit)
			assert.Equal(t, tt.limit+1, ve.Actual)
		})
	}
}

func TestAzureLimitCountsBytes(t *testing.T) {
	t.Parallel()

	// "é" is two bytes in UTF-8.
	assert.NoError(t, ValidateAzureSecretSize(strings.Repeat("é", 12800)))
	assert.Error(t, ValidateAzureSecretSize(strings.Repeat("é", 12800)+"x"))
}

func TestValidateGCPSecretPayload(t *testing.T) {
	t.Parallel()

	atLimit := base64.StdEncoding.EncodeToString(make([]byte, GCPSecretMaxBytes))
	assert.NoError(t, ValidateGCPSecretPayload(atLimit))

	over := base64.StdEncoding.EncodeToString(make([]byte, GCPSecretMaxBytes+1))
	assert.True(t, errors.IsValidation(ValidateGCPSecretPayload(over)))

	err := ValidateGCPSecretPayload("not base64!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid base64")
}
