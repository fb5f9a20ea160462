package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		schema   string
		key      string
		metadata string
		env      string
		location string
	}{
		{
			name:     "gcp labels",
			schema:   SchemaGCP,
			key:      "projects/p/secrets/s",
			metadata: `{"labels":{"Environment":"prod","location":"europe-west1"}}`,
			env:      "prod",
			location: "europe-west1",
		},
		{
			name:     "gcp automatic replication",
			schema:   SchemaGCP,
			key:      "projects/p/secrets/s",
			metadata: `{"labels":{"env":"dev","location":"automatic"}}`,
			env:      "dev",
		},
		{
			name:     "gcp parameter key location",
			schema:   SchemaGCP,
			key:      "projects/p/locations/us-east1/parameters/n",
			metadata: `{"labels":{}}`,
			location: "us-east1",
		},
		{
			name:     "aws tags",
			schema:   SchemaAWS,
			key:      "db",
			metadata: `{"Tags":[{"Key":"team","Value":"x"},{"Key":"Env","Value":"staging"},{"Key":"Region","Value":"eu-west-1"}]}`,
			env:      "staging",
			location: "eu-west-1",
		},
		{
			name:     "aws arn region",
			schema:   SchemaAWS,
			key:      "db",
			metadata: `{"ARN":"arn:aws:secretsmanager:ap-south-1:123456789012:secret:db-AbCdEf"}`,
			location: "ap-south-1",
		},
		{
			name:     "azure tags",
			schema:   SchemaAzure,
			key:      "api-key",
			metadata: `{"tags":{"environment":"qa","region":"westeurope"}}`,
			env:      "qa",
			location: "westeurope",
		},
		{
			name:     "non string label ignored",
			schema:   SchemaGCP,
			key:      "projects/p/secrets/s",
			metadata: `{"labels":{"env":3}}`,
		},
		{
			name:     "invalid json",
			schema:   SchemaAzure,
			key:      "api-key",
			metadata: `{"tags":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, loc := classify(tt.schema, tt.key, []byte(tt.metadata))
			assert.Equal(t, tt.env, env)
			assert.Equal(t, tt.location, loc)
		})
	}
}

func TestRegionFromARN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "us-east-1", regionFromARN("arn:aws:secretsmanager:us-east-1:123456789012:secret:x"))
	assert.Empty(t, regionFromARN("not-an-arn"))
	assert.Empty(t, regionFromARN(""))
}
