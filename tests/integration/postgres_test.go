package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/internal/storage/postgres"
	"github.com/systmms/vstore/tests/testutil"
)

func TestPostgresBackendContract(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	for _, schema := range []string{postgres.SchemaAWS, postgres.SchemaGCP, postgres.SchemaAzure} {
		t.Run(schema, func(t *testing.T) {
			testutil.RunBackendContractTests(t, testutil.BackendTestCase{
				Name:    "postgres-" + schema,
				Backend: testutil.OpenPostgresStore(t, dsn, schema),
			})
		})
	}
}

func TestPostgresAWSRotation(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	store := providers.NewAWSSecretStore(testutil.OpenPostgresStore(t, dsn, postgres.SchemaAWS))
	name := fmt.Sprintf("arn:aws:secretsmanager:eu-west-1:111122223333:secret:rot-%d", time.Now().UnixNano())

	first, err := store.AddVersion(ctx, name, json.RawMessage(`{"SecretString":"one"}`), "")
	require.NoError(t, err)
	second, err := store.AddVersion(ctx, name, json.RawMessage(`{"SecretString":"two"}`), "")
	require.NoError(t, err)

	require.NoError(t, store.UpdateMetadata(ctx, name, json.RawMessage(fmt.Sprintf(`{"ARN":%q,"Name":"rot"}`, name))))

	labels, ok, err := store.StagingLabels(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, labels[providers.AWSCurrent])
	assert.Equal(t, first, labels[providers.AWSPrevious])

	accounts, err := store.ListAllAccounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, accounts, "111122223333")

	regions, err := store.ListLocations(ctx)
	require.NoError(t, err)
	assert.Contains(t, regions, "eu-west-1")
}

func TestPostgresAWSConcurrentWriters(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	store := providers.NewAWSSecretStore(testutil.OpenPostgresStore(t, dsn, postgres.SchemaAWS))
	name := fmt.Sprintf("concurrent-%d", time.Now().UnixNano())

	const writers = 10
	var wg sync.WaitGroup
	ids := make(chan string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.AddVersion(ctx, name, json.RawMessage(fmt.Sprintf(`{"SecretString":"%d"}`, i)), "")
			assert.NoError(t, err)
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate version id %s", id)
		seen[id] = true
	}

	current, ok, err := store.GetCurrent(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seen[current.ID])
}

func TestPostgresAzureSoftDelete(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	store := providers.NewAzureSecretStore(testutil.OpenPostgresStore(t, dsn, postgres.SchemaAzure))
	name := fmt.Sprintf("conn-%d", time.Now().UnixNano())

	_, err := store.SetSecret(ctx, name, "v1")
	require.NoError(t, err)
	_, err = store.SetSecret(ctx, name, "v2")
	require.NoError(t, err)

	_, ok, err := store.DeleteSecret(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := store.IsDeleted(ctx, name)
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, err = store.RecoverSecret(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := store.GetSecret(ctx, name, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", providers.SecretValue(v))

	versions, _, err := store.ListVersions(ctx, name)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestPostgresGCPReporting(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	store := providers.NewGCPSecretStore(testutil.OpenPostgresStore(t, dsn, postgres.SchemaGCP))
	project := fmt.Sprintf("proj-%d", time.Now().UnixNano())

	_, err := store.CreateSecret(ctx, project, "db", providers.SecretMetadata{
		Labels:      map[string]string{"environment": "prod"},
		Replication: &providers.Replication{Locations: []string{"europe-west1"}},
	})
	require.NoError(t, err)
	_, err = store.AddPayload(ctx, project, "db", []byte("hunter2"))
	require.NoError(t, err)

	projects, err := store.ListAllProjects(ctx)
	require.NoError(t, err)
	assert.Contains(t, projects, project)

	names, err := store.ListSecretsFiltered(ctx, project, "prod", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, names)
}
