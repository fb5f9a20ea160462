package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/systmms/vstore/internal/config"
	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/logging"
	"github.com/systmms/vstore/pkg/versionstore"
)

// sessionBackend carries its own label and deleted tables, the way the
// Postgres store does, so state survives across command invocations.
type sessionBackend struct {
	*versionstore.Memory
	*versionstore.MemoryLabels
	*versionstore.MemoryDeleted
}

// sharedBackends makes every invocation in a test see the same backend per
// provider, the way a database would.
func sharedBackends(t *testing.T) {
	t.Helper()
	var mu sync.Mutex
	backends := map[string]versionstore.Backend{}
	previous := backendOpener
	backendOpener = func(ctx context.Context, cfg *config.Config, provider string) (versionstore.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := backends[provider]; ok {
			return b, nil
		}
		b := sessionBackend{
			Memory:        versionstore.NewMemory(),
			MemoryLabels:  versionstore.NewMemoryLabels(),
			MemoryDeleted: versionstore.NewMemoryDeleted(),
		}
		backends[provider] = b
		return b, nil
	}
	t.Cleanup(func() { backendOpener = previous })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	def := config.Default()
	def.Providers.GCP.Project = "demo"
	return &config.Config{
		Logger:     logging.New(false, true),
		Definition: def,
	}
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAWSCommand_PutGetRotation(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	first, err := runCommand(t, NewAWSCommand(cfg), "put", "app/db", "one")
	require.NoError(t, err)
	second, err := runCommand(t, NewAWSCommand(cfg), "put", "app/db", "two")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	out, err := runCommand(t, NewAWSCommand(cfg), "get", "app/db")
	require.NoError(t, err)
	assert.Equal(t, "two\n", out)

	out, err = runCommand(t, NewAWSCommand(cfg), "get", "app/db", "--stage", "AWSPREVIOUS")
	require.NoError(t, err)
	assert.Equal(t, "one\n", out)

	out, err = runCommand(t, NewAWSCommand(cfg), "get", "app/db", "--json")
	require.NoError(t, err)
	var view versionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, []string{"AWSCURRENT"}, view.Stages)
	assert.JSONEq(t, `{"SecretString":"two"}`, string(view.Data))
}

func TestAWSCommand_Describe(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	id, err := runCommand(t, NewAWSCommand(cfg), "put", "app/db", "one", "--version-id", "v1")
	require.NoError(t, err)
	require.Equal(t, "v1\n", id)

	out, err := runCommand(t, NewAWSCommand(cfg), "describe", "app/db")
	require.NoError(t, err)

	var view describeView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "arn:aws:secretsmanager:us-east-1:123456789012:secret:app/db", view.ARN)
	assert.Equal(t, map[string][]string{"v1": {"AWSCURRENT"}}, view.VersionIdsToStages)
	assert.Empty(t, view.DeletedDate)

	_, err = runCommand(t, NewAWSCommand(cfg), "describe", "missing")
	require.Error(t, err)
}

func TestAWSCommand_ExplicitVersionID(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	out, err := runCommand(t, NewAWSCommand(cfg), "put", "token", "v1", "--version-id", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1\n", out)

	_, err = runCommand(t, NewAWSCommand(cfg), "put", "token", "v2", "--version-id", "req-1")
	require.Error(t, err)

	out, err = runCommand(t, NewAWSCommand(cfg), "get", "token", "--version-id", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", out)
}

func TestAWSCommand_Errors(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	_, err := runCommand(t, NewAWSCommand(cfg), "get", "missing")
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)

	_, err = runCommand(t, NewAWSCommand(cfg), "get", "x", "--stage", "AWSCURRENT", "--version-id", "v")
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "Conflicting selectors", userErr.Message)
}

func TestAWSCommand_DeleteRestore(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	_, err := runCommand(t, NewAWSCommand(cfg), "put", "svc", "secret")
	require.NoError(t, err)

	out, err := runCommand(t, NewAWSCommand(cfg), "delete", "svc", "--recovery-window", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled for deletion")

	_, err = runCommand(t, NewAWSCommand(cfg), "get", "svc")
	require.Error(t, err)

	_, err = runCommand(t, NewAWSCommand(cfg), "restore", "svc")
	require.NoError(t, err)

	out, err = runCommand(t, NewAWSCommand(cfg), "get", "svc")
	require.NoError(t, err)
	assert.Equal(t, "secret\n", out)

	_, err = runCommand(t, NewAWSCommand(cfg), "delete", "svc", "--force")
	require.NoError(t, err)
	_, err = runCommand(t, NewAWSCommand(cfg), "restore", "svc")
	require.Error(t, err)
}

func TestGCPCommand_AddAccess(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	out, err := runCommand(t, NewGCPCommand(cfg), "add", "api-key", "first")
	require.NoError(t, err)
	assert.Equal(t, "projects/demo/secrets/api-key/versions/1\n", out)

	out, err = runCommand(t, NewGCPCommand(cfg), "add", "api-key", "second")
	require.NoError(t, err)
	assert.Equal(t, "projects/demo/secrets/api-key/versions/2\n", out)

	out, err = runCommand(t, NewGCPCommand(cfg), "access", "api-key")
	require.NoError(t, err)
	assert.Equal(t, "second\n", out)

	out, err = runCommand(t, NewGCPCommand(cfg), "access", "api-key", "--version", "1")
	require.NoError(t, err)
	assert.Equal(t, "first\n", out)

	out, err = runCommand(t, NewGCPCommand(cfg), "list")
	require.NoError(t, err)
	assert.Equal(t, "api-key\n", out)

	_, err = runCommand(t, NewGCPCommand(cfg), "access", "api-key", "--project", "other")
	require.Error(t, err)
}

func TestGCPCommand_RequiresProject(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)
	cfg.Definition.Providers.GCP.Project = ""

	_, err := runCommand(t, NewGCPCommand(cfg), "list")
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "No project selected", userErr.Message)
}

func TestAzureCommand_Lifecycle(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	_, err := runCommand(t, NewAzureCommand(cfg), "set", "conn", "v1")
	require.NoError(t, err)
	id, err := runCommand(t, NewAzureCommand(cfg), "set", "conn", "v2")
	require.NoError(t, err)
	assert.Len(t, id, 33)

	out, err := runCommand(t, NewAzureCommand(cfg), "get", "conn")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)

	out, err = runCommand(t, NewAzureCommand(cfg), "delete", "conn")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled purge")

	_, err = runCommand(t, NewAzureCommand(cfg), "set", "conn", "v3")
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "is deleted")

	_, err = runCommand(t, NewAzureCommand(cfg), "recover", "conn")
	require.NoError(t, err)

	out, err = runCommand(t, NewAzureCommand(cfg), "get", "conn", "--json")
	require.NoError(t, err)
	var view versionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "v2", view.Value)
	assert.True(t, view.Enabled)

	_, err = runCommand(t, NewAzureCommand(cfg), "delete", "conn")
	require.NoError(t, err)
	_, err = runCommand(t, NewAzureCommand(cfg), "purge", "conn")
	require.NoError(t, err)
	_, err = runCommand(t, NewAzureCommand(cfg), "recover", "conn")
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "No deleted secret")
}

func TestAzureCommand_BackupRestore(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	_, err := runCommand(t, NewAzureCommand(cfg), "set", "conn", "v1")
	require.NoError(t, err)
	_, err = runCommand(t, NewAzureCommand(cfg), "set", "conn", "v2")
	require.NoError(t, err)

	blob, err := runCommand(t, NewAzureCommand(cfg), "backup", "conn")
	require.NoError(t, err)
	blob = strings.TrimSpace(blob)
	require.NotEmpty(t, blob)

	_, err = runCommand(t, NewAzureCommand(cfg), "delete", "conn")
	require.NoError(t, err)
	_, err = runCommand(t, NewAzureCommand(cfg), "purge", "conn")
	require.NoError(t, err)

	id, err := runCommand(t, NewAzureCommand(cfg), "restore", blob)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "https://test-vault.vault.azure.net/secrets/conn/"), id)

	out, err := runCommand(t, NewAzureCommand(cfg), "get", "conn")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)

	_, err = runCommand(t, NewAzureCommand(cfg), "restore", "not-base64!")
	require.Error(t, err)
}

func TestAzureCommand_GetMissing(t *testing.T) {
	sharedBackends(t)
	cfg := testConfig(t)

	_, err := runCommand(t, NewAzureCommand(cfg), "get", "nope")
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "not found")
}

func TestBackendCommand(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	cfg := testConfig(t)

	out, err := runCommand(t, NewBackendCommand(cfg), "--json")
	require.NoError(t, err)

	var kinds map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &kinds))
	assert.Equal(t, map[string]string{"aws": "memory", "gcp": "memory", "azure": "memory"}, kinds)
}

func TestBackendCommand_LoadsConfigFile(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "vstore.yaml")

	def := config.Default()
	data, err := yaml.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg := &config.Config{Path: path, Logger: logging.New(false, true)}
	out, err := runCommand(t, NewBackendCommand(cfg))
	require.NoError(t, err)
	assert.Contains(t, out, "aws    memory")
	assert.NotNil(t, cfg.Definition)
}

func TestSchemaCommand_RequiresDatabase(t *testing.T) {
	cfg := testConfig(t)

	_, err := runCommand(t, NewSchemaCommand(cfg))
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "No database configured", userErr.Message)
}
