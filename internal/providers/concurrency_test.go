package providers_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/pkg/versionstore"
)

// TestConcurrentAWSWrites verifies same-key writers never lose a version
// and the labels always point at stored versions.
func TestConcurrentAWSWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	s := providers.NewAWSSecretStore(versionstore.NewMemory(), providers.WithClock(fixedClock()))

	const numWriters = 50
	ids := make(chan string, numWriters)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numWriters; i++ {
		g.Go(func() error {
			id, err := s.AddVersion(gctx, "shared", secretString(fmt.Sprintf("v%d", i)), "")
			if err != nil {
				return err
			}
			ids <- id
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	versions, ok, err := s.ListVersions(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, versions, numWriters)

	labels, _, err := s.StagingLabels(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, seen[labels[providers.AWSCurrent]])
	assert.True(t, seen[labels[providers.AWSPrevious]])
	assert.NotEqual(t, labels[providers.AWSCurrent], labels[providers.AWSPrevious])
}

// TestConcurrentGCPSequentialIDs verifies concurrent adds still number
// versions 1..n without gaps.
func TestConcurrentGCPSequentialIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	s := providers.NewGCPSecretStore(versionstore.NewMemory())

	const numWriters = 40
	var wg sync.WaitGroup
	wg.Add(numWriters)
	errs := make(chan error, numWriters)

	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.AddPayload(ctx, "proj", "counter", []byte("x")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("add failed: %v", err)
	}

	versions, _, err := s.ListVersions(ctx, "proj", "counter")
	require.NoError(t, err)
	require.Len(t, versions, numWriters)
	for i, v := range versions {
		assert.Equal(t, fmt.Sprint(i+1), v.ID)
	}
}

// TestConcurrentDistinctKeys exercises independent keys across all three
// provider layers sharing one backend each.
func TestConcurrentDistinctKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	aws := providers.NewAWSSecretStore(versionstore.NewMemory())
	gcp := providers.NewGCPSecretStore(versionstore.NewMemory())
	azure := providers.NewAzureSecretStore(versionstore.NewMemory())

	const numKeys = 20
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numKeys; i++ {
		name := fmt.Sprintf("key-%d", i)
		g.Go(func() error {
			_, err := aws.AddVersion(gctx, name, secretString(name), "")
			return err
		})
		g.Go(func() error {
			_, err := gcp.AddPayload(gctx, "proj", name, []byte(name))
			return err
		})
		g.Go(func() error {
			_, err := azure.SetSecret(gctx, name, name)
			return err
		})
	}
	require.NoError(t, g.Wait())

	awsNames, err := aws.ListAllSecrets(ctx)
	require.NoError(t, err)
	assert.Len(t, awsNames, numKeys)

	gcpNames, err := gcp.ListSecrets(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, gcpNames, numKeys)

	azureNames, err := azure.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Len(t, azureNames, numKeys)

	for _, name := range azureNames {
		v, err := azure.GetSecret(ctx, name, "")
		require.NoError(t, err)
		assert.Equal(t, name, providers.SecretValue(v))
	}
}

// TestConcurrentAzureDeleteRecover checks that concurrent delete and
// recover never leave a secret both live and deleted.
func TestConcurrentAzureDeleteRecover(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	s := providers.NewAzureSecretStore(versionstore.NewMemory())
	_, err := s.SetSecret(ctx, "flip", "v")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = s.DeleteSecret(ctx, "flip")
		}()
		go func() {
			defer wg.Done()
			_, _ = s.RecoverSecret(ctx, "flip")
		}()
	}
	wg.Wait()

	live, err := s.Exists(ctx, "flip")
	require.NoError(t, err)
	deleted, err := s.IsDeleted(ctx, "flip")
	require.NoError(t, err)
	assert.NotEqual(t, live, deleted, "secret must be exactly one of live or deleted")
}
