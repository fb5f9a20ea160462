// Package testutil provides testing utilities and helpers for vstore tests.
//
// This file implements the backend contract test framework that checks
// every versionstore.Backend behaves the same way, whether it keeps records
// in memory or in Postgres.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/vstore/pkg/versionstore"
)

// BackendTestCase defines a backend under test.
type BackendTestCase struct {
	// Name is a descriptive name for this test case (usually the backend kind)
	Name string

	// Backend is the implementation to test. Keys written by the suite are
	// prefixed with a per-run namespace, so a shared database is fine.
	Backend versionstore.Backend

	// SkipConcurrency skips the concurrency test if true
	SkipConcurrency bool
}

// RunBackendContractTests runs all contract tests for a backend.
//
// The suite covers:
//   - version writes, reads and insertion order
//   - absence reported through ok results instead of errors
//   - metadata replacement and state toggles
//   - snapshot and whole-record replacement
//   - concurrent writers on one key
//
// Example usage:
//
//	testutil.RunBackendContractTests(t, testutil.BackendTestCase{
//	    Name:    "memory",
//	    Backend: versionstore.NewMemory(),
//	})
func RunBackendContractTests(t *testing.T, tc BackendTestCase) {
	t.Helper()

	require.NotNil(t, tc.Backend, "Backend cannot be nil")
	require.NotEmpty(t, tc.Name, "Test case name cannot be empty")

	ns := fmt.Sprintf("contract-%s-%d", tc.Name, time.Now().UnixNano())
	key := func(t *testing.T) string {
		return ns + "/" + sanitizeTestName(t.Name())
	}

	t.Run("AddAndGet", func(t *testing.T) {
		testAddAndGet(t, tc.Backend, key(t))
	})

	t.Run("Absence", func(t *testing.T) {
		testAbsence(t, tc.Backend, key(t))
	})

	t.Run("Metadata", func(t *testing.T) {
		testMetadata(t, tc.Backend, key(t))
	})

	t.Run("StateToggles", func(t *testing.T) {
		testStateToggles(t, tc.Backend, key(t))
	})

	t.Run("SnapshotRoundTrip", func(t *testing.T) {
		testSnapshot(t, tc.Backend, key(t))
	})

	if !tc.SkipConcurrency {
		t.Run("Concurrency", func(t *testing.T) {
			testConcurrency(t, tc.Backend, key(t))
		})
	}
}

func testAddAndGet(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"zz", "aa", "mm"} {
		got, err := b.AddVersion(ctx, key, json.RawMessage(`{"v":"`+id+`"}`), id, nil)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	v, ok, err := b.GetVersion(ctx, key, "aa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"aa"}`, string(v.Data))
	assert.True(t, v.Enabled)

	latest, ok, err := b.LatestVersion(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mm", latest.ID, "latest must follow insertion order, not id order")

	versions, ok, err := b.ListVersions(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"zz", "aa", "mm"}, ids)

	_, err = b.AddVersion(ctx, key, json.RawMessage(`{}`), "aa", nil)
	assert.ErrorIs(t, err, versionstore.ErrDuplicateVersion)

	_, err = b.AddVersion(ctx, key, json.RawMessage(`{}`), "", nil)
	assert.ErrorIs(t, err, versionstore.ErrEmptyVersionID)

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, key)
}

func testAbsence(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := b.GetVersion(ctx, key, "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.LatestVersion(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.ListVersions(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "never-written key must report ok=false")

	exists, err := b.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err := b.DeleteSecret(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	// A metadata-only record exists with an empty version list.
	require.NoError(t, b.UpdateMetadata(ctx, key, json.RawMessage(`{"a":1}`)))
	versions, ok, err := b.ListVersions(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, versions)
}

func testMetadata(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()
	ctx := context.Background()

	_, err := b.AddVersion(ctx, key, json.RawMessage(`{}`), "v1", nil)
	require.NoError(t, err)

	require.NoError(t, b.UpdateMetadata(ctx, key, json.RawMessage(`{"a":1,"b":2}`)))
	require.NoError(t, b.UpdateMetadata(ctx, key, json.RawMessage(`{"c":3}`)))

	md, ok, err := b.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"c":3}`, string(md), "metadata is replaced, not merged")
}

func testStateToggles(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()
	ctx := context.Background()

	_, err := b.AddVersion(ctx, key, json.RawMessage(`{}`), "v1", nil)
	require.NoError(t, err)

	enabled, err := b.IsEnabled(ctx, key)
	require.NoError(t, err)
	assert.True(t, enabled)

	ok, err := b.DisableSecret(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	enabled, err = b.IsEnabled(ctx, key)
	require.NoError(t, err)
	assert.False(t, enabled)

	ok, err = b.EnableSecret(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DisableVersion(ctx, key, "v1")
	require.NoError(t, err)
	assert.True(t, ok)
	v, _, err := b.GetVersion(ctx, key, "v1")
	require.NoError(t, err)
	assert.False(t, v.Enabled)

	ok, err = b.EnableVersion(ctx, key, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := b.DeleteSecret(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)
	exists, err := b.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func testSnapshot(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()
	ctx := context.Background()

	_, err := b.AddVersion(ctx, key, json.RawMessage(`{"n":1}`), "v1", nil)
	require.NoError(t, err)
	_, err = b.AddVersion(ctx, key, json.RawMessage(`{"n":2}`), "v2", nil)
	require.NoError(t, err)
	require.NoError(t, b.UpdateMetadata(ctx, key, json.RawMessage(`{"tags":{"env":"prod"}}`)))

	rec, ok, err := b.Snapshot(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, rec.Key)
	require.Len(t, rec.Versions, 2)

	_, err = b.DeleteSecret(ctx, key)
	require.NoError(t, err)
	require.NoError(t, b.PutRecord(ctx, rec))

	restored, ok, err := b.Snapshot(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, restored.Versions, 2)
	assert.Equal(t, "v1", restored.Versions[0].ID)
	assert.Equal(t, "v2", restored.Versions[1].ID)
	assert.JSONEq(t, `{"tags":{"env":"prod"}}`, string(restored.Metadata))
}

// testConcurrency validates that writers to one key never collide.
func testConcurrency(t *testing.T, b versionstore.Backend, key string) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	gen := func(_ string, existing []versionstore.Version) string {
		return fmt.Sprintf("%d", len(existing)+1)
	}

	const concurrency = 20
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := b.AddVersion(ctx, key, json.RawMessage(`{}`), "", gen); err != nil {
				errs <- fmt.Errorf("goroutine %d: AddVersion failed: %w", id, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	var failed []error
	for err := range errs {
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		for _, err := range failed {
			t.Error(err)
		}
		t.Fatalf("Concurrency test failed with %d errors", len(failed))
	}

	versions, ok, err := b.ListVersions(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, versions, concurrency)
	for i, v := range versions {
		assert.Equal(t, fmt.Sprintf("%d", i+1), v.ID)
	}
}

// sanitizeTestName converts a test name into a key segment
func sanitizeTestName(name string) string {
	var b strings.Builder
	for _, ch := range name {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
