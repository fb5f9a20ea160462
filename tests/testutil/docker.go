package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/systmms/vstore/internal/storage/postgres"
)

// EnvTestDatabaseURL points integration tests at an existing database
// instead of starting one with Docker Compose.
const EnvTestDatabaseURL = "VSTORE_TEST_DATABASE_URL"

// DockerTestEnv manages the Docker Compose lifecycle for integration tests
type DockerTestEnv struct {
	t           *testing.T
	composePath string
	projectName string
	started     bool
	pgPort      int
}

// PostgresDSN returns a DSN for integration tests. It prefers
// VSTORE_TEST_DATABASE_URL and otherwise starts the postgres service from
// tests/integration/docker-compose.yml. The test is skipped when neither
// is available.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if dsn := os.Getenv(EnvTestDatabaseURL); dsn != "" {
		return dsn
	}
	return StartDockerEnv(t).PostgresConnString()
}

// OpenPostgresStore opens one provider schema against dsn, creates its
// tables and closes the pool when the test ends.
func OpenPostgresStore(t *testing.T, dsn, schema string) *postgres.Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to create schema %s: %v", schema, err)
	}

	db := store.DB()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return store
}

// StartDockerEnv starts the postgres service for integration testing
func StartDockerEnv(t *testing.T) *DockerTestEnv {
	t.Helper()

	SkipIfDockerUnavailable(t)

	composePath := findDockerComposePath(t)
	if composePath == "" {
		t.Fatal("docker-compose.yml not found in tests/integration/")
	}

	// UnixNano keeps parallel runs from sharing a compose project
	env := &DockerTestEnv{
		t:           t,
		composePath: composePath,
		projectName: fmt.Sprintf("vstore-test-%d", time.Now().UnixNano()),
	}

	env.start()
	t.Cleanup(env.Stop)

	if err := env.WaitForHealthy(60 * time.Second); err != nil {
		t.Fatalf("Docker services failed to become healthy: %v", err)
	}
	if err := env.discoverPort(); err != nil {
		t.Fatalf("Failed to discover ports: %v", err)
	}
	return env
}

// SkipIfDockerUnavailable skips the test if Docker is not available
func SkipIfDockerUnavailable(t *testing.T) {
	t.Helper()

	if !IsDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}
}

// IsDockerAvailable checks if Docker and the compose plugin are usable
func IsDockerAvailable() bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	if err := exec.Command("docker", "ps").Run(); err != nil {
		return false
	}
	return exec.Command("docker", "compose", "version").Run() == nil
}

func (e *DockerTestEnv) compose(args ...string) *exec.Cmd {
	full := append([]string{"compose", "-f", e.composePath, "-p", e.projectName}, args...)
	cmd := exec.Command("docker", full...)
	cmd.Dir = filepath.Dir(e.composePath)
	return cmd
}

func (e *DockerTestEnv) start() {
	e.t.Helper()

	cmd := e.compose("up", "-d", "postgres")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	e.t.Logf("Starting postgres (project %s)", e.projectName)
	if err := cmd.Run(); err != nil {
		e.t.Fatalf("Failed to start Docker services: %v", err)
	}
	e.started = true
}

// Stop stops and removes the compose project with its volumes
func (e *DockerTestEnv) Stop() {
	if !e.started {
		return
	}

	cmd := e.compose("down", "-v")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		e.t.Logf("Warning: Failed to stop Docker services: %v", err)
	}
	e.started = false
}

// WaitForHealthy waits until the postgres healthcheck passes
func (e *DockerTestEnv) WaitForHealthy(timeout time.Duration) error {
	e.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Compose names containers {project}-{service}-{replica}
	container := fmt.Sprintf("%s-postgres-1", e.projectName)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s to be healthy", container)
		case <-ticker.C:
			out, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", container).Output()
			if err == nil && strings.TrimSpace(string(out)) == "healthy" {
				return nil
			}
		}
	}
}

func (e *DockerTestEnv) discoverPort() error {
	out, err := e.compose("port", "postgres", "5432").Output()
	if err != nil {
		return fmt.Errorf("failed to get port for postgres:5432: %w", err)
	}

	// "0.0.0.0:32768" -> 32768
	portStr := strings.TrimSpace(string(out))
	idx := strings.LastIndex(portStr, ":")
	if idx < 0 {
		return fmt.Errorf("unexpected port output format: %s", portStr)
	}
	if _, err := fmt.Sscanf(portStr[idx+1:], "%d", &e.pgPort); err != nil {
		return fmt.Errorf("failed to parse host port from %s: %w", portStr, err)
	}
	e.t.Logf("Discovered port mapping: postgres:5432 -> localhost:%d", e.pgPort)
	return nil
}

// PostgresConnString returns the PostgreSQL connection string with dynamic port
func (e *DockerTestEnv) PostgresConnString() string {
	return fmt.Sprintf("host=127.0.0.1 port=%d user=vstore password=vstore-password dbname=vstore sslmode=disable", e.pgPort)
}

func findDockerComposePath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	// Walk up to the module root (contains go.mod)
	for dir := wd; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			path := filepath.Join(dir, "tests", "integration", "docker-compose.yml")
			if _, err := os.Stat(path); err == nil {
				return path
			}
			return ""
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}
