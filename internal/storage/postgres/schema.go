package postgres

import (
	"context"
	"fmt"
	"strings"
)

// Provider schemas. Each provider keeps its secrets in its own schema so
// the three semantic layers never see each other's keys.
const (
	SchemaAWS   = "aws"
	SchemaGCP   = "gcp"
	SchemaAzure = "azure"
)

func validSchema(schema string) bool {
	switch schema {
	case SchemaAWS, SchemaGCP, SchemaAzure:
		return true
	}
	return false
}

// schemaStatements returns the idempotent DDL for one provider schema.
// Side tables are only created where the provider uses them.
func schemaStatements(schema string) []string {
	q := quoteSchema(schema)
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.secrets (
			key TEXT PRIMARY KEY,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			environment TEXT,
			location TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.versions (
			seq BIGSERIAL,
			secret_key TEXT NOT NULL REFERENCES %s.secrets(key) ON DELETE CASCADE,
			version_id TEXT NOT NULL,
			data JSONB NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (secret_key, version_id)
		)`, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_versions_order ON %s.versions(secret_key, seq)`, schema, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_secrets_environment ON %s.secrets(environment)`, schema, q),
	}

	switch schema {
	case SchemaAWS:
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.staging_labels (
			secret_key TEXT NOT NULL REFERENCES %s.secrets(key) ON DELETE CASCADE,
			label TEXT NOT NULL,
			version_id TEXT NOT NULL,
			PRIMARY KEY (secret_key, label)
		)`, q, q))
	case SchemaAzure:
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.deleted_secrets (
			key TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			deleted_at BIGINT NOT NULL,
			scheduled_purge_at BIGINT NOT NULL
		)`, q))
	}

	return stmts
}

// EnsureSchema creates the provider schema and its tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.backendErr("begin schema transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements(s.schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			first := strings.SplitN(strings.TrimSpace(stmt), "(", 2)[0]
			return s.backendErr(fmt.Sprintf("ensure schema (%s)", strings.TrimSpace(first)), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.backendErr("commit schema transaction", err)
	}
	s.logger.Debug("ensured schema %s", s.schema)
	return nil
}
