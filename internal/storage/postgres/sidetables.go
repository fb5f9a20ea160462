package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/systmms/vstore/pkg/versionstore"
)

// Labels returns the staging labels of key (aws schema only).
func (s *Store) Labels(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT label, version_id FROM %s.staging_labels WHERE secret_key = $1`, s.q), key)
	if err != nil {
		return nil, s.backendErr("get labels", err)
	}
	defer func() { _ = rows.Close() }()

	labels := make(map[string]string)
	for rows.Next() {
		var label, versionID string
		if err := rows.Scan(&label, &versionID); err != nil {
			return nil, s.backendErr("scan label", err)
		}
		labels[label] = versionID
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr("iterate labels", err)
	}
	return labels, nil
}

// SetLabels replaces every staging label of key in one transaction.
func (s *Store) SetLabels(ctx context.Context, key string, labels map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.backendErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s.staging_labels WHERE secret_key = $1`, s.q), key); err != nil {
		return s.backendErr("clear labels", err)
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.staging_labels (secret_key, label, version_id) VALUES ($1, $2, $3)`, s.q),
			key, name, labels[name]); err != nil {
			return s.backendErr("insert label", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.backendErr("commit", err)
	}
	return nil
}

func (s *Store) DeleteLabels(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s.staging_labels WHERE secret_key = $1`, s.q), key); err != nil {
		return s.backendErr("delete labels", err)
	}
	return nil
}

// PutDeleted stores a soft-deleted record (azure schema only).
func (s *Store) PutDeleted(ctx context.Context, key string, rec versionstore.DeletedRecord) error {
	body, err := json.Marshal(rec.Record)
	if err != nil {
		return fmt.Errorf("encode deleted record: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.deleted_secrets (key, record, deleted_at, scheduled_purge_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET record = EXCLUDED.record, deleted_at = EXCLUDED.deleted_at,
			scheduled_purge_at = EXCLUDED.scheduled_purge_at`, s.q),
		key, string(body), rec.DeletedAt, rec.ScheduledPurgeAt); err != nil {
		return s.backendErr("put deleted", err)
	}
	return nil
}

func (s *Store) scanDeleted(row *sql.Row, op string) (versionstore.DeletedRecord, bool, error) {
	var (
		body []byte
		rec  versionstore.DeletedRecord
	)
	err := row.Scan(&body, &rec.DeletedAt, &rec.ScheduledPurgeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return versionstore.DeletedRecord{}, false, nil
	}
	if err != nil {
		return versionstore.DeletedRecord{}, false, s.backendErr(op, err)
	}
	if err := json.Unmarshal(body, &rec.Record); err != nil {
		return versionstore.DeletedRecord{}, false, fmt.Errorf("decode deleted record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) GetDeleted(ctx context.Context, key string) (versionstore.DeletedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT record, deleted_at, scheduled_purge_at FROM %s.deleted_secrets WHERE key = $1`, s.q), key)
	return s.scanDeleted(row, "get deleted")
}

func (s *Store) TakeDeleted(ctx context.Context, key string) (versionstore.DeletedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`DELETE FROM %s.deleted_secrets WHERE key = $1 RETURNING record, deleted_at, scheduled_purge_at`, s.q), key)
	return s.scanDeleted(row, "take deleted")
}

func (s *Store) ListDeleted(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "list deleted", fmt.Sprintf(`SELECT key FROM %s.deleted_secrets ORDER BY key`, s.q))
}
