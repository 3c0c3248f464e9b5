package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// StatusStore is the lifecycle side-table. Manifests never change after
// publish; status transitions land here.
type StatusStore struct {
	db *sql.DB
}

const statusSchema = `
CREATE TABLE IF NOT EXISTS artifact_status (
	artifact_id TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL
);
`

// NewStatusStore opens (or creates) the status database at path and
// runs the migration. Use ":memory:" for tests.
func NewStatusStore(path string) (*StatusStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open status db: %w", err)
	}
	if _, err := db.Exec(statusSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate status db: %w", err)
	}
	return &StatusStore{db: db}, nil
}

// Set records a status transition for an artifact.
func (s *StatusStore) Set(ctx context.Context, artifactID string, status Status, actor, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifact_status (artifact_id, status, reason, actor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			actor = excluded.actor,
			updated_at = excluded.updated_at`,
		artifactID, string(status), reason, actor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set artifact status: %w", err)
	}
	return nil
}

// Get returns the artifact's current status. Artifacts with no recorded
// transition are PUBLISHED.
func (s *StatusStore) Get(ctx context.Context, artifactID string) (Status, error) {
	var status string
	row := s.db.QueryRowContext(ctx,
		`SELECT status FROM artifact_status WHERE artifact_id = ?`, artifactID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusPublished, nil
		}
		return "", fmt.Errorf("failed to read artifact status: %w", err)
	}
	return Status(status), nil
}

// Close closes the underlying database.
func (s *StatusStore) Close() error {
	return s.db.Close()
}
