// Package waiver manages policy waivers: scoped, time-boxed exemptions
// that the release gate may honor when its policy pack allows them.
package waiver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// State is a waiver's lifecycle state.
type State string

const (
	StatePropose  State = "PROPOSED"
	StateApproved State = "APPROVED"
	StateExpired  State = "EXPIRED"
	StateRevoked  State = "REVOKED"
)

// Waiver is one scoped exemption from a gate check.
type Waiver struct {
	ID          string    `json:"waiver_id"`
	Tenant      string    `json:"tenant"`
	Scope       string    `json:"scope"` // gate check the waiver covers
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	ApprovedBy  string    `json:"approved_by,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the waiver is usable at the given instant:
// APPROVED and not yet expired. Expiry needs no sweep to take effect.
func (w *Waiver) Valid(now time.Time) bool {
	return w.State == StateApproved && now.Before(w.ExpiresAt)
}

// ErrNotFound is returned for unknown waiver ids.
var ErrNotFound = errors.New("waiver: not found")

// Store persists waivers in sqlite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS waivers (
	id           TEXT PRIMARY KEY,
	tenant       TEXT NOT NULL,
	scope        TEXT NOT NULL,
	reason       TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	approved_by  TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL,
	warned       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS waivers_tenant ON waivers (tenant, state);
`

// NewStore opens (or creates) the waiver database at path and runs the
// migration. Use ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open waiver db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate waiver db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, w *Waiver) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waivers (id, tenant, scope, reason, requested_by, approved_by, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Tenant, w.Scope, w.Reason, w.RequestedBy, w.ApprovedBy,
		string(w.State), w.CreatedAt, w.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert waiver: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (*Waiver, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, scope, reason, requested_by, approved_by, state, created_at, expires_at
		FROM waivers WHERE id = ?`, id)

	var w Waiver
	var state string
	err := row.Scan(&w.ID, &w.Tenant, &w.Scope, &w.Reason, &w.RequestedBy,
		&w.ApprovedBy, &state, &w.CreatedAt, &w.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read waiver: %w", err)
	}
	w.State = State(state)
	return &w, nil
}

func (s *Store) setState(ctx context.Context, id string, state State, approvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waivers SET state = ?, approved_by = CASE WHEN ? != '' THEN ? ELSE approved_by END
		WHERE id = ?`,
		string(state), approvedBy, approvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to update waiver: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// listByState returns waivers in the given state.
func (s *Store) listByState(ctx context.Context, state State) ([]*Waiver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, scope, reason, requested_by, approved_by, state, created_at, expires_at
		FROM waivers WHERE state = ? ORDER BY created_at ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list waivers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Waiver
	for rows.Next() {
		var w Waiver
		var st string
		if err := rows.Scan(&w.ID, &w.Tenant, &w.Scope, &w.Reason, &w.RequestedBy,
			&w.ApprovedBy, &st, &w.CreatedAt, &w.ExpiresAt); err != nil {
			return nil, err
		}
		w.State = State(st)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// listApprovedByScope returns APPROVED waivers for a tenant and scope.
func (s *Store) listApprovedByScope(ctx context.Context, tenant, scope string) ([]*Waiver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, scope, reason, requested_by, approved_by, state, created_at, expires_at
		FROM waivers WHERE tenant = ? AND scope = ? AND state = ? ORDER BY created_at ASC`,
		tenant, scope, string(StateApproved))
	if err != nil {
		return nil, fmt.Errorf("failed to list waivers by scope: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Waiver
	for rows.Next() {
		var w Waiver
		var st string
		if err := rows.Scan(&w.ID, &w.Tenant, &w.Scope, &w.Reason, &w.RequestedBy,
			&w.ApprovedBy, &st, &w.CreatedAt, &w.ExpiresAt); err != nil {
			return nil, err
		}
		w.State = State(st)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *Store) markWarned(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE waivers SET warned = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) isWarned(ctx context.Context, id string) (bool, error) {
	var warned int
	row := s.db.QueryRowContext(ctx, `SELECT warned FROM waivers WHERE id = ?`, id)
	if err := row.Scan(&warned); err != nil {
		return false, err
	}
	return warned != 0, nil
}

func newWaiverID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate waiver id: %w", err)
	}
	return "wvr-" + id.String(), nil
}
