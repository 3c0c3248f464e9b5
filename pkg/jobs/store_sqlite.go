package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("jobs: job not found")

// RecordStore persists job records and their execution logs in sqlite.
type RecordStore struct {
	db *sql.DB
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	tenant          TEXT NOT NULL,
	project         TEXT NOT NULL DEFAULT '',
	job_type        TEXT NOT NULL,
	payload         TEXT,
	idempotency_key TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	estimated_cost  INTEGER NOT NULL DEFAULT 1,
	submitted_by    TEXT NOT NULL,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	finished_at     TEXT
);
CREATE INDEX IF NOT EXISTS jobs_tenant_status ON jobs (tenant, status);
CREATE INDEX IF NOT EXISTS jobs_idem ON jobs (tenant, idempotency_key);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	ts     TEXT NOT NULL,
	line   TEXT NOT NULL,
	PRIMARY KEY (job_id, seq)
);
`

// NewRecordStore opens (or creates) the job database at path and runs
// the migration. Use ":memory:" for tests.
func NewRecordStore(path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job db: %w", err)
	}
	if _, err := db.Exec(jobsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate job db: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Insert persists a new record.
func (s *RecordStore) Insert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, tenant, project, job_type, payload, idempotency_key, status,
			attempts, max_attempts, estimated_cost, submitted_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Tenant, r.Project, r.Type, string(r.Payload), r.IdempotencyKey, string(r.Status),
		r.Attempts, r.MaxAttempts, r.EstimatedCost, r.SubmittedBy,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Update rewrites a record's mutable fields.
func (s *RecordStore) Update(ctx context.Context, r *Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, error_code = ?, error_message = ?,
			updated_at = ?, started_at = ?, finished_at = ?
		WHERE job_id = ?`,
		string(r.Status), r.Attempts, r.ErrorCode, r.ErrorMessage,
		formatTime(r.UpdatedAt), formatTimePtr(r.StartedAt), formatTimePtr(r.FinishedAt),
		r.JobID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.JobID)
	}
	return nil
}

const recordColumns = `job_id, tenant, project, job_type, payload, idempotency_key, status,
	attempts, max_attempts, estimated_cost, submitted_by, error_code, error_message,
	created_at, updated_at, started_at, finished_at`

// Get loads a record by job id.
func (s *RecordStore) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM jobs WHERE job_id = ?`, jobID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return r, nil
}

// FindActiveByIdempotencyKey returns the tenant's non-terminal job with
// the given key, or nil when none exists.
func (s *RecordStore) FindActiveByIdempotencyKey(ctx context.Context, tenant, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM jobs
		WHERE tenant = ? AND idempotency_key = ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		tenant, key, string(StatusQueued), string(StatusRunning), string(StatusRetrying))
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// ListUnfinished returns every non-terminal record in submission order,
// used for crash recovery.
func (s *RecordStore) ListUnfinished(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM jobs
		WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		string(StatusQueued), string(StatusRunning), string(StatusRetrying))
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendLog adds one line to a job's execution log.
func (s *RecordStore) AppendLog(ctx context.Context, jobID string, ts time.Time, line string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, seq, ts, line)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = ?), ?, ?)`,
		jobID, jobID, formatTime(ts), line)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// Logs returns a job's execution log in order.
func (s *RecordStore) Logs(ctx context.Context, jobID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, line FROM job_logs WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []LogLine{}
	for rows.Next() {
		var l LogLine
		var ts string
		if err := rows.Scan(&l.Seq, &ts, &l.Line); err != nil {
			return nil, err
		}
		l.TS = parseTime(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		payload    sql.NullString
		status     string
		createdAt  string
		updatedAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	err := row.Scan(&r.JobID, &r.Tenant, &r.Project, &r.Type, &payload, &r.IdempotencyKey, &status,
		&r.Attempts, &r.MaxAttempts, &r.EstimatedCost, &r.SubmittedBy,
		&r.ErrorCode, &r.ErrorMessage, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		r.StartedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		r.FinishedAt = &t
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
