package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/signer"
)

// PostgresLog is the shared-database journal backend for multi-node
// deployments. The per-tenant append serialization the file backend
// gets from a mutex comes from a transaction-scoped advisory lock here.
type PostgresLog struct {
	db    *sql.DB
	mac   *signer.EventMAC
	clock func() time.Time
}

// NewPostgresLog wraps an open *sql.DB (lib/pq driver).
func NewPostgresLog(db *sql.DB, mac *signer.EventMAC) *PostgresLog {
	return &PostgresLog{db: db, mac: mac, clock: time.Now}
}

// WithClock injects a deterministic clock (tests).
func (l *PostgresLog) WithClock(clock func() time.Time) *PostgresLog {
	l.clock = clock
	return l
}

const postgresLogSchema = `
CREATE TABLE IF NOT EXISTS governance_events (
	tenant    TEXT NOT NULL,
	seq       BIGINT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	body      BYTEA NOT NULL,
	hmac      TEXT NOT NULL,
	prev_hmac TEXT NOT NULL,
	PRIMARY KEY (tenant, seq)
);
`

// Init creates the journal table.
func (l *PostgresLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, postgresLogSchema)
	return err
}

func (l *PostgresLog) Append(ctx context.Context, ev *Event) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, ev.Tenant); err != nil {
		return 0, fmt.Errorf("eventlog: tenant lock: %w", err)
	}

	var lastSeq uint64
	var lastMAC string
	row := tx.QueryRowContext(ctx,
		`SELECT seq, hmac FROM governance_events WHERE tenant = $1 ORDER BY seq DESC LIMIT 1`,
		ev.Tenant)
	if err := row.Scan(&lastSeq, &lastMAC); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("eventlog: read head: %w", err)
	}

	ev.Seq = lastSeq + 1
	ev.PrevHMAC = lastMAC
	if ev.TS.IsZero() {
		ev.TS = l.clock().UTC()
	}

	body, err := ev.chainBytes()
	if err != nil {
		return 0, err
	}
	mac, err := l.mac.Chain(ev.Tenant, ev.PrevHMAC, body)
	if err != nil {
		return 0, err
	}
	ev.HMAC = mac

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO governance_events (tenant, seq, ts, body, hmac, prev_hmac) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Tenant, ev.Seq, ev.TS, body, ev.HMAC, ev.PrevHMAC); err != nil {
		return 0, fmt.Errorf("eventlog: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog: commit: %w", err)
	}
	return ev.Seq, nil
}

func (l *PostgresLog) Range(ctx context.Context, tenant string, from, to uint64) ([]Event, error) {
	if from == 0 {
		from = 1
	}
	query := `SELECT body, hmac FROM governance_events WHERE tenant = $1 AND seq >= $2`
	args := []any{tenant, from}
	if to != 0 {
		query += ` AND seq <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Event{}
	for rows.Next() {
		var body []byte
		var mac string
		if err := rows.Scan(&body, &mac); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev, err := decodeEntry(l.mac, tenant, body, mac)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	return out, nil
}

func (l *PostgresLog) Head(ctx context.Context, tenant string) (uint64, error) {
	var seq uint64
	row := l.db.QueryRowContext(ctx,
		`SELECT seq FROM governance_events WHERE tenant = $1 ORDER BY seq DESC LIMIT 1`, tenant)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventlog: head: %w", err)
	}
	return seq, nil
}

func (l *PostgresLog) VerifyChain(ctx context.Context, tenant string) (uint64, error) {
	events, err := l.Range(ctx, tenant, 1, 0)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, e := range events {
		if e.Seq != uint64(i)+1 {
			return uint64(i), errs.Newf(errs.NondeterministicOutput,
				"event chain break at tenant %s: seq gap before %d", tenant, e.Seq)
		}
		if e.PrevHMAC != prev {
			return uint64(i), errs.Newf(errs.NondeterministicOutput,
				"event chain break at tenant %s seq %d: prev_hmac mismatch", tenant, e.Seq)
		}
		prev = e.HMAC
	}
	return uint64(len(events)), nil
}
