// Package sqlite implements statusdb.Store against SQLite via
// database/sql, grounded on the teacher's internal/repository/sqlite
// per-table repo style (internal/repository/sqlite/token.go).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Store is a SQLite-backed statusdb.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and wraps
// it as a Store, applying the same WAL/busy-timeout pragmas the teacher's
// bootstrap.OpenSQLite uses for its own panel database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("statusdb: sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open statusdb sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping statusdb sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open *sql.DB, for callers (and tests) that
// manage the connection lifecycle themselves.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection, for callers (goose migrations)
// that need to operate below the Store abstraction.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert writes one host's status+badness row, per §4.6 step 1.
func (s *Store) Upsert(ctx context.Context, row arbiter.StatusDBRow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("statusdb: store is not configured")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statusdb: begin upsert: %w", err)
	}
	defer tx.Rollback()

	const statusStmt = `
		INSERT INTO status(hostname, uid, sync_group, current_status, default_status, occurrences, penalty_expiry_ts, occur_expiry_ts, authority, modified_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, uid, sync_group) DO UPDATE SET
			current_status = excluded.current_status,
			default_status = excluded.default_status,
			occurrences = excluded.occurrences,
			penalty_expiry_ts = excluded.penalty_expiry_ts,
			occur_expiry_ts = excluded.occur_expiry_ts,
			authority = excluded.authority,
			modified_ts = excluded.modified_ts`
	if _, err := tx.ExecContext(ctx, statusStmt,
		row.Hostname, row.UID, row.SyncGroup, row.Current, row.DefaultGroup,
		row.Occurrences, toUnix(row.PenaltyExpiry), toUnix(row.OccurExpiry), row.Authority, toUnix(row.ModifiedTS),
	); err != nil {
		return fmt.Errorf("statusdb: upsert status: %w", err)
	}

	const badnessStmt = `
		INSERT INTO badness(hostname, uid, sync_group, cpu_score, mem_score, expiry_ts, modified_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, uid, sync_group) DO UPDATE SET
			cpu_score = excluded.cpu_score,
			mem_score = excluded.mem_score,
			expiry_ts = excluded.expiry_ts,
			modified_ts = excluded.modified_ts`
	if _, err := tx.ExecContext(ctx, badnessStmt,
		row.Hostname, row.UID, row.SyncGroup, row.CPUScore, row.MemScore, toUnix(row.BadnessExpiry), toUnix(row.ModifiedTS),
	); err != nil {
		return fmt.Errorf("statusdb: upsert badness: %w", err)
	}

	return tx.Commit()
}

// PeerRows returns every row for (syncGroup, uid) written by a host other
// than excludeHostname, per §4.6 step 2.
func (s *Store) PeerRows(ctx context.Context, syncGroup string, uid int, excludeHostname string) ([]arbiter.StatusDBRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("statusdb: store is not configured")
	}
	const query = `
		SELECT s.hostname, s.uid, s.sync_group, s.current_status, s.default_status, s.occurrences,
		       s.penalty_expiry_ts, s.occur_expiry_ts, s.authority, s.modified_ts,
		       COALESCE(b.cpu_score, 0), COALESCE(b.mem_score, 0), COALESCE(b.expiry_ts, 0)
		FROM status s
		LEFT JOIN badness b ON b.hostname = s.hostname AND b.uid = s.uid AND b.sync_group = s.sync_group
		WHERE s.sync_group = ? AND s.uid = ? AND s.hostname != ?`
	rows, err := s.db.QueryContext(ctx, query, syncGroup, uid, excludeHostname)
	if err != nil {
		return nil, fmt.Errorf("statusdb: select peer rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// BootstrapRows returns every row this host previously wrote for its own
// sync group, younger than newerThan, per §4.7.
func (s *Store) BootstrapRows(ctx context.Context, hostname, syncGroup string, newerThan time.Time) ([]arbiter.StatusDBRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("statusdb: store is not configured")
	}
	const query = `
		SELECT s.hostname, s.uid, s.sync_group, s.current_status, s.default_status, s.occurrences,
		       s.penalty_expiry_ts, s.occur_expiry_ts, s.authority, s.modified_ts,
		       COALESCE(b.cpu_score, 0), COALESCE(b.mem_score, 0), COALESCE(b.expiry_ts, 0)
		FROM status s
		LEFT JOIN badness b ON b.hostname = s.hostname AND b.uid = s.uid AND b.sync_group = s.sync_group
		WHERE s.hostname = ? AND s.sync_group = ? AND s.modified_ts >= ?`
	rows, err := s.db.QueryContext(ctx, query, hostname, syncGroup, newerThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("statusdb: select bootstrap rows: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]arbiter.StatusDBRow, error) {
	var out []arbiter.StatusDBRow
	for rows.Next() {
		var (
			row                                               arbiter.StatusDBRow
			penaltyExpiry, occurExpiry, modifiedTS, badExpiry int64
		)
		if err := rows.Scan(
			&row.Hostname, &row.UID, &row.SyncGroup, &row.Current, &row.DefaultGroup, &row.Occurrences,
			&penaltyExpiry, &occurExpiry, &row.Authority, &modifiedTS,
			&row.CPUScore, &row.MemScore, &badExpiry,
		); err != nil {
			return nil, fmt.Errorf("statusdb: scan row: %w", err)
		}
		row.PenaltyExpiry = fromUnix(penaltyExpiry)
		row.OccurExpiry = fromUnix(occurExpiry)
		row.ModifiedTS = fromUnix(modifiedTS)
		row.BadnessExpiry = fromUnix(badExpiry)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statusdb: iterate rows: %w", err)
	}
	return out, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
