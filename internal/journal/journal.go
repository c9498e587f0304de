// Package journal records the processing state of each accession in a
// SQLite database so operators can see what has been rewritten, what
// failed, and what is still in flight.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run states.
const (
	StateStarted = "started"
	StateDelited = "delited"
	StateFailed  = "failed"
)

// RunRecord is the journal entry for one accession.
type RunRecord struct {
	Accession  string
	State      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// Journal tracks per-accession run state.
type Journal interface {
	// Begin records that processing of the accession has started. A
	// previous entry for the same accession is reset.
	Begin(ctx context.Context, accession string) error

	// MarkDelited records successful completion.
	MarkDelited(ctx context.Context, accession string) error

	// MarkFailed records a failure with its error text.
	MarkFailed(ctx context.Context, accession string, cause error) error

	// Get retrieves the entry for one accession, or nil if none exists.
	Get(ctx context.Context, accession string) (*RunRecord, error)

	// List returns all entries ordered by start time.
	List(ctx context.Context) ([]*RunRecord, error)

	// Close closes the journal database connection.
	Close() error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	accession   TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
`

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at dbPath.
func Open(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to initialize schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Begin(ctx context.Context, accession string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (accession, state, started_at, finished_at, error)
		VALUES (?, ?, ?, NULL, '')
		ON CONFLICT(accession) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = NULL,
			error = ''`,
		accession, StateStarted, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("journal: failed to record start of %s: %w", accession, err)
	}
	return nil
}

func (j *SQLiteJournal) MarkDelited(ctx context.Context, accession string) error {
	return j.finish(ctx, accession, StateDelited, "")
}

func (j *SQLiteJournal) MarkFailed(ctx context.Context, accession string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return j.finish(ctx, accession, StateFailed, msg)
}

func (j *SQLiteJournal) finish(ctx context.Context, accession, state, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ?, error = ?
		WHERE accession = ?`,
		state, time.Now().Unix(), errMsg, accession)
	if err != nil {
		return fmt.Errorf("journal: failed to record %s for %s: %w", state, accession, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: failed to check update of %s: %w", accession, err)
	}
	if n == 0 {
		return fmt.Errorf("journal: no started entry for %s", accession)
	}
	return nil
}

func (j *SQLiteJournal) Get(ctx context.Context, accession string) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT accession, state, started_at, finished_at, error
		FROM runs WHERE accession = ?`, accession)

	rec, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: failed to read entry for %s: %w", accession, err)
	}
	return rec, nil
}

func (j *SQLiteJournal) List(ctx context.Context) ([]*RunRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT accession, state, started_at, finished_at, error
		FROM runs ORDER BY started_at, accession`)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to list entries: %w", err)
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("journal: failed to scan entry: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: failed to list entries: %w", err)
	}
	return recs, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func scanRun(scan func(dest ...interface{}) error) (*RunRecord, error) {
	var rec RunRecord
	var started int64
	var finished sql.NullInt64
	if err := scan(&rec.Accession, &rec.State, &started, &finished, &rec.Error); err != nil {
		return nil, err
	}
	rec.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		rec.FinishedAt = &t
	}
	return &rec, nil
}
