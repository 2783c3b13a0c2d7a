package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"webcinema/internal/logging"
)

// Default timeout for ledger operations
const defaultTimeout = 5 * time.Second

// Failure backoff bounds. The delay doubles with each consecutive failure.
const (
	backoffBase = 30 * time.Second
	backoffMax  = time.Hour
)

// Ledger records artifact access recency and build failure history in
// SQLite. It is advisory state: the sidecar files in the segment store are
// the durable authority on what exists, the ledger only ranks entries for
// eviction and suppresses rebuilds of known-bad fingerprints. Losing the
// ledger file degrades eviction ordering but never correctness.
type Ledger struct {
	db   *sql.DB
	path string
}

// FailureRecord describes the retry state of a failing fingerprint.
type FailureRecord struct {
	Count       int
	LastFailure time.Time
	Reason      string
}

// NextAttempt returns the earliest time a rebuild should be allowed.
func (f FailureRecord) NextAttempt() time.Time {
	if f.Count <= 0 {
		return f.LastFailure
	}
	delay := backoffBase << (f.Count - 1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	return f.LastFailure.Add(delay)
}

// New opens (creating if needed) the ledger database at path. The parent
// directory must already exist.
func New(ctx context.Context, path string) (*Ledger, error) {
	// busy_timeout prevents "database is locked" errors when the sweeper
	// and request handlers touch the ledger concurrently.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close ledger after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{db: db, path: path}
	if err := l.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close ledger after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	logging.Info("Ledger initialized at %s", path)
	return l, nil
}

func (l *Ledger) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS access (
		fingerprint TEXT PRIMARY KEY,
		last_access INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_access_last ON access(last_access);

	CREATE TABLE IF NOT EXISTS failures (
		fingerprint TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		last_failure INTEGER NOT NULL,
		reason TEXT
	);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Touch records an access to fingerprint at the current time.
func (l *Ledger) Touch(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO access (fingerprint, last_access) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET last_access = excluded.last_access
	`, fingerprint, time.Now().Unix())
	return err
}

// LastAccess returns the recorded access time for fingerprint. ok is false
// when the fingerprint has never been touched.
func (l *Ledger) LastAccess(ctx context.Context, fingerprint string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var unix int64
	err := l.db.QueryRowContext(ctx,
		"SELECT last_access FROM access WHERE fingerprint = ?", fingerprint,
	).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}

// AccessTimes returns last-access times for every known fingerprint. The
// sweeper uses this to rank entries least-recently-used first.
func (l *Ledger) AccessTimes(ctx context.Context) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, "SELECT fingerprint, last_access FROM access")
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close ledger rows: %v", closeErr)
		}
	}()

	times := make(map[string]time.Time)
	for rows.Next() {
		var fp string
		var unix int64
		if err := rows.Scan(&fp, &unix); err != nil {
			return nil, err
		}
		times[fp] = time.Unix(unix, 0)
	}
	return times, rows.Err()
}

// Forget removes all records for fingerprint, called after eviction.
func (l *Ledger) Forget(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		"DELETE FROM access WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		"DELETE FROM failures WHERE fingerprint = ?", fingerprint)
	return err
}

// RecordFailure increments the consecutive failure count for fingerprint
// and returns the updated record.
func (l *Ledger) RecordFailure(ctx context.Context, fingerprint, reason string) (FailureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO failures (fingerprint, count, last_failure, reason) VALUES (?, 1, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			count = failures.count + 1,
			last_failure = excluded.last_failure,
			reason = excluded.reason
	`, fingerprint, time.Now().Unix(), reason)
	if err != nil {
		return FailureRecord{}, err
	}
	return l.Failure(ctx, fingerprint)
}

// ClearFailures removes the failure record for fingerprint, called after a
// successful build.
func (l *Ledger) ClearFailures(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		"DELETE FROM failures WHERE fingerprint = ?", fingerprint)
	return err
}

// Failure returns the failure record for fingerprint. A zero Count means no
// failures are on record.
func (l *Ledger) Failure(ctx context.Context, fingerprint string) (FailureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rec FailureRecord
	var unix int64
	var reason sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT count, last_failure, reason FROM failures WHERE fingerprint = ?", fingerprint,
	).Scan(&rec.Count, &unix, &reason)
	if err == sql.ErrNoRows {
		return FailureRecord{}, nil
	}
	if err != nil {
		return FailureRecord{}, err
	}
	rec.LastFailure = time.Unix(unix, 0)
	rec.Reason = reason.String
	return rec, nil
}
