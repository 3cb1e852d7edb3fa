package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/passo/pkg/api"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// DefaultBusyRetries and DefaultRetryBackoff bound the linear backoff
	// applied to SQLITE_BUSY / SQLITE_LOCKED conditions. The n-th retry
	// sleeps DefaultRetryBackoff * (n + 1).
	DefaultBusyRetries  = 8
	DefaultRetryBackoff = 40 * time.Millisecond

	sqliteBusyTimeoutMs = 5_000
)

// SQLiteConfig carries the busy-retry knobs for a SQLiteStepStore.
// Zero values select the defaults.
type SQLiteConfig struct {
	BusyRetries  int
	RetryBackoff time.Duration
}

// SQLiteStepStore is a StepStore backed by SQLite.
//
// It expects an *sql.DB using a SQLite driver (for example,
// "modernc.org/sqlite"). Reserve relies on write-intent transactions to
// totally order concurrent reservers of the same key; open the database with
// "_txlock=immediate" (OpenSQLiteStepStore does) or accept that contended
// reservations are serialized by busy retries instead.
type SQLiteStepStore struct {
	db           *sql.DB
	ownsDB       bool
	busyRetries  int
	retryBackoff time.Duration
}

// Ensure SQLiteStepStore implements StepStore.
var _ api.StepStore = (*SQLiteStepStore)(nil)

// OpenSQLiteStepStore opens (creating if needed) a SQLite database at path,
// configured for concurrent workers: WAL journaling, NORMAL synchronous
// level, a busy timeout, and immediate write-intent transactions.
func OpenSQLiteStepStore(path string) (*SQLiteStepStore, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		fmt.Sprintf("&_pragma=busy_timeout(%d)", sqliteBusyTimeoutMs) +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := NewSQLiteStepStoreWithConfig(db, SQLiteConfig{})
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStepStore wraps an existing database handle with default retry
// configuration. The caller keeps ownership of db.
func NewSQLiteStepStore(db *sql.DB) *SQLiteStepStore {
	return NewSQLiteStepStoreWithConfig(db, SQLiteConfig{})
}

// NewSQLiteStepStoreWithConfig wraps an existing database handle.
func NewSQLiteStepStoreWithConfig(db *sql.DB, cfg SQLiteConfig) *SQLiteStepStore {
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = DefaultBusyRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &SQLiteStepStore{
		db:           db,
		busyRetries:  cfg.BusyRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Close closes the underlying database if this store opened it.
func (s *SQLiteStepStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStepStore) Initialize(ctx context.Context) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS steps (
				workflow_id TEXT NOT NULL,
				step_key TEXT NOT NULL,
				step_id TEXT NOT NULL,
				status TEXT NOT NULL,
				output_json TEXT,
				output_type TEXT,
				error_message TEXT,
				attempt INTEGER NOT NULL DEFAULT 0,
				owner TEXT,
				started_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL,
				PRIMARY KEY (workflow_id, step_key)
			) WITHOUT ROWID;
			CREATE INDEX IF NOT EXISTS idx_steps_workflow_status
			ON steps (workflow_id, status);
		`)
		return err
	})
}

func (s *SQLiteStepStore) Reserve(ctx context.Context, workflowID, stepKey, stepID, owner string, lease time.Duration) (api.Reservation, error) {
	var res api.Reservation
	err := s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		existing, err := selectStep(ctx, tx, workflowID, stepKey)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()

		if existing == nil {
			if err := insertRunning(ctx, tx, workflowID, stepKey, stepID, owner, now); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			res = api.Acquired(api.StepRecord{
				WorkflowID:  workflowID,
				StepKey:     stepKey,
				StepID:      stepID,
				Status:      api.StepRunning,
				Attempt:     1,
				Owner:       owner,
				StartedAtMs: now,
				UpdatedAtMs: now,
			})
			return nil
		}

		if existing.Status == api.StepCompleted {
			if err := tx.Commit(); err != nil {
				return err
			}
			res = api.Cached(*existing)
			return nil
		}

		if !reclaimable(*existing, owner, lease, now) {
			if err := tx.Commit(); err != nil {
				return err
			}
			res = api.RunningElsewhere(*existing)
			return nil
		}

		next := existing.Attempt + 1
		if err := updateToRunning(ctx, tx, workflowID, stepKey, owner, now, next); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		rec := *existing
		rec.Status = api.StepRunning
		rec.Owner = owner
		rec.OutputJSON = ""
		rec.OutputType = ""
		rec.ErrorMessage = ""
		rec.Attempt = next
		rec.UpdatedAtMs = now
		if rec.StartedAtMs <= 0 {
			rec.StartedAtMs = now
		}
		res = api.Acquired(rec)
		return nil
	})
	return res, err
}

func (s *SQLiteStepStore) Complete(ctx context.Context, workflowID, stepKey, owner, outputJSON, outputType string) error {
	return s.withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE steps
			SET status = ?,
			    output_json = ?,
			    output_type = ?,
			    error_message = NULL,
			    updated_at_ms = ?
			WHERE workflow_id = ?
			  AND step_key = ?
			  AND owner = ?
			  AND status <> ?`,
			string(api.StepCompleted),
			nullIfEmpty(outputJSON),
			nullIfEmpty(outputType),
			time.Now().UnixMilli(),
			workflowID,
			stepKey,
			owner,
			string(api.StepCompleted),
		)
		if err != nil {
			return err
		}
		changed, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if changed == 0 {
			return fmt.Errorf("complete %s: %w", stepKey, api.ErrOwnershipLost)
		}
		return nil
	})
}

func (s *SQLiteStepStore) Fail(ctx context.Context, workflowID, stepKey, owner, errorMessage string) error {
	return s.withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE steps
			SET status = ?,
			    error_message = ?,
			    updated_at_ms = ?
			WHERE workflow_id = ?
			  AND step_key = ?
			  AND owner = ?
			  AND status <> ?`,
			string(api.StepFailed),
			errorMessage,
			time.Now().UnixMilli(),
			workflowID,
			stepKey,
			owner,
			string(api.StepCompleted),
		)
		if err != nil {
			return err
		}
		changed, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if changed == 0 {
			return fmt.Errorf("fail %s: %w", stepKey, api.ErrOwnershipLost)
		}
		return nil
	})
}

// GetStep returns the record for a step key, or nil if none exists.
// It exists for tests and inspection tooling.
func (s *SQLiteStepStore) GetStep(ctx context.Context, workflowID, stepKey string) (*api.StepRecord, error) {
	var rec *api.StepRecord
	err := s.withBusyRetry(ctx, func() error {
		var err error
		rec, err = selectStep(ctx, s.db, workflowID, stepKey)
		return err
	})
	return rec, err
}

// ListSteps returns all records for a workflow, optionally filtered by
// status, ordered by step key.
func (s *SQLiteStepStore) ListSteps(ctx context.Context, workflowID string, status api.StepStatus) ([]api.StepRecord, error) {
	query := `
		SELECT workflow_id, step_key, step_id, status,
		       output_json, output_type, error_message,
		       attempt, owner, started_at_ms, updated_at_ms
		FROM steps
		WHERE workflow_id = ?`
	args := []any{workflowID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY step_key"

	var out []api.StepRecord
	err := s.withBusyRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			rec, err := scanStep(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectStep(ctx context.Context, q querier, workflowID, stepKey string) (*api.StepRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT workflow_id, step_key, step_id, status,
		       output_json, output_type, error_message,
		       attempt, owner, started_at_ms, updated_at_ms
		FROM steps
		WHERE workflow_id = ?
		  AND step_key = ?`,
		workflowID, stepKey,
	)

	rec, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func scanStep(row rowScanner) (api.StepRecord, error) {
	var rec api.StepRecord
	var statusStr string
	var outputJSON, outputType, errorMessage, owner sql.NullString

	err := row.Scan(
		&rec.WorkflowID,
		&rec.StepKey,
		&rec.StepID,
		&statusStr,
		&outputJSON,
		&outputType,
		&errorMessage,
		&rec.Attempt,
		&owner,
		&rec.StartedAtMs,
		&rec.UpdatedAtMs,
	)
	if err != nil {
		return api.StepRecord{}, err
	}

	rec.Status = api.StepStatus(statusStr)
	rec.OutputJSON = outputJSON.String
	rec.OutputType = outputType.String
	rec.ErrorMessage = errorMessage.String
	rec.Owner = owner.String
	return rec, nil
}

func insertRunning(ctx context.Context, tx *sql.Tx, workflowID, stepKey, stepID, owner string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (
			workflow_id, step_key, step_id, status,
			attempt, owner, started_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, stepKey, stepID, string(api.StepRunning),
		1, owner, now, now,
	)
	return err
}

func updateToRunning(ctx context.Context, tx *sql.Tx, workflowID, stepKey, owner string, now int64, attempt int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE steps
		SET status = ?,
		    owner = ?,
		    output_json = NULL,
		    output_type = NULL,
		    error_message = NULL,
		    attempt = ?,
		    updated_at_ms = ?
		WHERE workflow_id = ?
		  AND step_key = ?`,
		string(api.StepRunning), owner, attempt, now,
		workflowID, stepKey,
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStepStore) withBusyRetry(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 0; attempt <= s.busyRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) || attempt == s.busyRetries {
			return err
		}
		last = err

		delay := s.retryBackoff * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return last
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_BUSY_SNAPSHOT:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
