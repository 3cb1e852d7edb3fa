package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/passo/pkg/api"
)

// PostgresStepStore is a StepStore backed by PostgreSQL.
//
// It expects an *sql.DB using a Postgres driver (for example,
// "github.com/jackc/pgx/v5/stdlib"). Reserve serializes concurrent workers
// on the same key with an INSERT .. ON CONFLICT DO NOTHING claim followed by
// SELECT .. FOR UPDATE; row locks replace SQLite's busy retries.
type PostgresStepStore struct {
	db *sql.DB
}

// Ensure PostgresStepStore implements StepStore.
var _ api.StepStore = (*PostgresStepStore)(nil)

// NewPostgresStepStore wraps an existing database handle. The caller keeps
// ownership of db.
func NewPostgresStepStore(db *sql.DB) *PostgresStepStore {
	return &PostgresStepStore{db: db}
}

func (p *PostgresStepStore) Initialize(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
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
			started_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, step_key)
		);
		CREATE INDEX IF NOT EXISTS idx_steps_workflow_status
		ON steps (workflow_id, status);
	`)
	return err
}

func (p *PostgresStepStore) Reserve(ctx context.Context, workflowID, stepKey, stepID, owner string, lease time.Duration) (api.Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return api.Reservation{}, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	// Fast path: claim a fresh key. ON CONFLICT makes the race between two
	// inserters resolve to exactly one winner.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO steps (
			workflow_id, step_key, step_id, status,
			attempt, owner, started_at_ms, updated_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, step_key) DO NOTHING`,
		workflowID, stepKey, stepID, string(api.StepRunning),
		1, owner, now, now,
	)
	if err != nil {
		return api.Reservation{}, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return api.Reservation{}, err
	}
	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return api.Reservation{}, err
		}
		return api.Acquired(api.StepRecord{
			WorkflowID:  workflowID,
			StepKey:     stepKey,
			StepID:      stepID,
			Status:      api.StepRunning,
			Attempt:     1,
			Owner:       owner,
			StartedAtMs: now,
			UpdatedAtMs: now,
		}), nil
	}

	existing, err := selectStepForUpdate(ctx, tx, workflowID, stepKey)
	if err != nil {
		return api.Reservation{}, err
	}
	if existing == nil {
		// The conflicting row vanished between the insert and the lock;
		// rows are never deleted by the engine, so surface it.
		return api.Reservation{}, fmt.Errorf("step row disappeared during reserve: %s", stepKey)
	}

	if existing.Status == api.StepCompleted {
		if err := tx.Commit(); err != nil {
			return api.Reservation{}, err
		}
		return api.Cached(*existing), nil
	}

	if !reclaimable(*existing, owner, lease, now) {
		if err := tx.Commit(); err != nil {
			return api.Reservation{}, err
		}
		return api.RunningElsewhere(*existing), nil
	}

	next := existing.Attempt + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE steps
		SET status = $1,
		    owner = $2,
		    output_json = NULL,
		    output_type = NULL,
		    error_message = NULL,
		    attempt = $3,
		    updated_at_ms = $4
		WHERE workflow_id = $5
		  AND step_key = $6`,
		string(api.StepRunning), owner, next, now,
		workflowID, stepKey,
	)
	if err != nil {
		return api.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return api.Reservation{}, err
	}

	rec := *existing
	rec.Status = api.StepRunning
	rec.Owner = owner
	rec.OutputJSON = ""
	rec.OutputType = ""
	rec.ErrorMessage = ""
	rec.Attempt = next
	rec.UpdatedAtMs = now
	return api.Acquired(rec), nil
}

func (p *PostgresStepStore) Complete(ctx context.Context, workflowID, stepKey, owner, outputJSON, outputType string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE steps
		SET status = $1,
		    output_json = $2,
		    output_type = $3,
		    error_message = NULL,
		    updated_at_ms = $4
		WHERE workflow_id = $5
		  AND step_key = $6
		  AND owner = $7
		  AND status <> $8`,
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
}

func (p *PostgresStepStore) Fail(ctx context.Context, workflowID, stepKey, owner, errorMessage string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE steps
		SET status = $1,
		    error_message = $2,
		    updated_at_ms = $3
		WHERE workflow_id = $4
		  AND step_key = $5
		  AND owner = $6
		  AND status <> $7`,
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
}

func selectStepForUpdate(ctx context.Context, tx *sql.Tx, workflowID, stepKey string) (*api.StepRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workflow_id, step_key, step_id, status,
		       output_json, output_type, error_message,
		       attempt, owner, started_at_ms, updated_at_ms
		FROM steps
		WHERE workflow_id = $1
		  AND step_key = $2
		FOR UPDATE`,
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
