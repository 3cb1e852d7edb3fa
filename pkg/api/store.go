package api

import (
	"context"
	"time"
)

// StepStore persists step checkpoints and arbitrates ownership between
// concurrent workers. Implementations must be safe for concurrent use from
// multiple goroutines and multiple processes against the same backing store.
type StepStore interface {
	// Initialize idempotently creates the schema.
	Initialize(ctx context.Context) error

	// Reserve atomically claims, replays, or refuses a step:
	//
	//   - no row yet: insert a RUNNING row owned by owner (attempt 1) and
	//     return ACQUIRED;
	//   - COMPLETED row: return CACHED with the stored output, unchanged;
	//   - RUNNING row whose lease expired, or owned by this same owner, or a
	//     FAILED row: rewrite it to RUNNING under owner with attempt+1,
	//     clearing output and error fields, and return ACQUIRED;
	//   - RUNNING row with a live lease held by someone else: return
	//     RUNNING_ELSEWHERE.
	//
	// The read-then-write must form a single serializable unit per row, so
	// that concurrent reservers of the same key are totally ordered.
	Reserve(ctx context.Context, workflowID, stepKey, stepID, owner string, lease time.Duration) (Reservation, error)

	// Complete transitions the step to COMPLETED and installs its output,
	// but only while owner still holds the row. Returns ErrOwnershipLost
	// (wrapped) when the predicate matches no row. A COMPLETED row is never
	// transitioned again.
	Complete(ctx context.Context, workflowID, stepKey, owner, outputJSON, outputType string) error

	// Fail transitions the step to FAILED recording the error text, under
	// the same ownership predicate as Complete.
	Fail(ctx context.Context, workflowID, stepKey, owner, errorMessage string) error
}
