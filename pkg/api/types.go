package api

import "context"

// StepStatus represents the lifecycle state of a checkpointed step.
type StepStatus string

const (
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepFunc is the untyped form of a step body. The context carries the
// current step key (see CurrentStepKey) and whatever deadline the caller
// attached; the engine itself never cancels a running step.
type StepFunc func(ctx context.Context) (any, error)

// StepRecord is one row of the steps table: the durable checkpoint for a
// single step invocation within a workflow.
//
// OutputJSON and OutputType are only meaningful while Status is
// StepCompleted; ErrorMessage only while Status is StepFailed. Empty strings
// stand for SQL NULL.
type StepRecord struct {
	WorkflowID   string
	StepKey      string
	StepID       string
	Status       StepStatus
	OutputJSON   string
	OutputType   string
	ErrorMessage string
	Attempt      int
	Owner        string
	StartedAtMs  int64
	UpdatedAtMs  int64
}

// ReservationState is the three-valued outcome of StepStore.Reserve.
type ReservationState string

const (
	// ReservationAcquired means the caller now owns the step and must run it.
	ReservationAcquired ReservationState = "ACQUIRED"

	// ReservationCached means the step already completed; the record carries
	// the stored output.
	ReservationCached ReservationState = "CACHED"

	// ReservationRunningElsewhere means another worker holds a live lease.
	ReservationRunningElsewhere ReservationState = "RUNNING_ELSEWHERE"
)

// Reservation is the result of a Reserve call: the state plus the record
// that was observed or created.
type Reservation struct {
	State  ReservationState
	Record StepRecord
}

// Acquired wraps a record in an ACQUIRED reservation.
func Acquired(rec StepRecord) Reservation {
	return Reservation{State: ReservationAcquired, Record: rec}
}

// Cached wraps a record in a CACHED reservation.
func Cached(rec StepRecord) Reservation {
	return Reservation{State: ReservationCached, Record: rec}
}

// RunningElsewhere wraps a record in a RUNNING_ELSEWHERE reservation.
func RunningElsewhere(rec StepRecord) Reservation {
	return Reservation{State: ReservationRunningElsewhere, Record: rec}
}
