package passo

import (
	"context"
	"database/sql"

	"github.com/petrijr/passo/internal/engine"
	"github.com/petrijr/passo/internal/persistence"
	"github.com/petrijr/passo/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = engine.Engine
	Context          = engine.Context
	Options          = engine.Options
	Workflow         = engine.Workflow
	StepFunc         = api.StepFunc
	StepRecord       = api.StepRecord
	StepStatus       = api.StepStatus
	StepStore        = api.StepStore
	Reservation      = api.Reservation
	ReservationState = api.ReservationState
	CrashPolicy      = api.CrashPolicy
	CrashPhase       = api.CrashPhase
	CodecError       = api.CodecError
	Observer         = api.Observer
	NoopObserver     = api.NoopObserver
	LoggingObserver  = api.LoggingObserver
)

// Future is the pending result of a StepAsync call.
type Future[T any] = engine.Future[T]

// Re-export status and reservation values for convenience.

const (
	StepRunning   = api.StepRunning
	StepCompleted = api.StepCompleted
	StepFailed    = api.StepFailed

	ReservationAcquired         = api.ReservationAcquired
	ReservationCached           = api.ReservationCached
	ReservationRunningElsewhere = api.ReservationRunningElsewhere

	CrashNone                     = api.CrashNone
	CrashBeforeExecute            = api.CrashBeforeExecute
	CrashAfterExecuteBeforeCommit = api.CrashAfterExecuteBeforeCommit
	CrashAfterCommit              = api.CrashAfterCommit

	// DefaultLease is the staleness threshold after which another worker
	// may reclaim a RUNNING step.
	DefaultLease = engine.DefaultLease
)

// Re-export the error taxonomy and common helpers.

var (
	ErrStepInProgress = api.ErrStepInProgress
	ErrOwnershipLost  = api.ErrOwnershipLost
	CrashDisabled     = api.CrashDisabled

	ParseCrashPhase      = api.ParseCrashPhase
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// New returns an Engine over a caller-supplied StepStore. The store must
// already be initialized.
func New(store StepStore, opts Options) *Engine {
	return engine.New(store, opts)
}

// NewInMemoryEngine returns an Engine backed by a non-durable in-memory
// store, best for tests.
func NewInMemoryEngine(opts Options) *Engine {
	return engine.New(persistence.NewInMemoryStepStore(), opts)
}

// NewSQLiteEngine returns an Engine that checkpoints steps in a SQLite
// database. This package already links modernc.org/sqlite, which registers
// the "sqlite" driver name for sql.Open; db may also come from another
// SQLite driver.
//
// For correct serialization of concurrent reservers, open the database
// with "_txlock=immediate" (or use OpenSQLiteEngine, which does).
func NewSQLiteEngine(db *sql.DB, opts Options) (*Engine, error) {
	store := persistence.NewSQLiteStepStore(db)
	if err := store.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return engine.New(store, opts), nil
}

// OpenSQLiteEngine opens (creating if needed) a SQLite database at path,
// tuned for concurrent workers, and returns an Engine over it.
func OpenSQLiteEngine(path string, opts Options) (*Engine, error) {
	store, err := persistence.OpenSQLiteStepStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return engine.New(store, opts), nil
}

// NewPostgresEngine returns an Engine that checkpoints steps in PostgreSQL.
// The caller is responsible for importing a Postgres driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
func NewPostgresEngine(db *sql.DB, opts Options) (*Engine, error) {
	store := persistence.NewPostgresStepStore(db)
	if err := store.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return engine.New(store, opts), nil
}

// Typed helpers
// Go interfaces cannot carry generic methods, so the typed surface is
// package-level functions over the untyped Context.

// Step runs fn at-most-once under id within c and returns its typed output.
// On replay of a completed step the stored output is returned and fn is not
// invoked.
func Step[T any](ctx context.Context, c *Context, id string, fn func(context.Context) (T, error)) (T, error) {
	return engine.Step[T](ctx, c, id, fn)
}

// StepAuto is Step with an id derived from the call site.
func StepAuto[T any](ctx context.Context, c *Context, fn func(context.Context) (T, error)) (T, error) {
	return engine.StepAuto[T](ctx, c, fn)
}

// StepAsync dispatches Step on a new goroutine and returns a Future for the
// result. The step key is assigned synchronously at the call site.
func StepAsync[T any](ctx context.Context, c *Context, id string, fn func(context.Context) (T, error)) *Future[T] {
	return engine.StepAsync[T](ctx, c, id, fn)
}

// Run invokes a typed workflow against a context bound to workflowID.
// User errors propagate unchanged; calling Run again with the same
// workflowID resumes the workflow, replaying completed steps.
func Run[T any](ctx context.Context, e *Engine, workflowID string, workflow func(context.Context, *Context) (T, error)) (T, error) {
	out, err := e.Run(ctx, workflowID, func(ctx context.Context, c *Context) (any, error) {
		return workflow(ctx, c)
	})
	var zero T
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

// CurrentStepKey returns the key of the step executing in this context
// chain, or "" outside a step body.
func CurrentStepKey(ctx context.Context) string {
	return engine.CurrentStepKey(ctx)
}
