package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/passo/internal/codec"
	"github.com/petrijr/passo/pkg/api"
)

// DefaultLease is the staleness threshold after which another worker may
// reclaim a RUNNING step.
const DefaultLease = 3 * time.Second

// Workflow is a user procedure run against a durable context.
type Workflow func(ctx context.Context, c *Context) (any, error)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Lease is the staleness threshold for RUNNING reclamation.
	// Defaults to DefaultLease.
	Lease time.Duration

	// WorkerID is the owner tag written into step rows. Defaults to a
	// fresh "worker-<uuid>" per engine.
	WorkerID string

	// CrashPolicy injects hard process halts at phase boundaries, for
	// durability tests. Defaults to never crashing.
	CrashPolicy api.CrashPolicy

	// Observer receives step lifecycle events. Defaults to NoopObserver.
	Observer api.Observer
}

// Engine binds workflow ids to durable contexts over a step store.
type Engine struct {
	store api.StepStore
	codec *codec.JSONCodec
	opts  Options
}

// New creates an Engine over the given store. The store must already be
// initialized (the root package constructors do this).
func New(store api.StepStore, opts Options) *Engine {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()
	}
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	return &Engine{
		store: store,
		codec: codec.NewJSON(),
		opts:  opts,
	}
}

// WorkerID returns the owner tag this engine stamps on step rows.
func (e *Engine) WorkerID() string {
	return e.opts.WorkerID
}

// Run invokes the workflow against a context bound to workflowID. User
// errors propagate unchanged; re-invoking Run with the same workflowID
// resumes the workflow, replaying completed steps from the store.
func (e *Engine) Run(ctx context.Context, workflowID string, workflow Workflow) (any, error) {
	dc, err := e.NewContext(workflowID)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, errors.New("workflow must not be nil")
	}

	e.opts.Observer.OnWorkflowStart(ctx, workflowID)
	return workflow(ctx, dc)
}

// NewContext builds a durable context bound to workflowID without running
// anything. Run is the usual entry point; this exists for callers that
// drive the context directly.
func (e *Engine) NewContext(workflowID string) (*Context, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, errors.New("workflow id must not be blank")
	}
	return &Context{
		workflowID: workflowID,
		store:      e.store,
		codec:      e.codec,
		lease:      e.opts.Lease,
		workerID:   e.opts.WorkerID,
		crash:      e.opts.CrashPolicy,
		observer:   e.opts.Observer,
	}, nil
}
