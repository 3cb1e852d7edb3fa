package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/petrijr/passo/internal/codec"
	"github.com/petrijr/passo/pkg/api"
)

const (
	// pollInterval is how often a worker re-checks a step that is running
	// elsewhere.
	pollInterval = 100 * time.Millisecond

	// minLeaseWait is the floor on the RUNNING_ELSEWHERE wait window.
	minLeaseWait = 300 * time.Millisecond

	// crashExitCode is the status a simulated crash exits with.
	crashExitCode = 137
)

// Context is the handle a workflow runs against. Any side-effecting fragment
// wrapped in Step is checkpointed; re-running the same workflow id against
// the same store replays completed steps from their cached results.
//
// A Context is created per Run and is safe for concurrent step calls from
// multiple goroutines.
type Context struct {
	workflowID string
	store      api.StepStore
	codec      *codec.JSONCodec
	lease      time.Duration
	workerID   string
	crash      api.CrashPolicy
	observer   api.Observer

	clock     atomic.Uint64
	sequences sync.Map // "stepID|callsite" -> *atomic.Int64
}

// WorkflowID returns the identifier this context is bound to.
func (c *Context) WorkflowID() string {
	return c.workflowID
}

// WorkerID returns the owner tag this context writes into step rows.
func (c *Context) WorkerID() string {
	return c.workerID
}

type stepKeyContextKey struct{}

func withStepKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, stepKeyContextKey{}, key)
}

// CurrentStepKey returns the key of the step executing in this context
// chain, or "" outside a step body. Nested steps shadow the outer key for
// the duration of their body.
func CurrentStepKey(ctx context.Context) string {
	if key, ok := ctx.Value(stepKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Step runs fn at-most-once under the given logical id. On replay of a
// completed step the stored output is returned and fn is not invoked.
func (c *Context) Step(ctx context.Context, id string, fn api.StepFunc) (any, error) {
	stepID, err := normalizeStepID(id)
	if err != nil {
		return nil, err
	}
	return c.doStep(ctx, stepID, resolveCallsite(), fn)
}

// StepAuto is Step with an id derived from the call site.
func (c *Context) StepAuto(ctx context.Context, fn api.StepFunc) (any, error) {
	callsite := resolveCallsite()
	return c.doStep(ctx, autoStepID(callsite), callsite, fn)
}

func (c *Context) doStep(ctx context.Context, stepID, callsite string, fn api.StepFunc) (any, error) {
	key, tick := c.nextStepKey(stepID, callsite)
	return c.stepWithKey(ctx, stepID, key, tick, fn)
}

// nextStepKey assigns the next per-callsite sequence number and builds the
// stored key. The logical clock tick orders invocations for telemetry only.
func (c *Context) nextStepKey(stepID, callsite string) (key string, tick uint64) {
	tick = c.clock.Inc()

	seqKey := stepID + "|" + callsite
	counter, _ := c.sequences.LoadOrStore(seqKey, atomic.NewInt64(0))
	sequence := counter.(*atomic.Int64).Inc()

	return stepKey(stepID, callsite, sequence), tick
}

func (c *Context) stepWithKey(ctx context.Context, stepID, key string, tick uint64, fn api.StepFunc) (any, error) {
	c.observer.OnStepStart(ctx, c.workflowID, stepID, key, tick)

	reservation, err := c.reserveWithLeaseWait(ctx, key, stepID)
	if err != nil {
		return nil, err
	}

	switch reservation.State {
	case api.ReservationCached:
		c.observer.OnStepCached(ctx, c.workflowID, key)
		value, err := c.codec.Decode(reservation.Record.OutputJSON, reservation.Record.OutputType)
		if err != nil {
			return nil, err
		}
		return value, nil

	case api.ReservationRunningElsewhere:
		return nil, fmt.Errorf("%w: %s", api.ErrStepInProgress, key)
	}

	c.observer.OnStepAcquired(ctx, c.workflowID, key, reservation.Record.Attempt)
	c.maybeCrash(stepID, key, api.CrashBeforeExecute)

	// The step body runs outside any store transaction; it may block
	// arbitrarily without holding locks.
	started := time.Now()
	output, err := fn(withStepKey(ctx, key))
	if err != nil {
		err = c.recordFailure(ctx, key, err)
		c.observer.OnStepFailed(ctx, c.workflowID, key, err)
		return nil, err
	}

	c.maybeCrash(stepID, key, api.CrashAfterExecuteBeforeCommit)

	payload, typeTag, err := c.codec.Encode(output)
	if err != nil {
		return nil, err
	}
	if err := c.store.Complete(ctx, c.workflowID, key, c.workerID, payload, typeTag); err != nil {
		c.observer.OnStepFailed(ctx, c.workflowID, key, err)
		return nil, err
	}

	c.maybeCrash(stepID, key, api.CrashAfterCommit)
	c.observer.OnStepCompleted(ctx, c.workflowID, key, time.Since(started))
	return output, nil
}

// reserveWithLeaseWait polls a RUNNING_ELSEWHERE step until it resolves or
// the wait window closes. The window is one lease, floored at minLeaseWait.
func (c *Context) reserveWithLeaseWait(ctx context.Context, key, stepID string) (api.Reservation, error) {
	wait := c.lease
	if wait < minLeaseWait {
		wait = minLeaseWait
	}
	deadline := time.Now().Add(wait)

	for {
		reservation, err := c.store.Reserve(ctx, c.workflowID, key, stepID, c.workerID, c.lease)
		if err != nil {
			return api.Reservation{}, err
		}
		if reservation.State != api.ReservationRunningElsewhere {
			return reservation, nil
		}
		if !time.Now().Before(deadline) {
			return reservation, nil
		}

		select {
		case <-ctx.Done():
			return api.Reservation{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// recordFailure marks the step FAILED and returns the user error, with any
// store error joined so neither is lost. The write uses an uncancelable
// context: the failure must be recorded even when fn failed because ctx was
// canceled.
func (c *Context) recordFailure(ctx context.Context, key string, userErr error) error {
	failCtx := context.WithoutCancel(ctx)
	if storeErr := c.store.Fail(failCtx, c.workflowID, key, c.workerID, userErr.Error()); storeErr != nil {
		return errors.Join(userErr, storeErr)
	}
	return userErr
}

// maybeCrash hard-halts the process at a phase boundary when the crash
// policy matches. os.Exit runs no deferred functions, emulating power loss:
// the store keeps exactly the state that existed at the boundary.
func (c *Context) maybeCrash(stepID, key string, phase api.CrashPhase) {
	if !c.crash.ShouldCrash(stepID, phase) {
		return
	}
	fmt.Fprintf(os.Stderr, "simulated crash at phase=%s step_id=%s step_key=%s\n", phase, stepID, key)
	os.Exit(crashExitCode)
}

func normalizeStepID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", errors.New("step id must not be blank")
	}
	return trimmed, nil
}
