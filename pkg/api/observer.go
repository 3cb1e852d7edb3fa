package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step execution.
type Observer interface {
	// OnWorkflowStart is called once per Run, before the workflow function
	// is invoked.
	OnWorkflowStart(ctx context.Context, workflowID string)

	// OnStepStart is called after the step key has been generated, before
	// the store is asked for a reservation. tick is the context's logical
	// clock value for this invocation; it exists for ordering and debugging
	// only and is never part of the stored key.
	OnStepStart(ctx context.Context, workflowID, stepID, stepKey string, tick uint64)

	// OnStepAcquired is called when this worker won the reservation and is
	// about to execute the step body.
	OnStepAcquired(ctx context.Context, workflowID, stepKey string, attempt int)

	// OnStepCached is called when the step was replayed from its stored
	// output without executing the body.
	OnStepCached(ctx context.Context, workflowID, stepKey string)

	// OnStepCompleted is called after the step's output has been committed.
	OnStepCompleted(ctx context.Context, workflowID, stepKey string, duration time.Duration)

	// OnStepFailed is called after a step body returned an error and the
	// failure was recorded (or recording itself failed).
	OnStepFailed(ctx context.Context, workflowID, stepKey string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, workflowID string) {}
func (NoopObserver) OnStepStart(ctx context.Context, workflowID, stepID, stepKey string, tick uint64) {
}
func (NoopObserver) OnStepAcquired(ctx context.Context, workflowID, stepKey string, attempt int) {}
func (NoopObserver) OnStepCached(ctx context.Context, workflowID, stepKey string)                {}
func (NoopObserver) OnStepCompleted(ctx context.Context, workflowID, stepKey string, d time.Duration) {
}
func (NoopObserver) OnStepFailed(ctx context.Context, workflowID, stepKey string, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, workflowID string) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, workflowID)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, workflowID, stepID, stepKey string, tick uint64) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, workflowID, stepID, stepKey, tick)
	}
}

func (c *CompositeObserver) OnStepAcquired(ctx context.Context, workflowID, stepKey string, attempt int) {
	for _, o := range c.observers {
		o.OnStepAcquired(ctx, workflowID, stepKey, attempt)
	}
}

func (c *CompositeObserver) OnStepCached(ctx context.Context, workflowID, stepKey string) {
	for _, o := range c.observers {
		o.OnStepCached(ctx, workflowID, stepKey)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, workflowID, stepKey string, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, workflowID, stepKey, d)
	}
}

func (c *CompositeObserver) OnStepFailed(ctx context.Context, workflowID, stepKey string, err error) {
	for _, o := range c.observers {
		o.OnStepFailed(ctx, workflowID, stepKey, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs step lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, workflowID string) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", workflowID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, workflowID, stepID, stepKey string, tick uint64) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", workflowID),
		slog.String("step_id", stepID),
		slog.String("step_key", stepKey),
		slog.Uint64("tick", tick),
	)
}

func (o *LoggingObserver) OnStepAcquired(ctx context.Context, workflowID, stepKey string, attempt int) {
	o.Logger.DebugContext(ctx, "step_acquired",
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCached(ctx context.Context, workflowID, stepKey string) {
	o.Logger.DebugContext(ctx, "step_cached",
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, workflowID, stepKey string, d time.Duration) {
	o.Logger.InfoContext(ctx, "step_completed",
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnStepFailed(ctx context.Context, workflowID, stepKey string, err error) {
	o.Logger.ErrorContext(ctx, "step_failed",
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
		slog.Any("error", err),
	)
}
