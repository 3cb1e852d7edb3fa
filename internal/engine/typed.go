package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/petrijr/passo/pkg/api"
)

// Step runs fn at-most-once under id and returns its typed output. On
// replay the stored output is decoded back into T; T's concrete type is
// registered with the context's codec so the stored tag resolves even in a
// process that never executed the step.
func Step[T any](ctx context.Context, c *Context, id string, fn func(context.Context) (T, error)) (T, error) {
	stepID, err := normalizeStepID(id)
	if err != nil {
		var zero T
		return zero, err
	}
	c.codec.RegisterType(reflect.TypeFor[T]())
	out, err := c.doStep(ctx, stepID, resolveCallsite(), erase(fn))
	return coerce[T](out, err)
}

// StepAuto is Step with an id derived from the call site.
func StepAuto[T any](ctx context.Context, c *Context, fn func(context.Context) (T, error)) (T, error) {
	c.codec.RegisterType(reflect.TypeFor[T]())
	callsite := resolveCallsite()
	out, err := c.doStep(ctx, autoStepID(callsite), callsite, erase(fn))
	return coerce[T](out, err)
}

// StepAsync dispatches the same logic as Step on a new goroutine and
// returns a Future for the result. The step key is assigned synchronously
// at the call site, so replay sees the same key regardless of goroutine
// scheduling.
func StepAsync[T any](ctx context.Context, c *Context, id string, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	stepID, err := normalizeStepID(id)
	if err != nil {
		f.err = err
		close(f.done)
		return f
	}
	c.codec.RegisterType(reflect.TypeFor[T]())
	key, tick := c.nextStepKey(stepID, resolveCallsite())

	go func() {
		defer close(f.done)
		out, err := c.stepWithKey(ctx, stepID, key, tick, erase(fn))
		f.value, f.err = coerce[T](out, err)
	}()
	return f
}

// Future is the pending result of a StepAsync call.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Wait blocks until the step has resolved and returns its output or the
// step's error.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Done returns a channel closed once the step has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func erase[T any](fn func(context.Context) (T, error)) api.StepFunc {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

func coerce[T any](out any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	value, ok := out.(T)
	if !ok {
		return zero, &api.CodecError{
			Tag: fmt.Sprintf("%T", out),
			Err: fmt.Errorf("cached output is not %s", reflect.TypeFor[T]()),
		}
	}
	return value, nil
}
