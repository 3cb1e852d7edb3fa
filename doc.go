// Package passo is a durable execution engine for Go: it turns ordinary
// imperative workflow code into a crash-resumable computation.
//
// A workflow is any function written against a [Context]. Side-effecting
// fragments are wrapped in the context's step primitive and checkpointed to
// a relational store; re-running the same workflow id against the same
// store replays completed steps from their cached results instead of
// re-executing them. Side effects therefore advance at-most-once per
// workflow instance, at the granularity of a step.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Context
//  3. Step / StepAsync
//  4. StepStore
//
// # Engine
//
// The Engine binds a workflow id to a durable context over a step store and
// invokes the workflow:
//
//	eng, err := passo.OpenSQLiteEngine("app.db", passo.Options{})
//	result, err := passo.Run(ctx, eng, "order-7431", processOrder)
//
// User errors propagate to the caller; calling Run again with the same
// workflow id resumes the computation where it stopped.
//
// # Context and Steps
//
// Inside a workflow, each side effect is a step:
//
//	func processOrder(ctx context.Context, c *passo.Context) (Receipt, error) {
//		charge, err := passo.Step(ctx, c, "charge-card", chargeCard)
//		if err != nil {
//			return Receipt{}, err
//		}
//		...
//	}
//
// Steps may run concurrently via StepAsync; the engine serializes workers
// per step through a reservation protocol with lease-based recovery, so
// several processes can safely target the same store and workflow id.
//
// Step identity is derived from the logical id, the call site, and a
// per-call-site sequence counter, so loops and repeated visits to the same
// line produce distinct, replay-stable keys without manual bookkeeping.
//
// # StepStore
//
// Checkpoints live in a pluggable StepStore:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// # Crash injection
//
// For durability tests, a CrashPolicy can hard-halt the process at a named
// phase boundary of a step (before execute, after execute / before commit,
// after commit), emulating power loss. The crash tests in
// passo_crash_test.go show it in use.
package passo
