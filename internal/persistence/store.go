// Package persistence provides StepStore adapters: an in-memory store for
// tests and development, a SQLite store for embedded durability, and a
// Postgres store for shared deployments.
//
// All adapters implement the same reservation protocol: Reserve is a single
// serializable read-then-write per (workflow_id, step_key) row, and Complete
// and Fail are conditional updates guarded by the owner predicate.
package persistence

import (
	"time"

	"github.com/petrijr/passo/pkg/api"
)

// reclaimable reports whether an existing non-COMPLETED record may be
// re-taken by owner: FAILED rows always, RUNNING rows when the lease is
// stale or when the same worker is retaking its own step.
func reclaimable(existing api.StepRecord, owner string, lease time.Duration, nowMs int64) bool {
	if existing.Status != api.StepRunning {
		return true
	}
	stale := nowMs-existing.UpdatedAtMs > lease.Milliseconds()
	return stale || existing.Owner == owner
}
