package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/passo/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStepStore {
	t.Helper()

	store, err := OpenSQLiteStepStore(filepath.Join(t.TempDir(), "steps.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStepStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return store
}

func TestSQLiteStepStore_InitializeIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
}

func TestSQLiteStepStore_ReserveCompleteCached(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "wf1", "a::00c0ffee::1", "a", "owner1", time.Second)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.State != api.ReservationAcquired || res.Record.Attempt != 1 {
		t.Fatalf("expected fresh ACQUIRED attempt=1, got %s attempt=%d", res.State, res.Record.Attempt)
	}

	if err := store.Complete(ctx, "wf1", "a::00c0ffee::1", "owner1", `"x"`, "string"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	res, err = store.Reserve(ctx, "wf1", "a::00c0ffee::1", "a", "owner2", time.Second)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.State != api.ReservationCached {
		t.Fatalf("expected CACHED, got %s", res.State)
	}
	if res.Record.OutputJSON != `"x"` || res.Record.OutputType != "string" {
		t.Fatalf("unexpected cached output: %+v", res.Record)
	}
	if res.Record.ErrorMessage != "" {
		t.Fatalf("expected no error message, got %q", res.Record.ErrorMessage)
	}
}

func TestSQLiteStepStore_RunningElsewhereWithinLease(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner1", time.Minute); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	res, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner2", time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.State != api.ReservationRunningElsewhere {
		t.Fatalf("expected RUNNING_ELSEWHERE, got %s", res.State)
	}
}

func TestSQLiteStepStore_StaleLeaseReclaim(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner1", 10*time.Millisecond); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	res, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.State != api.ReservationAcquired {
		t.Fatalf("expected ACQUIRED after lease expiry, got %s", res.State)
	}
	if res.Record.Owner != "owner2" || res.Record.Attempt != 2 {
		t.Fatalf("expected owner2 attempt=2, got %+v", res.Record)
	}

	rec, err := store.GetStep(ctx, "wf1", "a::k::1")
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if rec == nil || rec.Owner != "owner2" || rec.Attempt != 2 || rec.Status != api.StepRunning {
		t.Fatalf("reclaim not persisted: %+v", rec)
	}
}

func TestSQLiteStepStore_FailedThenReclaimed(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "wf1", "c::k::1", "c", "owner1", time.Minute); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Fail(ctx, "wf1", "c::k::1", "owner1", "boom"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rec, err := store.GetStep(ctx, "wf1", "c::k::1")
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if rec.Status != api.StepFailed || rec.ErrorMessage != "boom" {
		t.Fatalf("expected FAILED with message, got %+v", rec)
	}

	// A FAILED row is reclaimable even within the lease, by any owner.
	res, err := store.Reserve(ctx, "wf1", "c::k::1", "c", "owner2", time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.State != api.ReservationAcquired || res.Record.Attempt != 2 {
		t.Fatalf("expected ACQUIRED attempt=2, got %s attempt=%d", res.State, res.Record.Attempt)
	}
	if res.Record.ErrorMessage != "" {
		t.Fatalf("expected cleared error, got %q", res.Record.ErrorMessage)
	}
}

func TestSQLiteStepStore_OwnershipLostOnComplete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner1", 10*time.Millisecond); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner2", 10*time.Millisecond); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	err := store.Complete(ctx, "wf1", "a::k::1", "owner1", "1", "int")
	if !errors.Is(err, api.ErrOwnershipLost) {
		t.Fatalf("expected ErrOwnershipLost, got %v", err)
	}
}

func TestSQLiteStepStore_CompletedIsImmutable(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner1", time.Second); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Complete(ctx, "wf1", "a::k::1", "owner1", "1", "int"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := store.Complete(ctx, "wf1", "a::k::1", "owner1", "2", "int"); !errors.Is(err, api.ErrOwnershipLost) {
		t.Fatalf("expected ErrOwnershipLost on double complete, got %v", err)
	}

	// Reservations keep returning the original output forever.
	for i := 0; i < 3; i++ {
		res, err := store.Reserve(ctx, "wf1", "a::k::1", "a", "owner3", time.Second)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if res.State != api.ReservationCached || res.Record.OutputJSON != "1" {
			t.Fatalf("completed record mutated: %+v", res.Record)
		}
	}
}

func TestSQLiteStepStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steps.db")
	ctx := context.Background()

	store1, err := OpenSQLiteStepStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStepStore failed: %v", err)
	}
	if err := store1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := store1.Reserve(ctx, "wf1", "a::k::1", "a", "owner1", time.Second); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store1.Complete(ctx, "wf1", "a::k::1", "owner1", "7", "int"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store2, err := OpenSQLiteStepStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store2.Close()
	if err := store2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize after reopen failed: %v", err)
	}

	res, err := store2.Reserve(ctx, "wf1", "a::k::1", "a", "owner2", time.Second)
	if err != nil {
		t.Fatalf("Reserve after reopen failed: %v", err)
	}
	if res.State != api.ReservationCached || res.Record.OutputJSON != "7" {
		t.Fatalf("expected durable CACHED output, got %s %+v", res.State, res.Record)
	}
}

func TestSQLiteStepStore_ConcurrentReserveSingleWinner(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	const workers = 8
	states := make([]api.ReservationState, workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			res, err := store.Reserve(ctx, "wf1", "race::k::1", "race", owner(i), time.Minute)
			if err != nil {
				return err
			}
			states[i] = res.State
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Reserve failed: %v", err)
	}

	acquired, elsewhere := 0, 0
	for _, state := range states {
		switch state {
		case api.ReservationAcquired:
			acquired++
		case api.ReservationRunningElsewhere:
			elsewhere++
		}
	}
	if acquired != 1 {
		t.Fatalf("expected exactly one ACQUIRED, got %d (states: %v)", acquired, states)
	}
	if elsewhere != workers-1 {
		t.Fatalf("expected %d RUNNING_ELSEWHERE, got %d", workers-1, elsewhere)
	}
}

func TestSQLiteStepStore_ListSteps(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, key := range []string{"a::k::1", "b::k::1", "c::k::1"} {
		if _, err := store.Reserve(ctx, "wf1", key, key[:1], "owner1", time.Second); err != nil {
			t.Fatalf("Reserve %s failed: %v", key, err)
		}
	}
	if err := store.Complete(ctx, "wf1", "a::k::1", "owner1", "1", "int"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	all, err := store.ListSteps(ctx, "wf1", "")
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	completed, err := store.ListSteps(ctx, "wf1", api.StepCompleted)
	if err != nil {
		t.Fatalf("ListSteps(completed) failed: %v", err)
	}
	if len(completed) != 1 || completed[0].StepKey != "a::k::1" {
		t.Fatalf("unexpected completed set: %+v", completed)
	}
}
