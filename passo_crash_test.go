package passo_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/passo"
	"github.com/petrijr/passo/pkg/api"
)

// crashWorkflow is shared by the crash helper subprocess and the resuming
// parent, so both produce identical step keys.
func crashWorkflow(ctx context.Context, c *passo.Context) (any, error) {
	if _, err := c.Step(ctx, "a", func(ctx context.Context) (any, error) {
		return 1, nil
	}); err != nil {
		return nil, err
	}
	return c.Step(ctx, "b", func(ctx context.Context) (any, error) {
		return "x", nil
	})
}

// TestCrashHelperProcess is not a test of its own: the crash tests re-exec
// the test binary with PASSO_CRASH_HELPER set and drive crashWorkflow under
// a crash policy, expecting a hard os.Exit at the configured boundary.
func TestCrashHelperProcess(t *testing.T) {
	if os.Getenv("PASSO_CRASH_HELPER") != "1" {
		t.Skip("helper mode only; run via the crash tests")
	}

	phase, err := passo.ParseCrashPhase(os.Getenv("PASSO_CRASH_PHASE"))
	if err != nil {
		t.Fatalf("bad crash phase: %v", err)
	}

	eng, err := passo.OpenSQLiteEngine(os.Getenv("PASSO_CRASH_DB"), passo.Options{
		CrashPolicy: passo.CrashPolicy{
			StepID: os.Getenv("PASSO_CRASH_STEP"),
			Phase:  phase,
		},
	})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}

	if _, err := eng.Run(context.Background(), "wf-crash", crashWorkflow); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// runCrashHelper re-execs the test binary as a crashing worker and returns
// its exit code.
func runCrashHelper(t *testing.T, dbPath, crashStep, crashPhase string) int {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=TestCrashHelperProcess$")
	cmd.Env = append(os.Environ(),
		"PASSO_CRASH_HELPER=1",
		"PASSO_CRASH_DB="+dbPath,
		"PASSO_CRASH_STEP="+crashStep,
		"PASSO_CRASH_PHASE="+crashPhase,
	)

	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "helper must exit, not fail to start")
	return exitErr.ExitCode()
}

func resumeEngine(t *testing.T, dbPath string) *passo.Engine {
	t.Helper()
	// A short lease lets the resuming worker reclaim the crashed owner's
	// RUNNING row without waiting out the default three seconds.
	eng, err := passo.OpenSQLiteEngine(dbPath, passo.Options{Lease: 150 * time.Millisecond})
	require.NoError(t, err)
	return eng
}

// TestCrash_AfterExecuteBeforeCommit is the canonical durability scenario:
// the process halts after the step body ran but before its output was
// committed. The restarted worker must re-execute the step and complete the
// workflow.
func TestCrash_AfterExecuteBeforeCommit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")

	code := runCrashHelper(t, dbPath, "b", "after-execute-before-commit")
	require.Equal(t, 137, code, "the helper must hard-halt")

	recs, err := inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)

	a := stepByID(t, recs, "a")
	require.Equal(t, api.StepCompleted, a.Status)

	b := stepByID(t, recs, "b")
	require.Equal(t, api.StepRunning, b.Status, "the crashed step must still be RUNNING, not COMPLETED")
	require.Empty(t, b.OutputJSON)

	out, err := resumeEngine(t, dbPath).Run(context.Background(), "wf-crash", crashWorkflow)
	require.NoError(t, err)
	require.Equal(t, "x", out)

	recs, err = inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)
	b = stepByID(t, recs, "b")
	require.Equal(t, api.StepCompleted, b.Status)
	require.GreaterOrEqual(t, b.Attempt, 2, "resume must have reclaimed the step")
	a = stepByID(t, recs, "a")
	require.Equal(t, 1, a.Attempt, "the committed step must have been replayed, not re-run")
}

// TestCrash_BeforeExecute halts after the reservation but before the body;
// no output may exist for the step, and resume completes normally.
func TestCrash_BeforeExecute(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")

	code := runCrashHelper(t, dbPath, "a", "before-execute")
	require.Equal(t, 137, code)

	recs, err := inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	a := stepByID(t, recs, "a")
	require.Equal(t, api.StepRunning, a.Status)
	require.Empty(t, a.OutputJSON)

	out, err := resumeEngine(t, dbPath).Run(context.Background(), "wf-crash", crashWorkflow)
	require.NoError(t, err)
	require.Equal(t, "x", out)
}

// TestCrash_AfterCommit halts after the output was committed: the step's
// effect is durable, and resume replays it from cache.
func TestCrash_AfterCommit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")

	code := runCrashHelper(t, dbPath, "b", "after-commit")
	require.Equal(t, 137, code)

	recs, err := inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)

	b := stepByID(t, recs, "b")
	require.Equal(t, api.StepCompleted, b.Status)
	require.Equal(t, `"x"`, b.OutputJSON)

	out, err := resumeEngine(t, dbPath).Run(context.Background(), "wf-crash", crashWorkflow)
	require.NoError(t, err)
	require.Equal(t, "x", out)

	recs, err = inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)
	b = stepByID(t, recs, "b")
	require.Equal(t, 1, b.Attempt, "a committed step must never be re-executed")
}

// TestCrash_BlankStepMatchesAny verifies the wildcard rule: with no step id
// configured, the first step to reach the phase triggers the halt.
func TestCrash_BlankStepMatchesAny(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")

	code := runCrashHelper(t, dbPath, "", "before-execute")
	require.Equal(t, 137, code)

	recs, err := inspectStore(t, dbPath).ListSteps(context.Background(), "wf-crash", "")
	require.NoError(t, err)
	require.Len(t, recs, 1, "the crash must fire on the very first step")
	require.Equal(t, "a", recs[0].StepID)
}
