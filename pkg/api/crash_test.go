package api

import "testing"

func TestParseCrashPhase(t *testing.T) {
	cases := map[string]CrashPhase{
		"":                            CrashNone,
		"none":                        CrashNone,
		"NONE":                        CrashNone,
		"before-execute":              CrashBeforeExecute,
		"  Before-Execute ":           CrashBeforeExecute,
		"after-execute-before-commit": CrashAfterExecuteBeforeCommit,
		"after-commit":                CrashAfterCommit,
	}
	for input, want := range cases {
		got, err := ParseCrashPhase(input)
		if err != nil {
			t.Fatalf("ParseCrashPhase(%q) failed: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseCrashPhase(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := ParseCrashPhase("mid-commit"); err == nil {
		t.Fatal("expected an error for an unsupported phase")
	}
}

func TestCrashPolicy_ShouldCrash(t *testing.T) {
	anyStep := CrashPolicy{Phase: CrashAfterCommit}
	if !anyStep.ShouldCrash("a", CrashAfterCommit) {
		t.Fatal("blank step id must match any step")
	}
	if anyStep.ShouldCrash("a", CrashBeforeExecute) {
		t.Fatal("phase mismatch must not crash")
	}

	specific := CrashPolicy{StepID: "b", Phase: CrashBeforeExecute}
	if !specific.ShouldCrash("b", CrashBeforeExecute) {
		t.Fatal("matching step and phase must crash")
	}
	if specific.ShouldCrash("a", CrashBeforeExecute) {
		t.Fatal("non-matching step must not crash")
	}

	if CrashDisabled.ShouldCrash("a", CrashAfterCommit) {
		t.Fatal("CrashDisabled must never crash")
	}

	var zero CrashPolicy
	if zero.ShouldCrash("a", CrashAfterCommit) {
		t.Fatal("zero policy must never crash")
	}
}
