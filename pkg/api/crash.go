package api

import (
	"fmt"
	"strings"
)

// CrashPhase names a boundary in step execution at which a test may force
// hard process termination.
type CrashPhase string

const (
	CrashNone                     CrashPhase = "NONE"
	CrashBeforeExecute            CrashPhase = "BEFORE_EXECUTE"
	CrashAfterExecuteBeforeCommit CrashPhase = "AFTER_EXECUTE_BEFORE_COMMIT"
	CrashAfterCommit              CrashPhase = "AFTER_COMMIT"
)

// ParseCrashPhase maps the CLI spellings to a CrashPhase. An empty string
// means NONE.
func ParseCrashPhase(value string) (CrashPhase, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return CrashNone, nil
	case "before-execute":
		return CrashBeforeExecute, nil
	case "after-execute-before-commit":
		return CrashAfterExecuteBeforeCommit, nil
	case "after-commit":
		return CrashAfterCommit, nil
	default:
		return CrashNone, fmt.Errorf("unsupported crash phase: %q", value)
	}
}

// CrashPolicy is a declarative crash-injection rule consulted at each phase
// boundary. The zero value never crashes.
//
// StepID narrows the rule to a single logical step id; when blank, the rule
// matches every step.
type CrashPolicy struct {
	StepID string
	Phase  CrashPhase
}

// CrashDisabled is the policy that never triggers.
var CrashDisabled = CrashPolicy{Phase: CrashNone}

// ShouldCrash reports whether the process must halt at the given step and
// phase.
func (p CrashPolicy) ShouldCrash(stepID string, phase CrashPhase) bool {
	if p.Phase == CrashNone || p.Phase == "" || phase != p.Phase {
		return false
	}
	if strings.TrimSpace(p.StepID) == "" {
		return true
	}
	return p.StepID == stepID
}
