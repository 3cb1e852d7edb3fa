package engine

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
)

const unknownCallsite = "unknown"

// framePrefixes lists the function-name prefixes of the engine and its
// public wrapper package. The callsite of a step is the first stack frame
// outside of them.
var framePrefixes = []string{
	"github.com/petrijr/passo/internal/engine.",
	"github.com/petrijr/passo.",
}

// resolveCallsite walks the stack and returns a stable per-call-site token
// of the form "function:line". The token only needs to be identical on
// replay from the same code path and distinct across call sites; it is
// hashed before it enters a step key.
func resolveCallsite() string {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	if n == 0 {
		return unknownCallsite
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !engineFrame(frame.Function) {
			return fmt.Sprintf("%s:%d", frame.Function, frame.Line)
		}
		if !more {
			return unknownCallsite
		}
	}
}

func engineFrame(fn string) bool {
	for _, prefix := range framePrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}

func callsiteHash(callsite string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callsite))
	return fmt.Sprintf("%08x", h.Sum32())
}

func autoStepID(callsite string) string {
	return "auto-" + callsiteHash(callsite)
}

// stepKey builds the stored key for one step invocation. The context's
// logical clock deliberately stays out of it: replay must produce the same
// key from (step id, callsite, sequence) alone, so the tick is reported to
// observers instead.
func stepKey(stepID, callsite string, sequence int64) string {
	return fmt.Sprintf("%s::%s::%d", stepID, callsiteHash(callsite), sequence)
}
