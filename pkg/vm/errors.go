package vm

import (
	"fmt"
	"strings"
)

// StackFrame is one entry of a RuntimeError's captured call stack: which
// method was executing, where its program counter stood, and the source
// line its code object was compiled from (0 if unknown).
type StackFrame struct {
	Name       string
	IP         int
	SourceLine int
}

// RuntimeError is the VM's error class (§7.2): the failure message plus the
// call stack at the moment the dispatch loop gave up. It propagates up
// through nested runFrame calls unchanged, so the trace always describes
// the innermost failure.
type RuntimeError struct {
	Message    string
	StackTrace []StackFrame
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.StackTrace) - 1; i >= 0; i-- {
			frame := e.StackTrace[i]
			fmt.Fprintf(&b, "\n  at %s", frame.Name)
			if frame.SourceLine > 0 {
				fmt.Fprintf(&b, " [line %d]", frame.SourceLine)
			}
			fmt.Fprintf(&b, " [pc %d]", frame.IP)
		}
	}

	return b.String()
}

func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{Message: message, StackTrace: stack}
}
