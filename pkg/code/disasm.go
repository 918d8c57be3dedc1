package code

import (
	"fmt"
	"strings"

	"github.com/kristofer/nim/pkg/value"
)

// Disassemble renders c's instruction stream as a flat opcode listing: one
// line per instruction, annotated with the name/constant a PUSHNAME-family
// argument indexes where that's known statically. pkg/vm's Debugger uses
// the same per-line renderer (ListLine) for its interactive views.
func Disassemble(c *Code) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s:%d)\n", c.Name, c.File, c.Line)
	for i := range c.Instrs {
		b.WriteString("  ")
		b.WriteString(c.ListLine(i))
		b.WriteByte('\n')
	}
	return b.String()
}

// ListLine renders the instruction at index i as "   N: OPCODE operand",
// resolving the operand against c's pools where possible.
func (c *Code) ListLine(i int) string {
	instr := c.Instrs[i]
	var b strings.Builder
	fmt.Fprintf(&b, "%4d: %-12s", i, instr.Op())
	switch instr.Op() {
	case PUSHNAME, STORENAME, GETATTR:
		if idx := instr.Arg(); idx < len(c.Names) {
			fmt.Fprintf(&b, " %d (%s)", idx, c.Names[idx])
		}
	case PUSHCONST:
		if idx := instr.Arg(); idx < len(c.Constants) {
			fmt.Fprintf(&b, " %d (%s)", idx, value.ToDisplayString(c.Constants[idx]))
		}
	case JUMP, JUMPIFTRUE, JUMPIFFALSE:
		fmt.Fprintf(&b, " -> %d", instr.Arg())
	default:
		if instr.Arg() != 0 {
			fmt.Fprintf(&b, " %d", instr.Arg())
		}
	}
	return b.String()
}
