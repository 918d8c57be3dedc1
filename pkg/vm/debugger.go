package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kristofer/nim/pkg/value"
)

// Debugger is an optional breakpoint/step hook on the dispatch loop. When
// attached (VM.Debugger non-nil) and enabled, runFrame consults it before
// every instruction; a hit drops into a line-oriented prompt on In/Out
// (stdin/stdout unless a test redirects them). It owns no dispatch logic —
// quitting simply detaches it and lets the loop run on.
type Debugger struct {
	In  io.Reader
	Out io.Writer

	scanner     *bufio.Scanner // lazily wraps In; persists across pauses
	breakpoints map[int]bool
	stepMode    bool
	enabled     bool
	frame       *Frame // frame paused in, for the inspection commands
}

// NewDebugger creates a disabled debugger wired to stdin/stdout.
func NewDebugger() *Debugger {
	return &Debugger{In: os.Stdin, Out: os.Stdout, breakpoints: make(map[int]bool)}
}

// Enable activates the debugger; Disable deactivates it without clearing
// breakpoints.
func (d *Debugger) Enable()  { d.enabled = true }
func (d *Debugger) Disable() { d.enabled = false }

// SetStepMode makes the debugger pause before every instruction.
func (d *Debugger) SetStepMode(on bool) { d.stepMode = on }

// AddBreakpoint and RemoveBreakpoint manage pause points by instruction
// index within whatever code object is executing.
func (d *Debugger) AddBreakpoint(ip int)    { d.breakpoints[ip] = true }
func (d *Debugger) RemoveBreakpoint(ip int) { delete(d.breakpoints, ip) }

func (d *Debugger) shouldPause(pc int) bool {
	return d.enabled && (d.stepMode || d.breakpoints[pc])
}

// beforeInstr is runFrame's hook, called once per instruction.
func (d *Debugger) beforeInstr(vm *VM, f *Frame) {
	if !d.shouldPause(f.PC) {
		return
	}
	d.frame = f
	d.prompt(vm)
}

func (d *Debugger) printCurrent() {
	if d.frame == nil || d.frame.PC >= len(d.frame.Code.Instrs) {
		fmt.Fprintln(d.Out, "(no current instruction)")
		return
	}
	fmt.Fprintln(d.Out, d.frame.Code.ListLine(d.frame.PC))
}

func (d *Debugger) printStack(vm *VM) {
	if len(vm.Stack) == 0 {
		fmt.Fprintln(d.Out, "stack: (empty)")
		return
	}
	fmt.Fprintln(d.Out, "stack (top first):")
	for i := len(vm.Stack) - 1; i >= 0; i-- {
		v := vm.Stack[i]
		fmt.Fprintf(d.Out, "  [%d] %s (%s)\n", i, value.ToDisplayString(v), v.Class.NameStr)
	}
}

func (d *Debugger) printLocals() {
	if d.frame == nil || len(d.frame.Locals) == 0 {
		fmt.Fprintln(d.Out, "locals: (none set)")
		return
	}
	fmt.Fprintln(d.Out, "locals:")
	for name, cell := range d.frame.Locals {
		fmt.Fprintf(d.Out, "  %s = %s\n", name, value.ToDisplayString(cell.Value))
	}
}

func (d *Debugger) printFrames(vm *VM) {
	fmt.Fprintln(d.Out, "frames (innermost first):")
	for i := len(vm.Frames) - 1; i >= 0; i-- {
		f := vm.Frames[i]
		fmt.Fprintf(d.Out, "  %s [pc %d]\n", displayName(f.Code), f.PC)
	}
}

func (d *Debugger) printListing() {
	if d.frame == nil {
		fmt.Fprintln(d.Out, "(no active frame)")
		return
	}
	for i := range d.frame.Code.Instrs {
		marker := "  "
		switch {
		case i == d.frame.PC:
			marker = "->"
		case d.breakpoints[i]:
			marker = " *"
		}
		fmt.Fprintf(d.Out, "%s %s\n", marker, d.frame.Code.ListLine(i))
	}
}

// prompt blocks reading commands until the user resumes (continue/step) or
// detaches (quit). The scanner is created once and reused across pauses so
// its read-ahead buffer doesn't drop input between them.
func (d *Debugger) prompt(vm *VM) {
	if d.scanner == nil {
		d.scanner = bufio.NewScanner(d.In)
	}

	fmt.Fprintln(d.Out, "\n-- paused --")
	d.printCurrent()

	for {
		fmt.Fprint(d.Out, "debug> ")
		if !d.scanner.Scan() {
			d.Disable()
			return
		}
		parts := strings.Fields(d.scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "c", "continue":
			d.stepMode = false
			return
		case "s", "step":
			d.stepMode = true
			return
		case "st", "stack":
			d.printStack(vm)
		case "l", "locals":
			d.printLocals()
		case "f", "frames":
			d.printFrames(vm)
		case "i", "instr":
			d.printCurrent()
		case "ls", "list":
			d.printListing()
		case "b", "break":
			if ip, ok := argAsIP(parts); ok {
				d.AddBreakpoint(ip)
				fmt.Fprintf(d.Out, "breakpoint set at %d\n", ip)
			} else {
				fmt.Fprintln(d.Out, "usage: break <instr>")
			}
		case "d", "delete":
			if ip, ok := argAsIP(parts); ok {
				d.RemoveBreakpoint(ip)
			} else {
				fmt.Fprintln(d.Out, "usage: delete <instr>")
			}
		case "q", "quit":
			d.Disable()
			return
		case "h", "help", "?":
			fmt.Fprint(d.Out, ""+
				"  c/continue   resume execution\n"+
				"  s/step       pause before the next instruction\n"+
				"  st/stack     show the value stack\n"+
				"  l/locals     show the current frame's locals\n"+
				"  f/frames     show the frame stack\n"+
				"  i/instr      show the current instruction\n"+
				"  ls/list      list the current code object\n"+
				"  b/break <n>  set a breakpoint at instruction n\n"+
				"  d/delete <n> remove the breakpoint at instruction n\n"+
				"  q/quit       detach and resume\n")
		default:
			fmt.Fprintf(d.Out, "unknown command %q (try help)\n", parts[0])
		}
	}
}

func argAsIP(parts []string) (int, bool) {
	if len(parts) < 2 {
		return 0, false
	}
	ip, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return ip, true
}
