package vm_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/ast"
	"github.com/kristofer/nim/pkg/compiler"
	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/value"
	"github.com/kristofer/nim/pkg/vm"
)

// debugMain compiles mod, attaches a debugger fed from script, runs main,
// and returns main's result plus everything the debugger printed.
func debugMain(t *testing.T, mod *ast.Module, d *vm.Debugger, script string) (*value.Ref, string) {
	t.Helper()
	modRef, top, err := compiler.Compile(mod, "debugged", nil, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	d.In = strings.NewReader(script)
	d.Out = &out

	h := heap.New()
	machine := vm.NewVM(h, map[string]*value.Ref{})

	_, err = machine.RunModule(modRef, top)
	require.NoError(t, err)

	// Attach only for main's run, so the module body's own instructions
	// don't consume the scripted commands first.
	machine.Debugger = d

	method := modRef.Data.(*value.Module).Locals["main"].Value.Data.(*value.Method)
	result, err := machine.Invoke(&value.BoundMethod{Method: method}, nil)
	require.NoError(t, err)
	return result, out.String()
}

func debugModule() *ast.Module {
	return moduleOf(fn("main", []ast.Node{
		&ast.Var{Name: "x", Value: &ast.IntLit{Value: 5}},
		&ast.Ret{Expr: &ast.Binop{
			Op:    ast.OpAdd,
			Left:  &ast.Ident{Name: "x"},
			Right: &ast.IntLit{Value: 2},
		}},
	}))
}

// Step mode pauses before the first instruction; inspecting the stack and
// listing, then continuing, lets the program run to its normal result.
func TestDebuggerStepPauseInspectAndContinue(t *testing.T) {
	d := vm.NewDebugger()
	d.Enable()
	d.SetStepMode(true)

	result, out := debugMain(t, debugModule(), d, "stack\nlist\ncontinue\n")

	require.Equal(t, int64(7), result.Data)
	require.Contains(t, out, "-- paused --")
	require.Contains(t, out, "stack: (empty)")
	require.Contains(t, out, "PUSHCONST")
	require.Contains(t, out, "RET")
}

// A breakpoint pauses only at its instruction; locals set by earlier
// instructions are visible there, and quit detaches for the rest of the run.
func TestDebuggerBreakpointShowsLocalsThenQuitDetaches(t *testing.T) {
	d := vm.NewDebugger()
	d.Enable()
	d.AddBreakpoint(2) // after PUSHCONST 5 / STORENAME x

	result, out := debugMain(t, debugModule(), d, "locals\nquit\n")

	require.Equal(t, int64(7), result.Data)
	require.Equal(t, 1, strings.Count(out, "-- paused --"), "breakpoint must fire exactly once")
	require.Contains(t, out, "x = 5")
}

// Exhausted input (EOF) detaches rather than spinning on an unreadable
// prompt, so a scripted or closed stdin can't wedge the dispatch loop.
func TestDebuggerEOFDetaches(t *testing.T) {
	d := vm.NewDebugger()
	d.Enable()
	d.SetStepMode(true)

	result, out := debugMain(t, debugModule(), d, "")

	require.Equal(t, int64(7), result.Data)
	require.Equal(t, 1, strings.Count(out, "-- paused --"))
}
