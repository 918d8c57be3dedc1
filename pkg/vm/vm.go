// Package vm implements the stack machine that executes compiled code
// objects (§4.4): a value stack, a call-frame stack mirroring Go's own call
// stack (a nested CALL simply recurses into runFrame), and name resolution
// that checks locals, then the enclosing module, then the builtin table.
//
// Design Philosophy:
//   - The VM owns no class/operator logic of its own. Every ADD, CMPEQ,
//     GETATTR and so on defers to pkg/value's operation-slot protocol; this
//     package is purely the instruction-dispatch loop plus the call/frame
//     bookkeeping the protocol needs (an Allocator, a way to find "the
//     currently running VM" from a bare heap).
//   - A running method body never sees its own call frame reified as a
//     language-level value; pkg/value.Frame (heap-allocated, GC-visible) is
//     a different, lighter-weight thing than this package's Frame, which
//     never escapes the dispatch loop.
//   - One VM belongs to exactly one heap, and one heap belongs to exactly
//     one task (§5); nothing in this package is safe to share across
//     goroutines, matching the OS-thread-per-task design pkg/task builds on.
package vm

import (
	"fmt"

	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/value"
)

func init() {
	value.SetBytecodeCaller(callBytecodeHook)
}

// spawnHook lets pkg/task install SPAWN's runtime behavior without this
// package importing pkg/task (which imports pkg/vm to build each task's
// VM) — the same import-cycle-breaking shape as value.SetBytecodeCaller.
var spawnHook func(alloc value.Allocator, callee *value.Ref) (*value.Ref, error)

// SetSpawnHook installs the task runtime's spawn implementation. Called
// once at process init from pkg/task. Until it is called, executing a
// spawn expression is a runtime error ("no task runtime installed"), which
// matters for any test that exercises the compiler/VM without pulling in
// the task subsystem.
func SetSpawnHook(f func(alloc value.Allocator, callee *value.Ref) (*value.Ref, error)) {
	spawnHook = f
}

// callBytecodeHook is value.CallBound's dispatcher for bytecode/closure
// methods. It recovers the owning VM from the allocator handed to it (which
// is always a *heap.Heap in this implementation) via the heap's installed
// Marker — the Go-idiomatic stand-in for "find the VM whose frame stack this
// call belongs to" now that each task has its own VM instead of there being
// one global interpreter.
func callBytecodeHook(alloc value.Allocator, bm *value.BoundMethod, args []*value.Ref) (*value.Ref, error) {
	h, ok := alloc.(*heap.Heap)
	if !ok {
		return nil, fmt.Errorf("vm: bytecode call requires a *heap.Heap allocator")
	}
	owner, ok := h.Owner().(*VM)
	if !ok || owner == nil {
		return nil, fmt.Errorf("vm: heap has no owning VM")
	}
	return owner.invoke(bm, args)
}

// Frame is one call's execution state: the code object being run, its
// program counter, and its locals. Unlike value.Frame (a heap-allocated,
// language-visible activation record), this Frame never escapes the VM.
type Frame struct {
	Method    *value.Method // nil for a module's top-level frame
	ModuleRef *value.Ref    // the module owning this frame's code, for name resolution
	Code      *code.Code
	Locals    map[string]*value.Var
	PC        int
}

// lookupCell finds name's storage cell, checking this frame's own locals
// first, then (only if this frame is itself a closure) its captured
// bindings. It does not fall through to the module or builtins — that is
// resolveName's job, one level up.
func (f *Frame) lookupCell(name string) *value.Var {
	if c, ok := f.Locals[name]; ok {
		return c
	}
	if f.Method != nil && f.Method.Kind == value.MethodClosure {
		if c, ok := f.Method.Bindings[name]; ok {
			return c
		}
	}
	return nil
}

// VM is one task's interpreter: a value stack and a frame stack, both
// rooted for GC purposes via MarkRoots, plus the builtin table this task's
// module manager wired in (§6.3) and an optional attached Debugger.
type VM struct {
	Heap     *heap.Heap
	Stack    []*value.Ref
	Frames   []*Frame
	Builtins map[string]*value.Ref
	Debugger *Debugger
}

// NewVM creates a VM over h and installs itself as h's root Marker.
func NewVM(h *heap.Heap, builtins map[string]*value.Ref) *VM {
	vm := &VM{Heap: h, Builtins: builtins}
	h.SetMarker(vm)
	return vm
}

// MarkRoots implements heap.Marker: the value stack, every live frame's
// locals and captured closure bindings, and the builtin table are this
// task's live set beyond whatever the heap's own pinned roots cover.
func (vm *VM) MarkRoots(h *heap.Heap) {
	for _, v := range vm.Stack {
		h.Mark(v)
	}
	for _, f := range vm.Frames {
		for _, cell := range f.Locals {
			if cell != nil {
				h.Mark(cell.Value)
			}
		}
		// A running closure's captured cells are reachable only through its
		// Method while its frame is live; the method ref itself may be a
		// process-global constant the heap ignores.
		if f.Method != nil {
			for _, cell := range f.Method.Bindings {
				if cell != nil {
					h.Mark(cell.Value)
				}
			}
		}
		// Module refs are compiler-built process objects, not heap cells,
		// so Mark won't traverse them on its own — but the values their
		// locals hold were allocated here by STORENAMEs at module scope.
		if f.ModuleRef != nil {
			if mod, ok := f.ModuleRef.Data.(*value.Module); ok {
				for _, cell := range mod.Locals {
					if cell != nil {
						h.Mark(cell.Value)
					}
				}
			}
		}
	}
	for _, b := range vm.Builtins {
		h.Mark(b)
	}
}

// RunModule runs a module's top-level code object to completion (§5): its
// frame's locals map IS the module's own Locals map, so STORENAME at module
// scope persists directly onto the module value other tasks can later read
// through GETATTR.
func (vm *VM) RunModule(modRef *value.Ref, top *code.Code) (*value.Ref, error) {
	mod, ok := modRef.Data.(*value.Module)
	if !ok {
		return nil, fmt.Errorf("vm: RunModule requires a module ref")
	}
	f := &Frame{ModuleRef: modRef, Code: top, Locals: mod.Locals}
	return vm.runFrame(f)
}

// invoke runs a bound bytecode/closure method against args: the §3.5
// calling convention for everything that isn't a native Go function or a
// class construction (both handled directly by callValue).
//
// How a method body reaches its own receiver is not fixed by any opcode —
// there is no "self" AST node or instruction. This implementation binds a
// non-nil BoundMethod.Self into the new frame's locals under the reserved
// name "self", exactly as if the method had declared an extra leading
// parameter; a bare (unbound) method call, or a plain function call, simply
// never populates that name. See DESIGN.md for why this departs from the
// original native-only self-passing convention.
func (vm *VM) invoke(bm *value.BoundMethod, args []*value.Ref) (*value.Ref, error) {
	m := bm.Method
	co, ok := m.Code.(*code.Code)
	if !ok {
		return nil, fmt.Errorf("vm: method has no compiled code")
	}
	if len(args) != len(co.Args) {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", displayName(co), len(co.Args), len(args))
	}
	locals := make(map[string]*value.Var, len(co.Locals)+1)
	for i, name := range co.Args {
		locals[name] = &value.Var{Value: args[i]}
	}
	if bm.Self != nil {
		locals["self"] = &value.Var{Value: bm.Self}
	}
	f := &Frame{Method: m, ModuleRef: m.Module, Code: co, Locals: locals}
	return vm.runFrame(f)
}

// Invoke runs bm against args on this VM. Exported for pkg/task, which
// drives a spawned task's entry method the same way a CALL opcode would.
func (vm *VM) Invoke(bm *value.BoundMethod, args []*value.Ref) (*value.Ref, error) {
	return vm.invoke(bm, args)
}

func displayName(co *code.Code) string {
	if co.Name == "" {
		return "<anonymous>"
	}
	return co.Name
}

// callValue implements the CALL opcode's dispatch (§4.1's "Calling" rule):
// a class constructs an instance via its Call slot; anything else must
// already be (or wrap) a bound method. Delegates to value.CallValue, the
// same dispatch Getattr's custom-getattr wrapper uses.
func (vm *VM) callValue(target *value.Ref, args []*value.Ref) (*value.Ref, error) {
	return value.CallValue(vm.Heap, target, args)
}

func (vm *VM) push(v *value.Ref) { vm.Stack = append(vm.Stack, v) }

func (vm *VM) pop() (*value.Ref, error) {
	n := len(vm.Stack)
	if n == 0 {
		return nil, fmt.Errorf("vm: stack underflow")
	}
	v := vm.Stack[n-1]
	vm.Stack = vm.Stack[:n-1]
	return v, nil
}

func (vm *VM) peek() (*value.Ref, error) {
	n := len(vm.Stack)
	if n == 0 {
		return nil, fmt.Errorf("vm: stack underflow")
	}
	return vm.Stack[n-1], nil
}

// resolveName implements PUSHNAME's three-step search (§4.3): this frame's
// own cells (locals, then closure bindings), the enclosing module's locals,
// then the builtin table.
func (vm *VM) resolveName(f *Frame, name string) (*value.Ref, error) {
	if cell := f.lookupCell(name); cell != nil {
		return cell.Value, nil
	}
	if f.ModuleRef != nil {
		if mod, ok := f.ModuleRef.Data.(*value.Module); ok {
			if v, ok := mod.Locals[name]; ok {
				return v.Value, nil
			}
		}
	}
	if v, ok := vm.Builtins[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("name %q is not defined", name)
}

// runFrame is the dispatch loop: it pushes f onto the frame stack (both for
// MarkRoots and for the debugger's call-stack display), runs every
// instruction in f.Code until RET, and pops f back off on the way out
// whether execution succeeded or failed.
//
// Stack discipline: instructions that consume operands and allocate a
// result (CALL, MAKEARRAY, MAKEHASH, GETATTR, GETITEM, SPAWN, the
// compare/arith family) read their operands in place and truncate the
// stack only once the result exists, so the operands stay rooted until
// then, including across a safe point a CALL's callee reaches (allocation
// itself never collects). The frame's
// own stack segment is truncated on the way out regardless of how the
// frame exits.
func (vm *VM) runFrame(f *Frame) (*value.Ref, error) {
	vm.Frames = append(vm.Frames, f)
	frameBase := len(vm.Stack)
	defer func() {
		vm.Frames = vm.Frames[:len(vm.Frames)-1]
		if len(vm.Stack) > frameBase {
			vm.Stack = vm.Stack[:frameBase]
		}
	}()

	for f.PC < len(f.Code.Instrs) {
		vm.Heap.MaybeCollect()
		if vm.Debugger != nil {
			vm.Debugger.beforeInstr(vm, f)
		}

		instr := f.Code.Instrs[f.PC]
		advance := true

		switch instr.Op() {
		case code.PUSHCONST:
			vm.push(f.Code.Constants[instr.Arg()])

		case code.PUSHNIL:
			vm.push(value.Nil)

		case code.PUSHNAME:
			name := f.Code.Names[instr.Arg()]
			v, rerr := vm.resolveName(f, name)
			if rerr != nil {
				return nil, vm.wrapErr(rerr)
			}
			vm.push(v)

		case code.STORENAME:
			name := f.Code.Names[instr.Arg()]
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			if cell := f.lookupCell(name); cell != nil {
				cell.Value = v
			} else {
				f.Locals[name] = &value.Var{Value: v}
			}

		case code.GETCLASS:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			vm.push(value.ClassRef(v.Class))

		case code.GETATTR:
			name := f.Code.Names[instr.Arg()]
			v, perr := vm.peek()
			if perr != nil {
				return nil, perr
			}
			bm, ok := value.Getattr(v, name)
			if !ok {
				return nil, vm.wrapErr(fmt.Errorf("%s has no attribute %q", v.Class.NameStr, name))
			}
			var result *value.Ref
			if bm.Raw != nil {
				result = bm.Raw
			} else {
				result = vm.Heap.NewBoundMethod(bm)
			}
			vm.Stack[len(vm.Stack)-1] = result

		case code.GETITEM:
			if len(vm.Stack) < 2 {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			key := vm.Stack[len(vm.Stack)-1]
			target := vm.Stack[len(vm.Stack)-2]
			if target.Class.Slots.Getitem == nil {
				return nil, vm.wrapErr(fmt.Errorf("%s has no getitem slot", target.Class.NameStr))
			}
			r, gerr := target.Class.Slots.Getitem(vm.Heap, target, key)
			if gerr != nil {
				return nil, vm.wrapErr(gerr)
			}
			vm.Stack = vm.Stack[:len(vm.Stack)-2]
			vm.push(r)

		case code.CALL:
			n := instr.Arg()
			if len(vm.Stack) < n+1 {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			argBase := len(vm.Stack) - n - 1
			args := make([]*value.Ref, n)
			copy(args, vm.Stack[argBase+1:])
			target := vm.Stack[argBase]
			r, cerr := vm.callValue(target, args)
			if cerr != nil {
				return nil, vm.wrapErr(cerr)
			}
			vm.Stack = vm.Stack[:argBase]
			vm.push(r)

		case code.RET:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			return v, nil

		case code.SPAWN:
			callee, perr := vm.peek()
			if perr != nil {
				return nil, perr
			}
			if spawnHook == nil {
				return nil, vm.wrapErr(fmt.Errorf("spawn: no task runtime installed"))
			}
			taskRef, serr := spawnHook(vm.Heap, callee)
			if serr != nil {
				return nil, vm.wrapErr(serr)
			}
			vm.Stack[len(vm.Stack)-1] = taskRef

		case code.NOT:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			vm.push(vm.Heap.NewBool(!value.Truthy(v)))

		case code.DUP:
			v, perr := vm.peek()
			if perr != nil {
				return nil, perr
			}
			vm.push(v)

		case code.MAKEARRAY:
			n := instr.Arg()
			if len(vm.Stack) < n {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			start := len(vm.Stack) - n
			elems := make([]*value.Ref, n)
			copy(elems, vm.Stack[start:])
			arr := vm.Heap.NewArray(elems)
			vm.Stack = vm.Stack[:start]
			vm.push(arr)

		case code.MAKEHASH:
			// Pairs sit on the stack key-then-value per pair, in source
			// order; they are replayed into the hash in that same order, so
			// Hash.Set's "first write claims the slot, every write updates
			// the value" behavior matches what the source text shows.
			n := instr.Arg()
			if len(vm.Stack) < 2*n {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			start := len(vm.Stack) - 2*n
			h := vm.Heap.NewHash()
			hd := h.Data.(*value.Hash)
			for i := 0; i < n; i++ {
				hd.Set(vm.Stack[start+2*i], vm.Stack[start+2*i+1])
			}
			vm.Stack = vm.Stack[:start]
			vm.push(h)

		case code.MAKECLOSURE:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			m, ok := v.Data.(*value.Method)
			if !ok || m.Kind != value.MethodBytecode {
				return nil, vm.wrapErr(fmt.Errorf("makeclosure: operand is not a plain bytecode method"))
			}
			co, ok := m.Code.(*code.Code)
			if !ok {
				return nil, vm.wrapErr(fmt.Errorf("makeclosure: method has no compiled code"))
			}
			bindings := make(map[string]*value.Var, len(co.Freevars))
			for _, name := range co.Freevars {
				cell := f.lookupCell(name)
				if cell == nil {
					return nil, vm.wrapErr(fmt.Errorf("makeclosure: free variable %q not found in enclosing scope", name))
				}
				bindings[name] = cell
			}
			// Allocated from the task's heap, not built as a bare Ref: the
			// captured cells' contents are reachable only through the
			// closure once the creating frame returns, so the collector
			// must be able to trace it (MethodClass's mark slot).
			closure := &value.Method{Kind: value.MethodClosure, Code: m.Code, Module: m.Module, Bindings: bindings}
			vm.push(vm.Heap.NewMethod(closure))

		case code.JUMP:
			f.PC = instr.Arg()
			advance = false

		case code.JUMPIFTRUE:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			if value.Truthy(v) {
				f.PC = instr.Arg()
				advance = false
			}

		case code.JUMPIFFALSE:
			v, perr := vm.pop()
			if perr != nil {
				return nil, perr
			}
			if !value.Truthy(v) {
				f.PC = instr.Arg()
				advance = false
			}

		case code.CMPEQ, code.CMPNEQ, code.CMPGT, code.CMPGTE, code.CMPLT, code.CMPLTE:
			if len(vm.Stack) < 2 {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			l, r := vm.Stack[len(vm.Stack)-2], vm.Stack[len(vm.Stack)-1]
			result, cerr := vm.compare(instr.Op(), l, r)
			if cerr != nil {
				return nil, vm.wrapErr(cerr)
			}
			vm.Stack = vm.Stack[:len(vm.Stack)-2]
			vm.push(result)

		case code.ADD, code.SUB, code.MUL, code.DIV:
			if len(vm.Stack) < 2 {
				return nil, fmt.Errorf("vm: stack underflow")
			}
			l, r := vm.Stack[len(vm.Stack)-2], vm.Stack[len(vm.Stack)-1]
			result, aerr := vm.arith(instr.Op(), l, r)
			if aerr != nil {
				return nil, vm.wrapErr(aerr)
			}
			vm.Stack = vm.Stack[:len(vm.Stack)-2]
			vm.push(result)

		case code.POP:
			if _, perr := vm.pop(); perr != nil {
				return nil, perr
			}

		default:
			return nil, vm.wrapErr(fmt.Errorf("unknown opcode %v", instr.Op()))
		}

		if advance {
			f.PC++
		}
	}
	return value.Nil, nil
}

func (vm *VM) compare(op code.Op, l, r *value.Ref) (*value.Ref, error) {
	if op == code.CMPEQ || op == code.CMPNEQ {
		eq, err := value.Equal(l, r)
		if err != nil {
			return nil, err
		}
		if op == code.CMPNEQ {
			eq = !eq
		}
		return vm.Heap.NewBool(eq), nil
	}
	res, err := value.Order(l, r)
	if err != nil {
		return nil, err
	}
	switch op {
	case code.CMPGT:
		return vm.Heap.NewBool(res == value.CmpGreater), nil
	case code.CMPGTE:
		return vm.Heap.NewBool(res == value.CmpGreater || res == value.CmpEqual), nil
	case code.CMPLT:
		return vm.Heap.NewBool(res == value.CmpLess), nil
	case code.CMPLTE:
		return vm.Heap.NewBool(res == value.CmpLess || res == value.CmpEqual), nil
	}
	return nil, fmt.Errorf("vm: unreachable compare opcode %v", op)
}

func (vm *VM) arith(op code.Op, l, r *value.Ref) (*value.Ref, error) {
	switch op {
	case code.ADD:
		return value.Add(vm.Heap, l, r)
	case code.SUB:
		return value.Sub(vm.Heap, l, r)
	case code.MUL:
		return value.Mul(vm.Heap, l, r)
	case code.DIV:
		return value.Div(vm.Heap, l, r)
	}
	return nil, fmt.Errorf("vm: unreachable arith opcode %v", op)
}

// wrapErr attaches the current call-frame stack to err, matching §7's
// requirement that a runtime error carry source context, unless err is
// already a *RuntimeError (a nested call's error propagating back up).
func (vm *VM) wrapErr(err error) error {
	if re, ok := err.(*RuntimeError); ok {
		return re
	}
	stack := make([]StackFrame, len(vm.Frames))
	for i, f := range vm.Frames {
		stack[i] = StackFrame{
			Name:       displayName(f.Code),
			IP:         f.PC,
			SourceLine: f.Code.Line,
		}
	}
	return newRuntimeError(err.Error(), stack)
}
