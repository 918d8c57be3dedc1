// Package stdlib registers the handful of native methods and free functions
// a running program can call without an explicit `use` (§6.3), plus the
// minimal extras the end-to-end scenarios in spec.md §8 exercise (print) that
// aren't themselves part of the authoritative builtins table but need a
// host-level implementation somewhere.
//
// Everything broader than this — sockets, HTTP parsing, a real test harness —
// is the "built-in convenience modules" spec.md §1 declares out of scope;
// this package is deliberately thin.
package stdlib

import (
	"fmt"

	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/value"
)

// ExtraBuiltins names the identifiers this package adds beyond §6.3's table,
// for symtab.Build's extraBuiltins parameter so a bare `print(...)` call
// resolves instead of failing undefined-name analysis.
var ExtraBuiltins = map[string]bool{
	"print":    true,
	"gc_stats": true,
}

func rangeNative(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
	var start, stop, step int64 = 0, 0, 1
	switch len(args) {
	case 1:
		n, ok := args[0].Data.(int64)
		if !ok {
			return nil, fmt.Errorf("range: argument must be int")
		}
		stop = n
	case 2, 3:
		a, aok := args[0].Data.(int64)
		b, bok := args[1].Data.(int64)
		if !aok || !bok {
			return nil, fmt.Errorf("range: arguments must be int")
		}
		start, stop = a, b
		if len(args) == 3 {
			s, sok := args[2].Data.(int64)
			if !sok {
				return nil, fmt.Errorf("range: step must be int")
			}
			if s == 0 {
				return nil, fmt.Errorf("range: step must not be zero")
			}
			step = s
		}
	default:
		return nil, fmt.Errorf("range: expected 1, 2 or 3 arguments, got %d", len(args))
	}

	var elems []*value.Ref
	if step > 0 {
		for i := start; i < stop; i += step {
			elems = append(elems, alloc.NewInt(i))
		}
	} else {
		for i := start; i > stop; i += step {
			elems = append(elems, alloc.NewInt(i))
		}
	}
	return alloc.NewArray(elems), nil
}

func printNative(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = value.ToDisplayString(a)
	}
	for i, p := range parts {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Print(p)
	}
	fmt.Println()
	return value.Nil, nil
}

// gcStatsNative reports the calling task's heap diagnostics as a hash of
// live/free cell counts and completed collection cycles.
func gcStatsNative(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
	h, ok := alloc.(*heap.Heap)
	if !ok {
		return nil, fmt.Errorf("gc_stats: no heap available")
	}
	stats := h.NewHash()
	hd := stats.Data.(*value.Hash)
	hd.Set(h.NewStr("live"), h.NewInt(int64(h.NumLive())))
	hd.Set(h.NewStr("free"), h.NewInt(int64(h.NumFree())))
	hd.Set(h.NewStr("collections"), h.NewInt(int64(h.CollectionCount())))
	return stats, nil
}

// CompileFunc is implemented by pkg/task.Manager; kept as a function type
// here (rather than importing pkg/task directly into every builtins() caller)
// so tests that don't need real module loading can stub it.
type CompileFunc func(name, filename string) (*value.Ref, error)

// compileHook is installed by whichever entry point (cmd/nim, a test) has a
// live module manager; nil means the compile(...) builtin reports "no module
// manager wired" rather than panicking.
var compileHook CompileFunc

// SetCompileHook installs the compile(name, filename) / compile(name_and_filename)
// builtin's backing implementation.
func SetCompileHook(f CompileFunc) {
	compileHook = f
}

func compileNative(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
	var name, filename string
	switch len(args) {
	case 1:
		s, ok := args[0].Data.(*value.Str)
		if !ok {
			return nil, fmt.Errorf("compile: argument must be str")
		}
		name = string(s.Bytes)
		filename = name
	case 2:
		ns, ok1 := args[0].Data.(*value.Str)
		fs, ok2 := args[1].Data.(*value.Str)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("compile: arguments must be str")
		}
		name = string(ns.Bytes)
		filename = string(fs.Bytes)
	default:
		return nil, fmt.Errorf("compile: expected 1 or 2 arguments, got %d", len(args))
	}
	if compileHook == nil {
		return nil, fmt.Errorf("compile: no module manager wired")
	}
	return compileHook(name, filename)
}

// RecvFunc/SelfFunc are supplied by pkg/task at init time (recv/self are
// genuinely task-subsystem operations; this package just re-exports them
// under their §6.3 names so a builtins table doesn't need to reach into two
// packages to assemble itself).
var (
	recvFunc func() *value.Method
	selfFunc func() *value.Method
)

// SetTaskFuncs wires recv()/self() into this package's builtins table.
// pkg/task's init() cannot call this directly (that would require pkg/task
// to import pkg/stdlib, which imports pkg/task back) — the process entry
// point (cmd/nim, or a test's setup) calls it once after both packages have
// initialized.
func SetTaskFuncs(recv, self func() *value.Method) {
	recvFunc = recv
	selfFunc = self
}

// Builtins assembles the full builtin table (§6.3): the class objects, the
// free functions range/compile/recv/self, and the extras (print) this
// package adds. Safe to call once per spawned task, since each task's VM
// needs its own copy of the map (though every value inside it is shared,
// per §5 — classes, and the methods wrapping native funcs, are process
// globals).
func Builtins() map[string]*value.Ref {
	b := map[string]*value.Ref{
		"hash":   value.ClassRef(value.HashClass),
		"array":  value.ClassRef(value.ArrayClass),
		"int":    value.ClassRef(value.IntClass),
		"float":  value.ClassRef(value.FloatClass),
		"str":    value.ClassRef(value.StrClass),
		"bool":   value.ClassRef(value.BoolClass),
		"module": value.ClassRef(value.ModuleClass),
		"object": value.ClassRef(value.ObjectClass),
		"class":  value.ClassRef(value.ClassClass),
		"method": value.ClassRef(value.MethodClass),
		"error":  value.ClassRef(value.ErrorClass),

		"range":    methodRef(&value.Method{Kind: value.MethodNative, Native: rangeNative}),
		"compile":  methodRef(&value.Method{Kind: value.MethodNative, Native: compileNative}),
		"print":    methodRef(&value.Method{Kind: value.MethodNative, Native: printNative}),
		"gc_stats": methodRef(&value.Method{Kind: value.MethodNative, Native: gcStatsNative}),
	}
	if recvFunc != nil {
		b["recv"] = methodRef(recvFunc())
	}
	if selfFunc != nil {
		b["self"] = methodRef(selfFunc())
	}
	return b
}

func methodRef(m *value.Method) *value.Ref {
	return &value.Ref{Class: value.MethodClass, Data: m}
}
