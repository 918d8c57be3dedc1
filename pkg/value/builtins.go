package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Module is the payload of a module ref: a name plus an insertion-order-free
// locals table of mutable Var cells (§3.3). Modules are one of the two
// ref kinds passed by shared pointer across task boundaries (§5); nothing
// in this package enforces that — it is pkg/task's pack/unpack that treats
// Module and Method specially.
type Module struct {
	Name   string
	Locals map[string]*Var
}

// Var is the payload of a var ref: a one-slot mutable cell, used for local
// bindings so closures can share mutable state (§3.3, §4.4).
type Var struct {
	Value *Ref
}

// Frame is the payload of a frame ref: a reified activation record exposed
// at the language level (distinct from pkg/vm's internal execution frame,
// which is not heap-allocated and never escapes the dispatch loop).
type Frame struct {
	Method *Ref
	Locals map[string]*Ref
}

// TaskHandle is the payload of a task ref (§3.3, §4.5). Local discriminates
// the single local handle (legal for recv) from non-local handles held by
// other tasks (legal for send/join, not recv). Internal is an opaque handle
// to pkg/task's Internal record — pkg/value cannot name that type without an
// import cycle, since pkg/task depends on pkg/value.
type TaskHandle struct {
	Local    bool
	Internal interface{}
}

// Root classes and interned singletons, wired up once in init(). Every
// field is safe to read from any goroutine after program init completes
// and before any task is spawned, matching §5's "process-globals
// initialized once at startup... pinned by the main GC" rule — these
// values are never allocated from, or swept by, any per-task heap.
var (
	ObjectClass *Class
	ClassClass  *Class
	IntClass    *Class
	FloatClass  *Class
	BoolClass   *Class
	NilClass    *Class
	StrClass    *Class
	ArrayClass  *Class
	HashClass   *Class
	ModuleClass *Class
	MethodClass *Class
	FrameClass  *Class
	VarClass    *Class
	TaskClass   *Class
	ErrorClass  *Class

	Nil   *Ref
	True  *Ref
	False *Ref
)

func mkStrRef(class *Class, s string) *Ref {
	return &Ref{Class: class, Data: &Str{Bytes: []byte(s)}}
}

func mkClassRef(c *Class) *Ref {
	r := &Ref{Class: ClassClass, Data: c}
	RegisterClassRef(c, r)
	return r
}

func init() {
	// Bootstrap order: object and class must exist before anything can be
	// named, since naming requires a str ref, which requires StrClass to
	// exist, which (like every class) requires a Name ref once bootstrap
	// finishes. We defer setting Name until StrClass exists, then backfill.
	ObjectClass = ClassNew("object", nil)
	ClassClass = ClassNew("class", ObjectClass)
	StrClass = ClassNew("str", ObjectClass)

	// Backfill names now that StrClass exists.
	ObjectClass.Name = mkStrRef(StrClass, "object")
	ClassClass.Name = mkStrRef(StrClass, "class")
	StrClass.Name = mkStrRef(StrClass, "str")

	IntClass = ClassNew("int", ObjectClass)
	FloatClass = ClassNew("float", ObjectClass)
	BoolClass = ClassNew("bool", ObjectClass)
	NilClass = ClassNew("nil", ObjectClass)
	ArrayClass = ClassNew("array", ObjectClass)
	HashClass = ClassNew("hash", ObjectClass)
	ModuleClass = ClassNew("module", ObjectClass)
	MethodClass = ClassNew("method", ObjectClass)
	FrameClass = ClassNew("frame", ObjectClass)
	VarClass = ClassNew("var", ObjectClass)
	TaskClass = ClassNew("task", ObjectClass)
	ErrorClass = ClassNew("error", ObjectClass)

	for _, c := range []*Class{IntClass, FloatClass, BoolClass, NilClass, ArrayClass,
		HashClass, ModuleClass, MethodClass, FrameClass, VarClass, TaskClass, ErrorClass} {
		c.Name = mkStrRef(StrClass, c.NameStr)
	}

	// object's class ref; like every class ref, its Class is ClassClass.
	mkClassRef(ObjectClass)
	// Reflexive root: ClassClass's own ref has Class == ClassClass.
	RegisterClassRef(ClassClass, &Ref{Class: ClassClass, Data: ClassClass})
	mkClassRef(StrClass)
	mkClassRef(IntClass)
	mkClassRef(FloatClass)
	mkClassRef(BoolClass)
	mkClassRef(NilClass)
	mkClassRef(ArrayClass)
	mkClassRef(HashClass)
	mkClassRef(ModuleClass)
	mkClassRef(MethodClass)
	mkClassRef(FrameClass)
	mkClassRef(VarClass)
	mkClassRef(TaskClass)
	mkClassRef(ErrorClass)

	// Class itself is callable: calling a class constructs an instance
	// (§4.1's "Calling" rule).
	ClassClass.Slots.Call = func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		cls, _ := self.Data.(*Class)
		return InstanceNew(alloc, cls, args)
	}
	ClassClass.Slots.Str = func(self *Ref) string {
		cls, _ := self.Data.(*Class)
		return fmt.Sprintf("<class %s>", cls.NameStr)
	}
	// Class refs compare equal by identity of the class they represent; a
	// match arm's class check (GETCLASS, PUSHCONST class, CMPEQ) relies on it.
	ClassClass.Slots.Cmp = func(self, other *Ref) (CmpResult, error) {
		oc, ok := other.Data.(*Class)
		if ok && oc == self.Data.(*Class) {
			return CmpEqual, nil
		}
		return CmpNotImplemented, nil
	}

	Nil = &Ref{Class: NilClass}
	True = &Ref{Class: BoolClass, Data: true}
	False = &Ref{Class: BoolClass, Data: false}

	NilClass.Slots.Str = func(self *Ref) string { return "nil" }
	NilClass.Slots.Nonzero = func(self *Ref) bool { return false }

	wireInt()
	wireFloat()
	wireBool()
	wireStr()
	wireArray()
	wireHash()
	wireModule()
	wireMethod()
	wireTask()

	ObjectClass.Slots.Str = func(self *Ref) string { return fmt.Sprintf("<%s instance>", self.Class.NameStr) }
}

func asFloat(r *Ref) (float64, bool) {
	switch v := r.Data.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func wireInt() {
	IntClass.Slots.Str = func(self *Ref) string { return strconv.FormatInt(self.Data.(int64), 10) }
	IntClass.Slots.Nonzero = func(self *Ref) bool { return self.Data.(int64) != 0 }
	IntClass.Slots.Cmp = func(self, other *Ref) (CmpResult, error) {
		lf, lok := asFloat(self)
		rf, rok := asFloat(other)
		if !lok || !rok {
			return CmpNotImplemented, nil
		}
		switch {
		case lf < rf:
			return CmpLess, nil
		case lf > rf:
			return CmpGreater, nil
		default:
			return CmpEqual, nil
		}
	}
	IntClass.Slots.Add = numArith(func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })
	IntClass.Slots.Sub = numArith(func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b })
	IntClass.Slots.Mul = numArith(func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
	IntClass.Slots.Div = func(alloc Allocator, self, other *Ref) (*Ref, error) {
		if ov, ok := other.Data.(int64); ok {
			if sv, ok2 := self.Data.(int64); ok2 {
				if ov == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				return alloc.NewInt(sv / ov), nil
			}
		}
		lf, lok := asFloat(self)
		rf, rok := asFloat(other)
		if !lok || !rok {
			return nil, fmt.Errorf("unsupported operand type(s) for /: %s and %s", self.Class.NameStr, other.Class.NameStr)
		}
		return alloc.NewFloat(lf / rf), nil
	}
}

// numArith builds an Add/Sub/Mul slot implementing §4.1's promotion rule:
// int op int stays int; either operand float promotes to float.
func numArith(intOp func(a, b int64) int64, floatOp func(a, b float64) float64) func(Allocator, *Ref, *Ref) (*Ref, error) {
	return func(alloc Allocator, self, other *Ref) (*Ref, error) {
		sv, sIsInt := self.Data.(int64)
		ov, oIsInt := other.Data.(int64)
		if sIsInt && oIsInt {
			return alloc.NewInt(intOp(sv, ov)), nil
		}
		lf, lok := asFloat(self)
		rf, rok := asFloat(other)
		if !lok || !rok {
			return nil, fmt.Errorf("unsupported operand type(s): %s and %s", self.Class.NameStr, other.Class.NameStr)
		}
		return alloc.NewFloat(floatOp(lf, rf)), nil
	}
}

func wireFloat() {
	FloatClass.Slots.Str = func(self *Ref) string { return strconv.FormatFloat(self.Data.(float64), 'g', -1, 64) }
	FloatClass.Slots.Nonzero = func(self *Ref) bool { return self.Data.(float64) != 0 }
	FloatClass.Slots.Cmp = IntClass.Slots.Cmp
	FloatClass.Slots.Add = numArith(func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })
	FloatClass.Slots.Sub = numArith(func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b })
	FloatClass.Slots.Mul = numArith(func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
	FloatClass.Slots.Div = func(alloc Allocator, self, other *Ref) (*Ref, error) {
		lf, lok := asFloat(self)
		rf, rok := asFloat(other)
		if !lok || !rok {
			return nil, fmt.Errorf("unsupported operand type(s) for /: %s and %s", self.Class.NameStr, other.Class.NameStr)
		}
		// Float division by zero yields an IEEE result, not an error (§8).
		return alloc.NewFloat(lf / rf), nil
	}
}

func wireBool() {
	BoolClass.Slots.Str = func(self *Ref) string {
		if self.Data.(bool) {
			return "true"
		}
		return "false"
	}
	BoolClass.Slots.Cmp = func(self, other *Ref) (CmpResult, error) {
		ov, ok := other.Data.(bool)
		if !ok {
			return CmpNotImplemented, nil
		}
		sv := self.Data.(bool)
		if sv == ov {
			return CmpEqual, nil
		}
		return CmpNotImplemented, nil
	}
}

func wireStr() {
	StrClass.Slots.Str = func(self *Ref) string { return string(self.Data.(*Str).Bytes) }
	StrClass.Slots.Nonzero = func(self *Ref) bool { return len(self.Data.(*Str).Bytes) > 0 }
	StrClass.Slots.Cmp = func(self, other *Ref) (CmpResult, error) {
		ov, ok := other.Data.(*Str)
		if !ok {
			return CmpNotImplemented, nil
		}
		switch strings.Compare(string(self.Data.(*Str).Bytes), string(ov.Bytes)) {
		case -1:
			return CmpLess, nil
		case 1:
			return CmpGreater, nil
		default:
			return CmpEqual, nil
		}
	}
	StrClass.Slots.Add = func(alloc Allocator, self, other *Ref) (*Ref, error) {
		ov, ok := other.Data.(*Str)
		if !ok {
			return nil, fmt.Errorf("can only concatenate str (not %q) to str", other.Class.NameStr)
		}
		return alloc.NewStr(string(self.Data.(*Str).Bytes) + string(ov.Bytes)), nil
	}

	// size/split/join round out the str container protocol the §8
	// round-trip law exercises (s.split(d).join(d) == s); none of these
	// are opcodes, so they live in the method table like any other call.
	StrClass.DefineMethod("size", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		return alloc.NewInt(int64(len(self.Data.(*Str).Bytes))), nil
	}})
	StrClass.DefineMethod("split", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("split takes exactly one argument")
		}
		sep, ok := args[0].Data.(*Str)
		if !ok || len(sep.Bytes) == 0 {
			return nil, fmt.Errorf("split separator must be a non-empty str")
		}
		parts := strings.Split(string(self.Data.(*Str).Bytes), string(sep.Bytes))
		elems := make([]*Ref, len(parts))
		for i, p := range parts {
			elems[i] = alloc.NewStr(p)
		}
		return alloc.NewArray(elems), nil
	}})
	StrClass.DefineMethod("join", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("join takes exactly one argument")
		}
		arr, ok := args[0].Data.(*Array)
		if !ok {
			return nil, fmt.Errorf("join argument must be an array")
		}
		sep := string(self.Data.(*Str).Bytes)
		parts := make([]string, len(arr.Elems))
		for i, e := range arr.Elems {
			s, ok := e.Data.(*Str)
			if !ok {
				return nil, fmt.Errorf("join: element %d is not a str", i)
			}
			parts[i] = string(s.Bytes)
		}
		return alloc.NewStr(strings.Join(parts, sep)), nil
	}})
}

func wireArray() {
	ArrayClass.Slots.Str = func(self *Ref) string {
		a := self.Data.(*Array)
		parts := make([]string, len(a.Elems))
		for i, e := range a.Elems {
			parts[i] = quoteIfStr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	ArrayClass.Slots.Nonzero = func(self *Ref) bool { return len(self.Data.(*Array).Elems) > 0 }
	ArrayClass.Slots.Mark = func(self *Ref, mark func(*Ref)) {
		for _, e := range self.Data.(*Array).Elems {
			mark(e)
		}
	}
	ArrayClass.Slots.Add = func(alloc Allocator, self, other *Ref) (*Ref, error) {
		ov, ok := other.Data.(*Array)
		if !ok {
			return nil, fmt.Errorf("can only concatenate array (not %q) to array", other.Class.NameStr)
		}
		sv := self.Data.(*Array)
		combined := make([]*Ref, 0, len(sv.Elems)+len(ov.Elems))
		combined = append(combined, sv.Elems...)
		combined = append(combined, ov.Elems...)
		return alloc.NewArray(combined), nil
	}
	ArrayClass.Slots.Getitem = func(alloc Allocator, self, key *Ref) (*Ref, error) {
		idx, ok := key.Data.(int64)
		if !ok {
			return nil, fmt.Errorf("array indices must be int")
		}
		a := self.Data.(*Array)
		i := int(idx)
		if i < 0 {
			i = len(a.Elems) + i
		}
		if i < 0 || i >= len(a.Elems) {
			return nil, errOutOfRange(int(idx))
		}
		return a.Elems[i], nil
	}

	// size/push/pop/remove_at/map are §8's array container surface; like
	// str's split/join these are ordinary methods, not opcodes.
	ArrayClass.DefineMethod("size", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		return alloc.NewInt(int64(len(self.Data.(*Array).Elems))), nil
	}})
	ArrayClass.DefineMethod("push", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("push takes exactly one argument")
		}
		self.Data.(*Array).Push(args[0])
		return self, nil
	}})
	ArrayClass.DefineMethod("pop", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		v, ok := self.Data.(*Array).Pop()
		if !ok {
			return Nil, nil
		}
		return v, nil
	}})
	ArrayClass.DefineMethod("remove_at", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("remove_at takes exactly one argument")
		}
		idx, ok := args[0].Data.(int64)
		if !ok {
			return nil, fmt.Errorf("remove_at index must be int")
		}
		return self.Data.(*Array).RemoveAt(int(idx))
	}})
	ArrayClass.DefineMethod("map", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("map takes exactly one argument")
		}
		fn := args[0]
		bm, ok := boundCallable(fn)
		if !ok {
			return nil, fmt.Errorf("map argument must be callable")
		}
		src := self.Data.(*Array).Elems
		out := make([]*Ref, len(src))
		tr, _ := alloc.(TempRooter)
		if tr != nil {
			n := tr.TempRootLen()
			defer tr.TruncTempRoots(n)
		}
		for i, e := range src {
			v, err := CallBound(alloc, bm, []*Ref{e})
			if err != nil {
				return nil, err
			}
			// Each produced element lives only in this Go slice until the
			// result array exists; pin it across the remaining calls.
			if tr != nil {
				tr.PushTempRoot(v)
			}
			out[i] = v
		}
		return alloc.NewArray(out), nil
	}})
}

// boundCallable wraps a bare method ref (not yet bound to a receiver) or an
// already-bound method so native higher-order methods like array.map can
// invoke either uniformly through CallBound.
func boundCallable(v *Ref) (*BoundMethod, bool) {
	return AsBoundMethod(v)
}

func quoteIfStr(r *Ref) string {
	if s, ok := r.Data.(*Str); ok {
		return "\"" + string(s.Bytes) + "\""
	}
	return ToDisplayString(r)
}

func wireHash() {
	HashClass.Slots.Str = func(self *Ref) string {
		h := self.Data.(*Hash)
		parts := make([]string, len(h.Entries))
		for i, e := range h.Entries {
			parts[i] = fmt.Sprintf("%s: %s", quoteIfStr(e.Key), quoteIfStr(e.Value))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	HashClass.Slots.Nonzero = func(self *Ref) bool { return len(self.Data.(*Hash).Entries) > 0 }
	HashClass.Slots.Mark = func(self *Ref, mark func(*Ref)) {
		for _, e := range self.Data.(*Hash).Entries {
			mark(e.Key)
			mark(e.Value)
		}
	}
	HashClass.Slots.Getitem = func(alloc Allocator, self, key *Ref) (*Ref, error) {
		v, ok := self.Data.(*Hash).Get(key)
		if !ok {
			return nil, fmt.Errorf("key not found: %s", ToDisplayString(key))
		}
		return v, nil
	}

	// size/has/set are the hash container surface a match arm's key/value
	// shape test and general host code rely on (has avoids GETITEM's
	// not-found error, since pattern tests need a clean boolean).
	HashClass.DefineMethod("size", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		return alloc.NewInt(int64(len(self.Data.(*Hash).Entries))), nil
	}})
	HashClass.DefineMethod("has", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("has takes exactly one argument")
		}
		_, ok := self.Data.(*Hash).Get(args[0])
		return alloc.NewBool(ok), nil
	}})
	HashClass.DefineMethod("set", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("set takes exactly two arguments")
		}
		self.Data.(*Hash).Set(args[0], args[1])
		return self, nil
	}})
}

func wireModule() {
	ModuleClass.Slots.Str = func(self *Ref) string { return fmt.Sprintf("<module %s>", self.Data.(*Module).Name) }
	ModuleClass.Slots.Getattr = func(self *Ref, name string) (*Ref, bool) {
		m := self.Data.(*Module)
		if v, ok := m.Locals[name]; ok {
			return v.Value, true
		}
		return nil, false
	}
	ModuleClass.Slots.Mark = func(self *Ref, mark func(*Ref)) {
		for _, v := range self.Data.(*Module).Locals {
			if v.Value != nil {
				mark(v.Value)
			}
		}
	}
}

func wireMethod() {
	MethodClass.Slots.Str = func(self *Ref) string { return "<method>" }

	// A method ref's reachable set: a closure's captured cells, and a bound
	// method's receiver. Without this slot a heap-allocated closure would
	// keep its bindings map alive (Go-side) while the refs inside the cells
	// got swept.
	MethodClass.Slots.Mark = func(self *Ref, mark func(*Ref)) {
		switch d := self.Data.(type) {
		case *Method:
			for _, cell := range d.Bindings {
				if cell.Value != nil {
					mark(cell.Value)
				}
			}
		case *BoundMethod:
			if d.Self != nil {
				mark(d.Self)
			}
			if d.Raw != nil {
				mark(d.Raw)
			}
			if d.Method != nil {
				for _, cell := range d.Method.Bindings {
					if cell.Value != nil {
						mark(cell.Value)
					}
				}
			}
		}
	}
}

func wireTask() {
	TaskClass.Slots.Str = func(self *Ref) string {
		th := self.Data.(*TaskHandle)
		if th.Local {
			return "<task self>"
		}
		return "<task>"
	}
	TaskClass.Slots.Cmp = func(self, other *Ref) (CmpResult, error) {
		oth, ok := other.Data.(*TaskHandle)
		if !ok {
			return CmpNotImplemented, nil
		}
		sth := self.Data.(*TaskHandle)
		if sth.Internal == oth.Internal {
			return CmpEqual, nil
		}
		return CmpNotImplemented, nil
	}
}
