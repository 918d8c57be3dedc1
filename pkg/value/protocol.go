package value

import (
	"fmt"
	"sync"
)

// Getattr implements the attribute protocol (§4.1):
//  1. if the class defines a getattr slot, call it;
//  2. otherwise walk the class chain, returning the first matching method
//     bound to v;
//  3. otherwise report "not found" and let the caller decide whether that
//     is an error.
func Getattr(v *Ref, name string) (*BoundMethod, bool) {
	if v.Class.Slots.Getattr != nil {
		if r, ok := v.Class.Slots.Getattr(v, name); ok {
			// A custom getattr slot returns a Ref, not necessarily a bound
			// method: a module-local may hold a function (callable) or a
			// plain value (not). If r already is, or wraps, a bound method,
			// reuse it directly so a GETATTR-then-CALL actually invokes it.
			// Otherwise r is a plain value (including a class, which stays
			// callable via its own Call slot through the ordinary CALL
			// dispatch) and Raw carries it straight through for GETATTR to
			// push as-is, uncalled.
			if bm, ok := AsBoundMethod(r); ok {
				return bm, true
			}
			return &BoundMethod{Raw: r}, true
		}
	}
	if name == "name" || name == "super" {
		if cls, ok := v.Data.(*Class); ok {
			return classSyntheticAttr(cls, name)
		}
	}
	for c := v.Class; c != nil; c = c.Super {
		if m, ok := c.Methods[name]; ok {
			return &BoundMethod{Method: m, Self: v}, true
		}
	}
	return nil, false
}

// classSyntheticAttr implements the two synthetic attributes every class
// metaobject exposes in addition to its own methods: name and super. Both
// are plain values (Raw), not callables — `cls.name` reads the name str
// directly.
func classSyntheticAttr(cls *Class, name string) (*BoundMethod, bool) {
	switch name {
	case "name":
		return &BoundMethod{Raw: cls.Name}, true
	case "super":
		if cls.Super == nil {
			return nil, false
		}
		return &BoundMethod{Raw: SuperClassRef(cls)}, true
	}
	return nil, false
}

// classRefs maps a *Class to the *Ref that represents it at the language
// level (classes are themselves refs whose Data is the *Class). Populated
// by the bootstrap in builtins.go and, later, by the module manager's
// compiles; reads come from every running task's VM, so access is guarded.
var (
	classRefsMu sync.RWMutex
	classRefs   = map[*Class]*Ref{}
)

// SuperClassRef returns the Ref for cls's superclass, or the Nil singleton
// if cls has none.
func SuperClassRef(cls *Class) *Ref {
	if cls.Super == nil {
		return Nil
	}
	return ClassRef(cls.Super)
}

// ClassRef returns the Ref representing cls at the language level.
func ClassRef(cls *Class) *Ref {
	classRefsMu.RLock()
	defer classRefsMu.RUnlock()
	if r, ok := classRefs[cls]; ok {
		return r
	}
	return Nil
}

// RegisterClassRef records the Ref<->Class correspondence; called once per
// class by the bootstrap and by the compiler when a language-level class
// declaration creates a new Class.
func RegisterClassRef(cls *Class, ref *Ref) {
	classRefsMu.Lock()
	defer classRefsMu.Unlock()
	classRefs[cls] = ref
}

// CallBound invokes a bound method with args, dispatching on its kind. The
// bytecode/closure cases are implemented by pkg/vm (which registers itself
// here via SetBytecodeCaller, breaking the import cycle value -> vm).
func CallBound(alloc Allocator, bm *BoundMethod, args []*Ref) (*Ref, error) {
	m := bm.Method
	if m == nil {
		if bm.Raw != nil {
			return CallValue(alloc, bm.Raw, args)
		}
		return nil, fmt.Errorf("bound method has no target")
	}
	switch m.Kind {
	case MethodNative:
		return m.Native(alloc, bm.Self, args)
	case MethodBytecode, MethodClosure:
		if bytecodeCaller == nil {
			return nil, fmt.Errorf("no bytecode caller registered")
		}
		return bytecodeCaller(alloc, bm, args)
	default:
		return nil, fmt.Errorf("unknown method kind %d", m.Kind)
	}
}

// CallValue implements the CALL opcode's dispatch rule (§4.1's "Calling"):
// a class constructs an instance via its Call slot; anything else must
// already be (or wrap) a bound method. Called by pkg/vm's CALL opcode and
// by CallBound for a Raw target; kept here so the rule lives next to
// CallBound rather than duplicated in pkg/vm.
func CallValue(alloc Allocator, target *Ref, args []*Ref) (*Ref, error) {
	if target.Class != nil && target.Class.Slots.Call != nil {
		return target.Class.Slots.Call(alloc, target, args)
	}
	if bm, ok := AsBoundMethod(target); ok {
		return CallBound(alloc, bm, args)
	}
	return nil, fmt.Errorf("object of type %s is not callable", target.Class.NameStr)
}

// AsBoundMethod recovers a BoundMethod from a Ref produced either by
// Getattr's own bookkeeping or by a heap's NewBoundMethod (the language-level
// reification GETATTR leaves on the stack): a Ref whose Data is already a
// *BoundMethod, or one whose Data is a bare *Method (an unbound method value,
// e.g. a class constant pushed straight from the constant pool), which is
// callable with a nil Self.
func AsBoundMethod(r *Ref) (*BoundMethod, bool) {
	switch d := r.Data.(type) {
	case *BoundMethod:
		return d, true
	case *Method:
		return &BoundMethod{Method: d}, true
	}
	return nil, false
}

// bytecodeCaller lets pkg/vm hook bytecode/closure dispatch without pkg/value
// importing pkg/vm (which in turn imports pkg/value for Ref/Class).
var bytecodeCaller func(alloc Allocator, bm *BoundMethod, args []*Ref) (*Ref, error)

// SetBytecodeCaller installs the VM's bytecode/closure dispatcher. Called
// once at process init from pkg/vm.
func SetBytecodeCaller(f func(alloc Allocator, bm *BoundMethod, args []*Ref) (*Ref, error)) {
	bytecodeCaller = f
}

// Truthy implements §4.1's truthiness rule: nil and false are falsy;
// otherwise call nonzero on the value's class if defined, else truthy.
func Truthy(v *Ref) bool {
	if v == Nil || v == False {
		return false
	}
	if v.Class.Slots.Nonzero != nil {
		return v.Class.Slots.Nonzero(v)
	}
	return true
}

// ToDisplayString implements the str conversion protocol. Every built-in
// class defines Str; user classes inherit object's default if they don't
// override it.
func ToDisplayString(v *Ref) string {
	if v.Class.Slots.Str != nil {
		return v.Class.Slots.Str(v)
	}
	return fmt.Sprintf("<%s instance>", v.Class.NameStr)
}

func binop(name string, slot func(c *Class) func(Allocator, *Ref, *Ref) (*Ref, error), alloc Allocator, l, r *Ref) (*Ref, error) {
	fn := slot(l.Class)
	if fn == nil {
		return nil, fmt.Errorf("unsupported operand type(s) for %s: %s and %s", name, l.Class.NameStr, r.Class.NameStr)
	}
	return fn(alloc, l, r)
}

// Add, Sub, Mul, Div find the operation slot on the class of the left
// operand (§4.1's operator protocol) and apply it.
func Add(alloc Allocator, l, r *Ref) (*Ref, error) {
	return binop("+", func(c *Class) func(Allocator, *Ref, *Ref) (*Ref, error) { return c.Slots.Add }, alloc, l, r)
}

func Sub(alloc Allocator, l, r *Ref) (*Ref, error) {
	return binop("-", func(c *Class) func(Allocator, *Ref, *Ref) (*Ref, error) { return c.Slots.Sub }, alloc, l, r)
}

func Mul(alloc Allocator, l, r *Ref) (*Ref, error) {
	return binop("*", func(c *Class) func(Allocator, *Ref, *Ref) (*Ref, error) { return c.Slots.Mul }, alloc, l, r)
}

func Div(alloc Allocator, l, r *Ref) (*Ref, error) {
	return binop("/", func(c *Class) func(Allocator, *Ref, *Ref) (*Ref, error) { return c.Slots.Div }, alloc, l, r)
}

// Cmp finds the comparison slot on l's class and applies it.
func Cmp(l, r *Ref) (CmpResult, error) {
	if l.Class.Slots.Cmp == nil {
		return CmpNotImplemented, nil
	}
	return l.Class.Slots.Cmp(l, r)
}

// Equal implements an equality-consuming call site: not-implemented is
// treated as false (§4.1).
func Equal(l, r *Ref) (bool, error) {
	res, err := Cmp(l, r)
	if err != nil {
		return false, err
	}
	if res == CmpNotImplemented {
		return false, nil
	}
	return res == CmpEqual, nil
}

// Order implements an ordering call site (<, <=, >, >=): not-implemented is
// a type error (§4.1).
func Order(l, r *Ref) (CmpResult, error) {
	res, err := Cmp(l, r)
	if err != nil {
		return 0, err
	}
	if res == CmpNotImplemented {
		return 0, fmt.Errorf("'<' not supported between instances of %s and %s", l.Class.NameStr, r.Class.NameStr)
	}
	return res, nil
}

// StructuralEqual is used by the compiler's constant pool deduplication
// (§3.5) and by the pack/unpack round-trip law (§8): two refs are
// structurally equal if they are the same singleton, the same primitive
// value, or (recursively) the same sequence of structurally-equal elements.
func StructuralEqual(a, b *Ref) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Class != b.Class {
		return false
	}
	switch av := a.Data.(type) {
	case int64:
		bv, _ := b.Data.(int64)
		return av == bv
	case float64:
		bv, _ := b.Data.(float64)
		return av == bv
	case *Str:
		bv, _ := b.Data.(*Str)
		return bv != nil && string(av.Bytes) == string(bv.Bytes)
	case *Array:
		bv, _ := b.Data.(*Array)
		if bv == nil || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !StructuralEqual(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
