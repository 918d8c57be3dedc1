// Package value implements the object/class kernel: the universal ref
// representation, class metaobjects, the method/operator protocols, and the
// built-in concrete classes (int, float, bool, nil, str, array, hash).
//
// A Ref is an opaque handle to a heap-allocated object. Collection (package
// heap) keeps or moves the underlying storage transparently; this package
// never assumes a Ref's address is stable across a GC cycle beyond what the
// heap package itself guarantees (slab cells, once allocated, do not move —
// see pkg/heap — but callers should still treat Ref as opaque).
//
// Allocation lives outside this package (pkg/heap owns the slab/free-list
// machinery); the arithmetic and container builtins that need to allocate a
// fresh Ref accept an Allocator, which pkg/heap.Heap implements.
package value

import "fmt"

// Ref is a handle to a heap-allocated value. Every live Ref's Class is
// itself a live Ref whose Class is the distinguished root Class metaobject
// (Class.Class == ClassClass, reflexively, for ClassClass itself).
//
// The GC* fields are heap bookkeeping: they are set and read only by
// pkg/heap and must never be touched from anywhere else. They are exported
// (rather than unexported, as they would be if Ref and the allocator lived
// in one package) purely because the object/class kernel and the garbage
// collector are two separate packages mirroring two separate components.
type Ref struct {
	Class *Class
	Data  interface{}

	GCMarked bool
	GCNext   *Ref // free-list link when unallocated
	GCOwner  uint64
}

// Allocator is the subset of a heap a value-level operation needs in order
// to build a new Ref (e.g. int + int allocates a fresh int Ref). pkg/heap.Heap
// implements this.
type Allocator interface {
	NewInt(int64) *Ref
	NewFloat(float64) *Ref
	NewBool(bool) *Ref
	NewStr(string) *Ref
	NewArray([]*Ref) *Ref
	NewHash() *Ref
	NewInstance(class *Class) *Ref
}

// TempRooter is the optional pinning interface an Allocator may provide
// (pkg/heap.Heap does). A native method that keeps freshly allocated refs
// in Go locals while re-entering the VM must pin them, since a collection
// at a VM safe point cannot see Go locals. Usage is stack-shaped: record
// TempRootLen, push, truncate back on the way out.
type TempRooter interface {
	PushTempRoot(*Ref)
	TempRootLen() int
	TruncTempRoots(int)
}

// CmpResult is the outcome of the comparison slot.
type CmpResult int

const (
	CmpLess CmpResult = iota
	CmpEqual
	CmpGreater
	CmpNotImplemented
)

// MethodKind discriminates the three method representations.
type MethodKind int

const (
	MethodNative MethodKind = iota
	MethodBytecode
	MethodClosure
)

// NativeFunc is a host function backing a native method.
type NativeFunc func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error)

// CodeObject is satisfied by pkg/code.Code; kept as an interface here so
// pkg/value does not need to import pkg/code (which itself depends on
// pkg/value for constants).
type CodeObject interface {
	NumFreevars() int
}

// Method is a sum type over the three method kinds, matching §3.2: a
// native host function, a bytecode method (code + owning module), or a
// closure (bytecode method + captured bindings). Keeping one struct with
// kind-specific fields left zero for the other kinds avoids subclassing a
// type whose variants have genuinely different fields and dispatch.
type Method struct {
	Kind MethodKind

	Native NativeFunc

	Code   CodeObject
	Module *Ref // module ref owning Code, shared across tasks (§5)

	Bindings map[string]*Var // freevar name -> captured Var cell (MethodClosure only)
}

// BoundMethod pairs a Method with the instance it was found on.
type BoundMethod struct {
	Method *Method
	Self   *Ref

	// Raw is set instead of Method when Getattr resolves to a plain value
	// rather than a method: through a class's custom Getattr slot (only
	// ModuleClass has one), e.g. a module-local var holding an int, string
	// or class, or through a class's synthetic name/super attribute. GETATTR
	// pushes Raw directly in that case rather than reifying a synthetic
	// bound method around it.
	Raw *Ref
}

// OpSlots are the low-level operation slots a class may define. An absent
// slot (nil func) means "inherit from super"; ClassNew copies the super's
// slot table at creation time, so dispatch never walks the class chain at
// call time looking for a slot.
type OpSlots struct {
	Init     func(alloc Allocator, self *Ref, args []*Ref) error
	Dtor     func(self *Ref)
	Str      func(self *Ref) string
	Mark     func(self *Ref, mark func(*Ref))
	Call     func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error)
	Cmp      func(self, other *Ref) (CmpResult, error)
	Getattr  func(self *Ref, name string) (*Ref, bool)
	Getitem  func(alloc Allocator, self, key *Ref) (*Ref, error)
	Nonzero  func(self *Ref) bool
	Add      func(alloc Allocator, self, other *Ref) (*Ref, error)
	Sub      func(alloc Allocator, self, other *Ref) (*Ref, error)
	Mul      func(alloc Allocator, self, other *Ref) (*Ref, error)
	Div      func(alloc Allocator, self, other *Ref) (*Ref, error)
}

// Class is a runtime class metaobject: name, superclass, method table, and
// operation slot table (§3.2).
type Class struct {
	NameStr string // kept alongside Name for host-side formatting/logging
	Name    *Ref   // str ref, set once bootstrapped
	Super   *Class
	Methods map[string]*Method
	Slots   OpSlots

	// building is true only during ClassNew's construction phase; the VM
	// has no public mutator once a class is handed back to the caller, so
	// this is informational only: nothing reads it, and the type system
	// does not enforce it.
	building bool
}

// ClassNew allocates a class metaobject, copying super's operation slots
// (or the defaults if super is nil, i.e. this is the root `object` class)
// and installing an empty method table (§4.1).
func ClassNew(name string, super *Class) *Class {
	c := &Class{NameStr: name, Super: super, Methods: make(map[string]*Method), building: true}
	if super != nil {
		c.Slots = super.Slots
	}
	c.building = false
	return c
}

// DefineMethod installs a method on the class during its construction
// phase. Per §3.5 the method table is only written during construction;
// callers outside the compiler/bootstrap path should not call this after a
// class has been handed off to running code.
func (c *Class) DefineMethod(name string, m *Method) {
	c.Methods[name] = m
}

// InstanceNew allocates a ref of the given class and runs its constructor
// protocol (§4.1): call class.Init if present, else look up a bound `init`
// method and invoke it, else return the raw instance.
func InstanceNew(alloc Allocator, class *Class, args []*Ref) (*Ref, error) {
	self := alloc.NewInstance(class)
	if tr, ok := alloc.(TempRooter); ok {
		n := tr.TempRootLen()
		tr.PushTempRoot(self)
		defer tr.TruncTempRoots(n)
	}
	if class.Slots.Init != nil {
		if err := class.Slots.Init(alloc, self, args); err != nil {
			return nil, err
		}
		return self, nil
	}
	if bm, ok := Getattr(self, "init"); ok {
		if _, err := CallBound(alloc, bm, args); err != nil {
			return nil, err
		}
	}
	return self, nil
}

// IsA reports whether r's class is class or a descendant of it.
func IsA(r *Ref, class *Class) bool {
	for c := r.Class; c != nil; c = c.Super {
		if c == class {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for diagnostics/logging only; language-level
// string conversion goes through ToDisplayString.
func (c *Class) String() string {
	return fmt.Sprintf("<class %s>", c.NameStr)
}
