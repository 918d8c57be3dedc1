// Package heap implements the per-task mark-sweep garbage collector (§4.2):
// slab-allocated, fixed-size cells threaded onto a free list, with a
// stop-the-world mark phase driven by an explicit root set plus whatever
// live references the owning component (the VM, primarily) reports through
// the Marker hook.
//
// Every task owns exactly one Heap; nothing is shared between heaps except
// the process-global singletons in pkg/value (classes, Nil, True, False),
// which are never allocated from a Heap and so are never swept by one.
// Distinguishing "belongs to this heap" from "is a foreign or global ref" is
// normally done in a conservative collector by walking pointer ranges; in Go
// we cannot safely inspect arbitrary stack words as pointers, so each Heap
// is assigned a small non-zero owner id and stamps it onto every Ref it
// allocates (Ref.GCOwner). A ref whose GCOwner doesn't match the heap doing
// the marking is left untouched — that covers both "owned by another task"
// and "a process-global that isn't owned by any heap at all" (GCOwner's
// zero value).
package heap

import (
	"sync/atomic"

	"github.com/kristofer/nim/pkg/value"
)

// defaultSlabSize matches §4.2's starting heap size: 256 cells.
const defaultSlabSize = 256

// Marker lets a heap's owner (the VM, for a running task) report its own
// live set — value stack, frame locals, var cells — during a collection.
// pkg/vm.VM implements this.
type Marker interface {
	MarkRoots(h *Heap)
}

// Heap is one task's GC arena.
//
// Collection runs only at safe points: the VM calls MaybeCollect once per
// instruction, where everything live is reachable from the value stack,
// frame locals, module tables and builtins. Allocation itself never
// collects — a free-list miss grows the heap instead — because a native
// method or the message unpacker may be holding refs in Go locals the
// marker cannot see. This is the flip side of replacing the conservative
// native-stack scan with precise marking: without the scan, the only
// moments every live ref is enumerable are instruction boundaries.
type Heap struct {
	slabs    [][]value.Ref
	slabSize int

	live *value.Ref // threaded through Ref.GCNext
	free *value.Ref // threaded through Ref.GCNext

	roots []*value.Ref
	temps []*value.Ref // value.TempRooter stack, for natives that re-enter the VM

	used            int
	collectionCount uint64

	owner  uint64
	marker Marker
}

var ownerCounter uint64

// New creates an empty heap with one slab, assigning it a fresh owner id.
func New() *Heap {
	h := &Heap{slabSize: defaultSlabSize, owner: atomic.AddUint64(&ownerCounter, 1)}
	h.growSlab()
	return h
}

// growSlab appends a new slab of slabSize cells and threads them onto the
// front of the free list.
func (h *Heap) growSlab() {
	slab := make([]value.Ref, h.slabSize)
	for i := 0; i < h.slabSize-1; i++ {
		slab[i].GCNext = &slab[i+1]
	}
	h.slabs = append(h.slabs, slab)
	newSlab := h.slabs[len(h.slabs)-1]
	newSlab[h.slabSize-1].GCNext = h.free
	h.free = &newSlab[0]
}

// SetMarker installs the owner's root marker. Called once by pkg/vm when a
// task's VM and heap are wired together.
func (h *Heap) SetMarker(m Marker) {
	h.marker = m
}

// AddRoot pins ref for the lifetime of the heap (or until RemoveRoot), for
// the handful of values that must survive regardless of what the VM's own
// stack currently references — e.g. a task's inbox slot.
func (h *Heap) AddRoot(ref *value.Ref) {
	h.roots = append(h.roots, ref)
}

// RemoveRoot unpins a ref previously added with AddRoot.
func (h *Heap) RemoveRoot(ref *value.Ref) {
	for i, r := range h.roots {
		if r == ref {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// alloc pops a cell off the free list, growing the heap on exhaustion.
// It deliberately does not collect (see the Heap doc comment): collection
// happens at the owner's safe points via MaybeCollect.
func (h *Heap) alloc(class *value.Class) *value.Ref {
	if h.free == nil {
		h.growSlab()
	}
	ref := h.free
	h.free = ref.GCNext
	*ref = value.Ref{Class: class, GCOwner: h.owner}
	ref.GCNext = h.live
	h.live = ref
	h.used++
	return ref
}

// NewInt, NewFloat, NewStr, NewArray, NewHash, NewInstance implement
// value.Allocator. NewBool returns the shared True/False singletons rather
// than allocating, since bool refs carry no payload of their own.
func (h *Heap) NewInt(v int64) *value.Ref {
	r := h.alloc(value.IntClass)
	r.Data = v
	return r
}

func (h *Heap) NewFloat(v float64) *value.Ref {
	r := h.alloc(value.FloatClass)
	r.Data = v
	return r
}

func (h *Heap) NewBool(v bool) *value.Ref {
	if v {
		return value.True
	}
	return value.False
}

func (h *Heap) NewStr(s string) *value.Ref {
	r := h.alloc(value.StrClass)
	r.Data = &value.Str{Bytes: []byte(s)}
	return r
}

func (h *Heap) NewArray(elems []*value.Ref) *value.Ref {
	r := h.alloc(value.ArrayClass)
	r.Data = &value.Array{Elems: elems}
	return r
}

func (h *Heap) NewHash() *value.Ref {
	r := h.alloc(value.HashClass)
	r.Data = &value.Hash{}
	return r
}

func (h *Heap) NewInstance(class *value.Class) *value.Ref {
	r := h.alloc(class)
	r.Data = &value.Instance{Fields: map[string]*value.Ref{}}
	return r
}

// NewModule, NewMethod, NewFrame, NewVar and NewTask allocate the remaining
// built-in container kinds. These aren't part of value.Allocator because
// only pkg/compiler, pkg/vm and pkg/task construct them directly (ordinary
// language-level arithmetic/container code never needs to).
func (h *Heap) NewModule(name string) *value.Ref {
	r := h.alloc(value.ModuleClass)
	r.Data = &value.Module{Name: name, Locals: map[string]*value.Var{}}
	return r
}

func (h *Heap) NewMethod(m *value.Method) *value.Ref {
	r := h.alloc(value.MethodClass)
	r.Data = m
	return r
}

func (h *Heap) NewFrame(method *value.Ref, locals map[string]*value.Ref) *value.Ref {
	r := h.alloc(value.FrameClass)
	r.Data = &value.Frame{Method: method, Locals: locals}
	return r
}

func (h *Heap) NewVar(initial *value.Ref) *value.Ref {
	r := h.alloc(value.VarClass)
	r.Data = &value.Var{Value: initial}
	return r
}

func (h *Heap) NewTask(internal interface{}, local bool) *value.Ref {
	r := h.alloc(value.TaskClass)
	r.Data = &value.TaskHandle{Internal: internal, Local: local}
	return r
}

// NewBoundMethod reifies a BoundMethod (produced by value.Getattr) as a
// language-level method ref, the way GETATTR needs to: the bound method
// itself carries no class-chain invariant that requires a fresh cell per
// call, but giving it a Ref lets it flow through the stack/locals like any
// other value.
func (h *Heap) NewBoundMethod(bm *value.BoundMethod) *value.Ref {
	r := h.alloc(value.MethodClass)
	r.Data = bm
	return r
}

// Owner returns the Marker installed by SetMarker. pkg/vm's bytecode-caller
// hook uses this to recover "which running VM owns this heap" given only the
// value.Allocator a BoundMethod call site is handed — each task's VM and
// heap are paired 1:1, but value.CallBound only sees an Allocator.
func (h *Heap) Owner() Marker { return h.marker }

// Mark marks ref and (via its class's mark slot, if any) everything it
// transitively references. Refs owned by a different heap, or not owned by
// any heap at all (the process-global singletons), are left untouched —
// this is the Go-idiomatic stand-in for §4.2's heap-membership pointer-range
// check.
func (h *Heap) Mark(ref *value.Ref) {
	if ref == nil {
		return
	}
	if ref.GCOwner != h.owner {
		return
	}
	if ref.GCMarked {
		return
	}
	ref.GCMarked = true
	if ref.Class != nil && ref.Class.Slots.Mark != nil {
		ref.Class.Slots.Mark(ref, h.Mark)
	}
}

// sweep reclaims every unmarked live cell, running its class's destructor
// slot (if any) and returning it to the free list; it returns the number of
// cells freed. Cells already on the free list before the sweep stay there.
func (h *Heap) sweep() int {
	var live *value.Ref
	free := h.free
	freed := 0

	r := h.live
	for r != nil {
		next := r.GCNext
		if r.GCMarked {
			r.GCNext = live
			live = r
		} else {
			if r.Class != nil && r.Class.Slots.Dtor != nil {
				r.Class.Slots.Dtor(r)
			}
			*r = value.Ref{GCOwner: h.owner, GCNext: free}
			free = r
			freed++
		}
		r = next
	}

	h.live = live
	h.free = free
	h.used -= freed
	return freed
}

// Collect runs one mark-sweep cycle: clear marks, mark roots (both the
// pinned AddRoot set, the temp-root stack and whatever the owner's Marker
// reports), then sweep. It reports whether anything was freed.
func (h *Heap) Collect() bool {
	h.collectionCount++

	for r := h.live; r != nil; r = r.GCNext {
		r.GCMarked = false
	}

	for _, root := range h.roots {
		h.Mark(root)
	}
	for _, r := range h.temps {
		h.Mark(r)
	}
	if h.marker != nil {
		h.marker.MarkRoots(h)
	}

	return h.sweep() > 0
}

// MaybeCollect runs a collection if the heap is over three quarters full,
// growing it afterwards if collection alone didn't bring usage back under
// the threshold. Callers invoke it only at safe points, where every live
// ref is reachable from the registered roots and the owner's Marker.
func (h *Heap) MaybeCollect() {
	capacity := len(h.slabs) * h.slabSize
	if h.used*4 < capacity*3 {
		return
	}
	h.Collect()
	if h.used*4 >= capacity*3 {
		h.growSlab()
	}
}

// PushTempRoot, TempRootLen and TruncTempRoots implement value.TempRooter:
// a stack of short-lived pins for native methods that hold freshly
// allocated refs in Go locals while re-entering the VM (which may hit a
// safe point and collect).
func (h *Heap) PushTempRoot(r *value.Ref) { h.temps = append(h.temps, r) }

func (h *Heap) TempRootLen() int { return len(h.temps) }

func (h *Heap) TruncTempRoots(n int) { h.temps = h.temps[:n] }

// Destroy tears the heap down, running every still-live cell's destructor
// slot. Called once when a task exits (§4.5).
func (h *Heap) Destroy() {
	for r := h.live; r != nil; r = r.GCNext {
		if r.Class != nil && r.Class.Slots.Dtor != nil {
			r.Class.Slots.Dtor(r)
		}
	}
	h.live = nil
	h.free = nil
	h.slabs = nil
}

// NumLive, NumFree and CollectionCount expose the same diagnostics as
// libnim's nim_gc_num_live/nim_gc_num_free/nim_gc_collection_count, used by
// the stdlib's gc_stats() and by tests.
func (h *Heap) NumLive() int { return h.used }

func (h *Heap) NumFree() int { return len(h.slabs)*h.slabSize - h.used }

func (h *Heap) CollectionCount() uint64 { return h.collectionCount }
