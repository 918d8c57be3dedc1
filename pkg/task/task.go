// Package task implements the OS-thread-backed concurrency model (§4.5):
// each task pairs a goroutine (the Go-idiomatic stand-in for "OS thread")
// with its own heap and VM, communicating with other tasks only by sending
// packed values through a capacity-one inbox guarded by a mutex and a single
// condition variable shared between the full and empty transitions.
//
// pkg/vm never imports this package (spawning would otherwise close an
// import cycle, since a task owns a *vm.VM); instead this package's init
// registers Spawn with vm.SetSpawnHook, the same hook shape pkg/value uses
// for bytecode dispatch.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/nimlog"
	"github.com/kristofer/nim/pkg/value"
	"github.com/kristofer/nim/pkg/vm"
)

func init() {
	vm.SetSpawnHook(Spawn)
	wireTaskMethods()
	wireBuiltinFuncs()
}

// builtinsFactory lets pkg/stdlib supply each new task's builtin table
// without this package importing pkg/stdlib (which in turn receives
// recv/self from here through stdlib.SetTaskFuncs). Set once at process init.
var builtinsFactory func() map[string]*value.Ref

// SetBuiltinsFactory installs the function used to build a freshly spawned
// task's builtin table.
func SetBuiltinsFactory(f func() map[string]*value.Ref) {
	builtinsFactory = f
}

// Internal is one task's runtime record (§4.5): a goroutine running entry
// to completion, its own heap and VM, a UUID identity, and the single
// condvar/mutex pair guarding both the inbox and completion state.
// TaskHandle.Internal carries this as an opaque interface{} so pkg/value
// never needs to import pkg/task.
type Internal struct {
	id   uuid.UUID
	heap *heap.Heap
	vm   *vm.VM
	log  zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	inbox     []byte
	inboxFull bool

	done        bool
	resultBytes []byte
	resultErr   error

	refcount int32
}

// vmRegistry maps a running task's VM back to its Internal record, letting
// the recv()/self() builtins (which only ever see a bare value.Allocator,
// never a task reference) recover "my own task".
var vmRegistry sync.Map // map[*vm.VM]*Internal

// currentTask recovers the Internal owning the VM that alloc belongs to.
func currentTask(alloc value.Allocator) (*Internal, error) {
	h, ok := alloc.(*heap.Heap)
	if !ok {
		return nil, fmt.Errorf("task: builtin called outside a running task")
	}
	owner, ok := h.Owner().(*vm.VM)
	if !ok || owner == nil {
		return nil, fmt.Errorf("task: heap has no owning VM")
	}
	v, ok := vmRegistry.Load(owner)
	if !ok {
		return nil, fmt.Errorf("task: no task registered for the running VM")
	}
	return v.(*Internal), nil
}

// spawnSupervisor, when set, is how new task goroutines get launched: a
// module manager can register its errgroup/semaphore-bounded Supervise here
// so every spawned task counts against the same concurrency cap the
// top-level module body runs under. Without one, tasks run as plain
// detached goroutines.
var spawnSupervisor func(fn func(ctx context.Context) error) error

// SetSupervisor installs the task launcher. Manager.AttachSpawns is the one
// caller; tests that want unsupervised goroutines simply never set it.
func SetSupervisor(f func(fn func(ctx context.Context) error) error) {
	spawnSupervisor = f
}

// Spawn implements vm.SetSpawnHook's contract: it starts callee running on a
// fresh task and returns a non-local handle to it, allocated from the
// spawning task's own heap (alloc), not the new task's heap. Closures are
// rejected the same way packing rejects them (§5): their captured cells
// belong to the spawning task's heap and must not be touched from another
// task's thread.
func Spawn(alloc value.Allocator, callee *value.Ref) (*value.Ref, error) {
	bm, ok := value.AsBoundMethod(callee)
	if !ok {
		return nil, fmt.Errorf("spawn target is not callable")
	}
	if bm.Method != nil && bm.Method.Kind == value.MethodClosure {
		return nil, fmt.Errorf("spawn target must not be a closure")
	}
	ch, ok := alloc.(*heap.Heap)
	if !ok {
		return nil, fmt.Errorf("task: spawn requires a *heap.Heap allocator")
	}

	h := heap.New()
	var builtins map[string]*value.Ref
	if builtinsFactory != nil {
		builtins = builtinsFactory()
	} else {
		builtins = map[string]*value.Ref{}
	}
	newVM := vm.NewVM(h, builtins)

	ti := &Internal{id: uuid.New(), heap: h, vm: newVM, refcount: 1}
	ti.log = nimlog.New(ti.id.String())
	ti.cond = sync.NewCond(&ti.mu)
	vmRegistry.Store(newVM, ti)

	if spawnSupervisor != nil {
		if err := spawnSupervisor(func(ctx context.Context) error {
			ti.run(bm)
			return nil // a runtime error kills this task only (§7.2)
		}); err != nil {
			vmRegistry.Delete(newVM)
			return nil, err
		}
	} else {
		go ti.run(bm)
	}

	return ch.NewTask(ti, false), nil
}

// run drives the task to completion on its own goroutine: first it blocks
// on recv for the spawner's argument message (the compiler's spawn
// expansion always sends one, `task.send([args...])`, even for zero
// arguments — §4.5), invokes the entry method with the unpacked elements,
// records the outcome for join, and releases the VM registry entry.
func (ti *Internal) run(bm *value.BoundMethod) {
	var args []*value.Ref
	first, err := ti.recv(ti.heap)
	if err == nil && first != nil {
		if arr, ok := first.Data.(*value.Array); ok {
			args = arr.Elems
		}
	}

	var result *value.Ref
	if err == nil {
		result, err = ti.vm.Invoke(bm, args)
	}

	ti.mu.Lock()
	ti.done = true
	if err != nil {
		ti.resultErr = err
		nimlog.RuntimeError(&ti.log, err)
	} else if result != nil {
		if buf, packErr := Pack(result); packErr == nil {
			ti.resultBytes = buf
		}
	}
	ti.cond.Broadcast()
	ti.mu.Unlock()

	vmRegistry.Delete(ti.vm)
}

// incRef/decRef count references to the record: decRef destroys the heap
// once the count reaches zero after the entry method has returned. Only an
// in-flight TASK message cell takes and releases a reference (Pack/Unpack);
// handles do not, and the initial reference set by Spawn is never dropped,
// so the count does not reach zero and the heap is not destroyed here.
func (ti *Internal) incRef() {
	atomic.AddInt32(&ti.refcount, 1)
}

func (ti *Internal) decRef() {
	if atomic.AddInt32(&ti.refcount, -1) != 0 {
		return
	}
	ti.mu.Lock()
	done := ti.done
	h := ti.heap
	ti.mu.Unlock()
	if done && h != nil {
		h.Destroy()
	}
}

// send packs val and deposits it into the inbox, blocking while a previous
// message is still pending (§4.5's five-step send protocol). It reports
// false if the receiving task has already finished.
func (ti *Internal) send(val *value.Ref) bool {
	buf, err := Pack(val)
	if err != nil {
		return false
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for ti.inboxFull && !ti.done {
		ti.cond.Wait()
	}
	if ti.done {
		return false
	}
	ti.inbox = buf
	ti.inboxFull = true
	ti.cond.Broadcast()
	return true
}

// recv blocks until a message is pending for this task, unpacking it into
// dst (the calling task's own heap), or returns Nil once the task has
// finished with nothing left to deliver (§4.5's DONE semantics).
func (ti *Internal) recv(dst *heap.Heap) (*value.Ref, error) {
	ti.mu.Lock()
	for !ti.inboxFull && !ti.done {
		ti.cond.Wait()
	}
	if !ti.inboxFull {
		ti.mu.Unlock()
		return value.Nil, nil
	}
	buf := ti.inbox
	ti.inbox = nil
	ti.inboxFull = false
	ti.cond.Broadcast()
	ti.mu.Unlock()
	return Unpack(dst, buf)
}

// join blocks until the task has finished running, then unpacks its return
// value into dst, or returns the error it finished with.
func (ti *Internal) join(dst *heap.Heap) (*value.Ref, error) {
	ti.mu.Lock()
	for !ti.done {
		ti.cond.Wait()
	}
	err := ti.resultErr
	buf := ti.resultBytes
	ti.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if buf == nil {
		return value.Nil, nil
	}
	return Unpack(dst, buf)
}

// wireTaskMethods installs the native methods the compiler's SPAWN/send
// expansion and ordinary task-handle code depend on (§4.5): send and join.
// Cancellation is not first-class (§4.5); a task finishes only by its entry
// method returning, so there is no language-visible way to cut one short.
// These live here rather than in pkg/value/builtins.go's wireTask precisely
// so TaskHandle.Internal can stay an opaque interface{} there.
func wireTaskMethods() {
	value.TaskClass.DefineMethod("send", &value.Method{Kind: value.MethodNative, Native: func(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("send: expected 1 argument, got %d", len(args))
		}
		ti, err := internalOf(self)
		if err != nil {
			return nil, err
		}
		return alloc.NewBool(ti.send(args[0])), nil
	}})

	value.TaskClass.DefineMethod("join", &value.Method{Kind: value.MethodNative, Native: func(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
		ti, err := internalOf(self)
		if err != nil {
			return nil, err
		}
		h, ok := alloc.(*heap.Heap)
		if !ok {
			return nil, fmt.Errorf("task: join requires a *heap.Heap allocator")
		}
		return ti.join(h)
	}})
}

// wireBuiltinFuncs registers recv() and self() as free functions; Builtins
// wires them into each task's builtin table by name (§6.3).
var (
	recvBuiltin *value.Method
	selfBuiltin *value.Method
)

func wireBuiltinFuncs() {
	recvBuiltin = &value.Method{Kind: value.MethodNative, Native: func(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
		ti, err := currentTask(alloc)
		if err != nil {
			return nil, err
		}
		h, ok := alloc.(*heap.Heap)
		if !ok {
			return nil, fmt.Errorf("task: recv requires a *heap.Heap allocator")
		}
		return ti.recv(h)
	}}

	selfBuiltin = &value.Method{Kind: value.MethodNative, Native: func(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
		ti, err := currentTask(alloc)
		if err != nil {
			return nil, err
		}
		h, ok := alloc.(*heap.Heap)
		if !ok {
			return nil, fmt.Errorf("task: self requires a *heap.Heap allocator")
		}
		return h.NewTask(ti, true), nil
	}}
}

// RecvFunc and SelfFunc expose the wired recv/self methods for pkg/stdlib to
// register into each task's builtin table under their §6.3 names.
func RecvFunc() *value.Method { return recvBuiltin }
func SelfFunc() *value.Method { return selfBuiltin }

func internalOf(self *value.Ref) (*Internal, error) {
	th, ok := self.Data.(*value.TaskHandle)
	if !ok {
		return nil, fmt.Errorf("task: receiver is not a task handle")
	}
	ti, ok := th.Internal.(*Internal)
	if !ok {
		return nil, fmt.Errorf("task: handle has no internal record")
	}
	return ti, nil
}

// Shared-ref and task registries back Pack/Unpack's MODULE/METHOD/TASK
// cells: a raw Go pointer cannot itself cross the byte-oriented wire
// format, so each is given a process-wide numeric handle instead.
var (
	sharedMu    sync.Mutex
	sharedNext  uint64
	sharedTable = map[uint64]*value.Ref{}

	taskMu    sync.Mutex
	taskNext  uint64
	taskTable = map[uint64]*Internal{}
)

func registerShared(r *value.Ref) uint64 {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedNext++
	sharedTable[sharedNext] = r
	return sharedNext
}

func lookupShared(id uint64) (*value.Ref, bool) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	r, ok := sharedTable[id]
	return r, ok
}

func registerTask(ti *Internal) uint64 {
	taskMu.Lock()
	defer taskMu.Unlock()
	taskNext++
	taskTable[taskNext] = ti
	return taskNext
}

func lookupTask(id uint64) (*Internal, bool) {
	taskMu.Lock()
	defer taskMu.Unlock()
	ti, ok := taskTable[id]
	return ti, ok
}
