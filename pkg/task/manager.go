package task

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/kristofer/nim/pkg/ast"
	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/compiler"
	"github.com/kristofer/nim/pkg/nimlog"
	"github.com/kristofer/nim/pkg/value"
)

// Frontend parses source text into an AST module. The lexer/parser producing
// this tree lives outside this repository; callers that need load/compile
// requests to actually succeed must supply one (tests can stub it). cmd/nim
// passes none, so its load/compile requests fail with "no frontend wired".
type Frontend interface {
	Parse(src []byte, filename string) (*ast.Module, error)
}

// compiled pairs a module ref with its top-level code object, the unit the
// manager's compile cache stores and hands back to every task that asks for
// the same filename (§4.5: modules, and the code compiled from them, are
// shared across tasks rather than recompiled per spawn).
type compiled struct {
	modRef *value.Ref
	top    *code.Code
}

// manifestEntry is one row of an optional manifest.yaml: a builtin module
// preregistered into the compile cache before the manager starts serving
// requests.
type manifestEntry struct {
	Name     string `yaml:"name"`
	Filename string `yaml:"filename"`
}

// loadRequest/loadResponse and compileRequest/compileResponse are the
// module manager's internal administrative traffic. This is deliberately a
// plain Go channel protocol rather than the §6.2 byte wire format: that
// format is a contract for language-level task messages crossing the
// send/recv boundary, not for this process-internal bookkeeping, which
// never needs to survive outside this package.
type loadRequest struct {
	filename string
	reply    chan loadResponse
}

type loadResponse struct {
	result compiled
	err    error
}

type compileRequest struct {
	name     string
	filename string
	reply    chan loadResponse
}

// Manager is the distinguished task that owns the sole compile cache (§4.5):
// every load/compile request funnels through its single goroutine, so two
// tasks asking for the same filename concurrently are guaranteed to get the
// same compiled unit rather than racing to compile it twice.
type Manager struct {
	frontend Frontend
	resolver compiler.ModuleResolver

	loads    chan loadRequest
	compiles chan compileRequest

	mu    sync.Mutex
	cache map[string]compiled
	names map[string]string // module name -> filename it was first compiled from

	sem *semaphore.Weighted
	eg  *errgroup.Group
	ctx context.Context
}

// maxLiveTasks bounds how many spawned tasks the manager will supervise
// concurrently (§4.5); a task still runs to completion once started, this
// only throttles how many are in flight at once.
const maxLiveTasks = 64

// NewManager creates a module manager. If manifestPath is non-empty, it is
// read as a yaml list of {name, filename} entries and each is parsed and
// compiled eagerly, seeding the cache before Run starts serving requests.
func NewManager(ctx context.Context, frontend Frontend, resolver compiler.ModuleResolver, manifestPath string) (*Manager, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	m := &Manager{
		frontend: frontend,
		resolver: resolver,
		loads:    make(chan loadRequest),
		compiles: make(chan compileRequest),
		cache:    map[string]compiled{},
		names:    map[string]string{},
		sem:      semaphore.NewWeighted(maxLiveTasks),
		eg:       eg,
		ctx:      egCtx,
	}
	if manifestPath != "" {
		if err := m.seedManifest(manifestPath); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) seedManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("task: reading manifest: %w", err)
	}
	var entries []manifestEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("task: parsing manifest: %w", err)
	}
	for _, e := range entries {
		if _, err := m.compileFile(e.Name, e.Filename); err != nil {
			return fmt.Errorf("task: preloading %s: %w", e.Filename, err)
		}
	}
	return nil
}

// Run serves load/compile requests until ctx is cancelled. Call it on its
// own goroutine; Load/Compile are the client-facing entry points other
// tasks call from anywhere.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.loads:
			c, err := m.compileFile(req.filename, req.filename)
			req.reply <- loadResponse{result: c, err: err}
		case req := <-m.compiles:
			c, err := m.compileFile(req.name, req.filename)
			req.reply <- loadResponse{result: c, err: err}
		}
	}
}

// Load resolves filename to a compiled module, using the cache if a prior
// request (or the manifest) already compiled it.
func (m *Manager) Load(filename string) (*value.Ref, *code.Code, error) {
	reply := make(chan loadResponse, 1)
	m.loads <- loadRequest{filename: filename, reply: reply}
	resp := <-reply
	if resp.err != nil {
		return nil, nil, resp.err
	}
	return resp.result.modRef, resp.result.top, nil
}

// Compile implements the compile(name, filename) builtin (§6.3): parse and
// compile filename under the given module name, sharing the cache with Load.
func (m *Manager) Compile(name, filename string) (*value.Ref, *code.Code, error) {
	reply := make(chan loadResponse, 1)
	m.compiles <- compileRequest{name: name, filename: filename, reply: reply}
	resp := <-reply
	if resp.err != nil {
		return nil, nil, resp.err
	}
	return resp.result.modRef, resp.result.top, nil
}

// compileFile is the actual parse+compile step, run only from Run's single
// goroutine (or seedManifest before Run starts) so the cache never races.
// Re-requesting a filename already in the cache hands back the same
// compiled unit; registering a second module under an already-taken name is
// a bug in the requesting program, reported as an error.
func (m *Manager) compileFile(name, filename string) (compiled, error) {
	m.mu.Lock()
	if c, ok := m.cache[filename]; ok {
		m.mu.Unlock()
		return c, nil
	}
	if prior, ok := m.names[name]; ok {
		m.mu.Unlock()
		return compiled{}, fmt.Errorf("task: module %q already compiled from %q", name, prior)
	}
	m.mu.Unlock()

	if m.frontend == nil {
		return compiled{}, fmt.Errorf("task: no frontend wired, cannot load %q", filename)
	}
	src, err := os.ReadFile(filename)
	if err != nil {
		return compiled{}, fmt.Errorf("task: reading %q: %w", filename, err)
	}
	tree, err := m.frontend.Parse(src, filename)
	if err != nil {
		return compiled{}, fmt.Errorf("task: parsing %q: %w", filename, err)
	}
	// The symbol table needs to know every name the runtime's builtin table
	// will actually serve, not just the §6.3 minimum, or a bare print(...)
	// in a loaded module fails undefined-name analysis.
	extras := map[string]bool{}
	if builtinsFactory != nil {
		for builtin := range builtinsFactory() {
			extras[builtin] = true
		}
	}
	modRef, top, err := compiler.Compile(tree, name, extras, m.resolver)
	if err != nil {
		// Source location, when the compiler had one, is already part of
		// err's text (line:col prefix).
		nimlog.CompileError(nimlog.Root(), 0, 0, err)
		return compiled{}, fmt.Errorf("task: compiling %q: %w", filename, err)
	}
	c := compiled{modRef: modRef, top: top}

	m.mu.Lock()
	m.cache[filename] = c
	m.names[name] = filename
	m.mu.Unlock()
	return c, nil
}

// AttachSpawns routes every subsequent task.Spawn through this manager's
// Supervise, so language-level spawns share the same concurrency bound and
// Wait barrier as the top-level module body.
func (m *Manager) AttachSpawns() {
	SetSupervisor(m.Supervise)
}

// Supervise runs fn as a tracked task under the manager's concurrency
// bound, blocking until a slot is free. It returns once fn has been
// launched (not once it completes); call Wait to block for every
// supervised task to finish.
func (m *Manager) Supervise(fn func(ctx context.Context) error) error {
	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		return err
	}
	m.eg.Go(func() error {
		defer m.sem.Release(1)
		return fn(m.ctx)
	})
	return nil
}

// Wait blocks until every task started through Supervise has finished,
// returning the first error any of them reported.
func (m *Manager) Wait() error {
	return m.eg.Wait()
}
