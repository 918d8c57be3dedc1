// Command nim is the process entry point: it wires together the config,
// logging, stdlib and task-manager packages and exposes them as a
// cobra-based CLI with run, compile, disasm and repl subcommands.
//
// This repo does not implement a lexer/parser (§1's explicit non-goal), so
// the Frontend pkg/task.Manager needs to turn source text into an AST is
// never wired here: repl, and run or compile given a source-extension
// path, report a clear "no frontend wired" error instead of silently doing
// nothing. run, compile and disasm operate on already-serialized code
// objects (see pkg/code's Marshal/Unmarshal) and need no frontend for them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/config"
	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/nimlog"
	"github.com/kristofer/nim/pkg/stdlib"
	"github.com/kristofer/nim/pkg/task"
	"github.com/kristofer/nim/pkg/value"
	"github.com/kristofer/nim/pkg/vm"
)

const version = "0.1.0"

func main() {
	wireTaskSubsystem()

	root := &cobra.Command{
		Use:     "nim",
		Short:   "Nim: a small object-oriented scripting language",
		Version: version,
	}
	root.AddCommand(newRunCmd(), newCompileCmd(), newDisasmCmd(), newReplCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// wireTaskSubsystem closes the dependency-injection loop between pkg/stdlib
// and pkg/task: each package avoids importing the other directly (that
// would be a cycle, since pkg/stdlib's builtins table needs recv/self from
// pkg/task, and pkg/task's compile path needs pkg/stdlib's builtin names),
// so this process entry point is where both sides finally get connected,
// exactly once, before any task runs.
func wireTaskSubsystem() {
	stdlib.SetTaskFuncs(task.RecvFunc, task.SelfFunc)
	task.SetBuiltinsFactory(stdlib.Builtins)
}

// newManager builds a module manager with no Frontend: Load/Compile
// requests against source files fail with "no frontend wired"; a manifest
// (if manifestPath is non-empty) may still preload already-serialized
// modules in principle, but seeding it requires a Frontend today too, so in
// practice an empty manifestPath is what every subcommand passes.
func newManager(ctx context.Context) (*task.Manager, error) {
	return task.NewManager(ctx, nil, nil, "")
}

func loadCodeFile(filename string) (*code.Code, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", filename, err)
	}
	co, err := code.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", filename, err)
	}
	if err := co.Validate(); err != nil {
		return nil, fmt.Errorf("%q failed validation: %w", filename, err)
	}
	return co, nil
}

func newRunCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a compiled bytecode file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(args[0], debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "pause in the interactive debugger before the first instruction")
	return cmd
}

// runFile executes a file containing an already-serialized top-level code
// object (produced by compile). A bare .nim source path is rejected with the
// same "no frontend wired" message Load/Compile give, rather than silently
// trying to interpret it as bytecode.
//
// The module body runs as the first task under a task.Manager's supervision
// (§4.5): any `spawn` it executes registers its goroutine against the same
// manager's concurrency bound, and the process doesn't exit until every
// spawned task — not just the top-level module body — has finished or
// failed. With debug set, the top-level VM pauses in the interactive
// debugger (stdin/stdout) before its first instruction; spawned tasks run
// undebugged.
func runFile(filename string, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if config.IsSourceExt(filename, cfg.Ext) {
		return fmt.Errorf("nim: run: no frontend wired, cannot parse %q directly (compile it first)", filename)
	}

	co, err := loadCodeFile(filename)
	if err != nil {
		return err
	}

	log := nimlog.Root()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := newManager(ctx)
	if err != nil {
		return err
	}
	manager.AttachSpawns()
	stdlib.SetCompileHook(func(name, filename string) (*value.Ref, error) {
		modRef, _, err := manager.Compile(name, filename)
		return modRef, err
	})
	go manager.Run(ctx)

	err = spawnTopLevel(manager, func(ctx context.Context) error {
		h := heap.New()
		defer h.Destroy()
		machine := vm.NewVM(h, stdlib.Builtins())
		if debug {
			machine.Debugger = vm.NewDebugger()
			machine.Debugger.Enable()
			machine.Debugger.SetStepMode(true)
		}
		modRef := h.NewModule(co.Name)
		_, err := machine.RunModule(modRef, co)
		return err
	})
	if err != nil {
		nimlog.RuntimeError(log, err)
		return err
	}
	return nil
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <in> [out]",
		Short: "Validate a code object and write it back out (normalizing its on-disk form)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[0] + "c"
			if len(args) == 2 {
				out = args[1]
			}
			return compileFile(args[0], out)
		},
	}
}

// compileFile reads an already-serialized code object, checks its
// index/jump-bounds invariants, and re-emits it to out. Without a Frontend
// this can't turn .nim source into bytecode (that path reports the same "no
// frontend wired" error run does); what it can do today is validate,
// normalize, and persist a code object for later direct execution.
func compileFile(in, out string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if config.IsSourceExt(in, cfg.Ext) {
		return fmt.Errorf("nim: compile: no frontend wired, cannot parse %q directly", in)
	}

	co, err := loadCodeFile(in)
	if err != nil {
		return err
	}
	data, err := co.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", out, err)
	}
	fmt.Printf("compiled %s -> %s\n", in, out)
	return nil
}

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "disasm <file>",
		Aliases: []string{"disassemble"},
		Short:   "Print a human-readable opcode listing for a code object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			co, err := loadCodeFile(args[0])
			if err != nil {
				return err
			}
			fmt.Print(code.Disassemble(co))
			return nil
		},
	}
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive read-eval-print loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("nim: repl: no frontend wired, cannot parse interactive input")
		},
	}
}

// spawnTopLevel runs fn as the first task under manager's supervision and
// blocks until it (and anything it transitively spawns through the manager)
// has finished, per §4.5's spawn-based concurrency model.
func spawnTopLevel(manager *task.Manager, fn func(ctx context.Context) error) error {
	if err := manager.Supervise(fn); err != nil {
		return err
	}
	return manager.Wait()
}
