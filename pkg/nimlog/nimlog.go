// Package nimlog wires §7's three error classes onto github.com/rs/zerolog:
// compile errors (§7.1) and runtime errors (§7.2) are logged at Error level
// with source-location fields where available, and fatal/bug conditions
// (§7.3) are logged at Fatal level, which zerolog follows with os.Exit(1) —
// the closest idiomatic Go match to "abort the process with diagnostic".
//
// Each task owns its own child logger (New, tagged with the task's id) so
// interleaved output from concurrently running tasks stays attributable,
// matching §4.5's one-goroutine-per-task model.
package nimlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger: human-readable console output with
// structured fields on every line.
var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Root returns the process-wide logger, used before any task exists (e.g.
// the module manager's own compile errors, which aren't attributable to a
// single running task).
func Root() *zerolog.Logger { return &base }

// New returns a child logger tagged with taskID, for a newly spawned task to
// attach to its VM/heap.
func New(taskID string) zerolog.Logger {
	return base.With().Str("task", taskID).Logger()
}

// CompileError logs a §7.1 compile error: reported to stderr with source
// location where available, no exception propagates past this call.
func CompileError(log *zerolog.Logger, line, col int, err error) {
	e := log.Error()
	if line > 0 {
		e = e.Int("line", line).Int("col", col)
	}
	e.Err(err).Msg("compile error")
}

// RuntimeError logs a §7.2 runtime error before the owning task terminates
// with no return value.
func RuntimeError(log *zerolog.Logger, err error) {
	log.Error().Err(err).Msg("runtime error")
}

// Fatal logs a §7.3 fatal/bug condition (an internal invariant violation)
// and aborts the process, matching "abort the process with diagnostic" —
// zerolog's Fatal level calls os.Exit(1) after writing the event.
func Fatal(log *zerolog.Logger, err error, msg string) {
	log.Fatal().Err(err).Msg(msg)
}
