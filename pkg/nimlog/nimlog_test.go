package nimlog_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/nimlog"
)

func TestCompileErrorIncludesLocation(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	nimlog.CompileError(&log, 12, 3, errors.New("undefined name: x"))

	out := buf.String()
	require.Contains(t, out, "\"line\":12")
	require.Contains(t, out, "\"col\":3")
	require.Contains(t, out, "undefined name: x")
}

func TestRuntimeErrorOmitsLocationFields(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	nimlog.RuntimeError(&log, errors.New("stack underflow"))

	out := buf.String()
	require.Contains(t, out, "stack underflow")
	require.Contains(t, out, "\"level\":\"error\"")
	require.NotContains(t, out, "\"line\"")
	require.NotContains(t, out, "\"col\"")
}

func TestNewTagsChildLoggerWithTaskID(t *testing.T) {
	var buf bytes.Buffer
	// Output swaps the writer of New's child logger for a buffer while
	// keeping its context fields, including the task tag.
	child := nimlog.New("abc-123").Output(&buf)
	child.Error().Msg("boom")

	out := buf.String()
	require.Contains(t, out, "\"task\":\"abc-123\"")
}
