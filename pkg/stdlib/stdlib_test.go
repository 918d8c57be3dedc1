package stdlib_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/stdlib"
	"github.com/kristofer/nim/pkg/value"
)

func TestBuiltinsIncludesClassObjects(t *testing.T) {
	b := stdlib.Builtins()
	for _, name := range []string{"hash", "array", "int", "float", "str", "bool", "module", "object", "class", "method", "error"} {
		ref, ok := b[name]
		require.Truef(t, ok, "missing builtin %q", name)
		require.Same(t, value.ClassClass, ref.Class)
	}
}

func TestRangeOneArg(t *testing.T) {
	h := heap.New()
	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["range"])
	require.True(t, ok)

	r, err := value.CallBound(h, bm, []*value.Ref{h.NewInt(3)})
	require.NoError(t, err)
	arr, ok := r.Data.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Elems, 3)
	require.Equal(t, int64(0), arr.Elems[0].Data)
	require.Equal(t, int64(2), arr.Elems[2].Data)
}

func TestRangeThreeArgsNegativeStep(t *testing.T) {
	h := heap.New()
	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["range"])
	require.True(t, ok)

	r, err := value.CallBound(h, bm, []*value.Ref{h.NewInt(5), h.NewInt(0), h.NewInt(-2)})
	require.NoError(t, err)
	arr := r.Data.(*value.Array)
	got := make([]int64, len(arr.Elems))
	for i, e := range arr.Elems {
		got[i] = e.Data.(int64)
	}
	require.Equal(t, []int64{5, 3, 1}, got)
}

func TestRangeRejectsZeroStep(t *testing.T) {
	h := heap.New()
	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["range"])
	require.True(t, ok)

	_, err := value.CallBound(h, bm, []*value.Ref{h.NewInt(0), h.NewInt(5), h.NewInt(0)})
	require.Error(t, err)
}

func TestGCStatsReportsHeapCounters(t *testing.T) {
	h := heap.New()
	h.NewStr("live one")
	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["gc_stats"])
	require.True(t, ok)

	r, err := value.CallBound(h, bm, nil)
	require.NoError(t, err)
	stats := r.Data.(*value.Hash)

	live, ok := stats.Get(h.NewStr("live"))
	require.True(t, ok)
	require.GreaterOrEqual(t, live.Data.(int64), int64(1))
	_, ok = stats.Get(h.NewStr("collections"))
	require.True(t, ok)
}

func TestCompileWithNoHookWiredErrors(t *testing.T) {
	h := heap.New()
	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["compile"])
	require.True(t, ok)

	_, err := value.CallBound(h, bm, []*value.Ref{h.NewStr("m"), h.NewStr("m.nim")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no module manager wired")
}

func TestCompileUsesInstalledHook(t *testing.T) {
	h := heap.New()
	stdlib.SetCompileHook(func(name, filename string) (*value.Ref, error) {
		return h.NewStr(name + "@" + filename), nil
	})
	t.Cleanup(func() { stdlib.SetCompileHook(nil) })

	b := stdlib.Builtins()
	bm, ok := value.AsBoundMethod(b["compile"])
	require.True(t, ok)

	r, err := value.CallBound(h, bm, []*value.Ref{h.NewStr("m"), h.NewStr("m.nim")})
	require.NoError(t, err)
	require.Equal(t, "m@m.nim", string(r.Data.(*value.Str).Bytes))
}
