package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/value"
)

func TestAllocStampsOwnerAndClass(t *testing.T) {
	h := heap.New()
	r := h.NewInt(42)
	require.Same(t, value.IntClass, r.Class)
	require.Equal(t, int64(42), r.Data)
	require.Equal(t, 1, h.NumLive())
}

func TestNewBoolReturnsSingletons(t *testing.T) {
	h := heap.New()
	require.Same(t, value.True, h.NewBool(true))
	require.Same(t, value.False, h.NewBool(false))
	require.Equal(t, 0, h.NumLive(), "bool refs are singletons, never allocated from the heap")
}

func TestUnreachableCellIsCollected(t *testing.T) {
	h := heap.New()
	h.NewStr("garbage")
	require.Equal(t, 1, h.NumLive())

	freed := h.Collect()
	require.True(t, freed)
	require.Equal(t, 0, h.NumLive())
}

func TestRootedCellSurvivesCollection(t *testing.T) {
	h := heap.New()
	r := h.NewStr("kept")
	h.AddRoot(r)

	h.Collect()
	require.Equal(t, 1, h.NumLive())
	require.Equal(t, "kept", string(r.Data.(*value.Str).Bytes))

	h.RemoveRoot(r)
	h.Collect()
	require.Equal(t, 0, h.NumLive())
}

func TestMarkerRootsSurviveCollection(t *testing.T) {
	h := heap.New()
	r := h.NewStr("referenced by vm stack")
	h.SetMarker(fakeMarker{stack: []*value.Ref{r}})

	h.Collect()
	require.Equal(t, 1, h.NumLive())
}

type fakeMarker struct {
	stack []*value.Ref
}

func (f fakeMarker) MarkRoots(h *heap.Heap) {
	for _, r := range f.stack {
		h.Mark(r)
	}
}

func TestArrayMarkSlotKeepsElementsAlive(t *testing.T) {
	h := heap.New()
	elem := h.NewInt(7)
	arr := h.NewArray([]*value.Ref{elem})
	h.AddRoot(arr)

	h.Collect()
	require.Equal(t, 2, h.NumLive(), "array and its element both survive")
	require.Equal(t, int64(7), arr.Data.(*value.Array).Elems[0].Data)
}

func TestSeparateHeapsDoNotCollectEachOthersCells(t *testing.T) {
	h1 := heap.New()
	h2 := heap.New()

	r1 := h1.NewInt(1)
	h2.NewInt(2) // unreferenced in h2, not in h1 at all

	// Collecting h1 must not touch h2's live cell, and must not be
	// confused by a foreign ref even if one leaked into its root set.
	h1.AddRoot(r1)
	h1.Collect()
	require.Equal(t, 1, h1.NumLive())
	require.Equal(t, 1, h2.NumLive())
}

func TestHeapGrowsPastInitialSlabWithoutLosingLiveCells(t *testing.T) {
	h := heap.New()
	var refs []*value.Ref
	for i := 0; i < 1000; i++ {
		r := h.NewInt(int64(i))
		h.AddRoot(r)
		refs = append(refs, r)
	}
	require.Equal(t, 1000, h.NumLive())
	for i, r := range refs {
		require.Equal(t, int64(i), r.Data)
	}
}

func TestSurvivorsSatisfyUniversalInvariantAfterCollection(t *testing.T) {
	h := heap.New()
	arr := h.NewArray([]*value.Ref{h.NewInt(1), h.NewStr("x")})
	h.AddRoot(arr)
	h.NewStr("swept")

	h.Collect()

	require.NoError(t, value.AssertInvariants(arr))
	for _, e := range arr.Data.(*value.Array).Elems {
		require.NoError(t, value.AssertInvariants(e))
	}
}

func TestDestroyRunsDtorOnEveryLiveCell(t *testing.T) {
	h := heap.New()
	destroyed := false
	cls := value.ClassNew("withdtor", value.ObjectClass)
	cls.Slots.Dtor = func(self *value.Ref) { destroyed = true }

	r := h.NewInstance(cls)
	h.AddRoot(r)

	h.Destroy()
	require.True(t, destroyed)
}

func TestCollectRunsDtorOnlyForUnmarkedCells(t *testing.T) {
	h := heap.New()
	var calls int
	cls := value.ClassNew("counted", value.ObjectClass)
	cls.Slots.Dtor = func(self *value.Ref) { calls++ }

	kept := h.NewInstance(cls)
	h.AddRoot(kept)
	h.NewInstance(cls) // unrooted, collected

	h.Collect()
	require.Equal(t, 1, calls)
	require.Equal(t, 1, h.NumLive())
}
