package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testAlloc is a minimal Allocator for exercising operator slots without
// pulling in pkg/heap (which itself depends on pkg/value for Class/Ref).
type testAlloc struct{}

func (testAlloc) NewInt(v int64) *Ref     { return &Ref{Class: IntClass, Data: v} }
func (testAlloc) NewFloat(v float64) *Ref { return &Ref{Class: FloatClass, Data: v} }
func (testAlloc) NewBool(v bool) *Ref {
	if v {
		return True
	}
	return False
}
func (testAlloc) NewStr(s string) *Ref     { return &Ref{Class: StrClass, Data: &Str{Bytes: []byte(s)}} }
func (testAlloc) NewArray(e []*Ref) *Ref   { return &Ref{Class: ArrayClass, Data: &Array{Elems: e}} }
func (testAlloc) NewHash() *Ref            { return &Ref{Class: HashClass, Data: &Hash{}} }
func (testAlloc) NewInstance(c *Class) *Ref { return &Ref{Class: c, Data: &Instance{Fields: map[string]*Ref{}}} }

func TestAssertInvariantsOnBuiltinValues(t *testing.T) {
	alloc := testAlloc{}
	for _, r := range []*Ref{Nil, True, False, alloc.NewInt(1), alloc.NewStr("s"), alloc.NewArray(nil)} {
		require.NoError(t, AssertInvariants(r))
	}
	require.Error(t, AssertInvariants(nil))
	require.Error(t, AssertInvariants(&Ref{}))
}

func TestClassReflexiveRoot(t *testing.T) {
	ref := ClassRef(ClassClass)
	require.Same(t, ClassClass, ref.Data.(*Class), "ClassClass's own ref wraps itself")
	require.Same(t, ClassClass, ref.Class, "class-of(class) is class itself")
}

func TestClassSyntheticAttributes(t *testing.T) {
	intClassRef := ClassRef(IntClass)

	bm, ok := Getattr(intClassRef, "name")
	require.True(t, ok)
	require.Equal(t, "int", string(bm.Raw.Data.(*Str).Bytes))

	bm, ok = Getattr(intClassRef, "super")
	require.True(t, ok)
	require.Same(t, ObjectClass, bm.Raw.Data.(*Class))

	_, ok = Getattr(ClassRef(ObjectClass), "super")
	require.False(t, ok, "the root class has no super attribute")
}

func TestClassOfIntIsIntClass(t *testing.T) {
	i := testAlloc{}.NewInt(1)
	require.Same(t, IntClass, i.Class)
	require.Same(t, ClassClass, ClassRef(IntClass).Class)
}

func TestTruthiness(t *testing.T) {
	require.False(t, Truthy(Nil))
	require.False(t, Truthy(False))
	require.True(t, Truthy(True))

	emptyArr := &Ref{Class: ArrayClass, Data: &Array{}}
	require.False(t, Truthy(emptyArr))
	nonEmptyArr := &Ref{Class: ArrayClass, Data: &Array{Elems: []*Ref{True}}}
	require.True(t, Truthy(nonEmptyArr))
}

func TestArithmeticPromotion(t *testing.T) {
	alloc := testAlloc{}
	two := alloc.NewInt(2)
	three := alloc.NewInt(3)
	sum, err := Add(alloc, two, three)
	require.NoError(t, err)
	require.Equal(t, int64(5), sum.Data)

	half := alloc.NewFloat(0.5)
	mixed, err := Add(alloc, two, half)
	require.NoError(t, err)
	require.IsType(t, float64(0), mixed.Data)
	require.InDelta(t, 2.5, mixed.Data.(float64), 1e-9)
}

func TestIntDivisionByZeroIsError(t *testing.T) {
	alloc := testAlloc{}
	_, err := Div(alloc, alloc.NewInt(1), alloc.NewInt(0))
	require.Error(t, err)
}

func TestFloatDivisionByZeroIsIEEE(t *testing.T) {
	alloc := testAlloc{}
	res, err := Div(alloc, alloc.NewFloat(1), alloc.NewFloat(0))
	require.NoError(t, err)
	require.True(t, res.Data.(float64) > 1e300 || res.Data.(float64) == res.Data.(float64)+1) // +Inf
}

func TestEqualityVsOrderingOnNotImplemented(t *testing.T) {
	i := testAlloc{}.NewInt(1)
	s := testAlloc{}.NewStr("x")

	eq, err := Equal(i, s)
	require.NoError(t, err)
	require.False(t, eq, "not-implemented compares as false for equality call sites")

	_, err = Order(i, s)
	require.Error(t, err, "not-implemented is a type error for ordering call sites")
}

func TestStringConcatenationAndArrayConcatenation(t *testing.T) {
	alloc := testAlloc{}
	a := alloc.NewStr("foo")
	b := alloc.NewStr("bar")
	cat, err := Add(alloc, a, b)
	require.NoError(t, err)
	require.Equal(t, "foobar", ToDisplayString(cat))

	arr1 := alloc.NewArray([]*Ref{alloc.NewInt(1)})
	arr2 := alloc.NewArray([]*Ref{alloc.NewInt(2)})
	catArr, err := Add(alloc, arr1, arr2)
	require.NoError(t, err)
	require.Len(t, catArr.Data.(*Array).Elems, 2)
}

func TestArrayBoundaryBehaviors(t *testing.T) {
	a := &Array{}
	_, ok := a.Pop()
	require.False(t, ok, "pop on empty array reports not-ok")

	a.Push(testAlloc{}.NewInt(1))
	a.Push(testAlloc{}.NewInt(2))
	a.Push(testAlloc{}.NewInt(3))

	v, err := a.RemoveAt(-1)
	require.NoError(t, err)
	require.Equal(t, int64(3), v.Data)

	_, err = a.RemoveAt(99)
	require.Error(t, err)
}

func TestArrayGrowth(t *testing.T) {
	a := &Array{}
	for i := 0; i < 25; i++ {
		a.Push(testAlloc{}.NewInt(int64(i)))
	}
	require.Len(t, a.Elems, 25)
	for i := 0; i < 25; i++ {
		require.Equal(t, int64(i), a.Elems[i].Data)
	}
}

func TestHashInsertionOrderAndLookup(t *testing.T) {
	h := &Hash{}
	alloc := testAlloc{}
	h.Set(alloc.NewStr("a"), alloc.NewInt(1))
	h.Set(alloc.NewStr("b"), alloc.NewInt(2))
	h.Set(alloc.NewStr("a"), alloc.NewInt(10))

	require.Len(t, h.Entries, 2, "updating an existing key does not add a new entry")
	require.Equal(t, "a", string(h.Entries[0].Key.Data.(*Str).Bytes))

	v, ok := h.Get(alloc.NewStr("a"))
	require.True(t, ok)
	require.Equal(t, int64(10), v.Data)
}

func TestStructuralEqualityForConstantDedup(t *testing.T) {
	alloc := testAlloc{}
	require.True(t, StructuralEqual(alloc.NewInt(5), alloc.NewInt(5)))
	require.False(t, StructuralEqual(alloc.NewInt(5), alloc.NewInt(6)))

	a1 := alloc.NewArray([]*Ref{alloc.NewInt(1), alloc.NewInt(2)})
	a2 := alloc.NewArray([]*Ref{alloc.NewInt(1), alloc.NewInt(2)})
	require.True(t, StructuralEqual(a1, a2), "arrays with equal elements are structurally equal")
}

// §8's round-trip law: s.split(d).join(d) == s for a non-empty delimiter,
// with join invoked on the delimiter string the way the stdlib shapes it.
func TestStringSplitJoinRoundTrip(t *testing.T) {
	alloc := testAlloc{}
	s := alloc.NewStr("a,b,,c")
	sep := alloc.NewStr(",")

	splitBM, ok := Getattr(s, "split")
	require.True(t, ok)
	parts, err := CallBound(alloc, splitBM, []*Ref{sep})
	require.NoError(t, err)
	require.Len(t, parts.Data.(*Array).Elems, 4)

	joinBM, ok := Getattr(sep, "join")
	require.True(t, ok)
	joined, err := CallBound(alloc, joinBM, []*Ref{parts})
	require.NoError(t, err)
	require.True(t, StructuralEqual(s, joined))
}

// §8's round-trip law: a == a.map(x -> x).
func TestArrayMapIdentity(t *testing.T) {
	alloc := testAlloc{}
	arr := alloc.NewArray([]*Ref{alloc.NewInt(1), alloc.NewStr("two"), Nil})

	identity := &Ref{Class: MethodClass, Data: &Method{Kind: MethodNative, Native: func(a Allocator, self *Ref, args []*Ref) (*Ref, error) {
		return args[0], nil
	}}}

	mapBM, ok := Getattr(arr, "map")
	require.True(t, ok)
	out, err := CallBound(alloc, mapBM, []*Ref{identity})
	require.NoError(t, err)
	require.True(t, StructuralEqual(arr, out))
	require.NotSame(t, arr, out)
}

func TestInstanceNewRunsInitAndFallsBackWithoutOne(t *testing.T) {
	alloc := testAlloc{}
	point := ClassNew("Point", ObjectClass)

	// No init slot and no init method: InstanceNew just returns the raw instance.
	inst, err := InstanceNew(alloc, point, nil)
	require.NoError(t, err)
	require.Same(t, point, inst.Class)

	// A class-level init method runs on construction.
	point.DefineMethod("init", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		self.Data.(*Instance).Fields["x"] = args[0]
		return Nil, nil
	}})
	inst2, err := InstanceNew(alloc, point, []*Ref{alloc.NewInt(7)})
	require.NoError(t, err)
	require.Equal(t, int64(7), inst2.Data.(*Instance).Fields["x"].Data)
}

func TestIsA(t *testing.T) {
	alloc := testAlloc{}
	animal := ClassNew("Animal", ObjectClass)
	dog := ClassNew("Dog", animal)
	d := alloc.NewInstance(dog)
	require.True(t, IsA(d, dog))
	require.True(t, IsA(d, animal))
	require.True(t, IsA(d, ObjectClass))
	require.False(t, IsA(d, IntClass))
}

func TestGetattrFindsInheritedMethod(t *testing.T) {
	animal := ClassNew("Animal", ObjectClass)
	animal.DefineMethod("speak", &Method{Kind: MethodNative, Native: func(alloc Allocator, self *Ref, args []*Ref) (*Ref, error) {
		return alloc.NewStr("..."), nil
	}})
	dog := ClassNew("Dog", animal)
	d := testAlloc{}.NewInstance(dog)

	bm, ok := Getattr(d, "speak")
	require.True(t, ok, "Dog inherits speak from Animal")
	res, err := CallBound(testAlloc{}, bm, nil)
	require.NoError(t, err)
	require.Equal(t, "...", ToDisplayString(res))

	_, ok = Getattr(d, "nonexistent")
	require.False(t, ok)
}
