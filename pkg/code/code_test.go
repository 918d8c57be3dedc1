package code_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/value"
)

func TestInstructionPackUnpack(t *testing.T) {
	i := code.Make(code.CALL, 3)
	require.Equal(t, code.CALL, i.Op())
	require.Equal(t, 3, i.Arg())
}

func TestConstantPoolDeduplicates(t *testing.T) {
	c := &code.Code{}
	i1 := c.AddConstant(&value.Ref{Class: value.IntClass, Data: int64(5)})
	i2 := c.AddConstant(&value.Ref{Class: value.IntClass, Data: int64(5)})
	i3 := c.AddConstant(&value.Ref{Class: value.IntClass, Data: int64(6)})
	require.Equal(t, i1, i2)
	require.NotEqual(t, i1, i3)
	require.Len(t, c.Constants, 2)
}

func TestNamePoolDeduplicates(t *testing.T) {
	c := &code.Code{}
	require.Equal(t, 0, c.AddName("x"))
	require.Equal(t, 1, c.AddName("y"))
	require.Equal(t, 0, c.AddName("x"))
	require.Len(t, c.Names, 2)
}

func TestLabelBackpatchesAllPendingSites(t *testing.T) {
	c := &code.Code{}
	end := code.NewLabel()

	c.EmitJump(code.JUMP, end)
	c.Emit(code.PUSHNIL, 0)
	c.EmitJump(code.JUMPIFFALSE, end)
	c.Emit(code.POP, 0)
	c.UseLabel(end)
	c.Emit(code.RET, 0)

	endAddr := len(c.Instrs) - 1
	require.Equal(t, endAddr, c.Instrs[0].Arg())
	require.Equal(t, endAddr, c.Instrs[2].Arg())
}

func TestLabelResolvedBeforeJumpIsUsedImmediately(t *testing.T) {
	c := &code.Code{}
	start := code.NewLabel()
	c.UseLabel(start)
	c.Emit(code.PUSHNIL, 0)
	idx := c.EmitJump(code.JUMP, start)
	require.Equal(t, 0, c.Instrs[idx].Arg())
}
