package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/ast"
	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/compiler"
	"github.com/kristofer/nim/pkg/value"
)

func compileMain(t *testing.T, body ...ast.Node) *code.Code {
	t.Helper()
	mod := &ast.Module{Body: []ast.Decl{&ast.Func{Name: "main", Body: body}}}
	_, top, err := compiler.Compile(mod, "t", nil, nil)
	require.NoError(t, err)
	return top
}

// findMethodConst returns the *code.Code of the first bytecode method
// constant in top's pool.
func findMethodConst(t *testing.T, top *code.Code) *code.Code {
	t.Helper()
	for _, c := range top.Constants {
		if m, ok := c.Data.(*value.Method); ok {
			co, ok := m.Code.(*code.Code)
			require.True(t, ok)
			return co
		}
	}
	t.Fatal("no method constant found in top-level code")
	return nil
}

func countOp(instrs []code.Instr, op code.Op) int {
	n := 0
	for _, i := range instrs {
		if i.Op() == op {
			n++
		}
	}
	return n
}

// MAKECLOSURE must appear iff the function's freevar list is non-empty (§3.5/§8).
func TestMakeClosureEmittedOnlyWhenFreevarsNonEmpty(t *testing.T) {
	// make_counter has no free variables of its own (its nested `inc` does).
	makeCounter := &ast.Func{
		Name: "make_counter",
		Body: []ast.Node{
			&ast.Var{Name: "n", Value: &ast.IntLit{Value: 0}},
			&ast.Func{
				Name: "inc",
				Body: []ast.Node{
					&ast.Assign{Target: &ast.Ident{Name: "n"}, Value: &ast.Binop{
						Op: ast.OpAdd, Left: &ast.Ident{Name: "n"}, Right: &ast.IntLit{Value: 1},
					}},
					&ast.Ret{Expr: &ast.Ident{Name: "n"}},
				},
			},
			&ast.Ret{Expr: &ast.Ident{Name: "inc"}},
		},
	}
	mod := &ast.Module{Body: []ast.Decl{makeCounter}}
	_, top, err := compiler.Compile(mod, "t", nil, nil)
	require.NoError(t, err)

	require.Equal(t, 0, countOp(top.Instrs, code.MAKECLOSURE),
		"top-level make_counter has no freevars, MAKECLOSURE must not be emitted for it")

	outer := findMethodConst(t, top)
	require.Equal(t, 1, countOp(outer.Instrs, code.MAKECLOSURE),
		"inc closes over n, MAKECLOSURE must be emitted exactly once")

	var inner *value.Method
	for _, c := range outer.Constants {
		if m, ok := c.Data.(*value.Method); ok {
			inner = m
		}
	}
	require.NotNil(t, inner)
	innerCode, ok := inner.Code.(*code.Code)
	require.True(t, ok)
	require.Equal(t, []string{"n"}, innerCode.Freevars)
}

// §3.5: the constant pool deduplicates by structural equality at insertion
// time, so two identical literals anywhere in one function compile to one
// PUSHCONST index.
func TestConstantPoolDeduplicatesAcrossStatements(t *testing.T) {
	top := compileMain(t,
		&ast.ExprStmt{Expr: &ast.IntLit{Value: 7}},
		&ast.ExprStmt{Expr: &ast.IntLit{Value: 7}},
	)
	method := findMethodConst(t, top)
	count := 0
	for _, c := range method.Constants {
		if v, ok := c.Data.(int64); ok && v == 7 {
			count++
		}
	}
	require.Equal(t, 1, count, "duplicate int literal must share one constant pool slot")
}

// §7: break outside any loop is a compile error, not a panic.
func TestBreakOutsideLoopIsCompileError(t *testing.T) {
	mod := &ast.Module{Body: []ast.Decl{
		&ast.Func{Name: "main", Body: []ast.Node{&ast.Break{}}},
	}}
	_, _, err := compiler.Compile(mod, "t", nil, nil)
	require.Error(t, err)
}

// §6.1: wildcard is only valid inside a pattern test; using it as an
// ordinary expression is a compile error.
func TestWildcardOutsideMatchIsCompileError(t *testing.T) {
	mod := &ast.Module{Body: []ast.Decl{
		&ast.Func{Name: "main", Body: []ast.Node{
			&ast.ExprStmt{Expr: &ast.Wildcard{}},
		}},
	}}
	_, _, err := compiler.Compile(mod, "t", nil, nil)
	require.Error(t, err)
}

// §4.3: a while loop's JUMPIFFALSE/JUMP addresses must land within bounds
// and the loop must actually branch back to its start label's address.
func TestWhileLoopBackEdgeTargetsStart(t *testing.T) {
	top := compileMain(t,
		&ast.While{
			Cond: &ast.BoolLit{Value: true},
			Body: []ast.Stmt{&ast.Break{}},
		},
		&ast.Ret{},
	)
	method := findMethodConst(t, top)
	// The loop is main's first statement, so its start label is address 0.
	var sawBackEdge bool
	for _, instr := range method.Instrs {
		if instr.Op() == code.JUMP {
			require.Less(t, instr.Arg(), len(method.Instrs)+1)
			if instr.Arg() == 0 {
				sawBackEdge = true
			}
		}
	}
	require.True(t, sawBackEdge, "while loop must emit at least one JUMP back to its start")
}

// §4.3: spawn compiles to SPAWN followed by the equivalent of
// task.send([args...]) so the spawned task's first recv() yields them.
func TestSpawnEmitsSendOfArgs(t *testing.T) {
	top := compileMain(t,
		&ast.Var{Name: "worker"},
		&ast.ExprStmt{Expr: &ast.Spawn{
			Target: &ast.Ident{Name: "worker"},
			Args:   []ast.Expr{&ast.IntLit{Value: 41}},
		}},
		&ast.Ret{},
	)
	method := findMethodConst(t, top)
	ops := method.Instrs
	require.Equal(t, 1, countOp(ops, code.SPAWN))
	require.Equal(t, 1, countOp(ops, code.MAKEARRAY))

	// SPAWN must precede the GETATTR("send") that follows it.
	spawnIdx, getattrIdx := -1, -1
	for i, instr := range ops {
		switch instr.Op() {
		case code.SPAWN:
			spawnIdx = i
		case code.GETATTR:
			if getattrIdx == -1 {
				getattrIdx = i
			}
		}
	}
	require.Greater(t, getattrIdx, spawnIdx)
	require.Equal(t, "send", method.Names[ops[getattrIdx].Arg()])
}

// §6.3: __file__/__line__ fold to constants at compile time rather than
// emitting a PUSHNAME lookup.
func TestDunderFileAndLineFoldToConstants(t *testing.T) {
	top := compileMain(t,
		&ast.ExprStmt{Expr: &ast.Ident{Name: "__file__", Pos: ast.Pos{FirstLine: 3}}},
		&ast.ExprStmt{Expr: &ast.Ident{Name: "__line__", Pos: ast.Pos{FirstLine: 3}}},
		&ast.Ret{},
	)
	method := findMethodConst(t, top)
	require.Equal(t, 0, countOp(method.Instrs, code.PUSHNAME))
	require.Equal(t, 2, countOp(method.Instrs, code.PUSHCONST))
}

// §4.3: a match arm nesting more than 16 levels deep is a compiler-detected
// bug, not a stack overflow or silent truncation.
func TestPatternNestingBeyondLimitIsError(t *testing.T) {
	// Build array patterns nested 17 deep: [[[...[x]...]]].
	var pat ast.Expr = &ast.Ident{Name: "x"}
	for i := 0; i < 17; i++ {
		pat = &ast.ArrayLit{Elems: []ast.Expr{pat}}
	}
	mod := &ast.Module{Body: []ast.Decl{
		&ast.Func{Name: "main", Body: []ast.Node{
			&ast.Match{
				Expr: &ast.NilLit{},
				Body: []*ast.PatternStmt{
					{Test: pat, Body: []ast.Stmt{&ast.Ret{}}},
				},
			},
		}},
	}}
	_, _, err := compiler.Compile(mod, "t", nil, nil)
	require.Error(t, err)
}
