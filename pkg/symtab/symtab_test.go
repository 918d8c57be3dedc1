package symtab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/ast"
	"github.com/kristofer/nim/pkg/symtab"
)

func ident(name string) *ast.Ident { return &ast.Ident{Name: name} }

func TestModuleLevelVarIsDeclaredNotFree(t *testing.T) {
	// var x = 1; fn f() { ret x }
	fn := &ast.Func{Name: "f", Body: []ast.Node{
		&ast.Ret{Expr: ident("x")},
	}}
	mod := &ast.Module{Body: []ast.Decl{
		&ast.Var{Name: "x", Value: &ast.IntLit{Value: 1}},
		fn,
	}}

	table, err := symtab.Build(mod, nil)
	require.NoError(t, err)

	fnScope := table.ByNode[fn]
	require.NotNil(t, fnScope)
	require.Empty(t, fnScope.Freevars(), "module-level names resolve at runtime, not via closure capture")
}

func TestClosureCapturesOuterFunctionLocal(t *testing.T) {
	// fn make_counter() { var n = 0; fn inc() { n = n + 1; ret n }; ret inc }
	inc := &ast.Func{Name: "inc", Body: []ast.Node{
		&ast.Assign{Target: ident("n"), Value: &ast.Binop{Op: ast.OpAdd, Left: ident("n"), Right: &ast.IntLit{Value: 1}}},
		&ast.Ret{Expr: ident("n")},
	}}
	makeCounter := &ast.Func{Name: "make_counter", Body: []ast.Node{
		&ast.Var{Name: "n", Value: &ast.IntLit{Value: 0}},
		inc,
		&ast.Ret{Expr: ident("inc")},
	}}
	mod := &ast.Module{Body: []ast.Decl{makeCounter}}

	table, err := symtab.Build(mod, nil)
	require.NoError(t, err)

	incScope := table.ByNode[inc]
	require.Contains(t, incScope.Freevars(), "n")

	outerScope := table.ByNode[makeCounter]
	require.Contains(t, outerScope.Locals(), "n")
	require.Contains(t, outerScope.Locals(), "inc")
}

func TestClassNestedInFunctionIsAnError(t *testing.T) {
	fn := &ast.Func{Name: "f", Body: []ast.Node{
		&ast.Class{Name: "Bad"},
	}}
	mod := &ast.Module{Body: []ast.Decl{fn}}

	_, err := symtab.Build(mod, nil)
	require.Error(t, err)
}

func TestMethodResolvesAgainstModuleNotClassScope(t *testing.T) {
	method := &ast.Func{Name: "greet", Body: []ast.Node{
		&ast.Ret{Expr: ident("greeting")},
	}}
	class := &ast.Class{Name: "Greeter", Body: []ast.Decl{method}}
	mod := &ast.Module{Body: []ast.Decl{
		&ast.Var{Name: "greeting", Value: &ast.StrLit{Value: "hi"}},
		class,
	}}

	table, err := symtab.Build(mod, nil)
	require.NoError(t, err)

	methodScope := table.ByNode[method]
	require.Empty(t, methodScope.Freevars(), "module-level lookup, not a closure capture")

	classScope := table.ByNode[class]
	require.Same(t, table.Module, classScope.Parent)
}

func TestBuiltinNameNeedsNoDeclaration(t *testing.T) {
	fn := &ast.Func{Name: "f", Body: []ast.Node{
		&ast.ExprStmt{Expr: &ast.Call{Target: ident("recv")}},
	}}
	mod := &ast.Module{Body: []ast.Decl{fn}}

	_, err := symtab.Build(mod, nil)
	require.NoError(t, err)
}

func TestUndefinedNameIsACompileError(t *testing.T) {
	fn := &ast.Func{Name: "f", Body: []ast.Node{
		&ast.Ret{Expr: ident("nope")},
	}}
	mod := &ast.Module{Body: []ast.Decl{fn}}

	_, err := symtab.Build(mod, nil)
	require.Error(t, err)
}

func TestPatternIdentifierBindsRatherThanUses(t *testing.T) {
	fn := &ast.Func{Name: "f", Body: []ast.Node{
		&ast.Match{
			Expr: &ast.IntLit{Value: 1},
			Body: []*ast.PatternStmt{
				{Test: ident("x"), Body: []ast.Stmt{&ast.Ret{Expr: ident("x")}}},
			},
		},
	}}
	mod := &ast.Module{Body: []ast.Decl{fn}}

	_, err := symtab.Build(mod, nil)
	require.NoError(t, err, "x is bound by the pattern, not required to pre-exist")
}

func TestIntermediateClosureForwardsGrandparentCapture(t *testing.T) {
	// fn outer() { var n = 0; fn mid() { fn inner() { ret n }; ret inner }; ret mid }
	inner := &ast.Func{Name: "inner", Body: []ast.Node{&ast.Ret{Expr: ident("n")}}}
	mid := &ast.Func{Name: "mid", Body: []ast.Node{inner, &ast.Ret{Expr: ident("inner")}}}
	outer := &ast.Func{Name: "outer", Body: []ast.Node{
		&ast.Var{Name: "n", Value: &ast.IntLit{Value: 0}},
		mid,
		&ast.Ret{Expr: ident("mid")},
	}}
	mod := &ast.Module{Body: []ast.Decl{outer}}

	table, err := symtab.Build(mod, nil)
	require.NoError(t, err)

	require.Contains(t, table.ByNode[inner].Freevars(), "n")
	require.Contains(t, table.ByNode[mid].Freevars(), "n", "mid must forward n's cell even though it never references n itself")
}
