// Package symtab implements the compiler's preliminary symbol-table pass
// (§4.3): for every scope (module, class, function) it records which names
// are declared there, and for every identifier reference it determines
// whether the name is local, free (captured from an enclosing function),
// builtin, or undefined.
//
// A class body is not itself part of the lexical chain a nested method
// resolves names against — a method becomes a lexical child of the class's
// *enclosing* scope, exactly as if it had been written at that level. Only
// its own name (as a method of the class) is recorded in the class's
// declaration list. This mirrors how §4.3 describes class bodies as
// producing methods "compiled in a class-unit" rather than as a closure
// level of their own.
package symtab

import (
	"fmt"

	"github.com/kristofer/nim/pkg/ast"
)

// Flag classifies one name within one scope.
type Flag int

const (
	Declared Flag = 1 << iota
	Free
	Builtin
	Special
)

// ScopeKind discriminates the three kinds of unit the compiler stacks
// (§4.3's "unit stack": module, class, code/function).
type ScopeKind int

const (
	ScopeModule ScopeKind = iota
	ScopeClass
	ScopeFunc
)

// Scope is one lexical unit's symbol table entry.
type Scope struct {
	Kind ScopeKind
	Name string
	Node ast.Node // the *ast.Module, *ast.Class or *ast.Func/*ast.FnExpr this scope belongs to

	Parent   *Scope // lexical resolution parent (class scopes are never a Parent)
	Children []*Scope

	declOrder []string
	declared  map[string]bool

	entries    map[string]Flag
	entryOrder []string
}

func newScope(kind ScopeKind, name string, node ast.Node, parent *Scope) *Scope {
	return &Scope{
		Kind:     kind,
		Name:     name,
		Node:     node,
		Parent:   parent,
		declared: map[string]bool{},
		entries:  map[string]Flag{},
	}
}

func (s *Scope) declare(name string) {
	if !s.declared[name] {
		s.declared[name] = true
		s.declOrder = append(s.declOrder, name)
	}
	s.setFlag(name, Declared)
}

func (s *Scope) setFlag(name string, f Flag) {
	if _, ok := s.entries[name]; !ok {
		s.entryOrder = append(s.entryOrder, name)
	}
	s.entries[name] |= f
}

// Locals returns the names declared directly in this scope, in first-declared order.
func (s *Scope) Locals() []string {
	out := make([]string, len(s.declOrder))
	copy(out, s.declOrder)
	return out
}

// Freevars returns the names this scope captures from an enclosing function
// scope, in first-referenced order.
func (s *Scope) Freevars() []string {
	var out []string
	for _, name := range s.entryOrder {
		if s.entries[name]&Free != 0 && s.entries[name]&Declared == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Flags reports the classification recorded for name in this scope (zero
// value if name was never referenced or declared here).
func (s *Scope) Flags(name string) Flag {
	return s.entries[name]
}

// Table is the complete symbol table for one compiled module.
type Table struct {
	Module   *Scope
	ByNode   map[ast.Node]*Scope
	builtins map[string]bool
}

// DefaultBuiltins is the builtins table named in §6.3: the class objects
// plus the free functions every program can call without an explicit use.
var DefaultBuiltins = map[string]bool{
	"hash": true, "array": true, "int": true, "float": true, "str": true,
	"bool": true, "module": true, "object": true, "class": true,
	"method": true, "error": true,
	"recv": true, "self": true, "range": true, "compile": true,
}

// compileError carries a source position the way the rest of the pipeline
// expects compile-time diagnostics to (§7).
type compileError struct {
	pos ast.Pos
	msg string
}

func (e *compileError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.pos.FirstLine, e.pos.FirstColumn, e.msg)
}

func errAt(pos ast.Pos, format string, args ...interface{}) error {
	return &compileError{pos: pos, msg: fmt.Sprintf(format, args...)}
}

// builder threads the declaration pass and use-resolution pass through the
// AST walk.
type builder struct {
	table       *Table
	uses        []use // every identifier reference, resolved in a second pass
	deferredErr error
}

type use struct {
	scope *Scope
	name  string
	pos   ast.Pos
}

// Build runs the full symbol-table pass over mod and returns the resulting
// table, or the first structural/undefined-name error encountered.
func Build(mod *ast.Module, extraBuiltins map[string]bool) (*Table, error) {
	builtins := map[string]bool{}
	for k := range DefaultBuiltins {
		builtins[k] = true
	}
	for k := range extraBuiltins {
		builtins[k] = true
	}

	moduleScope := newScope(ScopeModule, "<module>", mod, nil)
	b := &builder{table: &Table{Module: moduleScope, ByNode: map[ast.Node]*Scope{mod: moduleScope}, builtins: builtins}}

	for _, u := range mod.Uses {
		moduleScope.declare(u.Name)
	}
	if err := b.walkDecls(moduleScope, mod.Body); err != nil {
		return nil, err
	}

	if err := b.resolveUses(); err != nil {
		return nil, err
	}
	return b.table, nil
}

func (b *builder) walkDecls(scope *Scope, decls []ast.Decl) error {
	for _, d := range decls {
		if err := b.walkDecl(scope, d); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) walkDecl(scope *Scope, d ast.Decl) error {
	switch n := d.(type) {
	case *ast.Var:
		scope.declare(n.Name)
		if n.Value != nil {
			b.walkExpr(scope, n.Value)
		}
		return nil
	case *ast.Use:
		scope.declare(n.Name)
		return nil
	case *ast.Func:
		// named functions may nest inside functions (they become closures);
		// only classes are barred from function bodies.
		scope.declare(n.Name)
		child := newScope(ScopeFunc, n.Name, n, lexicalParentFor(scope))
		scope.Children = append(scope.Children, child)
		b.table.ByNode[n] = child
		for _, a := range n.Args {
			child.declare(a.Name)
		}
		return b.walkBody(child, n.Body)
	case *ast.Class:
		if scope.Kind == ScopeFunc {
			return errAt(n.Pos, "class %q cannot be declared inside a function", n.Name)
		}
		scope.declare(n.Name)
		child := newScope(ScopeClass, n.Name, n, scope)
		scope.Children = append(scope.Children, child)
		b.table.ByNode[n] = child
		return b.walkDecls(child, n.Body)
	}
	return fmt.Errorf("symtab: unknown decl node %T", d)
}

// lexicalParentFor returns the scope a nested function should resolve
// enclosing names against: scope itself, unless scope is a class body, in
// which case its own parent (skipping the class) is used.
func lexicalParentFor(scope *Scope) *Scope {
	if scope.Kind == ScopeClass {
		return scope.Parent
	}
	return scope
}

// walkBody walks a mixed statement/decl list (a function body per §6.1's
// `array<stmt|decl>`), dispatching declarations and statements uniformly.
func (b *builder) walkBody(scope *Scope, body []ast.Node) error {
	for _, n := range body {
		switch v := n.(type) {
		case ast.Decl:
			if err := b.walkDecl(scope, v); err != nil {
				return err
			}
		case ast.Stmt:
			if err := b.walkStmt(scope, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("symtab: body node is neither decl nor stmt: %T", n)
		}
	}
	return nil
}

func (b *builder) walkStmt(scope *Scope, s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.ExprStmt:
		b.walkExpr(scope, n.Expr)
	case *ast.Assign:
		b.use(scope, n.Target.Name, n.Target.Pos)
		b.walkExpr(scope, n.Value)
	case *ast.If:
		b.walkExpr(scope, n.Cond)
		if err := b.walkStmts(scope, n.Body); err != nil {
			return err
		}
		if err := b.walkStmts(scope, n.OrElse); err != nil {
			return err
		}
	case *ast.While:
		b.walkExpr(scope, n.Cond)
		if err := b.walkStmts(scope, n.Body); err != nil {
			return err
		}
	case *ast.Match:
		b.walkExpr(scope, n.Expr)
		for _, arm := range n.Body {
			b.walkPattern(scope, arm.Test)
			if err := b.walkStmts(scope, arm.Body); err != nil {
				return err
			}
		}
	case *ast.Ret:
		if n.Expr != nil {
			b.walkExpr(scope, n.Expr)
		}
	case *ast.Break:
		// nothing to resolve; loop-stack-in-bounds is enforced by the compiler.
	case *ast.PatternStmt:
		b.walkPattern(scope, n.Test)
		return b.walkStmts(scope, n.Body)
	default:
		return fmt.Errorf("symtab: unknown stmt node %T", s)
	}
	return nil
}

func (b *builder) walkStmts(scope *Scope, stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := b.walkStmt(scope, s); err != nil {
			return err
		}
	}
	return nil
}

// walkPattern treats bare identifiers (and wildcards) as *bindings* rather
// than uses, matching §4.3's pattern-matching compilation: a pattern
// introduces new locals, it doesn't reference existing ones. Everything
// else in a pattern test (literals, array/hash shape, nested patterns) is
// walked structurally without creating a use.
func (b *builder) walkPattern(scope *Scope, test ast.Expr) {
	switch n := test.(type) {
	case *ast.Ident:
		scope.declare(n.Name)
	case *ast.Wildcard:
		// binds nothing
	case *ast.ArrayLit:
		for _, e := range n.Elems {
			b.walkPattern(scope, e)
		}
	case *ast.HashLit:
		for _, p := range n.Pairs {
			b.walkExpr(scope, p.Key) // hash pattern keys are literal, not bindings
			b.walkPattern(scope, p.Value)
		}
	default:
		b.walkExpr(scope, test)
	}
}

func (b *builder) use(scope *Scope, name string, pos ast.Pos) {
	b.uses = append(b.uses, use{scope: scope, name: name, pos: pos})
}

func (b *builder) walkExpr(scope *Scope, e ast.Expr) {
	switch n := e.(type) {
	case *ast.Call:
		b.walkExpr(scope, n.Target)
		for _, a := range n.Args {
			b.walkExpr(scope, a)
		}
	case *ast.GetAttr:
		b.walkExpr(scope, n.Target) // Name is a literal attribute, not resolved
	case *ast.GetItem:
		b.walkExpr(scope, n.Target)
		b.walkExpr(scope, n.Key)
	case *ast.ArrayLit:
		for _, el := range n.Elems {
			b.walkExpr(scope, el)
		}
	case *ast.HashLit:
		for _, p := range n.Pairs {
			b.walkExpr(scope, p.Key)
			b.walkExpr(scope, p.Value)
		}
	case *ast.Ident:
		b.use(scope, n.Name, n.Pos)
	case *ast.Binop:
		b.walkExpr(scope, n.Left)
		b.walkExpr(scope, n.Right)
	case *ast.Not:
		b.walkExpr(scope, n.Value)
	case *ast.Spawn:
		b.walkExpr(scope, n.Target)
		for _, a := range n.Args {
			b.walkExpr(scope, a)
		}
	case *ast.FnExpr:
		child := newScope(ScopeFunc, "<anonymous>", n, lexicalParentFor(scope))
		scope.Children = append(scope.Children, child)
		b.table.ByNode[n] = child
		for _, a := range n.Args {
			child.declare(a.Name)
		}
		if err := b.walkBody(child, n.Body); err != nil {
			// FnExpr bodies can't introduce the one structural error
			// (nested class) without a Func/Class decl, which walkBody
			// would have already rejected; surfacing is handled by
			// deferring to Build's caller via a stored error.
			b.deferredErr = err
		}
	case *ast.StrLit, *ast.BoolLit, *ast.NilLit, *ast.IntLit, *ast.FloatLit, *ast.Wildcard:
		// no identifiers to resolve
	}
}

func (b *builder) resolveUses() error {
	if b.deferredErr != nil {
		return b.deferredErr
	}
	for _, u := range b.uses {
		if u.name == "__file__" || u.name == "__line__" {
			u.scope.setFlag(u.name, Special)
			continue
		}
		if u.scope.declared[u.name] {
			continue // plain local reference, already flagged Declared
		}

		var path []*Scope
		found := (*Scope)(nil)
		for s := u.scope.Parent; s != nil; s = s.Parent {
			if s.declared[u.name] {
				found = s
				break
			}
			path = append(path, s)
		}

		if found == nil {
			if b.table.builtins[u.name] {
				u.scope.setFlag(u.name, Builtin)
				continue
			}
			return errAt(u.pos, "undefined name: %s", u.name)
		}

		if found.Kind == ScopeModule {
			// resolved at the module level; the VM falls back to module
			// locals at runtime with no compile-time capture needed.
			continue
		}

		// found in an enclosing function scope: mark free in the
		// referencing scope and in every function scope strictly between
		// it and the declaring scope, so each intervening frame forwards
		// the captured var cell via MAKECLOSURE.
		u.scope.setFlag(u.name, Free)
		for _, s := range path {
			if s.Kind == ScopeFunc {
				s.setFlag(u.name, Free)
			}
		}
	}
	return nil
}
