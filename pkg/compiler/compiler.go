// Package compiler lowers an already-parsed AST (pkg/ast) into bytecode
// (pkg/code) guided by a symbol table (pkg/symtab), per §4.3.
//
// Class and module metaobjects are resolved once, at compile time, not by
// any opcode: a class statement builds a *value.Class directly (the way
// the built-in classes are bootstrapped in pkg/value) and the resulting
// class ref is simply pushed as a constant and STORENAMEd like any other
// value. This mirrors §5's observation that classes and modules are
// "constructed once... and thereafter read-only" — they are never part of
// any task's managed heap, so there is no GC-ownership conflict in sharing
// their pointers across tasks.
package compiler

import (
	"fmt"
	"strings"

	"github.com/kristofer/nim/pkg/ast"
	"github.com/kristofer/nim/pkg/code"
	"github.com/kristofer/nim/pkg/symtab"
	"github.com/kristofer/nim/pkg/value"
)

// maxPatternDepth and maxPatternBinds enforce §4.3's per-arm limits: at most
// 16 nested path items reached while destructuring a pattern, and at most 16
// bound variables.
const (
	maxPatternDepth = 16
	maxPatternBinds = 16
)

type unitKind int

const (
	unitModule unitKind = iota
	unitClass
	unitFunc
)

type loopCtx struct {
	start *code.Label
	end   *code.Label
}

// unit is one level of the compiler's unit stack (§4.3): module, class, or
// function/closure body.
type unit struct {
	kind  unitKind
	code  *code.Code
	scope *symtab.Scope
	class *value.Class // only set for unitClass
	loops []*loopCtx
}

// compileError carries a source position, matching the rest of the
// pipeline's compile-time diagnostics (§7).
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

// ModuleResolver resolves the leading segments of a dotted base-class path
// (§4.3: "resolves an optional base... walking a dotted path through
// modules") against modules outside the one currently being compiled. A nil
// resolver still resolves single-segment bases against classes declared
// earlier in the same module; only multi-segment (cross-module) paths need
// it. pkg/task wires this to its module manager's already-loaded module
// table, since only a loaded module's classes can be named this way.
type ModuleResolver func(path []string) (*value.Class, error)

// Compiler holds the unit stack for one module compilation. Not safe for
// concurrent use; each compile gets its own Compiler.
type Compiler struct {
	table    *symtab.Table
	units    []*unit
	modRef   *value.Ref              // the module under construction; stamped onto every compiled method
	classes  map[string]*value.Class // module-level classes, for base-class resolution
	resolver ModuleResolver
}

// Compile compiles mod into a module ref plus its top-level code object.
// extraBuiltins augments §6.3's builtin table (used by pkg/stdlib to add
// whatever it registers beyond the bare minimum). resolver may be nil.
func Compile(mod *ast.Module, name string, extraBuiltins map[string]bool, resolver ModuleResolver) (*value.Ref, *code.Code, error) {
	table, err := symtab.Build(mod, extraBuiltins)
	if err != nil {
		return nil, nil, err
	}

	modVal := &value.Module{Name: name, Locals: map[string]*value.Var{}}
	modRef := &value.Ref{Class: value.ModuleClass, Data: modVal}

	topCode := &code.Code{Name: name, File: name}
	c := &Compiler{table: table, modRef: modRef, classes: map[string]*value.Class{}, resolver: resolver}
	c.push(unitModule, topCode, table.Module)

	for _, d := range mod.Body {
		if err := c.compileDecl(d); err != nil {
			return nil, nil, err
		}
	}
	c.cur().code.Emit(code.PUSHNIL, 0)
	c.cur().code.Emit(code.RET, 0)

	return modRef, topCode, nil
}

func (c *Compiler) push(kind unitKind, co *code.Code, scope *symtab.Scope) {
	c.units = append(c.units, &unit{kind: kind, code: co, scope: scope})
}

func (c *Compiler) pop() *unit {
	u := c.units[len(c.units)-1]
	c.units = c.units[:len(c.units)-1]
	return u
}

func (c *Compiler) cur() *unit { return c.units[len(c.units)-1] }

func (c *Compiler) emit(op code.Op, arg int) { c.cur().code.Emit(op, arg) }

func (c *Compiler) nameIdx(name string) int { return c.cur().code.AddName(name) }

func (c *Compiler) constIdx(v *value.Ref) int { return c.cur().code.AddConstant(v) }

func intRef(v int64) *value.Ref     { return &value.Ref{Class: value.IntClass, Data: v} }
func floatRef(v float64) *value.Ref { return &value.Ref{Class: value.FloatClass, Data: v} }
func strRef(s string) *value.Ref    { return &value.Ref{Class: value.StrClass, Data: &value.Str{Bytes: []byte(s)}} }

// --- declarations ---

func (c *Compiler) compileDecl(d ast.Decl) error {
	switch n := d.(type) {
	case *ast.Var:
		return c.compileVarDecl(n)
	case *ast.Use:
		return nil // resolved by the module loader before this code runs, not compiled
	case *ast.Func:
		return c.compileFuncDecl(n)
	case *ast.Class:
		return c.compileClassDecl(n)
	}
	return fmt.Errorf("compiler: unknown decl %T", d)
}

func (c *Compiler) compileVarDecl(n *ast.Var) error {
	if c.cur().kind == unitClass {
		return c.addClassField(n)
	}
	if n.Value != nil {
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
	} else {
		c.emit(code.PUSHNIL, 0)
	}
	c.emit(code.STORENAME, c.nameIdx(n.Name))
	return nil
}

func (c *Compiler) compileFuncDecl(n *ast.Func) error {
	methodRef, freevars, err := c.compileFunc(n.Name, n.Args, n.Body, n)
	if err != nil {
		return err
	}
	if c.cur().kind == unitClass {
		c.cur().class.DefineMethod(n.Name, methodRef.Data.(*value.Method))
		return nil
	}
	c.emit(code.PUSHCONST, c.constIdx(methodRef))
	if len(freevars) > 0 {
		c.emit(code.MAKECLOSURE, 0)
	}
	c.emit(code.STORENAME, c.nameIdx(n.Name))
	return nil
}

// compileFunc compiles a function body (named or anonymous) in its own
// code unit and returns a method ref wrapping the result plus its freevar
// list (the caller decides whether to MAKECLOSURE).
func (c *Compiler) compileFunc(name string, args []*ast.VarDecl, body []ast.Node, node ast.Node) (*value.Ref, []string, error) {
	scope := c.table.ByNode[node]
	if scope == nil {
		return nil, nil, fmt.Errorf("compiler: no symbol scope recorded for function %q", name)
	}

	argNames := make([]string, len(args))
	for i, a := range args {
		argNames[i] = a.Name
	}

	fc := &code.Code{Name: name, Args: argNames, Locals: scope.Locals(), Freevars: scope.Freevars()}
	c.push(unitFunc, fc, scope)
	for _, n := range body {
		if err := c.compileBodyNode(n); err != nil {
			return nil, nil, err
		}
	}
	fc.Emit(code.PUSHNIL, 0)
	fc.Emit(code.RET, 0)
	c.pop()

	// Module is what name resolution inside the method falls back to after
	// frame locals (§4.4); without it a function body could only see its own
	// locals and the builtins.
	method := &value.Method{Kind: value.MethodBytecode, Code: fc, Module: c.modRef}
	ref := &value.Ref{Class: value.MethodClass, Data: method}
	return ref, scope.Freevars(), nil
}

func (c *Compiler) compileBodyNode(n ast.Node) error {
	switch v := n.(type) {
	case ast.Decl:
		return c.compileDecl(v)
	case ast.Stmt:
		return c.compileStmt(v)
	default:
		return fmt.Errorf("compiler: body node is neither decl nor stmt: %T", n)
	}
}

// --- statements ---

func (c *Compiler) compileStmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.ExprStmt:
		if err := c.compileExpr(n.Expr); err != nil {
			return err
		}
		c.emit(code.POP, 0)
		return nil
	case *ast.Assign:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(code.STORENAME, c.nameIdx(n.Target.Name))
		return nil
	case *ast.If:
		return c.compileIf(n)
	case *ast.While:
		return c.compileWhile(n)
	case *ast.Break:
		loops := c.cur().loops
		if len(loops) == 0 {
			return errAt(n.Pos, "break used outside a loop")
		}
		c.cur().code.EmitJump(code.JUMP, loops[len(loops)-1].end)
		return nil
	case *ast.Ret:
		if n.Expr != nil {
			if err := c.compileExpr(n.Expr); err != nil {
				return err
			}
		} else {
			c.emit(code.PUSHNIL, 0)
		}
		c.emit(code.RET, 0)
		return nil
	case *ast.Match:
		return c.compileMatch(n)
	case *ast.PatternStmt:
		return fmt.Errorf("compiler: bare pattern statement outside match")
	}
	return fmt.Errorf("compiler: unknown stmt %T", s)
}

func (c *Compiler) compileIf(n *ast.If) error {
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	elseLabel := code.NewLabel()
	endLabel := code.NewLabel()
	c.cur().code.EmitJump(code.JUMPIFFALSE, elseLabel)

	for _, s := range n.Body {
		if err := c.compileStmt(s); err != nil {
			return err
		}
	}
	if len(n.OrElse) > 0 {
		c.cur().code.EmitJump(code.JUMP, endLabel)
	}
	c.cur().code.UseLabel(elseLabel)
	for _, s := range n.OrElse {
		if err := c.compileStmt(s); err != nil {
			return err
		}
	}
	c.cur().code.UseLabel(endLabel)
	return nil
}

func (c *Compiler) compileWhile(n *ast.While) error {
	start := code.NewLabel()
	end := code.NewLabel()
	c.cur().code.UseLabel(start)
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	c.cur().code.EmitJump(code.JUMPIFFALSE, end)

	c.cur().loops = append(c.cur().loops, &loopCtx{start: start, end: end})
	for _, s := range n.Body {
		if err := c.compileStmt(s); err != nil {
			return err
		}
	}
	c.cur().loops = c.cur().loops[:len(c.cur().loops)-1]

	c.cur().code.EmitJump(code.JUMP, start)
	c.cur().code.UseLabel(end)
	return nil
}

// --- expressions ---

func (c *Compiler) compileExpr(e ast.Expr) error {
	switch n := e.(type) {
	case *ast.IntLit:
		c.emit(code.PUSHCONST, c.constIdx(intRef(n.Value)))
		return nil
	case *ast.FloatLit:
		c.emit(code.PUSHCONST, c.constIdx(floatRef(n.Value)))
		return nil
	case *ast.StrLit:
		c.emit(code.PUSHCONST, c.constIdx(strRef(n.Value)))
		return nil
	case *ast.BoolLit:
		if n.Value {
			c.emit(code.PUSHCONST, c.constIdx(value.True))
		} else {
			c.emit(code.PUSHCONST, c.constIdx(value.False))
		}
		return nil
	case *ast.NilLit:
		c.emit(code.PUSHNIL, 0)
		return nil
	case *ast.Ident:
		// __file__/__line__ are folded to constants at compile time (§6.3);
		// everywhere else an Ident is an ordinary name lookup.
		switch n.Name {
		case "__file__":
			c.emit(code.PUSHCONST, c.constIdx(strRef(c.cur().code.File)))
			return nil
		case "__line__":
			c.emit(code.PUSHCONST, c.constIdx(intRef(int64(n.Pos.FirstLine))))
			return nil
		}
		c.emit(code.PUSHNAME, c.nameIdx(n.Name))
		return nil
	case *ast.Binop:
		return c.compileBinop(n)
	case *ast.Not:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(code.NOT, 0)
		return nil
	case *ast.Call:
		return c.compileCall(n)
	case *ast.GetAttr:
		if err := c.compileExpr(n.Target); err != nil {
			return err
		}
		c.emit(code.GETATTR, c.nameIdx(n.Name))
		return nil
	case *ast.GetItem:
		if err := c.compileExpr(n.Target); err != nil {
			return err
		}
		if err := c.compileExpr(n.Key); err != nil {
			return err
		}
		c.emit(code.GETITEM, 0)
		return nil
	case *ast.ArrayLit:
		for _, el := range n.Elems {
			if err := c.compileExpr(el); err != nil {
				return err
			}
		}
		c.emit(code.MAKEARRAY, len(n.Elems))
		return nil
	case *ast.HashLit:
		for _, p := range n.Pairs {
			if err := c.compileExpr(p.Key); err != nil {
				return err
			}
			if err := c.compileExpr(p.Value); err != nil {
				return err
			}
		}
		c.emit(code.MAKEHASH, len(n.Pairs))
		return nil
	case *ast.FnExpr:
		methodRef, freevars, err := c.compileFunc("<anonymous>", n.Args, n.Body, n)
		if err != nil {
			return err
		}
		c.emit(code.PUSHCONST, c.constIdx(methodRef))
		if len(freevars) > 0 {
			c.emit(code.MAKECLOSURE, 0)
		}
		return nil
	case *ast.Spawn:
		return c.compileSpawn(n)
	case *ast.Wildcard:
		return errAt(n.Pos, "wildcard is only valid inside a match pattern")
	}
	return fmt.Errorf("compiler: unknown expr %T", e)
}

func (c *Compiler) compileCall(n *ast.Call) error {
	if err := c.compileExpr(n.Target); err != nil {
		return err
	}
	for _, a := range n.Args {
		if err := c.compileExpr(a); err != nil {
			return err
		}
	}
	c.emit(code.CALL, len(n.Args))
	return nil
}

func (c *Compiler) compileSpawn(n *ast.Spawn) error {
	if err := c.compileExpr(n.Target); err != nil {
		return err
	}
	c.emit(code.SPAWN, 0)
	c.emit(code.DUP, 0)
	c.emit(code.GETATTR, c.nameIdx("send"))
	for _, a := range n.Args {
		if err := c.compileExpr(a); err != nil {
			return err
		}
	}
	c.emit(code.MAKEARRAY, len(n.Args))
	c.emit(code.CALL, 1)
	c.emit(code.POP, 0)
	return nil
}

func (c *Compiler) compileBinop(n *ast.Binop) error {
	switch n.Op {
	case ast.OpOr:
		return c.compileShortCircuit(n, code.JUMPIFTRUE)
	case ast.OpAnd:
		return c.compileShortCircuit(n, code.JUMPIFFALSE)
	}

	if err := c.compileExpr(n.Left); err != nil {
		return err
	}
	if err := c.compileExpr(n.Right); err != nil {
		return err
	}

	op, ok := map[ast.BinOp]code.Op{
		ast.OpEq: code.CMPEQ, ast.OpNeq: code.CMPNEQ,
		ast.OpGt: code.CMPGT, ast.OpGte: code.CMPGTE,
		ast.OpLt: code.CMPLT, ast.OpLte: code.CMPLTE,
		ast.OpAdd: code.ADD, ast.OpSub: code.SUB,
		ast.OpMul: code.MUL, ast.OpDiv: code.DIV,
	}[n.Op]
	if !ok {
		return errAt(n.Pos, "unknown binary operator %d", n.Op)
	}
	c.emit(op, 0)
	return nil
}

// compileShortCircuit implements §4.3's and/or compilation: evaluate the
// left side, DUP it, conditionally jump to "keep left" past a POP+right.
func (c *Compiler) compileShortCircuit(n *ast.Binop, keepIf code.Op) error {
	if err := c.compileExpr(n.Left); err != nil {
		return err
	}
	keepLeft := code.NewLabel()
	c.emit(code.DUP, 0)
	c.cur().code.EmitJump(keepIf, keepLeft)
	c.emit(code.POP, 0)
	if err := c.compileExpr(n.Right); err != nil {
		return err
	}
	c.cur().code.UseLabel(keepLeft)
	return nil
}

// --- classes ---

// compileClassDecl builds the *value.Class metaobject directly (there is no
// MAKECLASS opcode — §4.3 treats a class statement the same way the
// bootstrap in pkg/value builds a built-in class), compiles its body into
// the class's method table, then pushes the resulting class ref as an
// ordinary constant and STORENAMEs it like any other module-level binding.
func (c *Compiler) compileClassDecl(n *ast.Class) error {
	super, err := c.resolveBase(n)
	if err != nil {
		return err
	}

	cls := value.ClassNew(n.Name, super)
	classRef := &value.Ref{Class: value.ClassClass, Data: cls}
	cls.Name = strRef(n.Name)
	value.RegisterClassRef(cls, classRef)
	c.classes[n.Name] = cls

	scope := c.table.ByNode[n]
	if scope == nil {
		return errAt(n.Pos, "compiler: no symbol scope recorded for class %q", n.Name)
	}

	parentCode := c.cur().code
	c.push(unitClass, parentCode, scope)
	c.cur().class = cls
	for _, d := range n.Body {
		if err := c.compileDecl(d); err != nil {
			c.pop()
			return err
		}
	}
	c.pop()

	c.emit(code.PUSHCONST, c.constIdx(classRef))
	c.emit(code.STORENAME, c.nameIdx(n.Name))
	return nil
}

// resolveBase resolves a class statement's optional base-class path: no
// path means `object`; a single segment is looked up among classes already
// declared earlier in this module; a multi-segment (dotted) path is handed
// to the ModuleResolver, since only that knows which modules are loaded.
func (c *Compiler) resolveBase(n *ast.Class) (*value.Class, error) {
	if len(n.Base) == 0 {
		return value.ObjectClass, nil
	}
	if len(n.Base) == 1 {
		name := n.Base[0].Name
		if cls, ok := c.classes[name]; ok {
			return cls, nil
		}
		return nil, errAt(n.Base[0].Pos, "undefined base class %q", name)
	}
	if c.resolver == nil {
		return nil, errAt(n.Base[0].Pos, "base class path %q requires a module resolver", joinSegments(n.Base))
	}
	path := make([]string, len(n.Base))
	for i, seg := range n.Base {
		path[i] = seg.Name
	}
	cls, err := c.resolver(path)
	if err != nil {
		return nil, errAt(n.Base[0].Pos, "resolving base class %q: %v", joinSegments(n.Base), err)
	}
	return cls, nil
}

func joinSegments(segs []*ast.NameSegment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Name
	}
	return strings.Join(parts, ".")
}

// addClassField installs a class-body `var` declaration (§4.1's notion of an
// instance field) as a zero-argument native accessor method: reading the
// field looks it up on the instance's field map, falling back to the
// initializer's value if the field was never written. Field initializers
// must be literals — they run once, at class-definition time, not per
// instance, since there is no bytecode hook between InstanceNew and a class
// body's own `init` method to re-run an arbitrary expression per instance.
func (c *Compiler) addClassField(n *ast.Var) error {
	var def *value.Ref
	if n.Value != nil {
		lit, err := literalConstExpr(n.Value)
		if err != nil {
			return errAt(n.Pos, "class field %q initializer must be a literal: %v", n.Name, err)
		}
		def = lit
	} else {
		def = value.Nil
	}

	fname := n.Name
	c.cur().class.DefineMethod(fname, &value.Method{
		Kind: value.MethodNative,
		Native: func(alloc value.Allocator, self *value.Ref, args []*value.Ref) (*value.Ref, error) {
			inst, ok := self.Data.(*value.Instance)
			if !ok {
				return nil, fmt.Errorf("%s is not an instance", self.Class.NameStr)
			}
			if v, ok := inst.Fields[fname]; ok {
				return v, nil
			}
			return def, nil
		},
	})
	return nil
}

// literalConstExpr evaluates a compile-time-constant expression (the only
// kind allowed for a class field default and a hash pattern key) directly
// into a *value.Ref, with no bytecode involved.
func literalConstExpr(e ast.Expr) (*value.Ref, error) {
	switch n := e.(type) {
	case *ast.IntLit:
		return intRef(n.Value), nil
	case *ast.FloatLit:
		return floatRef(n.Value), nil
	case *ast.StrLit:
		return strRef(n.Value), nil
	case *ast.BoolLit:
		if n.Value {
			return value.True, nil
		}
		return value.False, nil
	case *ast.NilLit:
		return value.Nil, nil
	}
	return nil, fmt.Errorf("%T is not a literal", e)
}

// --- pattern matching ---

// pathStep is one hop of a bind path (§4.3/§6.2): either an array index or a
// hash key, replayed against the match subject with PUSHCONST+GETITEM.
type pathStep struct {
	index bool
	idx   int
	key   *value.Ref
}

// patCheck is one test a match arm's pattern requires the value reached by
// path to pass before the arm is considered a match.
type patCheck struct {
	path  []pathStep
	kind  string // "class", "eq", "size", "haskey"
	class *value.Class
	size  int
	eq    *value.Ref // literal to compare equal to ("eq"), or the key to probe ("haskey")
}

// patBind is one identifier a matching arm's pattern binds, and the path to
// the value it binds.
type patBind struct {
	path []pathStep
	name string
}

func appendStep(path []pathStep, step pathStep) []pathStep {
	out := make([]pathStep, len(path)+1)
	copy(out, path)
	out[len(path)] = step
	return out
}

// walkPatternTree decomposes a pattern test expression into a flat list of
// checks and a flat list of bindings, each tagged with the bind path that
// reaches the relevant sub-value from the arm's subject. Checks are order-
// independent (each is self-contained, re-deriving its value from the
// subject); bindings run only after every check has passed.
func walkPatternTree(e ast.Expr, path []pathStep, checks *[]patCheck, binds *[]patBind) error {
	if len(path) > maxPatternDepth {
		return fmt.Errorf("pattern nests more than %d levels deep", maxPatternDepth)
	}
	switch n := e.(type) {
	case *ast.Wildcard:
		return nil
	case *ast.Ident:
		*binds = append(*binds, patBind{path: path, name: n.Name})
		return nil
	case *ast.IntLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.IntClass})
		*checks = append(*checks, patCheck{path: path, kind: "eq", eq: intRef(n.Value)})
		return nil
	case *ast.FloatLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.FloatClass})
		*checks = append(*checks, patCheck{path: path, kind: "eq", eq: floatRef(n.Value)})
		return nil
	case *ast.StrLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.StrClass})
		*checks = append(*checks, patCheck{path: path, kind: "eq", eq: strRef(n.Value)})
		return nil
	case *ast.BoolLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.BoolClass})
		lit := value.False
		if n.Value {
			lit = value.True
		}
		*checks = append(*checks, patCheck{path: path, kind: "eq", eq: lit})
		return nil
	case *ast.NilLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.NilClass})
		return nil
	case *ast.ArrayLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.ArrayClass})
		*checks = append(*checks, patCheck{path: path, kind: "size", size: len(n.Elems)})
		for i, el := range n.Elems {
			if err := walkPatternTree(el, appendStep(path, pathStep{index: true, idx: i}), checks, binds); err != nil {
				return err
			}
		}
		return nil
	case *ast.HashLit:
		*checks = append(*checks, patCheck{path: path, kind: "class", class: value.HashClass})
		for _, p := range n.Pairs {
			keyLit, err := literalConstExpr(p.Key)
			if err != nil {
				return fmt.Errorf("hash pattern key must be a literal: %v", err)
			}
			*checks = append(*checks, patCheck{path: path, kind: "haskey", eq: keyLit})
			if err := walkPatternTree(p.Value, appendStep(path, pathStep{key: keyLit}), checks, binds); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported pattern expression %T", e)
}

// replayPath emits the PUSHCONST+GETITEM chain that navigates from the
// subject (already DUP'd on top of the stack) down to the value at path.
func (c *Compiler) replayPath(path []pathStep) {
	for _, step := range path {
		if step.index {
			c.emit(code.PUSHCONST, c.constIdx(intRef(int64(step.idx))))
		} else {
			c.emit(code.PUSHCONST, c.constIdx(step.key))
		}
		c.emit(code.GETITEM, 0)
	}
}

// emitCheck emits one self-contained check: DUP the subject, navigate to
// path, reduce to a bool, and jump to fail on false. Every branch through a
// check's tail restores the stack to exactly where it stood before the DUP.
func (c *Compiler) emitCheck(chk patCheck, fail *code.Label) {
	c.emit(code.DUP, 0)
	c.replayPath(chk.path)
	switch chk.kind {
	case "class":
		c.emit(code.GETCLASS, 0)
		c.emit(code.PUSHCONST, c.constIdx(value.ClassRef(chk.class)))
		c.emit(code.CMPEQ, 0)
	case "eq":
		c.emit(code.PUSHCONST, c.constIdx(chk.eq))
		c.emit(code.CMPEQ, 0)
	case "size":
		c.emit(code.GETATTR, c.nameIdx("size"))
		c.emit(code.CALL, 0)
		c.emit(code.PUSHCONST, c.constIdx(intRef(int64(chk.size))))
		c.emit(code.CMPEQ, 0)
	case "haskey":
		c.emit(code.GETATTR, c.nameIdx("has"))
		c.emit(code.PUSHCONST, c.constIdx(chk.eq))
		c.emit(code.CALL, 1)
	}
	c.cur().code.EmitJump(code.JUMPIFFALSE, fail)
}

// emitBind emits DUP + path navigation + STORENAME for one bound identifier.
func (c *Compiler) emitBind(b patBind) {
	c.emit(code.DUP, 0)
	c.replayPath(b.path)
	c.emit(code.STORENAME, c.nameIdx(b.name))
}

// compileMatch compiles a match statement to a linear arm chain (§4.3): the
// subject is evaluated once and kept on the stack for the whole statement
// (each arm's checks/binds DUP it rather than consuming it), tried arm by
// arm until one passes every check, then that arm's bindings are stored and
// its body runs; falling off the end (no arm matched) is not an error.
func (c *Compiler) compileMatch(n *ast.Match) error {
	if err := c.compileExpr(n.Expr); err != nil {
		return err
	}

	end := code.NewLabel()
	for _, arm := range n.Body {
		var checks []patCheck
		var binds []patBind
		if err := walkPatternTree(arm.Test, nil, &checks, &binds); err != nil {
			return errAt(arm.Pos, "%v", err)
		}
		if len(binds) > maxPatternBinds {
			return errAt(arm.Pos, "match arm binds more than %d variables", maxPatternBinds)
		}

		fail := code.NewLabel()
		for _, chk := range checks {
			c.emitCheck(chk, fail)
		}
		for _, b := range binds {
			c.emitBind(b)
		}
		for _, s := range arm.Body {
			if err := c.compileStmt(s); err != nil {
				return err
			}
		}
		c.cur().code.EmitJump(code.JUMP, end)
		c.cur().code.UseLabel(fail)
	}
	c.cur().code.UseLabel(end)
	c.emit(code.POP, 0)
	return nil
}
