// Package ast defines the Abstract Syntax Tree nodes the compiler consumes.
//
// The lexer and parser that produce these nodes are outside the scope of this
// repository: this package only fixes the shape of the tree the compiler is
// contractually handed. Every node carries a Pos so the compiler can fold
// __file__/__line__ to constants at compile time.
package ast

// Pos is a source location. Columns and lines are 1-based; a zero Pos means
// "unknown" (synthetic nodes built by tests or tooling).
type Pos struct {
	FirstLine   int
	FirstColumn int
}

// Module is the root of a compiled unit: the `mod` macro-kind.
type Module struct {
	Pos  Pos
	Uses []*Use
	Body []Decl
}

func (m *Module) Position() Pos { return m.Pos }

// Decl is one of Func, Class, Use, Var.
type Decl interface {
	declNode()
	Position() Pos
}

// VarDecl names a function parameter or a `var` binding target.
type VarDecl struct {
	Pos  Pos
	Name string
}

// Func declares a function or method body.
type Func struct {
	Pos  Pos
	Name string
	Args []*VarDecl
	Body []Node // Stmt or nested Decl
}

func (*Func) declNode()       {}
func (f *Func) Position() Pos { return f.Pos }

// NameSegment is one dotted component of a base-class path (`a.b.C`).
type NameSegment struct {
	Pos  Pos
	Name string
}

// Class declares a class metaobject.
type Class struct {
	Pos  Pos
	Name string
	Base []*NameSegment
	Body []Decl
}

func (*Class) declNode()       {}
func (c *Class) Position() Pos { return c.Pos }

// Use imports a module by name.
type Use struct {
	Pos  Pos
	Name string
}

func (*Use) declNode()       {}
func (u *Use) Position() Pos { return u.Pos }

// Var is a module- or function-scoped binding with an optional initializer.
type Var struct {
	Pos   Pos
	Name  string
	Value Expr // nil if uninitialized
}

func (*Var) declNode()       {}
func (v *Var) Position() Pos { return v.Pos }

// Node is the common interface for anything that can appear in a Func body:
// a Stmt or a nested Decl (a class/func nested in a function body is a
// compile error the symbol table pass detects, not a parse error).
type Node interface {
	Position() Pos
}

// Stmt is one of ExprStmt, Assign, If, While, Match, Pattern, Ret, Break.
type Stmt interface {
	Node
	stmtNode()
}

// ExprStmt is an expression evaluated for its side effect; the compiler emits
// the expression followed by POP.
type ExprStmt struct {
	Pos  Pos
	Expr Expr
}

func (*ExprStmt) stmtNode()       {}
func (e *ExprStmt) Position() Pos { return e.Pos }

// Assign assigns Value to the variable named by Target.
type Assign struct {
	Pos    Pos
	Target *Ident
	Value  Expr
}

func (*Assign) stmtNode()       {}
func (a *Assign) Position() Pos { return a.Pos }

// If is a conditional with an optional else branch.
type If struct {
	Pos    Pos
	Cond   Expr
	Body   []Stmt
	OrElse []Stmt // nil if no else
}

func (*If) stmtNode()       {}
func (i *If) Position() Pos { return i.Pos }

// While is a pre-tested loop. Break targets its end label.
type While struct {
	Pos  Pos
	Cond Expr
	Body []Stmt
}

func (*While) stmtNode()       {}
func (w *While) Position() Pos { return w.Pos }

// PatternStmt is one arm of a Match: `test => body`.
type PatternStmt struct {
	Pos  Pos
	Test Expr
	Body []Stmt
}

func (*PatternStmt) stmtNode()       {}
func (p *PatternStmt) Position() Pos { return p.Pos }

// Match compiles to the linear test-chain described in the compiler design.
type Match struct {
	Pos  Pos
	Expr Expr
	Body []*PatternStmt
}

func (*Match) stmtNode()       {}
func (m *Match) Position() Pos { return m.Pos }

// Ret returns Expr's value, or nil for a bare `ret`.
type Ret struct {
	Pos  Pos
	Expr Expr // nil for bare return
}

func (*Ret) stmtNode()       {}
func (r *Ret) Position() Pos { return r.Pos }

// Break targets the innermost enclosing While's end label.
type Break struct {
	Pos Pos
}

func (*Break) stmtNode()       {}
func (b *Break) Position() Pos { return b.Pos }

// BinOp names the operator of a Binop expression.
type BinOp int

const (
	OpEq BinOp = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpOr
	OpAnd
	OpAdd
	OpSub
	OpMul
	OpDiv
)

// Expr is every expression-kind node.
type Expr interface {
	Node
	exprNode()
}

// Call invokes Target with Args.
type Call struct {
	Pos    Pos
	Target Expr
	Args   []Expr
}

func (*Call) exprNode()       {}
func (c *Call) Position() Pos { return c.Pos }

// GetAttr reads Name off Target (attribute / bound-method access).
type GetAttr struct {
	Pos    Pos
	Target Expr
	Name   string
}

func (*GetAttr) exprNode()       {}
func (g *GetAttr) Position() Pos { return g.Pos }

// GetItem reads Target[Key].
type GetItem struct {
	Pos    Pos
	Target Expr
	Key    Expr
}

func (*GetItem) exprNode()       {}
func (g *GetItem) Position() Pos { return g.Pos }

// ArrayLit builds an array literal in source order.
type ArrayLit struct {
	Pos   Pos
	Elems []Expr
}

func (*ArrayLit) exprNode()       {}
func (a *ArrayLit) Position() Pos { return a.Pos }

// HashPair is one key/value pair of a HashLit.
type HashPair struct {
	Key   Expr
	Value Expr
}

// HashLit builds a hash literal; iteration order is source order.
type HashLit struct {
	Pos   Pos
	Pairs []*HashPair
}

func (*HashLit) exprNode()       {}
func (h *HashLit) Position() Pos { return h.Pos }

// Ident is a bare name reference, an assignment target, or (inside a pattern
// test) a bind-path identifier.
type Ident struct {
	Pos  Pos
	Name string
}

func (*Ident) exprNode()       {}
func (i *Ident) Position() Pos { return i.Pos }

// StrLit is a string literal.
type StrLit struct {
	Pos   Pos
	Value string
}

func (*StrLit) exprNode()       {}
func (s *StrLit) Position() Pos { return s.Pos }

// BoolLit is a boolean literal.
type BoolLit struct {
	Pos   Pos
	Value bool
}

func (*BoolLit) exprNode()       {}
func (b *BoolLit) Position() Pos { return b.Pos }

// NilLit is the literal nil.
type NilLit struct {
	Pos Pos
}

func (*NilLit) exprNode()       {}
func (n *NilLit) Position() Pos { return n.Pos }

// Binop is a binary expression; Op selects compare/arith/short-circuit form.
type Binop struct {
	Pos   Pos
	Op    BinOp
	Left  Expr
	Right Expr
}

func (*Binop) exprNode()       {}
func (b *Binop) Position() Pos { return b.Pos }

// IntLit is an integer literal.
type IntLit struct {
	Pos   Pos
	Value int64
}

func (*IntLit) exprNode()       {}
func (i *IntLit) Position() Pos { return i.Pos }

// FloatLit is a floating-point literal.
type FloatLit struct {
	Pos   Pos
	Value float64
}

func (*FloatLit) exprNode()       {}
func (f *FloatLit) Position() Pos { return f.Pos }

// FnExpr is an anonymous function expression; the compiler treats it and a
// named Func declaration's body the same way once past parsing.
type FnExpr struct {
	Pos  Pos
	Args []*VarDecl
	Body []Node
}

func (*FnExpr) exprNode()       {}
func (f *FnExpr) Position() Pos { return f.Pos }

// Spawn starts a new task running Target with Args as its first recv() value.
type Spawn struct {
	Pos    Pos
	Target Expr
	Args   []Expr
}

func (*Spawn) exprNode()       {}
func (s *Spawn) Position() Pos { return s.Pos }

// Not negates Value's truthiness.
type Not struct {
	Pos   Pos
	Value Expr
}

func (*Not) exprNode()       {}
func (n *Not) Position() Pos { return n.Pos }

// Wildcard matches anything without binding; valid only inside a pattern test.
type Wildcard struct {
	Pos Pos
}

func (*Wildcard) exprNode()       {}
func (w *Wildcard) Position() Pos { return w.Pos }
