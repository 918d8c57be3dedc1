// Package code defines the bytecode instruction format the compiler emits
// and the VM executes (§4.3/§4.4): a 32-bit packed instruction word, a
// per-code-object constant/name pool, and the label/patch-list machinery
// the compiler uses to resolve forward jumps.
package code

import "github.com/kristofer/nim/pkg/value"

// Op is a single bytecode operation. The opcode set is fixed and
// authoritative (§4.3) — no instruction outside this table is ever emitted.
type Op byte

const (
	PUSHCONST Op = iota
	PUSHNAME
	PUSHNIL
	STORENAME
	GETCLASS
	GETATTR
	GETITEM
	CALL
	RET
	SPAWN
	NOT
	DUP
	MAKEARRAY
	MAKEHASH
	MAKECLOSURE
	JUMP
	JUMPIFTRUE
	JUMPIFFALSE
	CMPEQ
	CMPNEQ
	CMPGT
	CMPGTE
	CMPLT
	CMPLTE
	ADD
	SUB
	MUL
	DIV
	POP
)

func (op Op) String() string {
	switch op {
	case PUSHCONST:
		return "PUSHCONST"
	case PUSHNAME:
		return "PUSHNAME"
	case PUSHNIL:
		return "PUSHNIL"
	case STORENAME:
		return "STORENAME"
	case GETCLASS:
		return "GETCLASS"
	case GETATTR:
		return "GETATTR"
	case GETITEM:
		return "GETITEM"
	case CALL:
		return "CALL"
	case RET:
		return "RET"
	case SPAWN:
		return "SPAWN"
	case NOT:
		return "NOT"
	case DUP:
		return "DUP"
	case MAKEARRAY:
		return "MAKEARRAY"
	case MAKEHASH:
		return "MAKEHASH"
	case MAKECLOSURE:
		return "MAKECLOSURE"
	case JUMP:
		return "JUMP"
	case JUMPIFTRUE:
		return "JUMPIFTRUE"
	case JUMPIFFALSE:
		return "JUMPIFFALSE"
	case CMPEQ:
		return "CMPEQ"
	case CMPNEQ:
		return "CMPNEQ"
	case CMPGT:
		return "CMPGT"
	case CMPGTE:
		return "CMPGTE"
	case CMPLT:
		return "CMPLT"
	case CMPLTE:
		return "CMPLTE"
	case ADD:
		return "ADD"
	case SUB:
		return "SUB"
	case MUL:
		return "MUL"
	case DIV:
		return "DIV"
	case POP:
		return "POP"
	default:
		return "UNKNOWN"
	}
}

// argBits implements the instruction word layout: high byte opcode, low 24
// bits argument. Jump targets use the full 24-bit field; constant/name
// indices typically fit in its low byte, but nothing stops a code object
// with more than 256 constants from existing — the full low-24 field is
// what's packed and read back either way.
const argBits = 24

// Instr is a single packed 32-bit instruction.
type Instr uint32

// Make packs an opcode and argument into one instruction word.
func Make(op Op, arg int) Instr {
	return Instr(uint32(op)<<argBits | (uint32(arg) & (1<<argBits - 1)))
}

// Op unpacks the opcode.
func (i Instr) Op() Op { return Op(i >> argBits) }

// Arg unpacks the argument.
func (i Instr) Arg() int { return int(i & (1<<argBits - 1)) }

// Label is a jump target the compiler resolves during a single linear pass
// over a code unit's statements: pending while undetermined (its address
// isn't known yet, so it accumulates the instruction indices that need
// back-patching), resolved once Use fixes its address.
type Label struct {
	resolved bool
	addr     int
	pending  []int // instruction indices awaiting back-patch
}

// NewLabel returns an unresolved label.
func NewLabel() *Label { return &Label{} }

// Code is one compiled unit: a function/closure body, a module's top
// level, or a class body's initializer. It implements value.CodeObject so
// pkg/value's Method can reference it without importing this package.
type Code struct {
	Name string

	Instrs []Instr

	Constants []*value.Ref
	Names     []string

	// Locals are the names this code unit declares (§4.3's symbol table
	// "declared" flag); Freevars are the names it closes over from an
	// enclosing function scope ("free"). Both are populated by the
	// compiler from the symbol table, not computed here.
	Locals   []string
	Freevars []string

	// Args is the prefix of Locals bound by the call's argument list, in
	// declaration order; the VM pops the same number of stack values and
	// STORENAMEs them on frame entry.
	Args []string

	File string
	Line int
}

func (c *Code) NumFreevars() int { return len(c.Freevars) }

// AddConstant appends v to the constant pool, deduplicating via structural
// equality (§3.5), and returns its index.
func (c *Code) AddConstant(v *value.Ref) int {
	for i, existing := range c.Constants {
		if value.StructuralEqual(existing, v) {
			return i
		}
	}
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// AddName appends name to the name pool, deduplicating by string equality,
// and returns its index.
func (c *Code) AddName(name string) int {
	for i, existing := range c.Names {
		if existing == name {
			return i
		}
	}
	c.Names = append(c.Names, name)
	return len(c.Names) - 1
}

// Emit appends an instruction and returns its index (used by callers that
// need to patch a jump argument in place later, e.g. a not-yet-resolved
// label reference recorded manually rather than through UseLabel).
func (c *Code) Emit(op Op, arg int) int {
	c.Instrs = append(c.Instrs, Make(op, arg))
	return len(c.Instrs) - 1
}

// EmitJump emits a jump-family instruction targeting label, recording a
// back-patch site if label isn't resolved yet.
func (c *Code) EmitJump(op Op, label *Label) int {
	idx := c.Emit(op, 0)
	if label.resolved {
		c.Instrs[idx] = Make(op, label.addr)
	} else {
		label.pending = append(label.pending, idx)
	}
	return idx
}

// UseLabel resolves label to the current end of the instruction stream and
// back-patches every pending jump that targeted it.
func (c *Code) UseLabel(label *Label) {
	label.addr = len(c.Instrs)
	label.resolved = true
	for _, idx := range label.pending {
		op := c.Instrs[idx].Op()
		c.Instrs[idx] = Make(op, label.addr)
	}
	label.pending = nil
}
