package code

import (
	"encoding/json"
	"fmt"

	"github.com/kristofer/nim/pkg/value"
)

// jsonConst mirrors one constant-pool entry for on-disk storage. Only the
// primitive constant kinds a compiler ever actually emits via PUSHCONST are
// representable here (§6.1's literal expression kinds); a code object
// referencing a class or bound method as a constant cannot be serialized
// this way, matching §5's observation that classes/methods are process
// constructs rather than portable data outside the task message wire format
// (§6.2, implemented separately in pkg/task).
type jsonConst struct {
	Kind string      `json:"kind"`
	I    int64       `json:"i,omitempty"`
	F    float64     `json:"f,omitempty"`
	S    string      `json:"s,omitempty"`
	B    bool        `json:"b,omitempty"`
	Arr  []jsonConst `json:"arr,omitempty"`
}

func encodeConst(v *value.Ref) (jsonConst, error) {
	if v == nil || v == value.Nil {
		return jsonConst{Kind: "nil"}, nil
	}
	switch d := v.Data.(type) {
	case int64:
		return jsonConst{Kind: "int", I: d}, nil
	case float64:
		return jsonConst{Kind: "float", F: d}, nil
	case bool:
		return jsonConst{Kind: "bool", B: d}, nil
	case *value.Str:
		return jsonConst{Kind: "str", S: string(d.Bytes)}, nil
	case *value.Array:
		arr := make([]jsonConst, len(d.Elems))
		for i, e := range d.Elems {
			jc, err := encodeConst(e)
			if err != nil {
				return jsonConst{}, err
			}
			arr[i] = jc
		}
		return jsonConst{Kind: "array", Arr: arr}, nil
	default:
		return jsonConst{}, fmt.Errorf("code: constant of class %s is not serializable", v.Class.NameStr)
	}
}

func decodeConst(jc jsonConst) (*value.Ref, error) {
	switch jc.Kind {
	case "nil":
		return value.Nil, nil
	case "int":
		return &value.Ref{Class: value.IntClass, Data: jc.I}, nil
	case "float":
		return &value.Ref{Class: value.FloatClass, Data: jc.F}, nil
	case "bool":
		if jc.B {
			return value.True, nil
		}
		return value.False, nil
	case "str":
		return &value.Ref{Class: value.StrClass, Data: &value.Str{Bytes: []byte(jc.S)}}, nil
	case "array":
		elems := make([]*value.Ref, len(jc.Arr))
		for i, e := range jc.Arr {
			v, err := decodeConst(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return &value.Ref{Class: value.ArrayClass, Data: &value.Array{Elems: elems}}, nil
	default:
		return nil, fmt.Errorf("code: unknown constant kind %q", jc.Kind)
	}
}

// jsonCode is the on-disk mirror of Code: plain data, no func pointers or
// unexported fields, ready for encoding/json.
type jsonCode struct {
	Name      string      `json:"name"`
	File      string      `json:"file"`
	Line      int         `json:"line"`
	Instrs    []uint32    `json:"instrs"`
	Constants []jsonConst `json:"constants"`
	Names     []string    `json:"names"`
	Locals    []string    `json:"locals"`
	Freevars  []string    `json:"freevars"`
	Args      []string    `json:"args"`
}

// Marshal serializes c to its on-disk form (§8's invariants — every
// constant/name index in range, every jump target in range — are checked by
// Unmarshal's caller via Validate, not re-derived here).
func (c *Code) Marshal() ([]byte, error) {
	jc := jsonCode{
		Name: c.Name, File: c.File, Line: c.Line,
		Names: c.Names, Locals: c.Locals, Freevars: c.Freevars, Args: c.Args,
	}
	jc.Instrs = make([]uint32, len(c.Instrs))
	for i, instr := range c.Instrs {
		jc.Instrs[i] = uint32(instr)
	}
	jc.Constants = make([]jsonConst, len(c.Constants))
	for i, v := range c.Constants {
		enc, err := encodeConst(v)
		if err != nil {
			return nil, err
		}
		jc.Constants[i] = enc
	}
	return json.MarshalIndent(jc, "", "  ")
}

// Unmarshal decodes a Code object previously produced by Marshal.
func Unmarshal(data []byte) (*Code, error) {
	var jc jsonCode
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, err
	}
	c := &Code{
		Name: jc.Name, File: jc.File, Line: jc.Line,
		Names: jc.Names, Locals: jc.Locals, Freevars: jc.Freevars, Args: jc.Args,
	}
	c.Instrs = make([]Instr, len(jc.Instrs))
	for i, w := range jc.Instrs {
		c.Instrs[i] = Instr(w)
	}
	c.Constants = make([]*value.Ref, len(jc.Constants))
	for i, jcst := range jc.Constants {
		v, err := decodeConst(jcst)
		if err != nil {
			return nil, err
		}
		c.Constants[i] = v
	}
	return c, nil
}

// Validate checks §8's universal invariant for code objects: every
// constant/name index referenced by the instruction stream is in bounds,
// and every jump target is an in-range (or exactly one past the end, for a
// fallthrough RET) instruction index.
func (c *Code) Validate() error {
	for i, instr := range c.Instrs {
		switch instr.Op() {
		case PUSHCONST:
			if instr.Arg() >= len(c.Constants) {
				return fmt.Errorf("instr %d: constant index %d out of range (pool has %d)", i, instr.Arg(), len(c.Constants))
			}
		case PUSHNAME, STORENAME, GETATTR:
			if instr.Arg() >= len(c.Names) {
				return fmt.Errorf("instr %d: name index %d out of range (pool has %d)", i, instr.Arg(), len(c.Names))
			}
		case JUMP, JUMPIFTRUE, JUMPIFFALSE:
			if instr.Arg() > len(c.Instrs) {
				return fmt.Errorf("instr %d: jump target %d out of range (%d instructions)", i, instr.Arg(), len(c.Instrs))
			}
		}
	}
	return nil
}
