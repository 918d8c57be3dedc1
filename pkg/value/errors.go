package value

import "fmt"

// errOutOfRange formats the boundary-behavior error for array indexing
// (§8: "out of range is a runtime error").
func errOutOfRange(i int) error {
	return fmt.Errorf("index out of range: %d", i)
}

// AssertInvariants checks the universal invariant every live ref must
// satisfy: it has a class, the class is represented by a live class ref,
// and that ref's own class is the root class metaobject (the reflexive
// root). Used by GC tests to spot a sweep that corrupted a survivor.
func AssertInvariants(r *Ref) error {
	if r == nil {
		return fmt.Errorf("nil ref")
	}
	if r.Class == nil {
		return fmt.Errorf("ref has no class")
	}
	cr := ClassRef(r.Class)
	if cr == Nil {
		return fmt.Errorf("class %s has no registered class ref", r.Class.NameStr)
	}
	if cr.Class != ClassClass {
		return fmt.Errorf("class-of(%s) is not the root class metaobject", r.Class.NameStr)
	}
	return nil
}

// Instance is the payload of a plain user-defined-class ref: a field map
// keyed by attribute name. Native getattr/getitem slots on such classes
// read/write this map directly; the VM's GETATTR falls back to the method
// chain per §4.1 when the class has no custom getattr slot.
type Instance struct {
	Fields map[string]*Ref
}
