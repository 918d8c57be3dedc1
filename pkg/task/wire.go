package task

import (
	"encoding/binary"
	"fmt"

	"github.com/kristofer/nim/pkg/heap"
	"github.com/kristofer/nim/pkg/value"
)

// cellTag discriminates a packed message cell (§6.2). The wire format is a
// contiguous byte buffer: this is the Go-realistic stand-in for "header
// {total_size, next=nil, root_cell_ptr} followed by the root cell" — a
// length-prefixed buffer already carries total_size implicitly (len(buf)),
// and a freestanding []byte has no "next" to chain since each message is its
// own allocation, so header fields beyond the tag byte itself don't need a
// separate encoding.
type cellTag byte

const (
	cellNil cellTag = iota
	cellInt
	cellStr
	cellArray
	cellModule
	cellMethod
	cellTask
)

// Pack serializes v into a self-contained message buffer (§6.2), ready to be
// handed to a different task's inbox. Modules and methods are packed as a
// shared pointer (via a process-wide registry, since a raw Go pointer cannot
// itself cross an encoding boundary); closures are rejected, matching §5's
// "closures are not transferable" rule.
func Pack(v *value.Ref) ([]byte, error) {
	var buf []byte
	if err := packInto(&buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func packInto(buf *[]byte, v *value.Ref) error {
	if v == nil || v == value.Nil {
		*buf = append(*buf, byte(cellNil))
		return nil
	}
	switch d := v.Data.(type) {
	case int64:
		*buf = append(*buf, byte(cellInt))
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], uint64(d))
		*buf = append(*buf, word[:]...)
		return nil
	case *value.Str:
		*buf = append(*buf, byte(cellStr))
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(d.Bytes)))
		*buf = append(*buf, length[:]...)
		*buf = append(*buf, d.Bytes...)
		*buf = append(*buf, 0) // NUL terminator, matching §6.2's STR layout
		return nil
	case *value.Array:
		*buf = append(*buf, byte(cellArray))
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(d.Elems)))
		*buf = append(*buf, length[:]...)
		for _, e := range d.Elems {
			if err := packInto(buf, e); err != nil {
				return err
			}
		}
		return nil
	case *value.Module:
		handle := registerShared(v)
		*buf = append(*buf, byte(cellModule))
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], handle)
		*buf = append(*buf, id[:]...)
		return nil
	case *value.Method:
		if d.Kind == value.MethodClosure {
			return fmt.Errorf("task: closures cannot be sent between tasks")
		}
		handle := registerShared(v)
		*buf = append(*buf, byte(cellMethod))
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], handle)
		*buf = append(*buf, id[:]...)
		return nil
	case *value.TaskHandle:
		ti, ok := d.Internal.(*Internal)
		if !ok {
			return fmt.Errorf("task: task handle has no internal record")
		}
		ti.incRef()
		*buf = append(*buf, byte(cellTask))
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], registerTask(ti))
		*buf = append(*buf, id[:]...)
		return nil
	}
	return fmt.Errorf("task: value of class %s is not sendable", v.Class.NameStr)
}

// Unpack decodes a packed buffer into fresh refs allocated from dst (§6.2):
// INT and STR become new cells in the receiving task's heap; ARRAY is
// rebuilt recursively; MODULE/METHOD resolve back to their shared ref;
// TASK mints a fresh handle over the shared internal record and releases
// the bumped ref recorded at pack time.
func Unpack(dst *heap.Heap, buf []byte) (*value.Ref, error) {
	v, rest, err := unpackFrom(dst, buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("task: %d trailing byte(s) after message", len(rest))
	}
	return v, nil
}

func unpackFrom(dst *heap.Heap, buf []byte) (*value.Ref, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, fmt.Errorf("task: truncated message")
	}
	switch cellTag(buf[0]) {
	case cellNil:
		return value.Nil, buf[1:], nil
	case cellInt:
		if len(buf) < 9 {
			return nil, nil, fmt.Errorf("task: truncated int cell")
		}
		n := int64(binary.LittleEndian.Uint64(buf[1:9]))
		return dst.NewInt(n), buf[9:], nil
	case cellStr:
		if len(buf) < 5 {
			return nil, nil, fmt.Errorf("task: truncated str cell")
		}
		length := int(binary.LittleEndian.Uint32(buf[1:5]))
		rest := buf[5:]
		if len(rest) < length+1 {
			return nil, nil, fmt.Errorf("task: truncated str payload")
		}
		s := string(rest[:length])
		return dst.NewStr(s), rest[length+1:], nil
	case cellArray:
		if len(buf) < 5 {
			return nil, nil, fmt.Errorf("task: truncated array cell")
		}
		length := int(binary.LittleEndian.Uint32(buf[1:5]))
		rest := buf[5:]
		elems := make([]*value.Ref, length)
		for i := 0; i < length; i++ {
			var v *value.Ref
			var err error
			v, rest, err = unpackFrom(dst, rest)
			if err != nil {
				return nil, nil, err
			}
			elems[i] = v
		}
		return dst.NewArray(elems), rest, nil
	case cellModule, cellMethod:
		if len(buf) < 9 {
			return nil, nil, fmt.Errorf("task: truncated shared-ref cell")
		}
		id := binary.LittleEndian.Uint64(buf[1:9])
		ref, ok := lookupShared(id)
		if !ok {
			return nil, nil, fmt.Errorf("task: dangling shared ref %d", id)
		}
		return ref, buf[9:], nil
	case cellTask:
		if len(buf) < 9 {
			return nil, nil, fmt.Errorf("task: truncated task cell")
		}
		id := binary.LittleEndian.Uint64(buf[1:9])
		ti, ok := lookupTask(id)
		if !ok {
			return nil, nil, fmt.Errorf("task: dangling task ref %d", id)
		}
		handle := dst.NewTask(ti, false)
		ti.decRef() // release the ref Pack took for this in-flight message
		return handle, buf[9:], nil
	default:
		return nil, nil, fmt.Errorf("task: unknown cell tag %d", buf[0])
	}
}
