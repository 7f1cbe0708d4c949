// Package bytecode defines Osprey's versioned, serializable module format:
// a register-based instruction set, constant pools, function tables, and a
// binary container with magic, version, and optional compression.
package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Operand newtypes
// ---------------------------------------------------------------------------

// Register names one slot in a function's register file. Frames hold at most
// 256 registers.
type Register uint8

// ConstIndex is an index into a module's constant pool.
type ConstIndex uint32

// LocalIndex is an index into a function's declared locals. Locals are
// allocated at the bottom of the register file, so a LocalIndex is always
// also a valid Register for functions that validate.
type LocalIndex uint16

// FuncIndex is an index into a module's function table.
type FuncIndex uint32

// JumpOffset is a signed instruction offset relative to the instruction
// following the jump.
type JumpOffset int32

// ---------------------------------------------------------------------------
// Function flags
// ---------------------------------------------------------------------------

// FunctionFlags describe static properties of a compiled function.
type FunctionFlags uint8

const (
	// FlagAsync marks an async function. Async functions suspend on Await
	// and are never JIT compiled.
	FlagAsync FunctionFlags = 1 << iota
	// FlagGenerator marks a generator function. Generators suspend on Yield
	// and are never JIT compiled.
	FlagGenerator
	// FlagArrow marks an arrow function (lexical this, not constructable).
	FlagArrow
	// FlagStrict marks strict-mode code.
	FlagStrict
)

// IsAsync reports whether FlagAsync is set.
func (f FunctionFlags) IsAsync() bool { return f&FlagAsync != 0 }

// IsGenerator reports whether FlagGenerator is set.
func (f FunctionFlags) IsGenerator() bool { return f&FlagGenerator != 0 }

// IsArrow reports whether FlagArrow is set.
func (f FunctionFlags) IsArrow() bool { return f&FlagArrow != 0 }

// IsStrict reports whether FlagStrict is set.
func (f FunctionFlags) IsStrict() bool { return f&FlagStrict != 0 }

func (f FunctionFlags) String() string {
	s := ""
	if f.IsAsync() {
		s += "async "
	}
	if f.IsGenerator() {
		s += "generator "
	}
	if f.IsArrow() {
		s += "arrow "
	}
	if f.IsStrict() {
		s += "strict "
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// ---------------------------------------------------------------------------
// Upvalue captures
// ---------------------------------------------------------------------------

// CaptureKind says where a closure's upvalue comes from.
type CaptureKind uint8

const (
	// CaptureLocal captures a register of the enclosing frame.
	CaptureLocal CaptureKind = iota
	// CaptureUpvalue re-captures an upvalue of the enclosing closure.
	CaptureUpvalue
)

// UpvalueCapture describes how one upvalue of a closure is bound when the
// closure is created.
type UpvalueCapture struct {
	Kind  CaptureKind `cbor:"1,keyasint"`
	Index uint16      `cbor:"2,keyasint"`
}

func (u UpvalueCapture) String() string {
	switch u.Kind {
	case CaptureLocal:
		return fmt.Sprintf("local[%d]", u.Index)
	case CaptureUpvalue:
		return fmt.Sprintf("upvalue[%d]", u.Index)
	default:
		return fmt.Sprintf("capture(kind=%d,index=%d)", u.Kind, u.Index)
	}
}
