package vm

import (
	"fmt"
	"math"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Value: NaN-boxed 64-bit tagged value
// ---------------------------------------------------------------------------
//
// Every value is 64 bits. Doubles are stored as their raw IEEE-754 bits;
// everything else lives inside the quiet-NaN space 0x7FF8_...., which no
// arithmetic result can produce (hardware NaNs are canonicalized on boxing).
//
// Bit layout:
//
//	0x7FF8_0000_0000_0000  undefined
//	0x7FF8_0000_0000_0001  null
//	0x7FF8_0000_0000_0002  true
//	0x7FF8_0000_0000_0003  false
//	0x7FF8_0000_0000_0004  hole (elided array element, never user-visible)
//	0x7FFA_0000_0000_0000  canonical NaN (a real double)
//	0x7FF8_0001_XXXX_XXXX  int32 in the low 32 bits
//	0x7FFC_PPPP_PPPP_PPPP  heap pointer, 48-bit payload
//
// The pointer tag with a zero payload is the bailout sentinel: no allocation
// can produce it, so JIT code can return it to mean "re-execute in the
// interpreter" without colliding with any real value.

// Value is a NaN-boxed engine value.
type Value uint64

const (
	quietNaNBits uint64 = 0x7FF8_0000_0000_0000

	int32TagBits uint64 = 0x7FF8_0001_0000_0000
	int32TagMask uint64 = 0xFFFF_FFFF_0000_0000

	pointerTagBits uint64 = 0x7FFC_0000_0000_0000
	pointerTagMask uint64 = 0xFFFF_0000_0000_0000
	payloadMask    uint64 = 0x0000_FFFF_FFFF_FFFF
)

// Singleton values.
const (
	Undefined Value = Value(quietNaNBits)
	Null      Value = Value(quietNaNBits | 1)
	True      Value = Value(quietNaNBits | 2)
	False     Value = Value(quietNaNBits | 3)
	Hole      Value = Value(quietNaNBits | 4)

	// CanonicalNaN is the only NaN bit pattern a boxed double can carry.
	CanonicalNaN Value = Value(0x7FFA_0000_0000_0000)

	// BailoutSentinel is returned by compiled code to request interpreter
	// fallback. Pointer tag, zero payload: distinguishable from every
	// valid value because no object is allocated at address zero.
	BailoutSentinel Value = Value(pointerTagBits)
)

// ---------------------------------------------------------------------------
// Boxing
// ---------------------------------------------------------------------------

// BoxFloat64 boxes a double. Any NaN input (including signaling and
// negative NaNs) is canonicalized so NaN payloads can never alias a tag.
func BoxFloat64(f float64) Value {
	if f != f {
		return CanonicalNaN
	}
	return Value(math.Float64bits(f))
}

// BoxInt32 boxes a 32-bit integer without going through float64.
func BoxInt32(i int32) Value {
	return Value(int32TagBits | uint64(uint32(i)))
}

// BoxBool boxes a boolean.
func BoxBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// boxHeader boxes a pointer to a heap object header. Only the low 48 bits
// of the address are stored; current 64-bit platforms keep user-space
// addresses within that range. The heap's object registry holds the only
// strong Go reference, so hiding the pointer here is safe: an object stays
// reachable to the Go runtime for exactly as long as the collector keeps it.
func boxHeader(h *GcHeader) Value {
	return Value(pointerTagBits | uint64(uintptr(unsafe.Pointer(h)))&payloadMask)
}

// ---------------------------------------------------------------------------
// Kind predicates
// ---------------------------------------------------------------------------

// IsFloat64 reports whether v is a double (including the canonical NaN).
func (v Value) IsFloat64() bool {
	return !v.IsInt32() && !v.IsPointer() && !v.isSingleton()
}

// IsInt32 reports whether v is a boxed int32.
func (v Value) IsInt32() bool {
	return uint64(v)&int32TagMask == int32TagBits
}

// IsPointer reports whether v carries a heap pointer. The bailout sentinel
// also answers true here; callers inside the engine compare against it
// explicitly before dereferencing.
func (v Value) IsPointer() bool {
	return uint64(v)&pointerTagMask == pointerTagBits
}

func (v Value) isSingleton() bool {
	return v >= Undefined && v <= Hole
}

// IsUndefined reports whether v is undefined.
func (v Value) IsUndefined() bool { return v == Undefined }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v == Null }

// IsNullish reports whether v is undefined or null.
func (v Value) IsNullish() bool { return v == Undefined || v == Null }

// IsBool reports whether v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// IsHole reports whether v is the array-hole marker.
func (v Value) IsHole() bool { return v == Hole }

// IsNumber reports whether v is an int32 or a double.
func (v Value) IsNumber() bool { return v.IsInt32() || v.IsFloat64() }

// ---------------------------------------------------------------------------
// Unboxing
// ---------------------------------------------------------------------------

// AsFloat64 returns the double stored in v. Valid only when IsFloat64.
func (v Value) AsFloat64() float64 {
	return math.Float64frombits(uint64(v))
}

// AsInt32 returns the int32 stored in v. Valid only when IsInt32.
func (v Value) AsInt32() int32 {
	return int32(uint32(uint64(v)))
}

// AsBool returns the boolean stored in v. Valid only when IsBool.
func (v Value) AsBool() bool {
	return v == True
}

// NumberValue returns v as a float64 for either numeric representation.
// Valid only when IsNumber.
func (v Value) NumberValue() float64 {
	if v.IsInt32() {
		return float64(v.AsInt32())
	}
	return v.AsFloat64()
}

// header returns the heap object header boxed in v. Valid only when
// IsPointer and v != BailoutSentinel.
func (v Value) header() *GcHeader {
	return (*GcHeader)(unsafe.Pointer(uintptr(uint64(v) & payloadMask)))
}

// heapKind returns the heap kind of a pointer value.
func (v Value) heapKind() HeapKind {
	return v.header().kind
}

// isHeapKind reports whether v points at an object of the given kind.
func (v Value) isHeapKind(k HeapKind) bool {
	return v.IsPointer() && v != BailoutSentinel && v.heapKind() == k
}

// IsString reports whether v is a heap string.
func (v Value) IsString() bool { return v.isHeapKind(KindString) }

// IsSymbol reports whether v is a symbol.
func (v Value) IsSymbol() bool { return v.isHeapKind(KindSymbol) }

// IsCallable reports whether v can be called.
func (v Value) IsCallable() bool {
	if !v.IsPointer() || v == BailoutSentinel {
		return false
	}
	switch v.heapKind() {
	case KindClosure, KindNativeFunction, KindBoundFunction:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Language-level operations
// ---------------------------------------------------------------------------

// Truthy implements ToBoolean.
func (v Value) Truthy() bool {
	switch {
	case v == True:
		return true
	case v == False, v == Undefined, v == Null, v == Hole:
		return false
	case v.IsInt32():
		return v.AsInt32() != 0
	case v.IsPointer():
		if v == BailoutSentinel {
			return false
		}
		if v.heapKind() == KindString {
			return asString(v).Val != ""
		}
		return true
	default:
		f := v.AsFloat64()
		return f == f && f != 0
	}
}

// TypeOf implements the typeof operator.
func (v Value) TypeOf() string {
	switch {
	case v == Undefined, v == Hole:
		return "undefined"
	case v == Null:
		return "object"
	case v.IsBool():
		return "boolean"
	case v.IsNumber():
		return "number"
	case v.IsPointer():
		switch v.heapKind() {
		case KindString:
			return "string"
		case KindSymbol:
			return "symbol"
		case KindBigInt:
			return "bigint"
		case KindClosure, KindNativeFunction, KindBoundFunction:
			return "function"
		default:
			return "object"
		}
	default:
		return "number"
	}
}

// StrictEquals implements ===. Numbers compare numerically across the two
// representations (NaN is unequal to itself, +0 equals -0); strings compare
// by content; everything else compares by identity.
func StrictEquals(a, b Value) bool {
	if a == b {
		// Identical bits. The only identical pattern that is not equal to
		// itself is NaN.
		return a != CanonicalNaN
	}
	if a.IsNumber() && b.IsNumber() {
		return a.NumberValue() == b.NumberValue()
	}
	if a.IsString() && b.IsString() {
		return asString(a).Val == asString(b).Val
	}
	return false
}

// Format renders v for diagnostics and host output. It never runs guest
// code (no valueOf/toString protocols).
func (v Value) Format() string {
	switch {
	case v == Undefined:
		return "undefined"
	case v == Null:
		return "null"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v == Hole:
		return "<hole>"
	case v == BailoutSentinel:
		return "<bailout>"
	case v.IsInt32():
		return fmt.Sprintf("%d", v.AsInt32())
	case v.IsPointer():
		return formatHeapValue(v)
	default:
		f := v.AsFloat64()
		if f != f {
			return "NaN"
		}
		return fmt.Sprintf("%g", f)
	}
}

func (v Value) String() string {
	return v.Format()
}
