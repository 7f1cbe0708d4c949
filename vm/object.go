package vm

import (
	"fmt"
	"math/big"
	"unsafe"

	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// Heap object kinds
// ---------------------------------------------------------------------------

// HeapKind discriminates the closed union of heap object types.
type HeapKind uint8

const (
	KindString HeapKind = iota
	KindSymbol
	KindBigInt
	KindPlainObject
	KindArray
	KindClosure
	KindNativeFunction
	KindBoundFunction
	KindCell
	KindGenerator
	KindPromise
	KindMap
	KindWeakRef
	KindWeakMap
	KindFinalizationRegistry
	KindError

	// kindCount marks the end of the union; tracing must handle every
	// kind below it.
	kindCount
)

func (k HeapKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	case KindBigInt:
		return "bigint"
	case KindPlainObject:
		return "object"
	case KindArray:
		return "array"
	case KindClosure:
		return "closure"
	case KindNativeFunction:
		return "native"
	case KindBoundFunction:
		return "bound"
	case KindCell:
		return "cell"
	case KindGenerator:
		return "generator"
	case KindPromise:
		return "promise"
	case KindMap:
		return "map"
	case KindWeakRef:
		return "weakref"
	case KindWeakMap:
		return "weakmap"
	case KindFinalizationRegistry:
		return "finalization-registry"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("heapkind(%d)", uint8(k))
	}
}

// ---------------------------------------------------------------------------
// GcHeader
// ---------------------------------------------------------------------------

// Generation says which space an object lives in.
type Generation uint8

const (
	GenYoung Generation = iota
	GenOld
	GenLarge
)

// Header flag bits.
const (
	flagRemembered uint8 = 1 << iota // in the remembered set (old -> young edge)
	flagPinned                       // never promoted or swept (well-known symbols)
)

// Mark colors. Meaningful only when the header's markVersion matches the
// heap's current version; a stale version means white regardless of color,
// which is what makes resetting marks O(1).
const (
	colorGray uint8 = iota
	colorBlack
)

// GcHeader is the first field of every heap object. All collector state
// lives here; the payload structs below never see GC bookkeeping.
type GcHeader struct {
	kind        HeapKind
	gen         Generation
	color       uint8
	flags       uint8
	markVersion uint32
	size        uint32 // approximate payload bytes, for space accounting
	survivals   uint8  // minor cycles survived, drives promotion
}

// Kind returns the object's heap kind.
func (h *GcHeader) Kind() HeapKind { return h.kind }

// Generation returns the space the object currently lives in.
func (h *GcHeader) Generation() Generation { return h.gen }

// value boxes the header back into a Value.
func (h *GcHeader) value() Value { return boxHeader(h) }

// ---------------------------------------------------------------------------
// Object payloads. Each embeds GcHeader first so a *GcHeader is convertible
// to the concrete type once the kind is known.
// ---------------------------------------------------------------------------

// StringObject is an immutable heap string.
type StringObject struct {
	GcHeader
	Val string
}

// SymbolObject is a unique symbol, optionally interned under a registry key.
type SymbolObject struct {
	GcHeader
	Desc        string
	RegistryKey string // "" unless created via Symbol.for
	Registered  bool
}

// BigIntObject wraps an arbitrary-precision integer.
type BigIntObject struct {
	GcHeader
	Val *big.Int
}

// PlainObject is an ordinary object: a hidden-class shape plus a flat slot
// array, with an optional prototype.
type PlainObject struct {
	GcHeader
	shape *Shape
	slots []Value
	proto Value // Null or a pointer value
}

// ArrayObject is a dense array; elided elements hold the Hole marker.
type ArrayObject struct {
	GcHeader
	Elems []Value
}

// ClosureObject pairs a bytecode function with its captured cells.
type ClosureObject struct {
	GcHeader
	Mod      *ModuleRecord
	FnIndex  bytecode.FuncIndex
	Upvalues []*CellObject
}

// Fn returns the closure's bytecode function.
func (c *ClosureObject) Fn() *bytecode.Function {
	return &c.Mod.Module.Functions[c.FnIndex]
}

// NativeFunc is the host function boundary. A returned error becomes a
// guest exception.
type NativeFunc func(ctx *NativeCtx, args []Value) (Value, error)

// NativeFunctionObject exposes a host function to guest code.
type NativeFunctionObject struct {
	GcHeader
	Name string
	Fn   NativeFunc
}

// BoundFunctionObject is the result of Function.prototype.bind: a target
// callable with leading arguments fixed.
type BoundFunctionObject struct {
	GcHeader
	Target Value
	Bound  []Value
}

// CellObject is a mutable box for a captured variable.
type CellObject struct {
	GcHeader
	V Value
}

// GeneratorState tracks a generator or async frame's lifecycle.
type GeneratorState uint8

const (
	GenSuspendedStart GeneratorState = iota
	GenSuspendedYield
	GenRunning
	GenDone
)

// GeneratorObject holds a suspended frame. Async function bodies reuse the
// same machinery, driven by promise reactions instead of explicit resumes.
type GeneratorObject struct {
	GcHeader
	State GeneratorState
	Frame *frame // nil once done
	Async bool
	// For async functions: the promise settled when the body finishes.
	Result *PromiseObject
}

// PromiseState tracks promise settlement.
type PromiseState uint8

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

// promiseReaction resumes a suspended async frame or invokes a callback
// when the promise settles.
type promiseReaction struct {
	gen      *GeneratorObject // non-nil: resume this async frame
	dstValue bool             // deliver value (fulfil) vs throw (reject)
	fn       Value            // or: callable to invoke with the result
}

// PromiseObject is a minimal promise: state, settled value, reactions.
type PromiseObject struct {
	GcHeader
	State     PromiseState
	Outcome   Value
	reactions []promiseReaction
}

// mapEntry is one key/value pair of a MapObject.
type mapEntry struct {
	key Value
	val Value
}

// MapObject is an insertion-ordered map with SameValueZero keys. String
// keys compare by content, everything else by identity.
type MapObject struct {
	GcHeader
	entries []mapEntry
}

// WeakRefObject holds a target without keeping it alive. The collector
// clears Target when the referent dies.
type WeakRefObject struct {
	GcHeader
	Target *GcHeader // nil after the referent is collected
}

// ephemeronEntry is a key/value pair whose value is only alive while the
// key is.
type ephemeronEntry struct {
	key *GcHeader
	val Value
}

// WeakMapObject is an ephemeron table.
type WeakMapObject struct {
	GcHeader
	entries []ephemeronEntry
}

// finalizationEntry is one registration in a FinalizationRegistry.
type finalizationEntry struct {
	target *GcHeader
	held   Value
	token  Value // Undefined when not unregisterable
}

// FinalizationRegistryObject queues held values for a cleanup callback
// after their targets are collected.
type FinalizationRegistryObject struct {
	GcHeader
	Callback Value // callable
	entries  []finalizationEntry
}

// ErrorObject is a thrown error with a captured stack trace.
type ErrorObject struct {
	GcHeader
	ErrName string // "TypeError", "RangeError", ...
	Message string
	Stack   []StackEntry
}

// StackEntry is one frame of a captured guest stack trace.
type StackEntry struct {
	Function string
	Module   string
	PC       int
}

// ---------------------------------------------------------------------------
// Kind-checked casts
// ---------------------------------------------------------------------------

func asString(v Value) *StringObject  { return (*StringObject)(unsafe.Pointer(v.header())) }
func asSymbol(v Value) *SymbolObject  { return (*SymbolObject)(unsafe.Pointer(v.header())) }
func asBigInt(v Value) *BigIntObject  { return (*BigIntObject)(unsafe.Pointer(v.header())) }
func asObject(v Value) *PlainObject   { return (*PlainObject)(unsafe.Pointer(v.header())) }
func asArray(v Value) *ArrayObject    { return (*ArrayObject)(unsafe.Pointer(v.header())) }
func asClosure(v Value) *ClosureObject {
	return (*ClosureObject)(unsafe.Pointer(v.header()))
}
func asNative(v Value) *NativeFunctionObject {
	return (*NativeFunctionObject)(unsafe.Pointer(v.header()))
}
func asBound(v Value) *BoundFunctionObject {
	return (*BoundFunctionObject)(unsafe.Pointer(v.header()))
}
func asCell(v Value) *CellObject          { return (*CellObject)(unsafe.Pointer(v.header())) }
func asGenerator(v Value) *GeneratorObject {
	return (*GeneratorObject)(unsafe.Pointer(v.header()))
}
func asPromise(v Value) *PromiseObject { return (*PromiseObject)(unsafe.Pointer(v.header())) }
func asMap(v Value) *MapObject         { return (*MapObject)(unsafe.Pointer(v.header())) }
func asWeakRef(v Value) *WeakRefObject { return (*WeakRefObject)(unsafe.Pointer(v.header())) }
func asWeakMap(v Value) *WeakMapObject { return (*WeakMapObject)(unsafe.Pointer(v.header())) }
func asFinReg(v Value) *FinalizationRegistryObject {
	return (*FinalizationRegistryObject)(unsafe.Pointer(v.header()))
}
func asError(v Value) *ErrorObject { return (*ErrorObject)(unsafe.Pointer(v.header())) }

func formatHeapValue(v Value) string {
	switch v.heapKind() {
	case KindString:
		return fmt.Sprintf("%q", asString(v).Val)
	case KindSymbol:
		return "Symbol(" + asSymbol(v).Desc + ")"
	case KindBigInt:
		return asBigInt(v).Val.String() + "n"
	case KindArray:
		return fmt.Sprintf("[array of %d]", len(asArray(v).Elems))
	case KindClosure:
		return "[function " + asClosure(v).Fn().Name + "]"
	case KindNativeFunction:
		return "[native " + asNative(v).Name + "]"
	case KindBoundFunction:
		return "[bound function]"
	case KindGenerator:
		return "[generator]"
	case KindPromise:
		return "[promise]"
	case KindError:
		e := asError(v)
		return e.ErrName + ": " + e.Message
	default:
		return "[" + v.heapKind().String() + "]"
	}
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// traceChildren visits every strong reference an object holds. WeakRef
// targets and ephemeron keys are deliberately not visited here; the
// collector handles weak edges in its own phases.
func traceChildren(h *GcHeader, visit func(*GcHeader)) {
	visitValue := func(v Value) {
		if v.IsPointer() && v != BailoutSentinel {
			visit(v.header())
		}
	}
	switch h.kind {
	case KindString, KindSymbol, KindBigInt:
		// No children.
	case KindPlainObject:
		o := (*PlainObject)(unsafe.Pointer(h))
		for _, s := range o.slots {
			visitValue(s)
		}
		visitValue(o.proto)
	case KindArray:
		a := (*ArrayObject)(unsafe.Pointer(h))
		for _, e := range a.Elems {
			visitValue(e)
		}
	case KindClosure:
		c := (*ClosureObject)(unsafe.Pointer(h))
		for _, cell := range c.Upvalues {
			visit(&cell.GcHeader)
		}
	case KindNativeFunction:
		// Host function, no guest children.
	case KindBoundFunction:
		b := (*BoundFunctionObject)(unsafe.Pointer(h))
		visitValue(b.Target)
		for _, a := range b.Bound {
			visitValue(a)
		}
	case KindCell:
		visitValue((*CellObject)(unsafe.Pointer(h)).V)
	case KindGenerator:
		g := (*GeneratorObject)(unsafe.Pointer(h))
		if g.Frame != nil {
			g.Frame.trace(visit)
		}
		if g.Result != nil {
			visit(&g.Result.GcHeader)
		}
	case KindPromise:
		p := (*PromiseObject)(unsafe.Pointer(h))
		visitValue(p.Outcome)
		for _, r := range p.reactions {
			if r.gen != nil {
				visit(&r.gen.GcHeader)
			}
			visitValue(r.fn)
		}
	case KindMap:
		m := (*MapObject)(unsafe.Pointer(h))
		for _, e := range m.entries {
			visitValue(e.key)
			visitValue(e.val)
		}
	case KindWeakRef:
		// Target is weak.
	case KindWeakMap:
		// Keys are weak; values are marked by the ephemeron fixpoint once
		// their keys are proven live.
	case KindFinalizationRegistry:
		f := (*FinalizationRegistryObject)(unsafe.Pointer(h))
		visitValue(f.Callback)
		for _, e := range f.entries {
			// Held values and tokens are strong; targets are weak.
			visitValue(e.held)
			visitValue(e.token)
		}
	case KindError:
		// Strings only.
	default:
		panic(fmt.Sprintf("vm: traceChildren: unhandled kind %s", h.kind))
	}
}

// severChildren drops an object's outgoing references so a dead subgraph
// tears down iteratively, one object at a time, regardless of its depth.
func severChildren(h *GcHeader) {
	switch h.kind {
	case KindPlainObject:
		o := (*PlainObject)(unsafe.Pointer(h))
		o.slots = nil
		o.shape = nil
		o.proto = Null
	case KindArray:
		(*ArrayObject)(unsafe.Pointer(h)).Elems = nil
	case KindClosure:
		c := (*ClosureObject)(unsafe.Pointer(h))
		c.Upvalues = nil
		c.Mod = nil
	case KindBoundFunction:
		b := (*BoundFunctionObject)(unsafe.Pointer(h))
		b.Target = Undefined
		b.Bound = nil
	case KindCell:
		(*CellObject)(unsafe.Pointer(h)).V = Undefined
	case KindGenerator:
		g := (*GeneratorObject)(unsafe.Pointer(h))
		g.Frame = nil
		g.Result = nil
		g.State = GenDone
	case KindPromise:
		p := (*PromiseObject)(unsafe.Pointer(h))
		p.Outcome = Undefined
		p.reactions = nil
	case KindMap:
		(*MapObject)(unsafe.Pointer(h)).entries = nil
	case KindWeakRef:
		(*WeakRefObject)(unsafe.Pointer(h)).Target = nil
	case KindWeakMap:
		(*WeakMapObject)(unsafe.Pointer(h)).entries = nil
	case KindFinalizationRegistry:
		f := (*FinalizationRegistryObject)(unsafe.Pointer(h))
		f.Callback = Undefined
		f.entries = nil
	case KindBigInt:
		(*BigIntObject)(unsafe.Pointer(h)).Val = nil
	}
}
