package vm

import (
	"math/big"
	"time"
	"unsafe"

	"github.com/google/btree"

	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// Heap: generational spaces and allocation
// ---------------------------------------------------------------------------
//
// The heap owns every guest object: an object is reachable to the Go
// runtime exactly as long as a space holds its header. Sweeping removes the
// header from its space, which is what "freeing" means here.
//
// The heap is mutator-single-threaded: all allocation and collection happen
// on the thread running guest code, at safepoints. Only the interrupt flag
// and JIT publication cross threads, and those are atomics.

// blockCapacity is how many objects one old-generation block holds.
const blockCapacity = 256

// block is one old-generation allocation block. Blocks are indexed by id in
// a btree so sweep and promotion walk them in a stable order and empty
// blocks can be unlinked cheaply.
type block struct {
	id    uint64
	objs  []*GcHeader
	bytes uint64
}

func blockLess(a, b *block) bool { return a.id < b.id }

// Heap holds the three spaces plus the collector's working state.
type Heap struct {
	config GcConfig

	// Spaces.
	nursery    []*GcHeader
	old        *btree.BTreeG[*block]
	openBlock  *block
	nextBlock  uint64
	large      []*GcHeader
	youngBytes uint64
	oldBytes   uint64
	largeBytes uint64

	// Weak structure registries, pruned at sweep.
	weakRefs []*WeakRefObject
	weakMaps []*WeakMapObject
	finRegs  []*FinalizationRegistryObject

	// External and internal roots.
	rootSets []RootSet

	// Marking state (see collector.go and barrier.go).
	markVersion uint32
	marking     bool
	minorCycle  bool
	grayStack   []*GcHeader
	grayBuf     []*GcHeader
	remembered  []*GcHeader
	promoted    []*GcHeader // survivors moved old this cycle, rescanned for young children
	cards       map[uintptr]struct{}
	cycleStart  time.Time
	cycleMarked int

	// Finalization callbacks queued by the last cycle, run by the engine.
	pendingFinalizers []pendingFinalizer

	stats GcStats
}

// pendingFinalizer is one queued cleanup callback invocation.
type pendingFinalizer struct {
	callback Value
	held     Value
}

// NewHeap creates an empty heap with the given configuration.
func NewHeap(cfg GcConfig) *Heap {
	return &Heap{
		config:      cfg,
		old:         btree.NewG(8, blockLess),
		cards:       make(map[uintptr]struct{}),
		markVersion: 1,
	}
}

// Config returns the heap's GC configuration.
func (h *Heap) Config() GcConfig { return h.config }

// ---------------------------------------------------------------------------
// Space plumbing
// ---------------------------------------------------------------------------

// adopt places a freshly allocated header into the right space and applies
// black allocation while a cycle is marking.
func (h *Heap) adopt(hdr *GcHeader, size uint32) {
	hdr.size = size
	if h.marking {
		// Black allocation: objects born during a cycle survive it.
		hdr.markVersion = h.markVersion
		hdr.color = colorBlack
	}
	if size >= h.config.LargeThreshold {
		hdr.gen = GenLarge
		h.large = append(h.large, hdr)
		h.largeBytes += uint64(size)
		return
	}
	hdr.gen = GenYoung
	h.nursery = append(h.nursery, hdr)
	h.youngBytes += uint64(size)
}

// promote moves a survivor into the old generation.
func (h *Heap) promote(hdr *GcHeader) {
	hdr.gen = GenOld
	hdr.survivals = 0
	if h.openBlock == nil || len(h.openBlock.objs) >= blockCapacity {
		h.nextBlock++
		h.openBlock = &block{id: h.nextBlock}
		h.old.ReplaceOrInsert(h.openBlock)
	}
	h.openBlock.objs = append(h.openBlock.objs, hdr)
	h.openBlock.bytes += uint64(hdr.size)
	h.oldBytes += uint64(hdr.size)
	// Fields written while the object was young never went through the
	// generational barrier; rememberPromoted rescans them after the sweep.
	h.promoted = append(h.promoted, hdr)
}

// needsMinor reports whether nursery occupancy calls for a minor cycle.
func (h *Heap) needsMinor() bool {
	return h.youngBytes >= h.config.YoungBytes
}

// needsFull reports whether old-space occupancy calls for a full cycle.
func (h *Heap) needsFull() bool {
	limit := float64(h.config.OldBytes) * h.config.TriggerRatio
	return float64(h.oldBytes+h.largeBytes) >= limit
}

// LiveBytes returns current occupancy across all spaces.
func (h *Heap) LiveBytes() uint64 {
	return h.youngBytes + h.oldBytes + h.largeBytes
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// valueSize approximates the heap footprint of n boxed values.
func valueSize(n int) uint32 {
	return uint32(n) * 8
}

const headerSize = uint32(unsafe.Sizeof(GcHeader{}))

// AllocString allocates an immutable string.
func (h *Heap) AllocString(s string) Value {
	o := &StringObject{GcHeader: GcHeader{kind: KindString}, Val: s}
	h.adopt(&o.GcHeader, headerSize+uint32(len(s)))
	return o.value()
}

// AllocSymbol allocates a fresh, unique symbol.
func (h *Heap) AllocSymbol(desc string) *SymbolObject {
	o := &SymbolObject{GcHeader: GcHeader{kind: KindSymbol}, Desc: desc}
	h.adopt(&o.GcHeader, headerSize+uint32(len(desc)))
	return o
}

// AllocBigInt allocates a bigint.
func (h *Heap) AllocBigInt(v *big.Int) Value {
	o := &BigIntObject{GcHeader: GcHeader{kind: KindBigInt}, Val: v}
	h.adopt(&o.GcHeader, headerSize+uint32(len(v.Bits())*8))
	return o.value()
}

// AllocObject allocates an empty plain object with the given prototype.
func (h *Heap) AllocObject(proto Value, root *Shape) Value {
	o := &PlainObject{GcHeader: GcHeader{kind: KindPlainObject}, shape: root, proto: proto}
	h.adopt(&o.GcHeader, headerSize+valueSize(4))
	return o.value()
}

// AllocArray allocates an array with the given capacity.
func (h *Heap) AllocArray(capacity int) Value {
	if capacity < 0 {
		capacity = 0
	}
	o := &ArrayObject{GcHeader: GcHeader{kind: KindArray}, Elems: make([]Value, 0, capacity)}
	h.adopt(&o.GcHeader, headerSize+valueSize(capacity))
	return o.value()
}

// AllocClosure allocates a closure over the given cells.
func (h *Heap) AllocClosure(mod *ModuleRecord, fn bytecode.FuncIndex, upvalues []*CellObject) Value {
	o := &ClosureObject{
		GcHeader: GcHeader{kind: KindClosure},
		Mod:      mod,
		FnIndex:  fn,
		Upvalues: upvalues,
	}
	h.adopt(&o.GcHeader, headerSize+valueSize(len(upvalues)))
	return o.value()
}

// AllocNative allocates a host function object.
func (h *Heap) AllocNative(name string, fn NativeFunc) Value {
	o := &NativeFunctionObject{GcHeader: GcHeader{kind: KindNativeFunction}, Name: name, Fn: fn}
	h.adopt(&o.GcHeader, headerSize+uint32(len(name)))
	return o.value()
}

// AllocBound allocates a bound function.
func (h *Heap) AllocBound(target Value, bound []Value) Value {
	o := &BoundFunctionObject{GcHeader: GcHeader{kind: KindBoundFunction}, Target: target, Bound: bound}
	h.adopt(&o.GcHeader, headerSize+valueSize(len(bound)+1))
	return o.value()
}

// AllocCell allocates a mutable capture cell.
func (h *Heap) AllocCell(v Value) *CellObject {
	o := &CellObject{GcHeader: GcHeader{kind: KindCell}, V: v}
	h.adopt(&o.GcHeader, headerSize+valueSize(1))
	return o
}

// AllocGenerator allocates a suspended-at-start generator.
func (h *Heap) AllocGenerator(f *frame, async bool) *GeneratorObject {
	o := &GeneratorObject{
		GcHeader: GcHeader{kind: KindGenerator},
		State:    GenSuspendedStart,
		Frame:    f,
		Async:    async,
	}
	h.adopt(&o.GcHeader, headerSize+valueSize(len(f.regs)))
	return o
}

// AllocPromise allocates a pending promise.
func (h *Heap) AllocPromise() *PromiseObject {
	o := &PromiseObject{GcHeader: GcHeader{kind: KindPromise}, State: PromisePending, Outcome: Undefined}
	h.adopt(&o.GcHeader, headerSize+valueSize(2))
	return o
}

// AllocMap allocates an empty map.
func (h *Heap) AllocMap() Value {
	o := &MapObject{GcHeader: GcHeader{kind: KindMap}}
	h.adopt(&o.GcHeader, headerSize+valueSize(4))
	return o.value()
}

// AllocWeakRef allocates a weak reference to target, which must be a heap
// value. The reference never keeps its target alive.
func (h *Heap) AllocWeakRef(target Value) Value {
	o := &WeakRefObject{GcHeader: GcHeader{kind: KindWeakRef}, Target: target.header()}
	h.adopt(&o.GcHeader, headerSize+valueSize(1))
	h.weakRefs = append(h.weakRefs, o)
	return o.value()
}

// AllocWeakMap allocates an empty ephemeron table.
func (h *Heap) AllocWeakMap() Value {
	o := &WeakMapObject{GcHeader: GcHeader{kind: KindWeakMap}}
	h.adopt(&o.GcHeader, headerSize+valueSize(4))
	h.weakMaps = append(h.weakMaps, o)
	return o.value()
}

// AllocFinalizationRegistry allocates a registry with the given cleanup
// callback.
func (h *Heap) AllocFinalizationRegistry(callback Value) Value {
	o := &FinalizationRegistryObject{GcHeader: GcHeader{kind: KindFinalizationRegistry}, Callback: callback}
	h.adopt(&o.GcHeader, headerSize+valueSize(4))
	h.finRegs = append(h.finRegs, o)
	return o.value()
}

// AllocError allocates an error object carrying a captured stack.
func (h *Heap) AllocError(name, message string, stack []StackEntry) Value {
	o := &ErrorObject{GcHeader: GcHeader{kind: KindError}, ErrName: name, Message: message, Stack: stack}
	h.adopt(&o.GcHeader, headerSize+uint32(len(name)+len(message))+valueSize(len(stack)))
	return o.value()
}

// ---------------------------------------------------------------------------
// Weak-structure registration helpers
// ---------------------------------------------------------------------------

// WeakRefDeref returns the referent, or Undefined once it was collected.
func WeakRefDeref(v Value) Value {
	ref := asWeakRef(v)
	if ref.Target == nil {
		return Undefined
	}
	return ref.Target.value()
}

// MapSet inserts or overwrites a map entry. An overwrite runs the write
// barrier against the displaced value, so a value moved out of a map during
// incremental marking is still shaded.
func (h *Heap) MapSet(m *MapObject, key, val Value) {
	for i := range m.entries {
		if sameValueZero(m.entries[i].key, key) {
			h.WriteBarrier(&m.GcHeader, val, m.entries[i].val)
			m.entries[i].val = val
			return
		}
	}
	h.WriteBarrier(&m.GcHeader, key, Undefined)
	h.WriteBarrier(&m.GcHeader, val, Undefined)
	m.entries = append(m.entries, mapEntry{key: key, val: val})
}

// WeakMapGet looks a key up in an ephemeron table.
func WeakMapGet(v Value, key Value) (Value, bool) {
	if !key.IsPointer() || key == BailoutSentinel {
		return Undefined, false
	}
	wm := asWeakMap(v)
	kh := key.header()
	for _, e := range wm.entries {
		if e.key == kh {
			return e.val, true
		}
	}
	return Undefined, false
}

// WeakMapSet inserts or updates an ephemeron entry. Keys must be heap
// objects.
func (h *Heap) WeakMapSet(v Value, key, val Value) bool {
	if !key.IsPointer() || key == BailoutSentinel {
		return false
	}
	wm := asWeakMap(v)
	kh := key.header()
	for i := range wm.entries {
		if wm.entries[i].key == kh {
			h.WriteBarrier(&wm.GcHeader, val, wm.entries[i].val)
			wm.entries[i].val = val
			return true
		}
	}
	h.WriteBarrier(&wm.GcHeader, val, Undefined)
	wm.entries = append(wm.entries, ephemeronEntry{key: kh, val: val})
	return true
}

// FinalizationRegister adds (target, held, token) to a registry. The target
// must be a heap object and must not be the held value.
func (h *Heap) FinalizationRegister(reg Value, target, held, token Value) bool {
	if !target.IsPointer() || target == BailoutSentinel || target == held {
		return false
	}
	r := asFinReg(reg)
	h.WriteBarrier(&r.GcHeader, held, Undefined)
	h.WriteBarrier(&r.GcHeader, token, Undefined)
	r.entries = append(r.entries, finalizationEntry{target: target.header(), held: held, token: token})
	return true
}

// FinalizationUnregister removes all entries registered under token.
func FinalizationUnregister(reg Value, token Value) int {
	r := asFinReg(reg)
	kept := r.entries[:0]
	removed := 0
	for _, e := range r.entries {
		if e.token != Undefined && StrictEquals(e.token, token) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed
}

// ---------------------------------------------------------------------------
// External roots
// ---------------------------------------------------------------------------

// RootSet is the embedder's GC contract: anything holding engine values
// outside the guest (timer queues, host caches) registers a RootSet and
// reports every held value when traced. Each registered set is traced
// exactly once per collection cycle.
type RootSet interface {
	TraceRoots(visit func(Value))
}

// RegisterRootSet adds an external root set. Safe only between collections,
// i.e. from the mutator thread.
func (h *Heap) RegisterRootSet(rs RootSet) {
	h.rootSets = append(h.rootSets, rs)
}

// UnregisterRootSet removes a previously registered root set.
func (h *Heap) UnregisterRootSet(rs RootSet) {
	for i, cur := range h.rootSets {
		if cur == rs {
			h.rootSets = append(h.rootSets[:i], h.rootSets[i+1:]...)
			return
		}
	}
}
