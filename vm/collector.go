package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("osprey.gc")

// ---------------------------------------------------------------------------
// Collector: incremental tri-color mark/sweep over two generations
// ---------------------------------------------------------------------------
//
// Full cycles mark incrementally: StartFullCycle seeds the gray stack from
// the roots, then MarkSlice runs at safepoints with a bounded budget while
// the mutator keeps running (write barriers preserve the invariant), and
// FinishCycle resolves ephemerons, clears weak references, queues
// finalizers, and sweeps. Minor cycles are small enough to run
// stop-the-world in one step, using the remembered set for old -> young
// edges.
//
// Color is logical: an object is white whenever header.markVersion differs
// from the heap's current version, so "reset all marks" is one increment.

// GcStats is a snapshot of collector activity.
type GcStats struct {
	MinorCycles uint64
	FullCycles  uint64

	// Last completed cycle.
	LastMarked          int
	LastSwept           int
	LastPromoted        int
	LastWeakCleared     int
	LastFinalizersAdded int
	LastEphemeronPasses int
	LastDuration        time.Duration

	TotalSwept    uint64
	TotalPromoted uint64
}

// Stats returns a snapshot of collector statistics.
func (h *Heap) Stats() GcStats { return h.stats }

// Marking reports whether an incremental full cycle is in progress.
func (h *Heap) Marking() bool { return h.marking }

// shade grays an object for the current cycle. During minor cycles only
// young objects are traced; older ones are treated as live roots.
func (h *Heap) shade(hdr *GcHeader) {
	if hdr.markVersion == h.markVersion {
		return
	}
	if h.minorCycle && hdr.gen != GenYoung {
		return
	}
	hdr.markVersion = h.markVersion
	hdr.color = colorGray
	h.grayStack = append(h.grayStack, hdr)
}

// shadeValue shades the object behind a pointer value.
func (h *Heap) shadeValue(v Value) {
	if v.IsPointer() && v != BailoutSentinel {
		h.shade(v.header())
	}
}

// marked reports whether an object survived the current cycle's marking.
func (h *Heap) marked(hdr *GcHeader) bool {
	return hdr.markVersion == h.markVersion || hdr.flags&flagPinned != 0
}

// traceAllRoots seeds the gray stack from every registered root set, plus
// the finalizer calls still owed from earlier cycles: a queued callback and
// its held value must stay alive until the engine invokes them.
func (h *Heap) traceAllRoots() {
	for _, rs := range h.rootSets {
		rs.TraceRoots(h.shadeValue)
	}
	for _, p := range h.pendingFinalizers {
		h.shadeValue(p.callback)
		h.shadeValue(p.held)
	}
}

// rememberPromoted rescans objects the last sweep moved to the old
// generation. Any still holding a young child re-enters the remembered set:
// those edges were written before promotion, so no barrier recorded them.
func (h *Heap) rememberPromoted() {
	for _, hdr := range h.promoted {
		young := false
		traceChildren(hdr, func(c *GcHeader) {
			if c.gen == GenYoung {
				young = true
			}
		})
		if young {
			h.rememberOldToYoung(hdr)
		}
	}
	h.promoted = h.promoted[:0]
}

// ---------------------------------------------------------------------------
// Full cycles
// ---------------------------------------------------------------------------

// StartFullCycle begins an incremental full collection. No-op when one is
// already running.
func (h *Heap) StartFullCycle() {
	if h.marking {
		return
	}
	h.markVersion++
	h.minorCycle = false
	h.marking = true
	h.cycleStart = time.Now()
	h.cycleMarked = 0
	h.traceAllRoots()
	gcLog.Debugf("full cycle started: %d live bytes", h.LiveBytes())
}

// MarkSlice drains the barrier buffer and marks up to budget objects.
// Returns true when the gray stack is empty and the cycle can finish.
func (h *Heap) MarkSlice(budget int) bool {
	h.drainBarrierBuffer()
	for budget > 0 && len(h.grayStack) > 0 {
		hdr := h.grayStack[len(h.grayStack)-1]
		h.grayStack = h.grayStack[:len(h.grayStack)-1]
		hdr.color = colorBlack
		h.cycleMarked++
		traceChildren(hdr, h.shade)
		budget--
	}
	return len(h.grayStack) == 0 && len(h.grayBuf) == 0
}

// FinishCycle completes marking (ephemerons included), processes weak
// references and finalization registries, and sweeps all spaces.
func (h *Heap) FinishCycle() {
	if !h.marking {
		return
	}
	// Run marking to exhaustion; the mutator is paused from here on.
	for !h.MarkSlice(1 << 20) {
	}
	passes := h.ephemeronFixpoint()
	weakCleared := h.clearWeakRefs()
	finalizers := h.queueDeadFinalizables()

	swept, promoted := h.sweepYoung()
	swept += h.sweepOld()
	swept += h.sweepLarge()
	h.pruneWeakStructures()
	h.clearRememberedSet()
	h.rememberPromoted()

	h.marking = false
	h.stats.FullCycles++
	h.finishStats(swept, promoted, weakCleared, finalizers, passes)
	gcLog.Debugf("full cycle finished: marked %d, swept %d, %d live bytes",
		h.stats.LastMarked, swept, h.LiveBytes())
}

// CollectFull runs a complete stop-the-world full cycle.
func (h *Heap) CollectFull() {
	if !h.marking {
		h.StartFullCycle()
	}
	h.FinishCycle()
}

// ---------------------------------------------------------------------------
// Minor cycles
// ---------------------------------------------------------------------------

// CollectMinor runs a stop-the-world collection of the nursery. Old and
// large objects are treated as live; their young children are found through
// the remembered set.
func (h *Heap) CollectMinor() {
	if h.marking {
		// A full cycle subsumes the nursery; finish it instead.
		h.FinishCycle()
		return
	}
	h.markVersion++
	h.minorCycle = true
	h.cycleStart = time.Now()
	h.cycleMarked = 0

	h.traceAllRoots()
	for _, parent := range h.remembered {
		traceChildren(parent, h.shade)
	}
	for !h.MarkSlice(1 << 20) {
	}
	passes := h.ephemeronFixpoint()
	weakCleared := h.clearWeakRefs()
	finalizers := h.queueDeadFinalizables()

	swept, promoted := h.sweepYoung()
	h.pruneWeakStructures()
	h.clearRememberedSet()
	h.rememberPromoted()

	h.minorCycle = false
	h.stats.MinorCycles++
	h.finishStats(swept, promoted, weakCleared, finalizers, passes)
	gcLog.Debugf("minor cycle: swept %d, promoted %d", swept, promoted)
}

// ---------------------------------------------------------------------------
// Weak phases
// ---------------------------------------------------------------------------

// ephemeronFixpoint marks ephemeron values whose keys are live, iterating
// until no entry changes: marking one value can prove another table's key
// live. Returns the number of passes.
func (h *Heap) ephemeronFixpoint() int {
	passes := 0
	for {
		passes++
		progressed := false
		for _, wm := range h.weakMaps {
			if !h.sweepSurvivor(&wm.GcHeader) {
				continue
			}
			for _, e := range wm.entries {
				if h.keyAlive(e.key) && e.val.IsPointer() && e.val != BailoutSentinel &&
					!h.keyAlive(e.val.header()) {
					h.shade(e.val.header())
					progressed = true
				}
			}
		}
		if !progressed {
			return passes
		}
		for !h.MarkSlice(1 << 20) {
		}
	}
}

// keyAlive reports whether a weak key survived this cycle. During minor
// cycles non-young keys are live by definition.
func (h *Heap) keyAlive(key *GcHeader) bool {
	if h.minorCycle && key.gen != GenYoung {
		return true
	}
	return h.marked(key)
}

// clearWeakRefs nils out weak references whose targets died, and drops dead
// ephemeron entries. Runs after marking, before sweep.
func (h *Heap) clearWeakRefs() int {
	cleared := 0
	for _, ref := range h.weakRefs {
		if !h.sweepSurvivor(&ref.GcHeader) || ref.Target == nil {
			continue
		}
		if !h.keyAlive(ref.Target) {
			ref.Target = nil
			cleared++
		}
	}
	for _, wm := range h.weakMaps {
		if !h.sweepSurvivor(&wm.GcHeader) {
			continue
		}
		kept := wm.entries[:0]
		for _, e := range wm.entries {
			if h.keyAlive(e.key) {
				kept = append(kept, e)
			} else {
				cleared++
			}
		}
		wm.entries = kept
	}
	return cleared
}

// queueDeadFinalizables moves registry entries whose targets died onto the
// pending finalizer queue. Callbacks run after the cycle, never inside it.
func (h *Heap) queueDeadFinalizables() int {
	queued := 0
	for _, reg := range h.finRegs {
		if !h.sweepSurvivor(&reg.GcHeader) {
			continue
		}
		kept := reg.entries[:0]
		for _, e := range reg.entries {
			if h.keyAlive(e.target) {
				kept = append(kept, e)
				continue
			}
			h.pendingFinalizers = append(h.pendingFinalizers, pendingFinalizer{
				callback: reg.Callback,
				held:     e.held,
			})
			queued++
		}
		reg.entries = kept
	}
	return queued
}

// TakePendingFinalizers returns and clears the queued finalizer calls.
// The engine invokes them after the collection that queued them.
func (h *Heap) TakePendingFinalizers() []pendingFinalizer {
	out := h.pendingFinalizers
	h.pendingFinalizers = nil
	return out
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweepYoung filters the nursery: dead objects are severed, survivors age
// and promote after PromoteAfter minor cycles.
func (h *Heap) sweepYoung() (swept, promoted int) {
	kept := h.nursery[:0]
	var keptBytes uint64
	for _, hdr := range h.nursery {
		if !h.marked(hdr) {
			severChildren(hdr)
			swept++
			continue
		}
		hdr.survivals++
		if hdr.survivals >= h.config.PromoteAfter {
			h.promote(hdr)
			promoted++
			continue
		}
		kept = append(kept, hdr)
		keptBytes += uint64(hdr.size)
	}
	// Let the tail entries go so the Go runtime can reclaim them.
	for i := len(kept); i < len(h.nursery); i++ {
		h.nursery[i] = nil
	}
	h.nursery = kept
	h.youngBytes = keptBytes
	return swept, promoted
}

// sweepOld walks the block directory in order, compacting each block and
// unlinking blocks that emptied.
func (h *Heap) sweepOld() int {
	swept := 0
	var empty []*block
	h.old.Ascend(func(b *block) bool {
		kept := b.objs[:0]
		var keptBytes uint64
		for _, hdr := range b.objs {
			if !h.marked(hdr) {
				h.oldBytes -= uint64(hdr.size)
				severChildren(hdr)
				swept++
				continue
			}
			kept = append(kept, hdr)
			keptBytes += uint64(hdr.size)
		}
		for i := len(kept); i < len(b.objs); i++ {
			b.objs[i] = nil
		}
		b.objs = kept
		b.bytes = keptBytes
		if len(b.objs) == 0 {
			empty = append(empty, b)
		}
		return true
	})
	for _, b := range empty {
		h.old.Delete(b)
		if b == h.openBlock {
			h.openBlock = nil
		}
	}
	return swept
}

// sweepLarge filters the large-object space.
func (h *Heap) sweepLarge() int {
	swept := 0
	kept := h.large[:0]
	var keptBytes uint64
	for _, hdr := range h.large {
		if !h.marked(hdr) {
			severChildren(hdr)
			swept++
			continue
		}
		kept = append(kept, hdr)
		keptBytes += uint64(hdr.size)
	}
	for i := len(kept); i < len(h.large); i++ {
		h.large[i] = nil
	}
	h.large = kept
	h.largeBytes = keptBytes
	return swept
}

// pruneWeakStructures drops registry entries for weak containers that died
// themselves.
func (h *Heap) pruneWeakStructures() {
	refs := h.weakRefs[:0]
	for _, r := range h.weakRefs {
		if h.sweepSurvivor(&r.GcHeader) {
			refs = append(refs, r)
		}
	}
	h.weakRefs = refs

	maps := h.weakMaps[:0]
	for _, m := range h.weakMaps {
		if h.sweepSurvivor(&m.GcHeader) {
			maps = append(maps, m)
		}
	}
	h.weakMaps = maps

	regs := h.finRegs[:0]
	for _, r := range h.finRegs {
		if h.sweepSurvivor(&r.GcHeader) {
			regs = append(regs, r)
		}
	}
	h.finRegs = regs
}

// sweepSurvivor reports whether a weak container survived this cycle. Old
// containers survive minor cycles unconditionally.
func (h *Heap) sweepSurvivor(hdr *GcHeader) bool {
	if h.minorCycle && hdr.gen != GenYoung {
		return true
	}
	return h.marked(hdr)
}

func (h *Heap) finishStats(swept, promoted, weakCleared, finalizers, passes int) {
	h.stats.LastMarked = h.cycleMarked
	h.stats.LastSwept = swept
	h.stats.LastPromoted = promoted
	h.stats.LastWeakCleared = weakCleared
	h.stats.LastFinalizersAdded = finalizers
	h.stats.LastEphemeronPasses = passes
	h.stats.LastDuration = time.Since(h.cycleStart)
	h.stats.TotalSwept += uint64(swept)
	h.stats.TotalPromoted += uint64(promoted)
}

// ---------------------------------------------------------------------------
// Safepoint hook
// ---------------------------------------------------------------------------

// Safepoint advances GC work from an interpreter safepoint: one mark slice
// while a full cycle runs, otherwise cycle triggers based on occupancy.
func (h *Heap) Safepoint() {
	switch {
	case h.marking:
		if h.MarkSlice(h.config.MarkBudget) {
			h.FinishCycle()
		}
	case h.needsFull():
		h.StartFullCycle()
	case h.needsMinor():
		h.CollectMinor()
	}
}
