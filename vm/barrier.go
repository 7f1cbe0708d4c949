package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Write barriers
// ---------------------------------------------------------------------------
//
// Two concerns share the barrier:
//
//  1. Incremental marking. The tri-color invariant ("no black -> white
//     edge") is kept two ways: storing a pointer into a black object shades
//     the new child (Dijkstra, insertion), and overwriting a pointer while
//     marking shades the old child (Yuasa, deletion). Shaded objects go
//     through a bounded buffer drained at the next mark slice; when the
//     buffer is full they are pushed onto the gray stack directly.
//
//  2. Generations. An old -> young store dirties the card holding the
//     parent and records the parent in the remembered set, so a minor
//     cycle can find old-to-young edges without walking the old space.

// cardShift gives 512-byte cards.
const cardShift = 9

// grayBufLimit bounds the barrier buffer.
const grayBufLimit = 4096

// WriteBarrier must run on every pointer store into a heap object:
// parent.field = newVal, where oldVal is the overwritten value. Non-pointer
// values are cheap no-ops.
func (h *Heap) WriteBarrier(parent *GcHeader, newVal, oldVal Value) {
	if h.marking {
		if parent.markVersion == h.markVersion && parent.color == colorBlack {
			// Insertion barrier: the new child must not stay white behind
			// a black parent.
			if newVal.IsPointer() && newVal != BailoutSentinel {
				h.barrierShade(newVal.header())
			}
		}
		// Deletion barrier: the overwritten child may only have been
		// reachable through this edge.
		if oldVal.IsPointer() && oldVal != BailoutSentinel {
			h.barrierShade(oldVal.header())
		}
	}
	if parent.gen != GenYoung && newVal.IsPointer() && newVal != BailoutSentinel {
		if newVal.header().gen == GenYoung {
			h.rememberOldToYoung(parent)
		}
	}
}

// barrierShade queues a header for graying, falling back to an immediate
// push when the buffer is full.
func (h *Heap) barrierShade(hdr *GcHeader) {
	if hdr.markVersion == h.markVersion {
		return // already gray or black this cycle
	}
	if len(h.grayBuf) < grayBufLimit {
		h.grayBuf = append(h.grayBuf, hdr)
		return
	}
	h.shade(hdr)
}

// drainBarrierBuffer shades everything the barriers queued since the last
// slice.
func (h *Heap) drainBarrierBuffer() {
	for _, hdr := range h.grayBuf {
		h.shade(hdr)
	}
	h.grayBuf = h.grayBuf[:0]
}

// rememberOldToYoung records an old object holding a young pointer. The
// card map deduplicates at 512-byte granularity; the per-header flag keeps
// the remembered list itself duplicate-free.
func (h *Heap) rememberOldToYoung(parent *GcHeader) {
	if parent.flags&flagRemembered != 0 {
		return
	}
	parent.flags |= flagRemembered
	h.remembered = append(h.remembered, parent)
	h.cards[uintptr(unsafe.Pointer(parent))>>cardShift] = struct{}{}
}

// clearRememberedSet resets cards and flags after a minor cycle consumed
// them.
func (h *Heap) clearRememberedSet() {
	for _, hdr := range h.remembered {
		hdr.flags &^= flagRemembered
	}
	h.remembered = h.remembered[:0]
	clear(h.cards)
}

// DirtyCards returns how many cards are currently dirty. Diagnostic.
func (h *Heap) DirtyCards() int { return len(h.cards) }
