package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Inline caches and type feedback
// ---------------------------------------------------------------------------
//
// Each property site caches (shape id -> slot) pairs: monomorphic first,
// growing polymorphic up to a small bound, then megamorphic (cache
// disabled). Arithmetic sites record which operand kinds they saw; the JIT
// only compiles functions whose arithmetic stayed int32.

// polyLimit is the polymorphic cache bound before a site goes megamorphic.
const polyLimit = 4

type cacheEntry struct {
	shapeID uint32
	slot    int
}

// propCache is one property-access site's cache.
type propCache struct {
	entries     [polyLimit]cacheEntry
	n           uint8
	megamorphic bool
}

// lookup returns the cached slot for a shape.
func (c *propCache) lookup(shapeID uint32) (int, bool) {
	for i := uint8(0); i < c.n; i++ {
		if c.entries[i].shapeID == shapeID {
			return c.entries[i].slot, true
		}
	}
	return 0, false
}

// record caches a (shape, slot) pair observed by the interpreter.
func (c *propCache) record(shapeID uint32, slot int) {
	if c.megamorphic {
		return
	}
	if _, ok := c.lookup(shapeID); ok {
		return
	}
	if c.n == polyLimit {
		c.megamorphic = true
		return
	}
	c.entries[c.n] = cacheEntry{shapeID: shapeID, slot: slot}
	c.n++
}

// State classifications, for stats and tests.
func (c *propCache) state() string {
	switch {
	case c.megamorphic:
		return "megamorphic"
	case c.n == 0:
		return "empty"
	case c.n == 1:
		return "monomorphic"
	default:
		return "polymorphic"
	}
}

// Type feedback bits.
const (
	feedbackInt32 uint32 = 1 << iota
	feedbackFloat
	feedbackOther
)

// typeFeedback accumulates the operand kinds one arithmetic site has seen.
// The bits are atomic: the interpreter records on the mutator thread while
// the JIT worker reads them during compilation.
type typeFeedback struct {
	seen atomic.Uint32
}

func (f *typeFeedback) record(v Value) {
	var bit uint32
	switch {
	case v.IsInt32():
		bit = feedbackInt32
	case v.IsFloat64():
		bit = feedbackFloat
	default:
		bit = feedbackOther
	}
	if f.seen.Load()&bit != 0 {
		return
	}
	for {
		old := f.seen.Load()
		if f.seen.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// int32Only reports whether the site has seen int32 operands exclusively
// (and at least once).
func (f *typeFeedback) int32Only() bool {
	return f.seen.Load() == feedbackInt32
}
