package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Shapes: hidden classes for PlainObject
// ---------------------------------------------------------------------------
//
// Objects that gain the same properties in the same order share a shape, so
// property sites can cache (shape id -> slot) and hit without a lookup.
// Shapes form a transition tree rooted at the per-heap empty shape.

var shapeIDs atomic.Uint32

// Shape describes one property layout. A shape's slot count equals the
// depth of its parent chain.
type Shape struct {
	id          uint32
	parent      *Shape
	key         string // property added by this shape; "" at the root
	slot        int    // slot index of key; -1 at the root
	transitions map[string]*Shape
}

func newRootShape() *Shape {
	return &Shape{id: shapeIDs.Add(1), slot: -1}
}

// ID returns the shape's identity, used as the inline-cache key.
func (s *Shape) ID() uint32 { return s.id }

// lookup returns the slot of key, or -1.
func (s *Shape) lookup(key string) int {
	for sh := s; sh != nil && sh.slot >= 0; sh = sh.parent {
		if sh.key == key {
			return sh.slot
		}
	}
	return -1
}

// transition returns the shape reached by adding key, creating it on first
// use so all objects evolving the same way converge on one shape.
func (s *Shape) transition(key string) *Shape {
	if next, ok := s.transitions[key]; ok {
		return next
	}
	next := &Shape{
		id:     shapeIDs.Add(1),
		parent: s,
		key:    key,
		slot:   s.slot + 1,
	}
	if s.transitions == nil {
		s.transitions = make(map[string]*Shape, 1)
	}
	s.transitions[key] = next
	return next
}

// slotCount returns how many slots objects of this shape use.
func (s *Shape) slotCount() int { return s.slot + 1 }

// ---------------------------------------------------------------------------
// PlainObject property access
// ---------------------------------------------------------------------------

// Shape returns the object's current shape.
func (o *PlainObject) Shape() *Shape { return o.shape }

// Proto returns the object's prototype (Null when absent).
func (o *PlainObject) Proto() Value { return o.proto }

// getOwn returns the value of an own property, or (Undefined, false).
func (o *PlainObject) getOwn(key string) (Value, bool) {
	if slot := o.shape.lookup(key); slot >= 0 {
		return o.slots[slot], true
	}
	return Undefined, false
}

// get looks key up along the prototype chain.
func (o *PlainObject) get(key string) (Value, bool) {
	for cur := o; ; {
		if v, ok := cur.getOwn(key); ok {
			return v, true
		}
		if !cur.proto.isHeapKind(KindPlainObject) {
			return Undefined, false
		}
		cur = asObject(cur.proto)
	}
}

// setSlot writes an existing own property; ok is false when key is absent.
func (o *PlainObject) setSlot(key string, v Value) bool {
	if slot := o.shape.lookup(key); slot >= 0 {
		o.slots[slot] = v
		return true
	}
	return false
}

// define adds a new own property, transitioning the shape. The caller is
// responsible for write barriers.
func (o *PlainObject) define(key string, v Value) {
	next := o.shape.transition(key)
	o.shape = next
	if next.slot >= len(o.slots) {
		o.slots = append(o.slots, v)
	} else {
		o.slots[next.slot] = v
	}
}

// set writes key, creating it when absent.
func (o *PlainObject) set(key string, v Value) {
	if !o.setSlot(key, v) {
		o.define(key, v)
	}
}

// keys returns own property names in definition order.
func (o *PlainObject) keys() []string {
	n := o.shape.slotCount()
	out := make([]string, n)
	for sh := o.shape; sh != nil && sh.slot >= 0; sh = sh.parent {
		out[sh.slot] = sh.key
	}
	return out
}
