package vm

import "testing"

func newTestObject(h *Heap, root *Shape) *PlainObject {
	return asObject(h.AllocObject(Null, root))
}

func TestShapesSharedByInsertionOrder(t *testing.T) {
	h := NewHeap(DefaultConfig().Gc)
	root := newRootShape()

	a := newTestObject(h, root)
	b := newTestObject(h, root)
	a.set("x", BoxInt32(1))
	a.set("y", BoxInt32(2))
	b.set("x", BoxInt32(3))
	b.set("y", BoxInt32(4))

	if a.Shape() != b.Shape() {
		t.Fatal("same insertion order should converge on one shape")
	}

	c := newTestObject(h, root)
	c.set("y", BoxInt32(5))
	c.set("x", BoxInt32(6))
	if c.Shape() == a.Shape() {
		t.Fatal("different insertion order must not share a shape")
	}
}

func TestShapeSlotAssignment(t *testing.T) {
	h := NewHeap(DefaultConfig().Gc)
	o := newTestObject(h, newRootShape())
	o.set("first", BoxInt32(10))
	o.set("second", BoxInt32(20))
	o.set("first", BoxInt32(11)) // overwrite, no new slot

	if n := o.Shape().slotCount(); n != 2 {
		t.Fatalf("slot count = %d, want 2", n)
	}
	if v, ok := o.getOwn("first"); !ok || v.AsInt32() != 11 {
		t.Fatalf("first = %v", v)
	}
	if v, ok := o.getOwn("second"); !ok || v.AsInt32() != 20 {
		t.Fatalf("second = %v", v)
	}
	if _, ok := o.getOwn("absent"); ok {
		t.Fatal("absent key found")
	}
	keys := o.keys()
	if len(keys) != 2 || keys[0] != "first" || keys[1] != "second" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestPrototypeChainLookup(t *testing.T) {
	h := NewHeap(DefaultConfig().Gc)
	root := newRootShape()
	protoVal := h.AllocObject(Null, root)
	asObject(protoVal).set("inherited", BoxInt32(99))

	child := asObject(h.AllocObject(protoVal, root))
	child.set("own", BoxInt32(1))

	if v, ok := child.get("own"); !ok || v.AsInt32() != 1 {
		t.Fatal("own property lost")
	}
	if v, ok := child.get("inherited"); !ok || v.AsInt32() != 99 {
		t.Fatal("prototype property not found")
	}
	if _, ok := child.getOwn("inherited"); ok {
		t.Fatal("inherited property reported as own")
	}
}

func TestPropCacheStates(t *testing.T) {
	var c propCache
	if c.state() != "empty" {
		t.Fatalf("state = %s", c.state())
	}
	c.record(1, 0)
	if c.state() != "monomorphic" {
		t.Fatalf("state = %s", c.state())
	}
	c.record(1, 0) // same shape: no growth
	if c.n != 1 {
		t.Fatalf("duplicate shape grew the cache to %d", c.n)
	}
	c.record(2, 1)
	if c.state() != "polymorphic" {
		t.Fatalf("state = %s", c.state())
	}
	for id := uint32(3); id <= polyLimit+1; id++ {
		c.record(id, 0)
	}
	if c.state() != "megamorphic" {
		t.Fatalf("state = %s after overflow", c.state())
	}
	// Megamorphic caches stop recording but keep answering lookups.
	if slot, ok := c.lookup(2); !ok || slot != 1 {
		t.Fatal("existing entry lost after megamorphic transition")
	}
}

func TestTypeFeedback(t *testing.T) {
	var f typeFeedback
	if f.int32Only() {
		t.Fatal("empty feedback must not claim int32")
	}
	f.record(BoxInt32(1))
	if !f.int32Only() {
		t.Fatal("pure int32 site not recognized")
	}
	f.record(BoxFloat64(1.5))
	if f.int32Only() {
		t.Fatal("float operand did not poison the site")
	}

	var g typeFeedback
	g.record(True)
	if g.int32Only() {
		t.Fatal("non-numeric operand did not poison the site")
	}
}
