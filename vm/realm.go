package vm

import "fmt"

// ---------------------------------------------------------------------------
// Realms
// ---------------------------------------------------------------------------

// Realm is one global environment: a globals object plus the root shape its
// objects grow from. All realms of an engine share one heap and collector.
type Realm struct {
	id        uint64
	name      string
	globals   Value // a PlainObject
	rootShape *Shape
	heap      *Heap
}

// ID returns the realm's identity.
func (r *Realm) ID() uint64 { return r.id }

// Name returns the realm's diagnostic name.
func (r *Realm) Name() string { return r.name }

// Globals returns the realm's globals object.
func (r *Realm) Globals() Value { return r.globals }

// RootShape returns the shape empty objects of this realm start from.
func (r *Realm) RootShape() *Shape { return r.rootShape }

// GetGlobal reads a global by name.
func (r *Realm) GetGlobal(name string) (Value, bool) {
	return asObject(r.globals).get(name)
}

// SetGlobal writes a global by name, creating it when absent.
func (r *Realm) SetGlobal(name string, v Value) {
	obj := asObject(r.globals)
	if old, ok := obj.getOwn(name); ok {
		r.heap.WriteBarrier(&obj.GcHeader, v, old)
	} else {
		r.heap.WriteBarrier(&obj.GcHeader, v, Undefined)
	}
	obj.set(name, v)
}

// DefineNative installs a host function as a global.
func (r *Realm) DefineNative(name string, fn NativeFunc) {
	r.SetGlobal(name, r.heap.AllocNative(name, fn))
}

// ---------------------------------------------------------------------------
// RealmRegistry
// ---------------------------------------------------------------------------

// RealmRegistry allocates realm ids and keeps every live realm's globals
// rooted.
type RealmRegistry struct {
	heap   *Heap
	realms map[uint64]*Realm
	nextID uint64
}

// NewRealmRegistry creates an empty registry.
func NewRealmRegistry(heap *Heap) *RealmRegistry {
	return &RealmRegistry{heap: heap, realms: make(map[uint64]*Realm)}
}

// Create allocates a new realm with a fresh globals object.
func (rr *RealmRegistry) Create(name string) *Realm {
	rr.nextID++
	rootShape := newRootShape()
	realm := &Realm{
		id:        rr.nextID,
		name:      name,
		rootShape: rootShape,
		heap:      rr.heap,
		globals:   rr.heap.AllocObject(Null, rootShape),
	}
	rr.realms[realm.id] = realm
	return realm
}

// Get returns a realm by id.
func (rr *RealmRegistry) Get(id uint64) (*Realm, error) {
	realm, ok := rr.realms[id]
	if !ok {
		return nil, fmt.Errorf("vm: no realm with id %d", id)
	}
	return realm, nil
}

// Remove drops a realm. Its globals become collectible at the next full
// cycle unless referenced elsewhere.
func (rr *RealmRegistry) Remove(id uint64) {
	delete(rr.realms, id)
}

// Count returns the number of live realms.
func (rr *RealmRegistry) Count() int { return len(rr.realms) }

// TraceRoots implements RootSet: every realm's globals object is a root.
func (rr *RealmRegistry) TraceRoots(visit func(Value)) {
	for _, realm := range rr.realms {
		visit(realm.globals)
	}
}
