package vm

// ---------------------------------------------------------------------------
// SymbolRegistry
// ---------------------------------------------------------------------------

// Well-known symbol names.
const (
	SymIterator      = "Symbol.iterator"
	SymAsyncIterator = "Symbol.asyncIterator"
	SymToStringTag   = "Symbol.toStringTag"
	SymHasInstance   = "Symbol.hasInstance"
)

// SymbolRegistry interns symbols for Symbol.for and owns the well-known
// symbols. Registered symbols are GC roots: an interned symbol lives as
// long as the registry.
type SymbolRegistry struct {
	heap      *Heap
	byKey     map[string]*SymbolObject
	wellKnown map[string]*SymbolObject
}

// NewSymbolRegistry creates a registry with the well-known symbols
// pre-allocated and pinned.
func NewSymbolRegistry(heap *Heap) *SymbolRegistry {
	r := &SymbolRegistry{
		heap:      heap,
		byKey:     make(map[string]*SymbolObject),
		wellKnown: make(map[string]*SymbolObject),
	}
	for _, name := range []string{SymIterator, SymAsyncIterator, SymToStringTag, SymHasInstance} {
		sym := heap.AllocSymbol(name)
		sym.flags |= flagPinned
		r.wellKnown[name] = sym
	}
	return r
}

// New allocates a fresh, unregistered symbol.
func (r *SymbolRegistry) New(desc string) Value {
	return r.heap.AllocSymbol(desc).value()
}

// For returns the symbol interned under key, creating it on first use
// (Symbol.for semantics).
func (r *SymbolRegistry) For(key string) Value {
	if sym, ok := r.byKey[key]; ok {
		return sym.value()
	}
	sym := r.heap.AllocSymbol(key)
	sym.RegistryKey = key
	sym.Registered = true
	r.byKey[key] = sym
	return sym.value()
}

// KeyFor returns the registry key of a symbol, or ("", false) when the
// symbol was not created by For (Symbol.keyFor semantics).
func (r *SymbolRegistry) KeyFor(v Value) (string, bool) {
	if !v.IsSymbol() {
		return "", false
	}
	sym := asSymbol(v)
	if !sym.Registered {
		return "", false
	}
	return sym.RegistryKey, true
}

// WellKnown returns one of the engine's well-known symbols.
func (r *SymbolRegistry) WellKnown(name string) Value {
	return r.wellKnown[name].value()
}

// TraceRoots implements RootSet: every registered and well-known symbol is
// a root.
func (r *SymbolRegistry) TraceRoots(visit func(Value)) {
	for _, sym := range r.byKey {
		visit(sym.value())
	}
	for _, sym := range r.wellKnown {
		visit(sym.value())
	}
}
