package vm

import (
	"sync/atomic"

	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// ModuleRecord: runtime state for a loaded module
// ---------------------------------------------------------------------------
//
// Bytecode modules are immutable; everything the engine learns about a
// module at run time (inline caches, type feedback, JIT profiles) lives
// here, one record per load.

var moduleIDs atomic.Uint64

// ModuleRecord pairs an immutable bytecode module with its runtime state.
type ModuleRecord struct {
	ID     uint64
	Module *bytecode.Module

	caches   [][]propCache  // per function, indexed by cache slot
	feedback [][]typeFeedback
	profiles []funcProfile
}

// newModuleRecord wraps a validated module.
func newModuleRecord(m *bytecode.Module) *ModuleRecord {
	rec := &ModuleRecord{
		ID:       moduleIDs.Add(1),
		Module:   m,
		caches:   make([][]propCache, len(m.Functions)),
		feedback: make([][]typeFeedback, len(m.Functions)),
		profiles: make([]funcProfile, len(m.Functions)),
	}
	for i := range m.Functions {
		fn := &m.Functions[i]
		if fn.CacheSlots > 0 {
			rec.caches[i] = make([]propCache, fn.CacheSlots)
		}
		if fn.FeedbackSlots > 0 {
			rec.feedback[i] = make([]typeFeedback, fn.FeedbackSlots)
		}
	}
	return rec
}

// profile returns the JIT profile of a function.
func (r *ModuleRecord) profile(fn bytecode.FuncIndex) *funcProfile {
	return &r.profiles[fn]
}

// cache returns one property site's inline cache.
func (r *ModuleRecord) cache(fn bytecode.FuncIndex, slot uint16) *propCache {
	return &r.caches[fn][slot]
}

// feedbackAt returns one arithmetic site's type feedback.
func (r *ModuleRecord) feedbackAt(fn bytecode.FuncIndex, slot uint16) *typeFeedback {
	return &r.feedback[fn][slot]
}
