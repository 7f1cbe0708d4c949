package vm

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/ospreyjs/osprey/bytecode"
)

var engineLog = commonlog.GetLogger("osprey.engine")

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine ties one heap, its collector, the registries, the interpreter and
// the JIT together. Guest execution is single-threaded; Interrupt and JIT
// publication are the only cross-thread entry points.
type Engine struct {
	id     uuid.UUID
	config Config

	heap    *Heap
	symbols *SymbolRegistry
	realms  *RealmRegistry
	interp  *Interp
	jit     *JIT

	bootRealm  *Realm
	microtasks []microtask

	interrupted atomic.Bool
	closed      atomic.Bool

	// Stdout receives guest print output. Defaults to os.Stdout.
	Stdout io.Writer
}

// microtask is one queued continuation. refs holds every guest value the
// closure captures; until the task runs, those references exist nowhere the
// collector can see them, so the queue itself roots them.
type microtask struct {
	run  func()
	refs []Value
}

// NewEngine builds an engine from a validated config.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		id:     uuid.New(),
		config: cfg,
		heap:   NewHeap(cfg.Gc),
		Stdout: os.Stdout,
	}
	e.symbols = NewSymbolRegistry(e.heap)
	e.realms = NewRealmRegistry(e.heap)
	e.interp = newInterp(e)

	// Internal roots use the same contract as embedder roots. The engine
	// itself roots the microtask queue.
	e.heap.RegisterRootSet(e.symbols)
	e.heap.RegisterRootSet(e.realms)
	e.heap.RegisterRootSet(e.interp)
	e.heap.RegisterRootSet(e)

	if cfg.Jit.Enabled {
		e.jit = newJIT(cfg.Jit, &e.interrupted)
	}

	e.bootRealm = e.realms.Create("main")
	installCoreNatives(e, e.bootRealm)
	engineLog.Infof("engine %s ready (jit=%t)", e.id, cfg.Jit.Enabled)
	return e, nil
}

// ID returns the engine's isolate id.
func (e *Engine) ID() uuid.UUID { return e.id }

// Heap returns the engine's heap, for embedders managing root sets.
func (e *Engine) Heap() *Heap { return e.heap }

// Realm returns the boot realm.
func (e *Engine) Realm() *Realm { return e.bootRealm }

// Realms returns the realm registry.
func (e *Engine) Realms() *RealmRegistry { return e.realms }

// Symbols returns the symbol registry.
func (e *Engine) Symbols() *SymbolRegistry { return e.symbols }

// JitStats returns JIT counters; zero when the JIT is disabled.
func (e *Engine) JitStats() JitStats {
	if e.jit == nil {
		return JitStats{}
	}
	return e.jit.Stats()
}

// GcStats returns collector statistics.
func (e *Engine) GcStats() GcStats { return e.heap.Stats() }

// ---------------------------------------------------------------------------
// Module loading and evaluation
// ---------------------------------------------------------------------------

// LoadModule decodes and validates a serialized module.
func (e *Engine) LoadModule(data []byte) (*ModuleRecord, error) {
	m, err := bytecode.Decode(data)
	if err != nil {
		return nil, err
	}
	return newModuleRecord(m), nil
}

// LoadModuleObject wraps an in-memory module after validating it.
func (e *Engine) LoadModuleObject(m *bytecode.Module) (*ModuleRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return newModuleRecord(m), nil
}

// Evaluate runs a module's entry function in the boot realm, then drains
// microtasks and pending finalizers. Cancelling ctx interrupts execution.
func (e *Engine) Evaluate(ctx context.Context, rec *ModuleRecord) (Value, error) {
	return e.EvaluateIn(ctx, rec, e.bootRealm)
}

// EvaluateIn runs a module's entry function in a specific realm.
func (e *Engine) EvaluateIn(ctx context.Context, rec *ModuleRecord, realm *Realm) (Value, error) {
	if e.closed.Load() {
		return Undefined, ErrClosed
	}
	stopWatch := e.watchContext(ctx)
	defer stopWatch()

	v, err := e.interp.runModule(rec, realm)
	if err != nil {
		return Undefined, err
	}
	e.drainMicrotasks()
	e.runPendingFinalizers()
	return v, nil
}

// Call invokes a guest callable from the host.
func (e *Engine) Call(ctx context.Context, callee Value, args ...Value) (Value, error) {
	if e.closed.Load() {
		return Undefined, ErrClosed
	}
	stopWatch := e.watchContext(ctx)
	defer stopWatch()

	v, err := e.interp.CallValue(e.bootRealm, callee, args)
	if err != nil {
		return Undefined, err
	}
	e.drainMicrotasks()
	e.runPendingFinalizers()
	return v, nil
}

// watchContext maps ctx cancellation onto the interrupt flag.
func (e *Engine) watchContext(ctx context.Context) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.Interrupt()
		case <-finished:
		}
	}()
	return func() { close(finished) }
}

// ---------------------------------------------------------------------------
// Interrupts, microtasks, finalizers
// ---------------------------------------------------------------------------

// Interrupt requests termination at the next safepoint. Safe to call from
// any goroutine. Guest code cannot catch the resulting unwind.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
}

// ClearInterrupt re-arms the engine after an interrupt.
func (e *Engine) ClearInterrupt() {
	e.interrupted.Store(false)
}

// TraceRoots implements RootSet over the queued microtasks' captures. A
// parked async frame may be reachable only through its queued resume.
func (e *Engine) TraceRoots(visit func(Value)) {
	for _, t := range e.microtasks {
		for _, v := range t.refs {
			visit(v)
		}
	}
}

func (e *Engine) enqueueMicrotask(run func(), refs ...Value) {
	e.microtasks = append(e.microtasks, microtask{run: run, refs: refs})
}

// drainMicrotasks runs queued microtasks to exhaustion. Tasks may enqueue
// further tasks; an interrupt stops the drain.
func (e *Engine) drainMicrotasks() {
	for len(e.microtasks) > 0 && !e.interrupted.Load() {
		task := e.microtasks[0]
		e.microtasks = e.microtasks[1:]
		task.run()
	}
}

// runPendingFinalizers invokes cleanup callbacks queued by the last
// collection. Callbacks run after the cycle, on the mutator thread.
func (e *Engine) runPendingFinalizers() {
	for {
		pending := e.heap.TakePendingFinalizers()
		if len(pending) == 0 {
			return
		}
		for _, p := range pending {
			if !p.callback.IsCallable() {
				continue
			}
			if _, err := e.interp.CallValue(e.bootRealm, p.callback, []Value{p.held}); err != nil {
				engineLog.Errorf("finalizer failed: %s", err.Error())
			}
		}
	}
}

// CollectGarbage forces a full stop-the-world cycle and runs the
// finalizers it queued.
func (e *Engine) CollectGarbage() {
	e.heap.CollectFull()
	e.runPendingFinalizers()
	e.drainMicrotasks()
}

// Close stops the JIT worker and marks the engine unusable. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.Interrupt()
	if e.jit != nil {
		e.jit.Stop()
	}
	engineLog.Infof("engine %s closed", e.id)
	return nil
}

// bigIntFromDigits materializes a bigint constant.
func (e *Engine) bigIntFromDigits(digits string) Value {
	n := new(big.Int)
	if _, ok := n.SetString(digits, 10); !ok {
		// Validated modules only carry decimal digits; defensive zero.
		n.SetInt64(0)
	}
	return e.heap.AllocBigInt(n)
}

func (e *Engine) printLine(s string) {
	fmt.Fprintln(e.Stdout, s)
}
