package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/ospreyjs/osprey/bytecode"
)

var jitLog = commonlog.GetLogger("osprey.jit")

// ---------------------------------------------------------------------------
// Tiered compilation
// ---------------------------------------------------------------------------
//
// Every bytecode call increments the callee's profile counter. Crossing the
// hot threshold enqueues a compile request keyed by (module id, function
// index); the queue deduplicates, and a key stays reserved from enqueue
// until the compile finishes, so at most one compile per function is ever
// in flight. A background worker compiles requests into Go closures and
// publishes them with an atomic pointer; the interpreter picks an artifact
// up at the next call.
//
// Compiled code returns BailoutSentinel when a type guard fails; the caller
// then re-executes the call in the interpreter. Guards all run before any
// effect (the supported opcode subset is effect-free), so the re-execution
// observes exactly-once semantics. DeoptThreshold bailouts permanently
// deoptimize the function: artifact dropped, never requeued.

// jitKey identifies one function across all loaded modules.
type jitKey struct {
	moduleID uint64
	fnIndex  uint32
}

// compiledArtifact is a published compilation result.
type compiledArtifact struct {
	fn func(args []Value) Value
}

// funcProfile is the per-function runtime profile. All fields are atomics:
// the interpreter owns the updates, the JIT worker publishes the artifact.
type funcProfile struct {
	calls    atomic.Uint32
	bailouts atomic.Uint32
	deopted  atomic.Bool
	artifact atomic.Pointer[compiledArtifact]
}

// jitRequest is one queued compile.
type jitRequest struct {
	key     jitKey
	mod     *ModuleRecord
	fnIndex bytecode.FuncIndex
}

// JitStats is a snapshot of JIT activity.
type JitStats struct {
	Enqueued     uint64
	Deduplicated uint64
	Compiled     uint64
	Ineligible   uint64
	Bailouts     uint64
	Deopts       uint64
}

// JIT owns the compile queue and the background worker.
type JIT struct {
	cfg JitConfig

	// interrupted is the engine's interrupt flag; compiled loops poll it
	// so Interrupt reaches code running outside the interpreter.
	interrupted *atomic.Bool

	mu       sync.Mutex
	inFlight map[jitKey]struct{}
	pending  chan jitRequest
	closed   bool

	group  *errgroup.Group
	cancel context.CancelFunc

	enqueued   atomic.Uint64
	deduped    atomic.Uint64
	compiled   atomic.Uint64
	ineligible atomic.Uint64
	bailouts   atomic.Uint64
	deopts     atomic.Uint64
}

// newJIT starts the background compilation worker.
func newJIT(cfg JitConfig, interrupted *atomic.Bool) *JIT {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	j := &JIT{
		cfg:         cfg,
		interrupted: interrupted,
		inFlight:    make(map[jitKey]struct{}),
		pending:     make(chan jitRequest, cfg.QueueDepth),
		group:       group,
		cancel:      cancel,
	}
	group.Go(func() error {
		j.worker(ctx)
		return nil
	})
	return j
}

// Stop shuts the worker down and waits for it. Safe to call more than once.
func (j *JIT) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.pending)
	j.mu.Unlock()

	j.cancel()
	_ = j.group.Wait()
}

// Stats returns a snapshot of JIT counters.
func (j *JIT) Stats() JitStats {
	return JitStats{
		Enqueued:     j.enqueued.Load(),
		Deduplicated: j.deduped.Load(),
		Compiled:     j.compiled.Load(),
		Ineligible:   j.ineligible.Load(),
		Bailouts:     j.bailouts.Load(),
		Deopts:       j.deopts.Load(),
	}
}

// Enqueue requests compilation of a function. It returns false when the
// function is already pending or in flight, permanently deoptimized, not
// eligible (async/generator), or the queue is saturated. A key freed by
// markFinished can be enqueued again.
func (j *JIT) Enqueue(mod *ModuleRecord, fnIndex bytecode.FuncIndex) bool {
	fn := &mod.Module.Functions[fnIndex]
	if fn.Flags.IsAsync() || fn.Flags.IsGenerator() {
		j.ineligible.Add(1)
		return false
	}
	if mod.profile(fnIndex).deopted.Load() {
		return false
	}
	key := jitKey{moduleID: mod.ID, fnIndex: uint32(fnIndex)}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	if _, dup := j.inFlight[key]; dup {
		j.deduped.Add(1)
		return false
	}
	select {
	case j.pending <- jitRequest{key: key, mod: mod, fnIndex: fnIndex}:
		j.inFlight[key] = struct{}{}
		j.enqueued.Add(1)
		return true
	default:
		return false
	}
}

// markFinished releases a key so the function may be requested again.
func (j *JIT) markFinished(key jitKey) {
	j.mu.Lock()
	delete(j.inFlight, key)
	j.mu.Unlock()
}

// worker consumes compile requests until Stop.
func (j *JIT) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-j.pending:
			if !ok {
				return
			}
			j.compileOne(req)
		}
	}
}

func (j *JIT) compileOne(req jitRequest) {
	defer j.markFinished(req.key)

	fn := &req.mod.Module.Functions[req.fnIndex]
	artifact, err := compileFunction(req.mod, req.fnIndex, j.interrupted)
	if err != nil {
		j.ineligible.Add(1)
		jitLog.Debugf("not compiling %s: %s", fn.Name, err.Error())
		return
	}
	prof := req.mod.profile(req.fnIndex)
	if prof.deopted.Load() {
		return
	}
	prof.artifact.Store(artifact)
	j.compiled.Add(1)
	jitLog.Debugf("compiled %s (module %d, fn %d)", fn.Name, req.key.moduleID, req.key.fnIndex)
}

// ---------------------------------------------------------------------------
// Interpreter-side tiering hook
// ---------------------------------------------------------------------------

// tryCompiled counts a call and runs the compiled artifact when one is
// published. ok reports that the artifact produced the result; a bailout
// falls back to the interpreter and counts toward deoptimization.
func (j *JIT) tryCompiled(in *Interp, cl *ClosureObject, prof *funcProfile, args []Value) (Value, bool, *thrown) {
	calls := prof.calls.Add(1)

	if prof.deopted.Load() {
		return Undefined, false, nil
	}
	if art := prof.artifact.Load(); art != nil {
		res := art.fn(args)
		if res != BailoutSentinel {
			return res, true, nil
		}
		if j.interrupted != nil && j.interrupted.Load() {
			// Interrupt exit, not a guard failure; the interpreter's next
			// safepoint raises the termination. Never counts toward deopt.
			return Undefined, false, nil
		}
		j.bailouts.Add(1)
		if n := prof.bailouts.Add(1); n >= j.cfg.DeoptThreshold {
			if prof.deopted.CompareAndSwap(false, true) {
				prof.artifact.Store(nil)
				j.deopts.Add(1)
				jitLog.Debugf("deoptimized %s after %d bailouts", cl.Fn().Name, n)
			}
		}
		return Undefined, false, nil
	}
	if calls == j.cfg.HotThreshold {
		j.Enqueue(cl.Mod, cl.FnIndex)
	}
	return Undefined, false, nil
}
