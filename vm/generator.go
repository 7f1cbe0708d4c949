package vm

import "github.com/ospreyjs/osprey/bytecode"

// ---------------------------------------------------------------------------
// Generators and async functions
// ---------------------------------------------------------------------------
//
// A generator call does not run the body: it captures a fresh frame inside
// a GeneratorObject. Resuming pushes that frame back and runs until the
// next Yield, a return, or an escaping throw. Async functions are the same
// machinery started eagerly and driven by promise reactions through the
// microtask queue; their Yield-equivalent is Await.

// startSuspendable handles a call to a generator or async function.
func (in *Interp) startSuspendable(realm *Realm, cl *ClosureObject, args []Value) (Value, *thrown) {
	fn := cl.Fn()
	f := newFrame(cl.Mod, cl.FnIndex, realm, cl, 0, args)
	gen := in.engine.heap.AllocGenerator(f, fn.Flags.IsAsync())
	f.gen = gen

	if !fn.Flags.IsAsync() {
		return gen.value(), nil
	}

	// Async functions run synchronously until the first await.
	gen.Result = in.engine.heap.AllocPromise()
	promise := gen.Result
	in.driveAsync(gen, Undefined, false)
	return promise.value(), nil
}

// resumeMode says how a suspended frame is re-entered.
type resumeMode uint8

const (
	resumeNext resumeMode = iota
	resumeThrow
	resumeReturn
)

// GeneratorResult is what a resume produced.
type GeneratorResult struct {
	Value Value
	Done  bool
}

// ResumeGenerator drives a sync generator one step (generator.next/throw/
// return semantics). Not for async frames; those are driven by microtasks.
func (in *Interp) ResumeGenerator(genVal Value, sent Value, mode resumeMode) (GeneratorResult, *thrown) {
	if !genVal.isHeapKind(KindGenerator) {
		return GeneratorResult{}, in.typeError("not a generator")
	}
	gen := asGenerator(genVal)
	if gen.Async {
		return GeneratorResult{}, in.typeError("cannot resume an async frame directly")
	}
	switch gen.State {
	case GenRunning:
		return GeneratorResult{}, in.typeError("generator is already running")
	case GenDone:
		if mode == resumeThrow {
			return GeneratorResult{}, &thrown{value: sent, stack: in.captureStack()}
		}
		return GeneratorResult{Value: Undefined, Done: true}, nil
	}
	if mode == resumeReturn {
		gen.State = GenDone
		gen.Frame = nil
		return GeneratorResult{Value: sent, Done: true}, nil
	}

	value, susp, th := in.reenter(gen, sent, mode)
	if th != nil {
		gen.State = GenDone
		gen.Frame = nil
		return GeneratorResult{}, th
	}
	if susp != nil {
		return GeneratorResult{Value: susp.value, Done: false}, nil
	}
	gen.State = GenDone
	gen.Frame = nil
	return GeneratorResult{Value: value, Done: true}, nil
}

// reenter pushes a suspended frame and runs it.
func (in *Interp) reenter(gen *GeneratorObject, sent Value, mode resumeMode) (Value, *suspension, *thrown) {
	f := gen.Frame
	entry := len(in.frames)
	if th := in.pushFrame(f); th != nil {
		return Undefined, nil, th
	}
	first := gen.State == GenSuspendedStart
	gen.State = GenRunning

	if !first {
		f.regs[f.resumeReg] = sent
	}
	if mode == resumeThrow {
		th := &thrown{value: sent, stack: in.captureStack()}
		if th2 := in.raise(entry, th); th2 != nil {
			return Undefined, nil, th2
		}
	}
	return in.run(entry)
}

// driveAsync runs an async frame until it awaits again or finishes, then
// settles its promise accordingly.
func (in *Interp) driveAsync(gen *GeneratorObject, sent Value, rethrow bool) {
	if gen.State == GenDone {
		return
	}
	mode := resumeNext
	if rethrow {
		mode = resumeThrow
	}
	value, susp, th := in.reenter(gen, sent, mode)
	switch {
	case th != nil:
		gen.State = GenDone
		gen.Frame = nil
		if th.termination {
			// Interrupted: leave the promise pending; the engine is
			// shutting execution down.
			return
		}
		in.settlePromise(gen.Result, PromiseRejected, th.value)
	case susp != nil:
		// Parked on a promise; a reaction will call driveAsync again.
	default:
		gen.State = GenDone
		gen.Frame = nil
		in.settlePromise(gen.Result, PromiseFulfilled, value)
	}
}

// await implements OpAwait inside run: settle immediately when possible,
// otherwise park the frame on the promise.
func (in *Interp) await(f *frame, ins bytecode.Instruction) (*suspension, *thrown) {
	if f.gen == nil || !f.gen.Async {
		return nil, in.typeError("await outside async function")
	}
	v := f.regs[ins.B]
	if !v.isHeapKind(KindPromise) {
		// Awaiting a plain value completes immediately.
		f.regs[ins.A] = v
		return nil, nil
	}
	p := asPromise(v)
	switch p.State {
	case PromiseFulfilled:
		f.regs[ins.A] = p.Outcome
		return nil, nil
	case PromiseRejected:
		return nil, &thrown{value: p.Outcome, stack: in.captureStack()}
	}
	f.resumeReg = ins.A
	f.gen.State = GenSuspendedYield
	p.reactions = append(p.reactions, promiseReaction{gen: f.gen})
	in.popFrame()
	return &suspension{gen: f.gen, await: true}, nil
}

// ---------------------------------------------------------------------------
// Promises and microtasks
// ---------------------------------------------------------------------------

// settlePromise transitions a pending promise and schedules its reactions.
// Settling an already-settled promise is a no-op.
func (in *Interp) settlePromise(p *PromiseObject, state PromiseState, outcome Value) {
	if p.State != PromisePending {
		return
	}
	in.engine.heap.WriteBarrier(&p.GcHeader, outcome, p.Outcome)
	p.State = state
	p.Outcome = outcome
	reactions := p.reactions
	p.reactions = nil
	for _, r := range reactions {
		in.scheduleReaction(r, state, outcome)
	}
}

func (in *Interp) scheduleReaction(r promiseReaction, state PromiseState, outcome Value) {
	e := in.engine
	switch {
	case r.gen != nil:
		gen := r.gen
		e.enqueueMicrotask(func() {
			in.driveAsync(gen, outcome, state == PromiseRejected)
		}, gen.value(), outcome)
	case r.fn.IsCallable():
		if r.dstValue && state != PromiseFulfilled {
			return
		}
		if !r.dstValue && state != PromiseRejected {
			return
		}
		fn := r.fn
		realm := e.bootRealm
		e.enqueueMicrotask(func() {
			if _, err := in.CallValue(realm, fn, []Value{outcome}); err != nil {
				engineLog.Errorf("promise reaction failed: %s", err.Error())
			}
		}, fn, outcome)
	}
}

// PromiseThen registers fulfil/reject callbacks. Used by the host promise
// natives; settled promises schedule immediately.
func (in *Interp) PromiseThen(promiseVal Value, onFulfil, onReject Value) *thrown {
	if !promiseVal.isHeapKind(KindPromise) {
		return in.typeError("not a promise")
	}
	p := asPromise(promiseVal)
	heap := in.engine.heap
	if onFulfil.IsCallable() {
		r := promiseReaction{dstValue: true, fn: onFulfil}
		if p.State == PromisePending {
			heap.WriteBarrier(&p.GcHeader, onFulfil, Undefined)
			p.reactions = append(p.reactions, r)
		} else {
			in.scheduleReaction(r, p.State, p.Outcome)
		}
	}
	if onReject.IsCallable() {
		r := promiseReaction{dstValue: false, fn: onReject}
		if p.State == PromisePending {
			heap.WriteBarrier(&p.GcHeader, onReject, Undefined)
			p.reactions = append(p.reactions, r)
		} else {
			in.scheduleReaction(r, p.State, p.Outcome)
		}
	}
	return nil
}
