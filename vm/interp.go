package vm

import (
	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------
//
// A frame is a register file plus a pc; the call stack is a frame slice.
// Dispatch is one switch in a loop. Safepoints (interrupt poll, incremental
// GC work) run every SafepointInterval instructions and on every call and
// backward jump.

// tryRegion is one active try handler in a frame.
type tryRegion struct {
	handlerPC int
	reg       bytecode.Register
}

// frame is one activation record.
type frame struct {
	mod       *ModuleRecord
	fnIndex   bytecode.FuncIndex
	fn        *bytecode.Function
	closure   *ClosureObject // nil for module entry
	realm     *Realm
	regs      []Value
	pc        int
	tries     []tryRegion
	dst       bytecode.Register // caller register receiving the return value
	gen       *GeneratorObject  // owning generator, nil for plain calls
	resumeReg bytecode.Register // register receiving the resume value
}

// trace visits every heap reference the frame holds. Used both for live
// stack scanning and for suspended generator frames.
func (f *frame) trace(visit func(*GcHeader)) {
	for _, v := range f.regs {
		if v.IsPointer() && v != BailoutSentinel {
			visit(v.header())
		}
	}
	if f.closure != nil {
		visit(&f.closure.GcHeader)
	}
}

// suspension is a generator or async frame leaving the interpreter.
type suspension struct {
	gen   *GeneratorObject
	value Value // yielded value; Undefined for awaits
	await bool
}

// Interp executes bytecode frames for one engine.
type Interp struct {
	engine *Engine
	frames []*frame
	ticks  int
}

func newInterp(e *Engine) *Interp {
	return &Interp{engine: e}
}

// TraceRoots implements RootSet over the live frame stack.
func (in *Interp) TraceRoots(visit func(Value)) {
	for _, f := range in.frames {
		f.trace(func(h *GcHeader) { visit(h.value()) })
	}
}

// Depth returns the current call depth.
func (in *Interp) Depth() int { return len(in.frames) }

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func newFrame(mod *ModuleRecord, fnIndex bytecode.FuncIndex, realm *Realm, closure *ClosureObject, dst bytecode.Register, args []Value) *frame {
	fn := &mod.Module.Functions[fnIndex]
	regs := make([]Value, fn.Registers)
	for i := range regs {
		regs[i] = Undefined
	}
	n := copy(regs, args)
	for i := n; i < int(fn.Params); i++ {
		regs[i] = Undefined
	}
	return &frame{
		mod:     mod,
		fnIndex: fnIndex,
		fn:      fn,
		closure: closure,
		realm:   realm,
		regs:    regs,
		dst:     dst,
	}
}

func (in *Interp) pushFrame(f *frame) *thrown {
	if len(in.frames) >= in.engine.config.Interp.MaxFrames {
		return in.rangeError("maximum call stack size exceeded")
	}
	in.frames = append(in.frames, f)
	return nil
}

func (in *Interp) popFrame() *frame {
	f := in.frames[len(in.frames)-1]
	in.frames[len(in.frames)-1] = nil
	in.frames = in.frames[:len(in.frames)-1]
	return f
}

// ---------------------------------------------------------------------------
// Host entry points
// ---------------------------------------------------------------------------

// runModule executes a module's entry function in the given realm.
func (in *Interp) runModule(rec *ModuleRecord, realm *Realm) (Value, error) {
	f := newFrame(rec, rec.Module.Entry, realm, nil, 0, nil)
	return in.enter(f)
}

// CallValue invokes a callable from host code.
func (in *Interp) CallValue(realm *Realm, callee Value, args []Value) (Value, error) {
	v, th := in.callCallable(realm, callee, args)
	if th != nil {
		return Undefined, in.hostError(th)
	}
	return v, nil
}

// enter pushes a frame and runs it to completion.
func (in *Interp) enter(f *frame) (Value, error) {
	entry := len(in.frames)
	if th := in.pushFrame(f); th != nil {
		return Undefined, in.hostError(th)
	}
	v, susp, th := in.run(entry)
	if th != nil {
		return Undefined, in.hostError(th)
	}
	if susp != nil {
		// Entry functions are validated non-generator; unreachable.
		return Undefined, in.hostError(in.typeError("entry function suspended"))
	}
	return v, nil
}

// hostError converts an in-flight exception to a host error.
func (in *Interp) hostError(th *thrown) error {
	if th.termination {
		return ErrTerminated
	}
	return &ThrownError{Value: th.value, Stack: th.stack}
}

// callCallable dispatches a call from the host side, unwrapping bound
// functions and handling natives without entering the dispatch loop.
func (in *Interp) callCallable(realm *Realm, callee Value, args []Value) (Value, *thrown) {
	callee, args = unwrapBound(callee, args)
	if !callee.IsCallable() {
		return Undefined, in.typeError("%s is not a function", callee.TypeOf())
	}
	if callee.heapKind() == KindNativeFunction {
		return in.callNative(realm, asNative(callee), args)
	}
	cl := asClosure(callee)
	fn := cl.Fn()
	if fn.Flags.IsGenerator() || fn.Flags.IsAsync() {
		return in.startSuspendable(realm, cl, args)
	}
	f := newFrame(cl.Mod, cl.FnIndex, realm, cl, 0, args)
	entry := len(in.frames)
	if th := in.pushFrame(f); th != nil {
		return Undefined, th
	}
	v, _, th := in.run(entry)
	return v, th
}

func (in *Interp) callNative(realm *Realm, nf *NativeFunctionObject, args []Value) (Value, *thrown) {
	ctx := &NativeCtx{engine: in.engine, realm: realm, interp: in}
	v, err := nf.Fn(ctx, args)
	if err != nil {
		if te, ok := err.(*ThrownError); ok {
			return Undefined, &thrown{value: te.Value, stack: te.Stack}
		}
		return Undefined, in.guestError("Error", "%s", err.Error())
	}
	return v, nil
}

// unwrapBound flattens bound-function chains.
func unwrapBound(callee Value, args []Value) (Value, []Value) {
	for callee.isHeapKind(KindBoundFunction) {
		b := asBound(callee)
		if len(b.Bound) > 0 {
			merged := make([]Value, 0, len(b.Bound)+len(args))
			merged = append(merged, b.Bound...)
			merged = append(merged, args...)
			args = merged
		}
		callee = b.Target
	}
	return callee, args
}

// ---------------------------------------------------------------------------
// Safepoints
// ---------------------------------------------------------------------------

// safepoint polls the interrupt flag and advances GC work.
func (in *Interp) safepoint() *thrown {
	if in.engine.interrupted.Load() {
		return &thrown{termination: true}
	}
	in.engine.heap.Safepoint()
	return nil
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes frames above entry until the frame at entry returns, a
// generator suspends, or an exception escapes. Exactly one of the three
// results is set.
func (in *Interp) run(entry int) (Value, *suspension, *thrown) {
	interval := in.engine.config.Interp.SafepointInterval

	for {
		f := in.frames[len(in.frames)-1]
		ins := f.fn.Code[f.pc]
		f.pc++

		in.ticks++
		if in.ticks >= interval {
			in.ticks = 0
			if th := in.safepoint(); th != nil {
				if th2 := in.raise(entry, th); th2 != nil {
					return Undefined, nil, th2
				}
				continue
			}
		}

		th := in.step(f, ins)
		if th != nil {
			if th2 := in.raise(entry, th); th2 != nil {
				return Undefined, nil, th2
			}
			continue
		}

		switch ins.Op {
		case bytecode.OpReturn, bytecode.OpReturnUndef:
			ret := Undefined
			if ins.Op == bytecode.OpReturn {
				ret = f.regs[ins.A]
			}
			in.popFrame()
			if len(in.frames) == entry {
				return ret, nil, nil
			}
			caller := in.frames[len(in.frames)-1]
			caller.regs[f.dst] = ret

		case bytecode.OpYield:
			if f.gen == nil {
				if th2 := in.raise(entry, in.typeError("yield outside generator")); th2 != nil {
					return Undefined, nil, th2
				}
				continue
			}
			f.resumeReg = ins.A
			f.gen.State = GenSuspendedYield
			in.popFrame()
			return Undefined, &suspension{gen: f.gen, value: f.regs[ins.B]}, nil

		case bytecode.OpAwait:
			susp, th := in.await(f, ins)
			if th != nil {
				if th2 := in.raise(entry, th); th2 != nil {
					return Undefined, nil, th2
				}
				continue
			}
			if susp != nil {
				return Undefined, susp, nil
			}

		case bytecode.OpCall:
			if th := in.dispatchCall(f, ins); th != nil {
				if th2 := in.raise(entry, th); th2 != nil {
					return Undefined, nil, th2
				}
			}
		}
	}
}

// raise unwinds toward the nearest try handler above entry. It returns a
// non-nil thrown when the exception escapes this run invocation.
// Termination is never caught.
func (in *Interp) raise(entry int, th *thrown) *thrown {
	for len(in.frames) > entry {
		f := in.frames[len(in.frames)-1]
		if !th.termination && len(f.tries) > 0 {
			tr := f.tries[len(f.tries)-1]
			f.tries = f.tries[:len(f.tries)-1]
			f.pc = tr.handlerPC
			f.regs[tr.reg] = th.value
			return nil
		}
		in.popFrame()
	}
	return th
}

// ---------------------------------------------------------------------------
// Single-instruction execution
// ---------------------------------------------------------------------------

// step executes every opcode except the four control transfers handled in
// run (return, yield, await, call completion). A non-nil result is an
// exception to raise.
func (in *Interp) step(f *frame, ins bytecode.Instruction) *thrown {
	regs := f.regs
	heap := in.engine.heap

	switch ins.Op {
	case bytecode.OpNop:

	case bytecode.OpLoadConst:
		regs[ins.A] = in.constValue(f.mod, bytecode.ConstIndex(ins.Imm))
	case bytecode.OpLoadInt32:
		regs[ins.A] = BoxInt32(ins.Imm)
	case bytecode.OpLoadUndefined:
		regs[ins.A] = Undefined
	case bytecode.OpLoadNull:
		regs[ins.A] = Null
	case bytecode.OpLoadTrue:
		regs[ins.A] = True
	case bytecode.OpLoadFalse:
		regs[ins.A] = False
	case bytecode.OpMove:
		regs[ins.A] = regs[ins.B]

	case bytecode.OpGetGlobal:
		name := f.mod.Module.Constants[ins.Imm].Str
		v, ok := in.globalLookup(f, name, ins.IC)
		if !ok {
			return in.referenceError("%s is not defined", name)
		}
		regs[ins.A] = v
	case bytecode.OpSetGlobal:
		name := f.mod.Module.Constants[ins.Imm].Str
		in.globalStore(f, name, ins.IC, regs[ins.A])
	case bytecode.OpGetUpvalue:
		regs[ins.A] = f.closure.Upvalues[ins.Imm].V
	case bytecode.OpSetUpvalue:
		cell := f.closure.Upvalues[ins.Imm]
		heap.WriteBarrier(&cell.GcHeader, regs[ins.A], cell.V)
		cell.V = regs[ins.A]
	case bytecode.OpCellNew:
		regs[ins.A] = heap.AllocCell(regs[ins.B]).value()
	case bytecode.OpCellGet:
		if !regs[ins.B].isHeapKind(KindCell) {
			return in.typeError("not a cell")
		}
		regs[ins.A] = asCell(regs[ins.B]).V
	case bytecode.OpCellSet:
		if !regs[ins.A].isHeapKind(KindCell) {
			return in.typeError("not a cell")
		}
		cell := asCell(regs[ins.A])
		heap.WriteBarrier(&cell.GcHeader, regs[ins.B], cell.V)
		cell.V = regs[ins.B]

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		return in.arith(f, ins)
	case bytecode.OpNeg:
		v := regs[ins.B]
		f.mod.feedbackAt(f.fnIndex, ins.IC).record(v)
		switch {
		case v.IsInt32() && v.AsInt32() != minInt32:
			regs[ins.A] = BoxInt32(-v.AsInt32())
		case v.IsNumber():
			regs[ins.A] = BoxFloat64(-v.NumberValue())
		default:
			return in.typeError("cannot negate %s", v.TypeOf())
		}
	case bytecode.OpNot:
		regs[ins.A] = BoxBool(!regs[ins.B].Truthy())

	case bytecode.OpEq:
		return in.looseEq(f, ins, false)
	case bytecode.OpNe:
		return in.looseEq(f, ins, true)
	case bytecode.OpStrictEq:
		regs[ins.A] = BoxBool(StrictEquals(regs[ins.B], regs[ins.C]))
	case bytecode.OpStrictNe:
		regs[ins.A] = BoxBool(!StrictEquals(regs[ins.B], regs[ins.C]))
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return in.compare(f, ins)
	case bytecode.OpTypeof:
		regs[ins.A] = heap.AllocString(regs[ins.B].TypeOf())

	case bytecode.OpNewObject:
		regs[ins.A] = heap.AllocObject(Null, f.realm.rootShape)
	case bytecode.OpNewArray:
		regs[ins.A] = heap.AllocArray(int(ins.Imm))
	case bytecode.OpGetProp:
		return in.getProp(f, ins)
	case bytecode.OpSetProp:
		return in.setProp(f, ins)
	case bytecode.OpGetElem:
		return in.getElem(f, ins)
	case bytecode.OpSetElem:
		return in.setElem(f, ins)

	case bytecode.OpJump:
		f.pc += int(ins.Imm)
		if ins.Imm < 0 {
			return in.safepoint()
		}
	case bytecode.OpJumpIfTrue:
		if regs[ins.A].Truthy() {
			f.pc += int(ins.Imm)
			if ins.Imm < 0 {
				return in.safepoint()
			}
		}
	case bytecode.OpJumpIfFalse:
		if !regs[ins.A].Truthy() {
			f.pc += int(ins.Imm)
			if ins.Imm < 0 {
				return in.safepoint()
			}
		}
	case bytecode.OpClosure:
		return in.makeClosure(f, ins)

	case bytecode.OpThrow:
		return &thrown{value: regs[ins.A], stack: in.captureStack()}
	case bytecode.OpTryPush:
		f.tries = append(f.tries, tryRegion{handlerPC: f.pc + int(ins.Imm), reg: ins.A})
	case bytecode.OpTryPop:
		if len(f.tries) > 0 {
			f.tries = f.tries[:len(f.tries)-1]
		}

	case bytecode.OpCall, bytecode.OpReturn, bytecode.OpReturnUndef, bytecode.OpYield, bytecode.OpAwait:
		// Handled by run.
	}
	return nil
}

const minInt32 = int32(-1 << 31)

// constValue materializes a constant pool entry.
func (in *Interp) constValue(mod *ModuleRecord, idx bytecode.ConstIndex) Value {
	c := mod.Module.Constants[idx]
	switch c.Kind {
	case bytecode.ConstUndefined:
		return Undefined
	case bytecode.ConstNull:
		return Null
	case bytecode.ConstBool:
		return BoxBool(c.Bool)
	case bytecode.ConstInt32:
		return BoxInt32(c.Int)
	case bytecode.ConstFloat64:
		return BoxFloat64(c.Float)
	case bytecode.ConstString:
		return in.engine.heap.AllocString(c.Str)
	case bytecode.ConstBigInt:
		return in.engine.bigIntFromDigits(c.Str)
	default:
		return Undefined
	}
}

// globalLookup reads a global with an inline cache over the globals
// object's shape.
func (in *Interp) globalLookup(f *frame, name string, slot uint16) (Value, bool) {
	obj := asObject(f.realm.globals)
	cache := f.mod.cache(f.fnIndex, slot)
	if s, ok := cache.lookup(obj.shape.id); ok {
		return obj.slots[s], true
	}
	if s := obj.shape.lookup(name); s >= 0 {
		cache.record(obj.shape.id, s)
		return obj.slots[s], true
	}
	return Undefined, false
}

// globalStore writes a global through the same shape cache globalLookup
// fills. Creating a new global grows the globals shape, so that path stays
// uncached.
func (in *Interp) globalStore(f *frame, name string, slot uint16, v Value) {
	obj := asObject(f.realm.globals)
	cache := f.mod.cache(f.fnIndex, slot)
	heap := in.engine.heap
	if s, ok := cache.lookup(obj.shape.id); ok {
		heap.WriteBarrier(&obj.GcHeader, v, obj.slots[s])
		obj.slots[s] = v
		return
	}
	if s := obj.shape.lookup(name); s >= 0 {
		cache.record(obj.shape.id, s)
		heap.WriteBarrier(&obj.GcHeader, v, obj.slots[s])
		obj.slots[s] = v
		return
	}
	f.realm.SetGlobal(name, v)
}
