package vm

import (
	"math"
	"strconv"
	"strings"

	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// addInt32 adds with overflow detection.
func addInt32(a, b int32) (int32, bool) {
	s := a + b
	if (s > a) == (b > 0) {
		return s, true
	}
	return 0, false
}

func subInt32(a, b int32) (int32, bool) {
	d := a - b
	if (d < a) == (b > 0) {
		return d, true
	}
	return 0, false
}

func mulInt32(a, b int32) (int32, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b == a && !(a == -1 && b == minInt32) && !(b == -1 && a == minInt32) {
		return p, true
	}
	return 0, false
}

// arith executes the binary numeric ops, with an int32 fast path that
// promotes to float64 on overflow, and string concatenation for +.
func (in *Interp) arith(f *frame, ins bytecode.Instruction) *thrown {
	b, c := f.regs[ins.B], f.regs[ins.C]
	fb := f.mod.feedbackAt(f.fnIndex, ins.IC)
	fb.record(b)
	fb.record(c)

	if b.IsInt32() && c.IsInt32() {
		bi, ci := b.AsInt32(), c.AsInt32()
		switch ins.Op {
		case bytecode.OpAdd:
			if r, ok := addInt32(bi, ci); ok {
				f.regs[ins.A] = BoxInt32(r)
				return nil
			}
		case bytecode.OpSub:
			if r, ok := subInt32(bi, ci); ok {
				f.regs[ins.A] = BoxInt32(r)
				return nil
			}
		case bytecode.OpMul:
			if r, ok := mulInt32(bi, ci); ok {
				f.regs[ins.A] = BoxInt32(r)
				return nil
			}
		case bytecode.OpDiv:
			// Division leaves the int32 domain unless it is exact.
			if ci != 0 && bi%ci == 0 && !(bi == minInt32 && ci == -1) {
				f.regs[ins.A] = BoxInt32(bi / ci)
				return nil
			}
		case bytecode.OpMod:
			if ci != 0 && !(bi == minInt32 && ci == -1) {
				f.regs[ins.A] = BoxInt32(bi % ci)
				return nil
			}
		}
		// Fall through to the float path on overflow or domain exit.
	}

	if b.IsNumber() && c.IsNumber() {
		bf, cf := b.NumberValue(), c.NumberValue()
		var r float64
		switch ins.Op {
		case bytecode.OpAdd:
			r = bf + cf
		case bytecode.OpSub:
			r = bf - cf
		case bytecode.OpMul:
			r = bf * cf
		case bytecode.OpDiv:
			r = bf / cf
		case bytecode.OpMod:
			r = math.Mod(bf, cf)
		}
		f.regs[ins.A] = BoxFloat64(r)
		return nil
	}

	if ins.Op == bytecode.OpAdd && (b.IsString() || c.IsString()) {
		bs, ok1 := primToString(b)
		cs, ok2 := primToString(c)
		if ok1 && ok2 {
			f.regs[ins.A] = in.engine.heap.AllocString(bs + cs)
			return nil
		}
	}
	return in.typeError("cannot apply %s to %s and %s", ins.Op, b.TypeOf(), c.TypeOf())
}

// compare executes <, <=, >, >= over numbers and strings.
func (in *Interp) compare(f *frame, ins bytecode.Instruction) *thrown {
	b, c := f.regs[ins.B], f.regs[ins.C]
	fb := f.mod.feedbackAt(f.fnIndex, ins.IC)
	fb.record(b)
	fb.record(c)

	var lt, eq bool
	switch {
	case b.IsNumber() && c.IsNumber():
		bf, cf := b.NumberValue(), c.NumberValue()
		if bf != bf || cf != cf {
			// NaN: every ordering comparison is false.
			f.regs[ins.A] = False
			return nil
		}
		lt, eq = bf < cf, bf == cf
	case b.IsString() && c.IsString():
		bs, cs := asString(b).Val, asString(c).Val
		lt, eq = bs < cs, bs == cs
	default:
		return in.typeError("cannot compare %s and %s", b.TypeOf(), c.TypeOf())
	}

	var r bool
	switch ins.Op {
	case bytecode.OpLt:
		r = lt
	case bytecode.OpLe:
		r = lt || eq
	case bytecode.OpGt:
		r = !lt && !eq
	case bytecode.OpGe:
		r = !lt
	}
	f.regs[ins.A] = BoxBool(r)
	return nil
}

// looseEq implements == over the supported conversions: null/undefined
// equivalence, numeric cross-representation equality, string-to-number, and
// boolean-to-number. Object-to-primitive coercion is not performed; objects
// compare by identity.
func (in *Interp) looseEq(f *frame, ins bytecode.Instruction, negate bool) *thrown {
	b, c := f.regs[ins.B], f.regs[ins.C]
	fb := f.mod.feedbackAt(f.fnIndex, ins.IC)
	fb.record(b)
	fb.record(c)
	r := looseEquals(b, c)
	if negate {
		r = !r
	}
	f.regs[ins.A] = BoxBool(r)
	return nil
}

func looseEquals(a, b Value) bool {
	if StrictEquals(a, b) {
		return true
	}
	if a.IsNullish() && b.IsNullish() {
		return true
	}
	an, aok := looseToNumber(a)
	bn, bok := looseToNumber(b)
	if aok && bok {
		return an == bn
	}
	return false
}

// looseToNumber converts primitives to numbers for ==. Objects, symbols,
// and nullish values do not convert.
func looseToNumber(v Value) (float64, bool) {
	switch {
	case v.IsNumber():
		return v.NumberValue(), true
	case v == True:
		return 1, true
	case v == False:
		return 0, true
	case v.IsString():
		s := strings.TrimSpace(asString(v).Val)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// primToString renders primitives for string concatenation. Objects are
// not coerced (no toString protocol in the core).
func primToString(v Value) (string, bool) {
	switch {
	case v.IsString():
		return asString(v).Val, true
	case v.IsNumber(), v.IsBool(), v == Null, v == Undefined:
		return v.Format(), true
	case v.isHeapKind(KindBigInt):
		return asBigInt(v).Val.String(), true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Properties and elements
// ---------------------------------------------------------------------------

func (in *Interp) getProp(f *frame, ins bytecode.Instruction) *thrown {
	obj := f.regs[ins.B]
	name := f.mod.Module.Constants[ins.Imm].Str

	if obj.IsNullish() {
		return in.typeError("cannot read property %q of %s", name, obj.TypeOf())
	}
	if obj.isHeapKind(KindPlainObject) {
		po := asObject(obj)
		cache := f.mod.cache(f.fnIndex, ins.IC)
		if slot, ok := cache.lookup(po.shape.id); ok {
			f.regs[ins.A] = po.slots[slot]
			return nil
		}
		if slot := po.shape.lookup(name); slot >= 0 {
			cache.record(po.shape.id, slot)
			f.regs[ins.A] = po.slots[slot]
			return nil
		}
		v, _ := po.get(name) // proto chain; absent -> Undefined
		f.regs[ins.A] = v
		return nil
	}
	if name == "length" {
		switch {
		case obj.isHeapKind(KindArray):
			f.regs[ins.A] = BoxInt32(int32(len(asArray(obj).Elems)))
			return nil
		case obj.IsString():
			f.regs[ins.A] = BoxInt32(int32(len(asString(obj).Val)))
			return nil
		}
	}
	if obj.isHeapKind(KindError) {
		e := asError(obj)
		switch name {
		case "name":
			f.regs[ins.A] = in.engine.heap.AllocString(e.ErrName)
			return nil
		case "message":
			f.regs[ins.A] = in.engine.heap.AllocString(e.Message)
			return nil
		case "stack":
			f.regs[ins.A] = in.engine.heap.AllocString(formatStack(e))
			return nil
		}
	}
	f.regs[ins.A] = Undefined
	return nil
}

func formatStack(e *ErrorObject) string {
	var sb strings.Builder
	sb.WriteString(e.ErrName)
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	for _, fr := range e.Stack {
		sb.WriteString("\n  at ")
		sb.WriteString(fr.Function)
		sb.WriteString(" (")
		sb.WriteString(fr.Module)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(fr.PC))
		sb.WriteString(")")
	}
	return sb.String()
}

func (in *Interp) setProp(f *frame, ins bytecode.Instruction) *thrown {
	obj := f.regs[ins.A]
	val := f.regs[ins.B]
	name := f.mod.Module.Constants[ins.Imm].Str

	if !obj.isHeapKind(KindPlainObject) {
		return in.typeError("cannot set property %q on %s", name, obj.TypeOf())
	}
	po := asObject(obj)
	heap := in.engine.heap
	cache := f.mod.cache(f.fnIndex, ins.IC)
	if slot, ok := cache.lookup(po.shape.id); ok {
		heap.WriteBarrier(&po.GcHeader, val, po.slots[slot])
		po.slots[slot] = val
		return nil
	}
	if slot := po.shape.lookup(name); slot >= 0 {
		cache.record(po.shape.id, slot)
		heap.WriteBarrier(&po.GcHeader, val, po.slots[slot])
		po.slots[slot] = val
		return nil
	}
	heap.WriteBarrier(&po.GcHeader, val, Undefined)
	po.define(name, val)
	return nil
}

func (in *Interp) getElem(f *frame, ins bytecode.Instruction) *thrown {
	obj, key := f.regs[ins.B], f.regs[ins.C]
	switch {
	case obj.isHeapKind(KindArray):
		a := asArray(obj)
		i, ok := indexOf(key)
		if !ok || i < 0 || i >= len(a.Elems) {
			f.regs[ins.A] = Undefined
			return nil
		}
		v := a.Elems[i]
		if v == Hole {
			v = Undefined
		}
		f.regs[ins.A] = v
		return nil
	case obj.IsString():
		s := asString(obj).Val
		i, ok := indexOf(key)
		if !ok || i < 0 || i >= len(s) {
			f.regs[ins.A] = Undefined
			return nil
		}
		f.regs[ins.A] = in.engine.heap.AllocString(s[i : i+1])
		return nil
	case obj.isHeapKind(KindMap):
		v, ok := mapGet(asMap(obj), key)
		if !ok {
			v = Undefined
		}
		f.regs[ins.A] = v
		return nil
	case obj.IsNullish():
		return in.typeError("cannot index %s", obj.TypeOf())
	default:
		f.regs[ins.A] = Undefined
		return nil
	}
}

func (in *Interp) setElem(f *frame, ins bytecode.Instruction) *thrown {
	obj, key, val := f.regs[ins.A], f.regs[ins.B], f.regs[ins.C]
	heap := in.engine.heap
	switch {
	case obj.isHeapKind(KindArray):
		a := asArray(obj)
		i, ok := indexOf(key)
		if !ok || i < 0 {
			return in.rangeError("invalid array index")
		}
		for len(a.Elems) <= i {
			a.Elems = append(a.Elems, Hole)
		}
		heap.WriteBarrier(&a.GcHeader, val, a.Elems[i])
		a.Elems[i] = val
		return nil
	case obj.isHeapKind(KindMap):
		heap.MapSet(asMap(obj), key, val)
		return nil
	default:
		return in.typeError("cannot index-assign %s", obj.TypeOf())
	}
}

// indexOf converts a value to an element index.
func indexOf(v Value) (int, bool) {
	switch {
	case v.IsInt32():
		return int(v.AsInt32()), true
	case v.IsFloat64():
		f := v.AsFloat64()
		i := int(f)
		if float64(i) == f {
			return i, true
		}
	}
	return 0, false
}

// mapGet finds a key with SameValueZero semantics (strings by content).
func mapGet(m *MapObject, key Value) (Value, bool) {
	for _, e := range m.entries {
		if sameValueZero(e.key, key) {
			return e.val, true
		}
	}
	return Undefined, false
}

// sameValueZero is StrictEquals except NaN equals NaN.
func sameValueZero(a, b Value) bool {
	if a == b {
		return true // includes NaN == NaN by identical bits
	}
	return StrictEquals(a, b)
}

// ---------------------------------------------------------------------------
// Closures and calls
// ---------------------------------------------------------------------------

func (in *Interp) makeClosure(f *frame, ins bytecode.Instruction) *thrown {
	target := bytecode.FuncIndex(ins.Imm)
	captures := f.mod.Module.Functions[target].Upvalues
	cells := make([]*CellObject, len(captures))
	for i, cap := range captures {
		switch cap.Kind {
		case bytecode.CaptureLocal:
			v := f.regs[cap.Index]
			if !v.isHeapKind(KindCell) {
				return in.typeError("captured local %d is not a cell", cap.Index)
			}
			cells[i] = asCell(v)
		case bytecode.CaptureUpvalue:
			cells[i] = f.closure.Upvalues[cap.Index]
		}
	}
	f.regs[ins.A] = in.engine.heap.AllocClosure(f.mod, target, cells)
	return nil
}

// dispatchCall executes OpCall: JIT artifact, bytecode frame push, native,
// or suspendable start, depending on the callee.
func (in *Interp) dispatchCall(f *frame, ins bytecode.Instruction) *thrown {
	argc := int(ins.C)
	callee := f.regs[ins.B]
	args := f.regs[int(ins.B)+1 : int(ins.B)+1+argc]

	callee, args = unwrapBound(callee, args)
	if !callee.IsCallable() {
		return in.typeError("%s is not a function", callee.TypeOf())
	}

	if callee.heapKind() == KindNativeFunction {
		v, th := in.callNative(f.realm, asNative(callee), args)
		if th != nil {
			return th
		}
		f.regs[ins.A] = v
		return nil
	}

	cl := asClosure(callee)
	fn := cl.Fn()
	if fn.Flags.IsGenerator() || fn.Flags.IsAsync() {
		v, th := in.startSuspendable(f.realm, cl, args)
		if th != nil {
			return th
		}
		f.regs[ins.A] = v
		return nil
	}

	// Tiering: count the call, try the compiled artifact, queue when hot.
	if jit := in.engine.jit; jit != nil {
		prof := cl.Mod.profile(cl.FnIndex)
		if v, ok, th := jit.tryCompiled(in, cl, prof, args); th != nil {
			return th
		} else if ok {
			f.regs[ins.A] = v
			return nil
		}
	}

	callFrame := newFrame(cl.Mod, cl.FnIndex, f.realm, cl, ins.A, args)
	if th := in.safepoint(); th != nil {
		return th
	}
	return in.pushFrame(callFrame)
}
