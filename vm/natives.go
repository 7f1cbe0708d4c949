package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Host function boundary
// ---------------------------------------------------------------------------

// NativeCtx is the per-call context handed to host functions.
type NativeCtx struct {
	engine *Engine
	realm  *Realm
	interp *Interp
}

// Engine returns the calling engine.
func (c *NativeCtx) Engine() *Engine { return c.engine }

// Realm returns the realm the call originated in.
func (c *NativeCtx) Realm() *Realm { return c.realm }

// Heap returns the engine's heap.
func (c *NativeCtx) Heap() *Heap { return c.heap() }

func (c *NativeCtx) heap() *Heap { return c.engine.heap }

// Call re-enters guest code from a native.
func (c *NativeCtx) Call(callee Value, args ...Value) (Value, error) {
	return c.interp.CallValue(c.realm, callee, args)
}

// Throw builds a guest exception a native can return as its error.
func (c *NativeCtx) Throw(name, format string, args ...any) error {
	th := c.interp.guestError(name, format, args...)
	return &ThrownError{Value: th.value, Stack: th.stack}
}

// TypeError is Throw with the TypeError name.
func (c *NativeCtx) TypeError(format string, args ...any) error {
	return c.Throw("TypeError", format, args...)
}

// arg returns the i-th argument, Undefined when absent.
func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Undefined
}

// ---------------------------------------------------------------------------
// Core natives
// ---------------------------------------------------------------------------

// installCoreNatives defines the built-in host functions on a realm's
// global object. Every realm gets the same set.
func installCoreNatives(e *Engine, r *Realm) {
	r.DefineNative("print", nativePrint)
	r.DefineNative("gc", nativeGc)

	r.DefineNative("WeakRef", nativeWeakRef)
	r.DefineNative("weakDeref", nativeWeakDeref)
	r.DefineNative("WeakMap", nativeWeakMap)
	r.DefineNative("weakMapGet", nativeWeakMapGet)
	r.DefineNative("weakMapHas", nativeWeakMapHas)
	r.DefineNative("weakMapSet", nativeWeakMapSet)
	r.DefineNative("FinalizationRegistry", nativeFinalizationRegistry)
	r.DefineNative("finalizeRegister", nativeFinalizeRegister)
	r.DefineNative("finalizeUnregister", nativeFinalizeUnregister)

	r.DefineNative("Symbol", nativeSymbol)
	r.DefineNative("symbolFor", nativeSymbolFor)
	r.DefineNative("symbolKeyFor", nativeSymbolKeyFor)

	r.DefineNative("Map", nativeMap)
	r.DefineNative("mapGet", nativeMapGet)
	r.DefineNative("mapSet", nativeMapSet)
	r.DefineNative("mapSize", nativeMapSize)

	r.DefineNative("promiseResolve", nativePromiseResolve)
	r.DefineNative("promiseReject", nativePromiseReject)
	r.DefineNative("promiseThen", nativePromiseThen)

	r.DefineNative("bind", nativeBind)
	r.DefineNative("arrayPush", nativeArrayPush)
	r.DefineNative("arrayLen", nativeArrayLen)
	r.DefineNative("throwError", nativeThrowError)
}

func nativePrint(ctx *NativeCtx, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		if a.IsString() {
			// Top-level strings print raw, without Format's quoting.
			parts[i] = asString(a).Val
		} else {
			parts[i] = a.Format()
		}
	}
	ctx.engine.printLine(strings.Join(parts, " "))
	return Undefined, nil
}

func nativeGc(ctx *NativeCtx, args []Value) (Value, error) {
	ctx.engine.heap.CollectFull()
	return Undefined, nil
}

func nativeWeakRef(ctx *NativeCtx, args []Value) (Value, error) {
	target := arg(args, 0)
	if !target.IsPointer() || target == BailoutSentinel {
		return Undefined, ctx.TypeError("WeakRef target must be an object")
	}
	return ctx.heap().AllocWeakRef(target), nil
}

func nativeWeakDeref(ctx *NativeCtx, args []Value) (Value, error) {
	ref := arg(args, 0)
	if !ref.isHeapKind(KindWeakRef) {
		return Undefined, ctx.TypeError("not a weak reference")
	}
	return WeakRefDeref(ref), nil
}

func nativeWeakMap(ctx *NativeCtx, args []Value) (Value, error) {
	return ctx.heap().AllocWeakMap(), nil
}

func nativeWeakMapGet(ctx *NativeCtx, args []Value) (Value, error) {
	wm := arg(args, 0)
	if !wm.isHeapKind(KindWeakMap) {
		return Undefined, ctx.TypeError("not a weak map")
	}
	v, _ := WeakMapGet(wm, arg(args, 1))
	return v, nil
}

func nativeWeakMapHas(ctx *NativeCtx, args []Value) (Value, error) {
	wm := arg(args, 0)
	if !wm.isHeapKind(KindWeakMap) {
		return Undefined, ctx.TypeError("not a weak map")
	}
	_, ok := WeakMapGet(wm, arg(args, 1))
	return BoxBool(ok), nil
}

func nativeWeakMapSet(ctx *NativeCtx, args []Value) (Value, error) {
	wm := arg(args, 0)
	if !wm.isHeapKind(KindWeakMap) {
		return Undefined, ctx.TypeError("not a weak map")
	}
	if !ctx.heap().WeakMapSet(wm, arg(args, 1), arg(args, 2)) {
		return Undefined, ctx.TypeError("weak map keys must be objects")
	}
	return wm, nil
}

func nativeFinalizationRegistry(ctx *NativeCtx, args []Value) (Value, error) {
	cb := arg(args, 0)
	if !cb.IsCallable() {
		return Undefined, ctx.TypeError("cleanup callback must be callable")
	}
	return ctx.heap().AllocFinalizationRegistry(cb), nil
}

func nativeFinalizeRegister(ctx *NativeCtx, args []Value) (Value, error) {
	reg := arg(args, 0)
	if !reg.isHeapKind(KindFinalizationRegistry) {
		return Undefined, ctx.TypeError("not a finalization registry")
	}
	if !ctx.heap().FinalizationRegister(reg, arg(args, 1), arg(args, 2), arg(args, 3)) {
		return Undefined, ctx.TypeError("target must be an object distinct from its held value")
	}
	return Undefined, nil
}

func nativeFinalizeUnregister(ctx *NativeCtx, args []Value) (Value, error) {
	reg := arg(args, 0)
	if !reg.isHeapKind(KindFinalizationRegistry) {
		return Undefined, ctx.TypeError("not a finalization registry")
	}
	removed := FinalizationUnregister(reg, arg(args, 1))
	return BoxBool(removed > 0), nil
}

func nativeSymbol(ctx *NativeCtx, args []Value) (Value, error) {
	desc := ""
	if d := arg(args, 0); d.IsString() {
		desc = asString(d).Val
	}
	return ctx.engine.symbols.New(desc), nil
}

func nativeSymbolFor(ctx *NativeCtx, args []Value) (Value, error) {
	key := arg(args, 0)
	if !key.IsString() {
		return Undefined, ctx.TypeError("Symbol.for key must be a string")
	}
	return ctx.engine.symbols.For(asString(key).Val), nil
}

func nativeSymbolKeyFor(ctx *NativeCtx, args []Value) (Value, error) {
	key, ok := ctx.engine.symbols.KeyFor(arg(args, 0))
	if !ok {
		return Undefined, nil
	}
	return ctx.heap().AllocString(key), nil
}

func nativeMap(ctx *NativeCtx, args []Value) (Value, error) {
	return ctx.heap().AllocMap(), nil
}

func nativeMapGet(ctx *NativeCtx, args []Value) (Value, error) {
	mv := arg(args, 0)
	if !mv.isHeapKind(KindMap) {
		return Undefined, ctx.TypeError("not a map")
	}
	v, _ := mapGet(asMap(mv), arg(args, 1))
	return v, nil
}

func nativeMapSet(ctx *NativeCtx, args []Value) (Value, error) {
	mv := arg(args, 0)
	if !mv.isHeapKind(KindMap) {
		return Undefined, ctx.TypeError("not a map")
	}
	ctx.heap().MapSet(asMap(mv), arg(args, 1), arg(args, 2))
	return mv, nil
}

func nativeMapSize(ctx *NativeCtx, args []Value) (Value, error) {
	mv := arg(args, 0)
	if !mv.isHeapKind(KindMap) {
		return Undefined, ctx.TypeError("not a map")
	}
	return BoxInt32(int32(len(asMap(mv).entries))), nil
}

func nativePromiseResolve(ctx *NativeCtx, args []Value) (Value, error) {
	v := arg(args, 0)
	if v.isHeapKind(KindPromise) {
		return v, nil
	}
	p := ctx.heap().AllocPromise()
	ctx.interp.settlePromise(p, PromiseFulfilled, v)
	return p.value(), nil
}

func nativePromiseReject(ctx *NativeCtx, args []Value) (Value, error) {
	p := ctx.heap().AllocPromise()
	ctx.interp.settlePromise(p, PromiseRejected, arg(args, 0))
	return p.value(), nil
}

func nativePromiseThen(ctx *NativeCtx, args []Value) (Value, error) {
	p := arg(args, 0)
	if th := ctx.interp.PromiseThen(p, arg(args, 1), arg(args, 2)); th != nil {
		return Undefined, &ThrownError{Value: th.value, Stack: th.stack}
	}
	return p, nil
}

func nativeBind(ctx *NativeCtx, args []Value) (Value, error) {
	target := arg(args, 0)
	if !target.IsCallable() {
		return Undefined, ctx.TypeError("bind target must be callable")
	}
	bound := make([]Value, 0, len(args)-1)
	bound = append(bound, args[1:]...)
	return ctx.heap().AllocBound(target, bound), nil
}

func nativeArrayPush(ctx *NativeCtx, args []Value) (Value, error) {
	av := arg(args, 0)
	if !av.isHeapKind(KindArray) {
		return Undefined, ctx.TypeError("not an array")
	}
	a := asArray(av)
	heap := ctx.heap()
	for _, v := range args[1:] {
		heap.WriteBarrier(&a.GcHeader, v, Undefined)
		a.Elems = append(a.Elems, v)
	}
	return BoxInt32(int32(len(a.Elems))), nil
}

func nativeArrayLen(ctx *NativeCtx, args []Value) (Value, error) {
	av := arg(args, 0)
	if !av.isHeapKind(KindArray) {
		return Undefined, ctx.TypeError("not an array")
	}
	return BoxInt32(int32(len(asArray(av).Elems))), nil
}

// throwError raises a named error from guest code, for code paths that
// have no throw opcode operand handy (tests mostly).
func nativeThrowError(ctx *NativeCtx, args []Value) (Value, error) {
	name := "Error"
	if n := arg(args, 0); n.IsString() {
		name = asString(n).Val
	}
	msg := ""
	if m := arg(args, 1); m.IsString() {
		msg = asString(m).Val
	} else if m != Undefined {
		msg = fmt.Sprintf("%s", m.Format())
	}
	return Undefined, ctx.Throw(name, "%s", msg)
}
