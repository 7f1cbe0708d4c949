package vm

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ospreyjs/osprey/bytecode"
)

func testEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Jit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func buildModule(t *testing.T, assemble func(*bytecode.ModuleBuilder)) *bytecode.Module {
	t.Helper()
	b := bytecode.NewModuleBuilder("test")
	assemble(b)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func evalModule(t *testing.T, e *Engine, m *bytecode.Module) (Value, error) {
	t.Helper()
	rec, err := e.LoadModuleObject(m)
	if err != nil {
		t.Fatalf("LoadModuleObject: %v", err)
	}
	return e.Evaluate(context.Background(), rec)
}

func mustEval(t *testing.T, e *Engine, m *bytecode.Module) Value {
	t.Helper()
	v, err := evalModule(t, e, m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return v
}

func TestInterpArithmetic(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 6)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 7)
		f.Emit(bytecode.OpMul, 2, 0, 1)
		f.FeedbackSlot()
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 42 {
		t.Fatalf("result = %s, want 42", v.Format())
	}
}

func TestInterpOverflowPromotesToFloat(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitConst(bytecode.OpLoadConst, 0, 0, b.Int32(math.MaxInt32))
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 1)
		f.Emit(bytecode.OpAdd, 2, 0, 1)
		f.FeedbackSlot()
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsFloat64() {
		t.Fatalf("overflow result kept int32 representation: %s", v.Format())
	}
	if v.AsFloat64() != float64(math.MaxInt32)+1 {
		t.Fatalf("result = %g", v.AsFloat64())
	}
}

func TestInterpDivisionProducesFloat(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 7)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 2)
		f.Emit(bytecode.OpDiv, 2, 0, 1)
		f.FeedbackSlot()
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsFloat64() || v.AsFloat64() != 3.5 {
		t.Fatalf("7/2 = %s, want 3.5", v.Format())
	}
}

func TestInterpStringConcat(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitConst(bytecode.OpLoadConst, 0, 0, b.String("foo"))
		f.EmitConst(bytecode.OpLoadConst, 1, 0, b.String("bar"))
		f.Emit(bytecode.OpAdd, 2, 0, 1)
		f.FeedbackSlot()
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsString() || asString(v).Val != "foobar" {
		t.Fatalf("result = %s", v.Format())
	}
}

func TestInterpLoop(t *testing.T) {
	// sum = 0; for i = 1; i <= 10; i++ { sum += i }; return sum
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 0)  // sum
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 1)  // i
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 10) // limit
		f.EmitImm(bytecode.OpLoadInt32, 3, 0, 1)  // step

		top := f.NewLabel()
		end := f.NewLabel()
		f.Bind(top)
		f.Emit(bytecode.OpLe, 4, 1, 2)
		f.FeedbackSlot()
		f.EmitJump(bytecode.OpJumpIfFalse, 4, end)
		f.Emit(bytecode.OpAdd, 0, 0, 1)
		f.FeedbackSlot()
		f.Emit(bytecode.OpAdd, 1, 1, 3)
		f.FeedbackSlot()
		f.EmitJump(bytecode.OpJump, 0, top)
		f.Bind(end)
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 55 {
		t.Fatalf("sum = %s, want 55", v.Format())
	}
}

// addFunction assembles fn add(a, b) { return a + b } and returns its index.
func addFunction(b *bytecode.ModuleBuilder) bytecode.FuncIndex {
	f, fi := b.Function("add", 2, 0)
	f.Emit(bytecode.OpAdd, 2, 0, 1)
	f.FeedbackSlot()
	f.Emit(bytecode.OpReturn, 2, 0, 0)
	f.Finish()
	return fi
}

func TestInterpClosureCall(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		add := addFunction(b)
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpClosure, 1, 0, int32(add))
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 40)
		f.EmitImm(bytecode.OpLoadInt32, 3, 0, 2)
		f.Emit(bytecode.OpCall, 0, 1, 2)
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 42 {
		t.Fatalf("add(40, 2) = %s", v.Format())
	}
}

func TestInterpMissingArgsAreUndefined(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("inspect", 2, 0)
		f.Emit(bytecode.OpTypeof, 2, 1, 0) // typeof second param
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()

		g, gi := b.Function("main", 0, 0)
		g.EmitImm(bytecode.OpClosure, 1, 0, int32(fi))
		g.EmitImm(bytecode.OpLoadInt32, 2, 0, 1)
		g.Emit(bytecode.OpCall, 0, 1, 1) // one arg for two params
		g.Emit(bytecode.OpReturn, 0, 0, 0)
		g.Finish()
		b.SetEntry(gi)
	})
	v := mustEval(t, e, m)
	if !v.IsString() || asString(v).Val != "undefined" {
		t.Fatalf("missing arg typeof = %s", v.Format())
	}
}

func TestInterpUpvalueCounter(t *testing.T) {
	// let n = 5 (in a cell); incr = () => ++n; incr(); return incr()  // 7
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		incr, ii := b.Function("incr", 0, 0)
		up := incr.Capture(bytecode.CaptureLocal, 0) // entry's r0 holds the cell
		incr.EmitImm(bytecode.OpGetUpvalue, 0, 0, up)
		incr.EmitImm(bytecode.OpLoadInt32, 1, 0, 1)
		incr.Emit(bytecode.OpAdd, 2, 0, 1)
		incr.FeedbackSlot()
		incr.EmitImm(bytecode.OpSetUpvalue, 2, 0, up)
		incr.Emit(bytecode.OpReturn, 2, 0, 0)
		incr.Finish()

		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 5)
		f.Emit(bytecode.OpCellNew, 0, 1, 0)
		f.EmitImm(bytecode.OpClosure, 2, 0, int32(ii))
		f.Emit(bytecode.OpCall, 3, 2, 0)
		f.Emit(bytecode.OpCall, 4, 2, 0)
		f.Emit(bytecode.OpReturn, 4, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 7 {
		t.Fatalf("second increment = %s, want 7", v.Format())
	}
}

func TestInterpTryCatch(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		handler := f.NewLabel()
		f.EmitJump(bytecode.OpTryPush, 0, handler) // exception lands in r0
		f.EmitConst(bytecode.OpLoadConst, 1, 0, b.String("boom"))
		f.Emit(bytecode.OpThrow, 1, 0, 0)
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0) // skipped
		f.Bind(handler)
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsString() || asString(v).Val != "boom" {
		t.Fatalf("caught value = %s", v.Format())
	}
}

func TestInterpTryPopDisarmsHandler(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		handler := f.NewLabel()
		f.EmitJump(bytecode.OpTryPush, 0, handler)
		f.Emit(bytecode.OpTryPop, 0, 0, 0)
		f.EmitConst(bytecode.OpLoadConst, 1, 0, b.String("escapes"))
		f.Emit(bytecode.OpThrow, 1, 0, 0)
		f.Bind(handler)
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	if err == nil {
		t.Fatal("popped handler still caught the throw")
	}
	v, ok := Thrown(err)
	if !ok || !v.IsString() || asString(v).Val != "escapes" {
		t.Fatalf("escaped value = %v", err)
	}
}

func TestInterpUncaughtThrow(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 13)
		f.Emit(bytecode.OpThrow, 0, 0, 0)
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	var te *ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ThrownError", err)
	}
	if !te.Value.IsInt32() || te.Value.AsInt32() != 13 {
		t.Fatalf("thrown value = %s", te.Value.Format())
	}
}

func TestInterpCallerCatchesCalleeThrow(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		thrower, ti := b.Function("thrower", 0, 0)
		thrower.EmitConst(bytecode.OpLoadConst, 0, 0, b.String("from callee"))
		thrower.Emit(bytecode.OpThrow, 0, 0, 0)
		thrower.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		thrower.Finish()

		f, fi := b.Function("main", 0, 0)
		handler := f.NewLabel()
		f.EmitJump(bytecode.OpTryPush, 0, handler)
		f.EmitImm(bytecode.OpClosure, 1, 0, int32(ti))
		f.Emit(bytecode.OpCall, 2, 1, 0)
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Bind(handler)
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsString() || asString(v).Val != "from callee" {
		t.Fatalf("caught = %s", v.Format())
	}
}

func TestInterpStackOverflow(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.Interp.MaxFrames = 32 })
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		rec, ri := b.Function("recur", 0, 0)
		rec.EmitConst(bytecode.OpGetGlobal, 0, 0, b.String("f"))
		rec.CacheSlot()
		rec.Emit(bytecode.OpCall, 1, 0, 0)
		rec.Emit(bytecode.OpReturn, 1, 0, 0)
		rec.Finish()

		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpClosure, 0, 0, int32(ri))
		f.EmitConst(bytecode.OpSetGlobal, 0, 0, b.String("f"))
		f.CacheSlot()
		f.Emit(bytecode.OpCall, 1, 0, 0)
		f.Emit(bytecode.OpReturn, 1, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	v, ok := Thrown(err)
	if !ok {
		t.Fatalf("err = %v, want a guest exception", err)
	}
	if !v.isHeapKind(KindError) || asError(v).ErrName != "RangeError" {
		t.Fatalf("thrown %s, want a RangeError", v.Format())
	}
}

func TestInterpInterruptTerminates(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		handler := f.NewLabel()
		f.EmitJump(bytecode.OpTryPush, 0, handler) // must NOT catch termination
		top := f.NewLabel()
		f.Bind(top)
		f.EmitJump(bytecode.OpJump, 0, top)
		f.Bind(handler)
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	e.Interrupt()
	_, err := evalModule(t, e, m)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}
	if e.interp.Depth() != 0 {
		t.Fatal("frames left on the stack after termination")
	}
}

func TestInterpGlobals(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 5)
		f.EmitConst(bytecode.OpSetGlobal, 0, 0, b.String("answer"))
		f.CacheSlot()
		f.EmitConst(bytecode.OpGetGlobal, 1, 0, b.String("answer"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 1, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 5 {
		t.Fatalf("global round trip = %s", v.Format())
	}
	if got, ok := e.Realm().GetGlobal("answer"); !ok || got.AsInt32() != 5 {
		t.Fatal("global not visible to the host")
	}
}

func TestSetGlobalSiteCaches(t *testing.T) {
	// Repeated stores through one SET_GLOBAL site must settle its cache
	// slot instead of re-walking the globals shape every time.
	e := testEngine(t, nil)
	e.Realm().SetGlobal("g", BoxInt32(-1))
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 0) // i
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 3) // limit
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 1) // step

		top := f.NewLabel()
		end := f.NewLabel()
		f.Bind(top)
		f.Emit(bytecode.OpLt, 3, 0, 1)
		f.FeedbackSlot()
		f.EmitJump(bytecode.OpJumpIfFalse, 3, end)
		f.EmitConst(bytecode.OpSetGlobal, 0, 0, b.String("g"))
		f.CacheSlot()
		f.Emit(bytecode.OpAdd, 0, 0, 2)
		f.FeedbackSlot()
		f.EmitJump(bytecode.OpJump, 0, top)
		f.Bind(end)
		f.EmitConst(bytecode.OpGetGlobal, 4, 0, b.String("g"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 4, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	rec, err := e.LoadModuleObject(m)
	if err != nil {
		t.Fatalf("LoadModuleObject: %v", err)
	}
	v, err := e.Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.IsInt32() || v.AsInt32() != 2 {
		t.Fatalf("last stored value = %s, want 2", v.Format())
	}
	// The store site's slot is allocated first.
	if got := rec.cache(rec.Module.Entry, 0).state(); got != "monomorphic" {
		t.Fatalf("store site cache = %s, want monomorphic", got)
	}
}

func TestInterpUndefinedGlobal(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitConst(bytecode.OpGetGlobal, 0, 0, b.String("nope"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	v, ok := Thrown(err)
	if !ok || !v.isHeapKind(KindError) || asError(v).ErrName != "ReferenceError" {
		t.Fatalf("err = %v, want a ReferenceError", err)
	}
}

func TestInterpObjectProperties(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.Emit(bytecode.OpNewObject, 0, 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 42)
		f.EmitConst(bytecode.OpSetProp, 0, 1, b.String("answer"))
		f.CacheSlot()
		f.EmitConst(bytecode.OpGetProp, 2, 0, b.String("answer"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 2, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 42 {
		t.Fatalf("property round trip = %s", v.Format())
	}
}

func TestInterpPropertyOnNullish(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.Emit(bytecode.OpLoadNull, 0, 0, 0)
		f.EmitConst(bytecode.OpGetProp, 1, 0, b.String("x"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 1, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	v, ok := Thrown(err)
	if !ok || !v.isHeapKind(KindError) || asError(v).ErrName != "TypeError" {
		t.Fatalf("err = %v, want a TypeError", err)
	}
}

func TestInterpArrayElements(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpNewArray, 0, 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 2) // index
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 9) // value
		f.Emit(bytecode.OpSetElem, 0, 1, 2)      // a[2] = 9, holes at 0 and 1
		f.EmitConst(bytecode.OpGetProp, 3, 0, b.String("length"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturn, 3, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 3 {
		t.Fatalf("length = %s, want 3", v.Format())
	}
}

func TestInterpHoleReadsAsUndefined(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpNewArray, 0, 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 1, 0, 2)
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 9)
		f.Emit(bytecode.OpSetElem, 0, 1, 2)
		f.EmitImm(bytecode.OpLoadInt32, 3, 0, 0)
		f.Emit(bytecode.OpGetElem, 4, 0, 3) // a[0] is a hole
		f.Emit(bytecode.OpReturn, 4, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	if v := mustEval(t, e, m); v != Undefined {
		t.Fatalf("hole read = %s, want undefined", v.Format())
	}
}

func TestInterpLooseAndStrictEquality(t *testing.T) {
	e := testEngine(t, nil)
	build := func(op bytecode.Opcode) *bytecode.Module {
		return buildModule(t, func(b *bytecode.ModuleBuilder) {
			f, fi := b.Function("main", 0, 0)
			f.EmitConst(bytecode.OpLoadConst, 0, 0, b.String("5"))
			f.EmitImm(bytecode.OpLoadInt32, 1, 0, 5)
			f.Emit(op, 2, 0, 1)
			if op == bytecode.OpEq {
				f.FeedbackSlot()
			}
			f.Emit(bytecode.OpReturn, 2, 0, 0)
			f.Finish()
			b.SetEntry(fi)
		})
	}
	if v := mustEval(t, e, build(bytecode.OpEq)); v != True {
		t.Fatalf(`"5" == 5 gave %s`, v.Format())
	}
	if v := mustEval(t, e, build(bytecode.OpStrictEq)); v != False {
		t.Fatalf(`"5" === 5 gave %s`, v.Format())
	}
}

func TestInterpNativeCallFromGuest(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitConst(bytecode.OpGetGlobal, 0, 0, b.String("arrayPush"))
		f.CacheSlot()
		f.EmitImm(bytecode.OpNewArray, 1, 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 2, 0, 5)
		f.Emit(bytecode.OpCall, 3, 0, 2) // arrayPush(arr, 5) -> new length
		f.Emit(bytecode.OpReturn, 3, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.IsInt32() || v.AsInt32() != 1 {
		t.Fatalf("arrayPush returned %s, want 1", v.Format())
	}
}

func TestInterpCallNonFunction(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpLoadInt32, 0, 0, 3)
		f.Emit(bytecode.OpCall, 1, 0, 0)
		f.Emit(bytecode.OpReturn, 1, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	_, err := evalModule(t, e, m)
	v, ok := Thrown(err)
	if !ok || !v.isHeapKind(KindError) || asError(v).ErrName != "TypeError" {
		t.Fatalf("err = %v, want a TypeError", err)
	}
}

func TestInterpBigIntConstant(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		f, fi := b.Function("main", 0, 0)
		f.EmitConst(bytecode.OpLoadConst, 0, 0, b.BigInt("123456789012345678901234567890"))
		f.Emit(bytecode.OpReturn, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	v := mustEval(t, e, m)
	if !v.isHeapKind(KindBigInt) {
		t.Fatalf("result = %s, want bigint", v.Format())
	}
	if asBigInt(v).Val.String() != "123456789012345678901234567890" {
		t.Fatalf("bigint = %s", asBigInt(v).Val)
	}
}

func TestHostCallValue(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		add := addFunction(b)
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpClosure, 0, 0, int32(add))
		f.EmitConst(bytecode.OpSetGlobal, 0, 0, b.String("add"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	mustEval(t, e, m)

	fn, ok := e.Realm().GetGlobal("add")
	if !ok {
		t.Fatal("add not exported")
	}
	v, err := e.Call(context.Background(), fn, BoxInt32(2), BoxInt32(3))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !v.IsInt32() || v.AsInt32() != 5 {
		t.Fatalf("host call = %s", v.Format())
	}
}

func TestBoundFunctionPrependsArgs(t *testing.T) {
	e := testEngine(t, nil)
	m := buildModule(t, func(b *bytecode.ModuleBuilder) {
		add := addFunction(b)
		f, fi := b.Function("main", 0, 0)
		f.EmitImm(bytecode.OpClosure, 0, 0, int32(add))
		f.EmitConst(bytecode.OpSetGlobal, 0, 0, b.String("add"))
		f.CacheSlot()
		f.Emit(bytecode.OpReturnUndef, 0, 0, 0)
		f.Finish()
		b.SetEntry(fi)
	})
	mustEval(t, e, m)

	fn, _ := e.Realm().GetGlobal("add")
	bound := e.Heap().AllocBound(fn, []Value{BoxInt32(40)})
	v, err := e.Call(context.Background(), bound, BoxInt32(2))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !v.IsInt32() || v.AsInt32() != 42 {
		t.Fatalf("bound call = %s", v.Format())
	}
}
