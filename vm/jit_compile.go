package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/ospreyjs/osprey/bytecode"
)

// ---------------------------------------------------------------------------
// Baseline translator
// ---------------------------------------------------------------------------
//
// Functions are compiled to chains of Go closures, one per instruction,
// threaded through a pc. The supported subset is deliberately effect-free:
// register arithmetic, comparisons, constants, moves, jumps, returns. Any
// other opcode makes the function ineligible. Arithmetic is specialized to
// int32 using the recorded type feedback and guarded: a non-int32 operand
// or an overflow returns BailoutSentinel, before any observable effect.

// jitState is the register file of a running artifact.
type jitState struct {
	regs []Value
	pc   int
	ret  Value
	bail bool
	done bool
}

type jitStep func(*jitState)

// errIneligible marks functions the baseline translator cannot compile.
type errIneligible struct {
	reason string
}

func (e *errIneligible) Error() string { return "ineligible: " + e.reason }

// compileFunction translates one function into a callable artifact, or
// reports why it cannot. Backward jumps in the artifact poll interrupted
// and bail out, so compiled loops stay interruptible like interpreted ones.
func compileFunction(mod *ModuleRecord, fnIndex bytecode.FuncIndex, interrupted *atomic.Bool) (*compiledArtifact, error) {
	fn := &mod.Module.Functions[fnIndex]
	if fn.Flags.IsAsync() || fn.Flags.IsGenerator() {
		return nil, &errIneligible{reason: "suspendable function"}
	}

	steps := make([]jitStep, len(fn.Code))
	for pc, ins := range fn.Code {
		step, err := translate(mod, fn, fnIndex, ins, interrupted)
		if err != nil {
			return nil, err
		}
		steps[pc] = step
	}

	regCount := int(fn.Registers)
	params := int(fn.Params)
	artifact := &compiledArtifact{
		fn: func(args []Value) Value {
			st := jitState{regs: make([]Value, regCount)}
			n := copy(st.regs, args)
			if n > params {
				n = params
			}
			for i := n; i < regCount; i++ {
				st.regs[i] = Undefined
			}
			for !st.done {
				steps[st.pc](&st)
				if st.bail {
					return BailoutSentinel
				}
			}
			return st.ret
		},
	}
	return artifact, nil
}

// translate builds the step closure for one instruction.
func translate(mod *ModuleRecord, fn *bytecode.Function, fnIndex bytecode.FuncIndex, ins bytecode.Instruction, interrupted *atomic.Bool) (jitStep, error) {
	a, b, c := int(ins.A), int(ins.B), int(ins.C)

	switch ins.Op {
	case bytecode.OpNop:
		return func(st *jitState) { st.pc++ }, nil

	case bytecode.OpLoadConst:
		cst := mod.Module.Constants[ins.Imm]
		var v Value
		switch cst.Kind {
		case bytecode.ConstUndefined:
			v = Undefined
		case bytecode.ConstNull:
			v = Null
		case bytecode.ConstBool:
			v = BoxBool(cst.Bool)
		case bytecode.ConstInt32:
			v = BoxInt32(cst.Int)
		case bytecode.ConstFloat64:
			v = BoxFloat64(cst.Float)
		default:
			// String and bigint constants allocate; leave those functions
			// to the interpreter.
			return nil, &errIneligible{reason: "allocating constant"}
		}
		return func(st *jitState) { st.regs[a] = v; st.pc++ }, nil

	case bytecode.OpLoadInt32:
		v := BoxInt32(ins.Imm)
		return func(st *jitState) { st.regs[a] = v; st.pc++ }, nil
	case bytecode.OpLoadUndefined:
		return func(st *jitState) { st.regs[a] = Undefined; st.pc++ }, nil
	case bytecode.OpLoadNull:
		return func(st *jitState) { st.regs[a] = Null; st.pc++ }, nil
	case bytecode.OpLoadTrue:
		return func(st *jitState) { st.regs[a] = True; st.pc++ }, nil
	case bytecode.OpLoadFalse:
		return func(st *jitState) { st.regs[a] = False; st.pc++ }, nil
	case bytecode.OpMove:
		return func(st *jitState) { st.regs[a] = st.regs[b]; st.pc++ }, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		if !mod.feedbackAt(fnIndex, ins.IC).int32Only() {
			return nil, &errIneligible{reason: "arithmetic site not int32-monomorphic"}
		}
		return translateIntArith(ins.Op, a, b, c), nil

	case bytecode.OpNeg:
		if !mod.feedbackAt(fnIndex, ins.IC).int32Only() {
			return nil, &errIneligible{reason: "negation site not int32-monomorphic"}
		}
		return func(st *jitState) {
			v := st.regs[b]
			if !v.IsInt32() || v.AsInt32() == minInt32 {
				st.bail = true
				return
			}
			st.regs[a] = BoxInt32(-v.AsInt32())
			st.pc++
		}, nil

	case bytecode.OpNot:
		return func(st *jitState) { st.regs[a] = BoxBool(!st.regs[b].Truthy()); st.pc++ }, nil

	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		if !mod.feedbackAt(fnIndex, ins.IC).int32Only() {
			return nil, &errIneligible{reason: "comparison site not int32-monomorphic"}
		}
		return translateIntCompare(ins.Op, a, b, c), nil

	case bytecode.OpEq, bytecode.OpNe:
		if !mod.feedbackAt(fnIndex, ins.IC).int32Only() {
			return nil, &errIneligible{reason: "equality site not int32-monomorphic"}
		}
		negate := ins.Op == bytecode.OpNe
		return func(st *jitState) {
			x, y := st.regs[b], st.regs[c]
			if !x.IsInt32() || !y.IsInt32() {
				st.bail = true
				return
			}
			st.regs[a] = BoxBool((x.AsInt32() == y.AsInt32()) != negate)
			st.pc++
		}, nil

	case bytecode.OpStrictEq:
		return func(st *jitState) {
			st.regs[a] = BoxBool(StrictEquals(st.regs[b], st.regs[c]))
			st.pc++
		}, nil
	case bytecode.OpStrictNe:
		return func(st *jitState) {
			st.regs[a] = BoxBool(!StrictEquals(st.regs[b], st.regs[c]))
			st.pc++
		}, nil

	case bytecode.OpJump:
		off := int(ins.Imm)
		if off < 0 {
			return func(st *jitState) {
				if interrupted.Load() {
					st.bail = true
					return
				}
				st.pc += 1 + off
			}, nil
		}
		return func(st *jitState) { st.pc += 1 + off }, nil
	case bytecode.OpJumpIfTrue:
		off := int(ins.Imm)
		return func(st *jitState) {
			if st.regs[a].Truthy() {
				if off < 0 && interrupted.Load() {
					st.bail = true
					return
				}
				st.pc += 1 + off
			} else {
				st.pc++
			}
		}, nil
	case bytecode.OpJumpIfFalse:
		off := int(ins.Imm)
		return func(st *jitState) {
			if !st.regs[a].Truthy() {
				if off < 0 && interrupted.Load() {
					st.bail = true
					return
				}
				st.pc += 1 + off
			} else {
				st.pc++
			}
		}, nil

	case bytecode.OpReturn:
		return func(st *jitState) { st.ret = st.regs[a]; st.done = true }, nil
	case bytecode.OpReturnUndef:
		return func(st *jitState) { st.ret = Undefined; st.done = true }, nil

	default:
		return nil, &errIneligible{reason: fmt.Sprintf("opcode %s", ins.Op)}
	}
}

// translateIntArith builds a guarded int32 arithmetic step. Overflow and
// domain exits bail out rather than promoting, keeping artifacts free of
// float fallbacks.
func translateIntArith(op bytecode.Opcode, a, b, c int) jitStep {
	return func(st *jitState) {
		x, y := st.regs[b], st.regs[c]
		if !x.IsInt32() || !y.IsInt32() {
			st.bail = true
			return
		}
		xi, yi := x.AsInt32(), y.AsInt32()
		var r int32
		var ok bool
		switch op {
		case bytecode.OpAdd:
			r, ok = addInt32(xi, yi)
		case bytecode.OpSub:
			r, ok = subInt32(xi, yi)
		case bytecode.OpMul:
			r, ok = mulInt32(xi, yi)
		case bytecode.OpDiv:
			ok = yi != 0 && xi%yi == 0 && !(xi == minInt32 && yi == -1)
			if ok {
				r = xi / yi
			}
		case bytecode.OpMod:
			ok = yi != 0 && !(xi == minInt32 && yi == -1)
			if ok {
				r = xi % yi
			}
		}
		if !ok {
			st.bail = true
			return
		}
		st.regs[a] = BoxInt32(r)
		st.pc++
	}
}

func translateIntCompare(op bytecode.Opcode, a, b, c int) jitStep {
	return func(st *jitState) {
		x, y := st.regs[b], st.regs[c]
		if !x.IsInt32() || !y.IsInt32() {
			st.bail = true
			return
		}
		xi, yi := x.AsInt32(), y.AsInt32()
		var r bool
		switch op {
		case bytecode.OpLt:
			r = xi < yi
		case bytecode.OpLe:
			r = xi <= yi
		case bytecode.OpGt:
			r = xi > yi
		case bytecode.OpGe:
			r = xi >= yi
		}
		st.regs[a] = BoxBool(r)
		st.pc++
	}
}
