package bytecode

import (
	"fmt"
	"math"

	"fortio.org/safecast"
)

// floatBits keys float constants by bit pattern so -0 and +0 intern
// separately and equal floats always share one pool slot.
func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ConstKind discriminates constant pool entries.
type ConstKind uint8

const (
	ConstUndefined ConstKind = iota
	ConstNull
	ConstBool
	ConstInt32
	ConstFloat64
	ConstString
	ConstBigInt // decimal digits, kept as a string on the wire
)

func (k ConstKind) String() string {
	switch k {
	case ConstUndefined:
		return "undefined"
	case ConstNull:
		return "null"
	case ConstBool:
		return "bool"
	case ConstInt32:
		return "int32"
	case ConstFloat64:
		return "float64"
	case ConstString:
		return "string"
	case ConstBigInt:
		return "bigint"
	default:
		return fmt.Sprintf("constkind(%d)", uint8(k))
	}
}

// Constant is one constant pool entry. Only the field matching Kind is
// meaningful; the rest stay zero so canonical encoding is stable.
type Constant struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int32     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Str   string    `cbor:"5,keyasint,omitempty"`
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstUndefined:
		return "undefined"
	case ConstNull:
		return "null"
	case ConstBool:
		return fmt.Sprintf("%t", c.Bool)
	case ConstInt32:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat64:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	case ConstBigInt:
		return c.Str + "n"
	default:
		return fmt.Sprintf("constant(kind=%d)", uint8(c.Kind))
	}
}

// ---------------------------------------------------------------------------
// Function and Module
// ---------------------------------------------------------------------------

// Function is one compiled function body.
type Function struct {
	Name          string           `cbor:"1,keyasint"`
	Params        uint8            `cbor:"2,keyasint"`
	Registers     uint16           `cbor:"3,keyasint"` // register file size, max 256
	Flags         FunctionFlags    `cbor:"4,keyasint"`
	Code          []Instruction    `cbor:"5,keyasint"`
	Upvalues      []UpvalueCapture `cbor:"6,keyasint,omitempty"`
	CacheSlots    uint16           `cbor:"7,keyasint,omitempty"` // inline-cache sites
	FeedbackSlots uint16           `cbor:"8,keyasint,omitempty"` // type-feedback sites
}

// Module is a complete compiled unit: constants, functions, and the entry
// point. Modules are immutable once validated; all runtime state (caches,
// profiles) lives in the VM.
type Module struct {
	Name      string     `cbor:"1,keyasint"`
	Constants []Constant `cbor:"2,keyasint,omitempty"`
	Functions []Function `cbor:"3,keyasint"`
	Entry     FuncIndex  `cbor:"4,keyasint"`
}

// EntryFunction returns the module's entry function.
func (m *Module) EntryFunction() *Function {
	return &m.Functions[m.Entry]
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ValidationError reports the first structural problem found in a module.
// Modules that fail validation must never reach the interpreter.
type ValidationError struct {
	Module   string
	Function int // -1 for module-level problems
	PC       int // -1 when not tied to an instruction
	Msg      string
}

func (e *ValidationError) Error() string {
	if e.Function < 0 {
		return fmt.Sprintf("bytecode: module %q: %s", e.Module, e.Msg)
	}
	if e.PC < 0 {
		return fmt.Sprintf("bytecode: module %q function %d: %s", e.Module, e.Function, e.Msg)
	}
	return fmt.Sprintf("bytecode: module %q function %d pc %d: %s", e.Module, e.Function, e.PC, e.Msg)
}

func moduleErr(m *Module, msg string, args ...any) error {
	return &ValidationError{Module: m.Name, Function: -1, PC: -1, Msg: fmt.Sprintf(msg, args...)}
}

func funcErr(m *Module, fn, pc int, msg string, args ...any) error {
	return &ValidationError{Module: m.Name, Function: fn, PC: pc, Msg: fmt.Sprintf(msg, args...)}
}

// Validate structurally checks the whole module: index ranges, register
// bounds, jump targets, and cache slots. It returns the first problem found.
func (m *Module) Validate() error {
	if len(m.Functions) == 0 {
		return moduleErr(m, "no functions")
	}
	if int(m.Entry) >= len(m.Functions) {
		return moduleErr(m, "entry index %d out of range (have %d functions)", m.Entry, len(m.Functions))
	}
	if entry := m.EntryFunction(); entry.Flags.IsAsync() || entry.Flags.IsGenerator() {
		return moduleErr(m, "entry function %q may not be async or generator", entry.Name)
	}
	for i := range m.Functions {
		if err := m.validateFunction(i); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) validateFunction(fi int) error {
	fn := &m.Functions[fi]
	if fn.Registers == 0 || fn.Registers > 256 {
		return funcErr(m, fi, -1, "register count %d out of range [1,256]", fn.Registers)
	}
	if int(fn.Params) >= int(fn.Registers) {
		return funcErr(m, fi, -1, "%d params do not fit in %d registers", fn.Params, fn.Registers)
	}
	if len(fn.Code) == 0 {
		return funcErr(m, fi, -1, "empty code")
	}
	for _, uv := range fn.Upvalues {
		if uv.Kind != CaptureLocal && uv.Kind != CaptureUpvalue {
			return funcErr(m, fi, -1, "bad capture kind %d", uv.Kind)
		}
	}

	checkReg := func(pc int, r Register, name string) error {
		if int(r) >= int(fn.Registers) {
			return funcErr(m, fi, pc, "%s register %d out of range (frame has %d)", name, r, fn.Registers)
		}
		return nil
	}

	for pc, ins := range fn.Code {
		info, ok := opcodeTable[ins.Op]
		if !ok {
			return funcErr(m, fi, pc, "unknown opcode 0x%02X", uint8(ins.Op))
		}
		if info.Operands&usesA != 0 {
			if err := checkReg(pc, ins.A, "A"); err != nil {
				return err
			}
		}
		if info.Operands&usesB != 0 {
			if err := checkReg(pc, ins.B, "B"); err != nil {
				return err
			}
		}
		if info.Operands&usesC != 0 && ins.Op != OpCall {
			if err := checkReg(pc, ins.C, "C"); err != nil {
				return err
			}
		}
		if info.Operands&immConst != 0 {
			if ins.Imm < 0 || int(ins.Imm) >= len(m.Constants) {
				return funcErr(m, fi, pc, "constant index %d out of range (pool has %d)", ins.Imm, len(m.Constants))
			}
		}
		if info.Operands&immFunc != 0 {
			if ins.Imm < 0 || int(ins.Imm) >= len(m.Functions) {
				return funcErr(m, fi, pc, "function index %d out of range (have %d)", ins.Imm, len(m.Functions))
			}
		}
		if info.Operands&immJump != 0 {
			target := pc + 1 + int(ins.Imm)
			if target < 0 || target > len(fn.Code) {
				return funcErr(m, fi, pc, "jump target %d out of range [0,%d]", target, len(fn.Code))
			}
		}
		if info.Operands&immUpvalue != 0 {
			if ins.Imm < 0 || int(ins.Imm) >= len(fn.Upvalues) {
				return funcErr(m, fi, pc, "upvalue index %d out of range (have %d)", ins.Imm, len(fn.Upvalues))
			}
		}
		if info.Operands&usesIC != 0 {
			limit := fn.CacheSlots
			if isFeedbackOp(ins.Op) {
				limit = fn.FeedbackSlots
			}
			if ins.IC >= limit {
				return funcErr(m, fi, pc, "cache slot %d out of range (have %d)", ins.IC, limit)
			}
		}
		if ins.Op == OpCall {
			// Callee plus argc contiguous argument registers.
			last := int(ins.B) + int(ins.C)
			if last >= int(fn.Registers) {
				return funcErr(m, fi, pc, "call args r%d..r%d exceed frame of %d", ins.B, last, fn.Registers)
			}
		}
		if ins.Op == OpClosure {
			target := &m.Functions[ins.Imm]
			for ui, uv := range target.Upvalues {
				if uv.Kind == CaptureLocal && int(uv.Index) >= int(fn.Registers) {
					return funcErr(m, fi, pc, "closure capture %d names local %d outside frame of %d", ui, uv.Index, fn.Registers)
				}
				if uv.Kind == CaptureUpvalue && int(uv.Index) >= len(fn.Upvalues) {
					return funcErr(m, fi, pc, "closure capture %d names upvalue %d outside %d", ui, uv.Index, len(fn.Upvalues))
				}
			}
		}
	}
	return nil
}

// isFeedbackOp reports whether an opcode's IC field indexes the
// type-feedback table rather than the inline-cache table.
func isFeedbackOp(op Opcode) bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// ModuleBuilder: assembling modules without a front end
// ---------------------------------------------------------------------------

// ModuleBuilder accumulates constants and functions for a new module.
// String and number constants are deduplicated.
type ModuleBuilder struct {
	mod     Module
	strings map[string]ConstIndex
	ints    map[int32]ConstIndex
	floats  map[uint64]ConstIndex // keyed by bits; no NaN constants
}

// NewModuleBuilder creates a builder for a module with the given name.
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{
		mod:     Module{Name: name},
		strings: make(map[string]ConstIndex),
		ints:    make(map[int32]ConstIndex),
		floats:  make(map[uint64]ConstIndex),
	}
}

func (b *ModuleBuilder) addConst(c Constant) ConstIndex {
	b.mod.Constants = append(b.mod.Constants, c)
	return safecast.MustConvert[ConstIndex](len(b.mod.Constants) - 1)
}

// String interns a string constant and returns its pool index.
func (b *ModuleBuilder) String(s string) ConstIndex {
	if idx, ok := b.strings[s]; ok {
		return idx
	}
	idx := b.addConst(Constant{Kind: ConstString, Str: s})
	b.strings[s] = idx
	return idx
}

// Int32 interns an int32 constant and returns its pool index.
func (b *ModuleBuilder) Int32(i int32) ConstIndex {
	if idx, ok := b.ints[i]; ok {
		return idx
	}
	idx := b.addConst(Constant{Kind: ConstInt32, Int: i})
	b.ints[i] = idx
	return idx
}

// Float64 interns a float constant and returns its pool index.
// NaN is not a valid constant; callers emit the canonical NaN inline.
func (b *ModuleBuilder) Float64(f float64) ConstIndex {
	key := floatBits(f)
	if idx, ok := b.floats[key]; ok {
		return idx
	}
	idx := b.addConst(Constant{Kind: ConstFloat64, Float: f})
	b.floats[key] = idx
	return idx
}

// BigInt interns a big integer constant given as decimal digits.
func (b *ModuleBuilder) BigInt(digits string) ConstIndex {
	key := "bigint:" + digits
	if idx, ok := b.strings[key]; ok {
		return idx
	}
	idx := b.addConst(Constant{Kind: ConstBigInt, Str: digits})
	b.strings[key] = idx
	return idx
}

// Function starts building a function and returns its builder together with
// the index the function will occupy.
func (b *ModuleBuilder) Function(name string, params uint8, flags FunctionFlags) (*FunctionBuilder, FuncIndex) {
	idx := safecast.MustConvert[FuncIndex](len(b.mod.Functions))
	b.mod.Functions = append(b.mod.Functions, Function{
		Name:   name,
		Params: params,
		Flags:  flags,
	})
	return &FunctionBuilder{mod: b, index: idx}, idx
}

// SetEntry sets the module's entry function.
func (b *ModuleBuilder) SetEntry(idx FuncIndex) {
	b.mod.Entry = idx
}

// Build validates and returns the finished module. The builder must not be
// reused afterwards.
func (b *ModuleBuilder) Build() (*Module, error) {
	m := b.mod
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// FunctionBuilder: label-based instruction assembly
// ---------------------------------------------------------------------------

// Label marks a jump target that may not be bound yet. Forward jumps are
// patched when the label is bound.
type Label struct {
	pc      int // bound position, -1 while unbound
	patches []int
}

// FunctionBuilder emits instructions for one function.
type FunctionBuilder struct {
	mod      *ModuleBuilder
	index    FuncIndex
	maxReg   Register
	icSlots  uint16
	fbSlots  uint16
	upvalues []UpvalueCapture
	code     []Instruction
}

func (f *FunctionBuilder) fn() *Function {
	return &f.mod.mod.Functions[f.index]
}

func (f *FunctionBuilder) touch(regs ...Register) {
	for _, r := range regs {
		if r > f.maxReg {
			f.maxReg = r
		}
	}
}

// Emit appends an instruction with three register operands.
func (f *FunctionBuilder) Emit(op Opcode, a, b, c Register) {
	f.touch(a, b, c)
	f.code = append(f.code, Instruction{Op: op, A: a, B: b, C: c})
}

// EmitImm appends an instruction with an immediate operand.
func (f *FunctionBuilder) EmitImm(op Opcode, a, b Register, imm int32) {
	f.touch(a, b)
	f.code = append(f.code, Instruction{Op: op, A: a, B: b, Imm: imm})
}

// EmitConst appends an instruction whose immediate is a constant index.
func (f *FunctionBuilder) EmitConst(op Opcode, a, b Register, idx ConstIndex) {
	f.EmitImm(op, a, b, safecast.MustConvert[int32](idx))
}

// NewLabel creates an unbound label.
func (f *FunctionBuilder) NewLabel() *Label {
	return &Label{pc: -1}
}

// EmitJump appends a jump-class instruction targeting a label. If the label
// is unbound, the offset is patched at Bind time.
func (f *FunctionBuilder) EmitJump(op Opcode, a Register, l *Label) {
	f.touch(a)
	pc := len(f.code)
	var off int32
	if l.pc >= 0 {
		off = safecast.MustConvert[int32](l.pc - (pc + 1))
	} else {
		l.patches = append(l.patches, pc)
	}
	f.code = append(f.code, Instruction{Op: op, A: a, Imm: off})
}

// Bind fixes a label at the current position and patches pending jumps.
func (f *FunctionBuilder) Bind(l *Label) {
	if l.pc >= 0 {
		panic("bytecode: label bound twice")
	}
	l.pc = len(f.code)
	for _, at := range l.patches {
		f.code[at].Imm = safecast.MustConvert[int32](l.pc - (at + 1))
	}
	l.patches = nil
}

// CacheSlot allocates a fresh inline-cache slot and stamps it onto the last
// emitted instruction.
func (f *FunctionBuilder) CacheSlot() {
	f.code[len(f.code)-1].IC = f.icSlots
	f.icSlots++
}

// FeedbackSlot allocates a fresh type-feedback slot and stamps it onto the
// last emitted instruction.
func (f *FunctionBuilder) FeedbackSlot() {
	f.code[len(f.code)-1].IC = f.fbSlots
	f.fbSlots++
}

// Capture declares an upvalue capture and returns its index.
func (f *FunctionBuilder) Capture(kind CaptureKind, index uint16) int32 {
	f.upvalues = append(f.upvalues, UpvalueCapture{Kind: kind, Index: index})
	return safecast.MustConvert[int32](len(f.upvalues) - 1)
}

// Finish writes the accumulated code into the module's function table entry.
func (f *FunctionBuilder) Finish() {
	fn := f.fn()
	fn.Code = f.code
	fn.Upvalues = f.upvalues
	fn.CacheSlots = f.icSlots
	fn.FeedbackSlots = f.fbSlots
	regs := uint16(f.maxReg) + 1
	if uint16(fn.Params)+1 > regs {
		regs = uint16(fn.Params) + 1
	}
	fn.Registers = regs
}
