package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single register-machine instruction.
type Opcode uint8

// Constants and moves
const (
	OpNop           Opcode = 0x00 // no operation
	OpLoadConst     Opcode = 0x01 // rA = constants[Imm]
	OpLoadInt32     Opcode = 0x02 // rA = int32(Imm)
	OpLoadUndefined Opcode = 0x03 // rA = undefined
	OpLoadNull      Opcode = 0x04 // rA = null
	OpLoadTrue      Opcode = 0x05 // rA = true
	OpLoadFalse     Opcode = 0x06 // rA = false
	OpMove          Opcode = 0x07 // rA = rB
)

// Globals, upvalues, cells
const (
	OpGetGlobal  Opcode = 0x10 // rA = globals[constants[Imm]] (IC slot)
	OpSetGlobal  Opcode = 0x11 // globals[constants[Imm]] = rA (IC slot)
	OpGetUpvalue Opcode = 0x12 // rA = upvalues[Imm]
	OpSetUpvalue Opcode = 0x13 // upvalues[Imm] = rA
	OpCellNew    Opcode = 0x14 // rA = new cell(rB)
	OpCellGet    Opcode = 0x15 // rA = cell rB contents
	OpCellSet    Opcode = 0x16 // cell rA contents = rB
)

// Arithmetic and logic (feedback slot in IC)
const (
	OpAdd Opcode = 0x20 // rA = rB + rC
	OpSub Opcode = 0x21 // rA = rB - rC
	OpMul Opcode = 0x22 // rA = rB * rC
	OpDiv Opcode = 0x23 // rA = rB / rC
	OpMod Opcode = 0x24 // rA = rB % rC
	OpNeg Opcode = 0x25 // rA = -rB
	OpNot Opcode = 0x26 // rA = !truthy(rB)
)

// Comparisons (feedback slot in IC)
const (
	OpEq       Opcode = 0x30 // rA = rB == rC (loose)
	OpNe       Opcode = 0x31 // rA = rB != rC (loose)
	OpStrictEq Opcode = 0x32 // rA = rB === rC
	OpStrictNe Opcode = 0x33 // rA = rB !== rC
	OpLt       Opcode = 0x34 // rA = rB < rC
	OpLe       Opcode = 0x35 // rA = rB <= rC
	OpGt       Opcode = 0x36 // rA = rB > rC
	OpGe       Opcode = 0x37 // rA = rB >= rC
	OpTypeof   Opcode = 0x38 // rA = typeof rB (string)
)

// Objects and arrays
const (
	OpNewObject Opcode = 0x40 // rA = {}
	OpNewArray  Opcode = 0x41 // rA = [] with capacity Imm
	OpGetProp   Opcode = 0x42 // rA = rB.constants[Imm] (IC slot)
	OpSetProp   Opcode = 0x43 // rA.constants[Imm] = rB (IC slot)
	OpGetElem   Opcode = 0x44 // rA = rB[rC]
	OpSetElem   Opcode = 0x45 // rA[rB] = rC
)

// Control flow
const (
	OpJump        Opcode = 0x50 // pc += Imm
	OpJumpIfTrue  Opcode = 0x51 // if truthy(rA): pc += Imm
	OpJumpIfFalse Opcode = 0x52 // if !truthy(rA): pc += Imm
	OpClosure     Opcode = 0x53 // rA = closure of functions[Imm]
	OpCall        Opcode = 0x54 // rA = rB(rB+1 .. rB+C)
	OpReturn      Opcode = 0x55 // return rA
	OpReturnUndef Opcode = 0x56 // return undefined
)

// Exceptions and suspension
const (
	OpThrow   Opcode = 0x60 // throw rA
	OpTryPush Opcode = 0x61 // push handler at pc+Imm, exception lands in rA
	OpTryPop  Opcode = 0x62 // pop innermost handler
	OpYield   Opcode = 0x63 // suspend generator; yield rB, resume into rA
	OpAwait   Opcode = 0x64 // suspend async fn on promise rB, result into rA
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Operand usage classes, used by validation and the disassembler.
const (
	usesA = 1 << iota // A is a register operand
	usesB             // B is a register operand
	usesC             // C is a register operand
	immConst          // Imm is a ConstIndex
	immFunc           // Imm is a FuncIndex
	immJump           // Imm is a JumpOffset
	immUpvalue        // Imm is an upvalue index
	immRaw            // Imm is a raw integer (literal, capacity, ...)
	usesIC            // IC is an inline-cache or feedback slot
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands int // bitmask of the uses*/imm* classes above
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:           {"NOP", 0},
	OpLoadConst:     {"LOAD_CONST", usesA | immConst},
	OpLoadInt32:     {"LOAD_INT32", usesA | immRaw},
	OpLoadUndefined: {"LOAD_UNDEFINED", usesA},
	OpLoadNull:      {"LOAD_NULL", usesA},
	OpLoadTrue:      {"LOAD_TRUE", usesA},
	OpLoadFalse:     {"LOAD_FALSE", usesA},
	OpMove:          {"MOVE", usesA | usesB},

	OpGetGlobal:  {"GET_GLOBAL", usesA | immConst | usesIC},
	OpSetGlobal:  {"SET_GLOBAL", usesA | immConst | usesIC},
	OpGetUpvalue: {"GET_UPVALUE", usesA | immUpvalue},
	OpSetUpvalue: {"SET_UPVALUE", usesA | immUpvalue},
	OpCellNew:    {"CELL_NEW", usesA | usesB},
	OpCellGet:    {"CELL_GET", usesA | usesB},
	OpCellSet:    {"CELL_SET", usesA | usesB},

	OpAdd: {"ADD", usesA | usesB | usesC | usesIC},
	OpSub: {"SUB", usesA | usesB | usesC | usesIC},
	OpMul: {"MUL", usesA | usesB | usesC | usesIC},
	OpDiv: {"DIV", usesA | usesB | usesC | usesIC},
	OpMod: {"MOD", usesA | usesB | usesC | usesIC},
	OpNeg: {"NEG", usesA | usesB | usesIC},
	OpNot: {"NOT", usesA | usesB},

	OpEq:       {"EQ", usesA | usesB | usesC | usesIC},
	OpNe:       {"NE", usesA | usesB | usesC | usesIC},
	OpStrictEq: {"STRICT_EQ", usesA | usesB | usesC},
	OpStrictNe: {"STRICT_NE", usesA | usesB | usesC},
	OpLt:       {"LT", usesA | usesB | usesC | usesIC},
	OpLe:       {"LE", usesA | usesB | usesC | usesIC},
	OpGt:       {"GT", usesA | usesB | usesC | usesIC},
	OpGe:       {"GE", usesA | usesB | usesC | usesIC},
	OpTypeof:   {"TYPEOF", usesA | usesB},

	OpNewObject: {"NEW_OBJECT", usesA},
	OpNewArray:  {"NEW_ARRAY", usesA | immRaw},
	OpGetProp:   {"GET_PROP", usesA | usesB | immConst | usesIC},
	OpSetProp:   {"SET_PROP", usesA | usesB | immConst | usesIC},
	OpGetElem:   {"GET_ELEM", usesA | usesB | usesC},
	OpSetElem:   {"SET_ELEM", usesA | usesB | usesC},

	OpJump:        {"JUMP", immJump},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", usesA | immJump},
	OpJumpIfFalse: {"JUMP_IF_FALSE", usesA | immJump},
	OpClosure:     {"CLOSURE", usesA | immFunc},
	OpCall:        {"CALL", usesA | usesB | usesC},
	OpReturn:      {"RETURN", usesA},
	OpReturnUndef: {"RETURN_UNDEF", 0},

	OpThrow:   {"THROW", usesA},
	OpTryPush: {"TRY_PUSH", usesA | immJump},
	OpTryPop:  {"TRY_POP", 0},
	OpYield:   {"YIELD", usesA | usesB},
	OpAwait:   {"AWAIT", usesA | usesB},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint8(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one fixed-shape register-machine instruction. The meaning
// of Imm depends on the opcode (constant index, function index, jump offset,
// upvalue index, or raw integer); IC is the inline-cache or type-feedback
// slot for opcodes that profile.
type Instruction struct {
	Op  Opcode   `cbor:"1,keyasint"`
	A   Register `cbor:"2,keyasint"`
	B   Register `cbor:"3,keyasint"`
	C   Register `cbor:"4,keyasint"`
	Imm int32    `cbor:"5,keyasint"`
	IC  uint16   `cbor:"6,keyasint"`
}
