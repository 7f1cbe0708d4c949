package bytecode

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one instruction. The module supplies
// constant pool context; pc is needed to resolve jump targets.
func DisassembleInstruction(m *Module, fn *Function, pc int) string {
	ins := fn.Code[pc]
	info := ins.Op.Info()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %-14s", pc, info.Name)

	var ops []string
	if info.Operands&usesA != 0 {
		ops = append(ops, fmt.Sprintf("r%d", ins.A))
	}
	if info.Operands&usesB != 0 {
		ops = append(ops, fmt.Sprintf("r%d", ins.B))
	}
	if info.Operands&usesC != 0 {
		if ins.Op == OpCall {
			ops = append(ops, fmt.Sprintf("argc=%d", ins.C))
		} else {
			ops = append(ops, fmt.Sprintf("r%d", ins.C))
		}
	}
	switch {
	case info.Operands&immConst != 0:
		ops = append(ops, fmt.Sprintf("const[%d]=%s", ins.Imm, m.Constants[ins.Imm]))
	case info.Operands&immFunc != 0:
		ops = append(ops, fmt.Sprintf("fn[%d]=%s", ins.Imm, m.Functions[ins.Imm].Name))
	case info.Operands&immJump != 0:
		ops = append(ops, fmt.Sprintf("-> %04d", pc+1+int(ins.Imm)))
	case info.Operands&immUpvalue != 0:
		ops = append(ops, fmt.Sprintf("up[%d]", ins.Imm))
	case info.Operands&immRaw != 0:
		ops = append(ops, fmt.Sprintf("#%d", ins.Imm))
	}
	if info.Operands&usesIC != 0 {
		ops = append(ops, fmt.Sprintf("slot=%d", ins.IC))
	}

	sb.WriteString(strings.Join(ops, ", "))
	return sb.String()
}

// DisassembleFunction renders a whole function, one instruction per line.
func DisassembleFunction(m *Module, idx FuncIndex) string {
	fn := &m.Functions[idx]
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %q (index %d, params %d, registers %d, flags %s)\n",
		fn.Name, idx, fn.Params, fn.Registers, fn.Flags)
	for ui, uv := range fn.Upvalues {
		fmt.Fprintf(&sb, "  upvalue %d <- %s\n", ui, uv)
	}
	for pc := range fn.Code {
		sb.WriteString("  ")
		sb.WriteString(DisassembleInstruction(m, fn, pc))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Disassemble renders every function in the module. Output is deterministic
// for a given module, so it is usable in golden tests.
func Disassemble(m *Module) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %q (entry %d, %d constants, %d functions)\n",
		m.Name, m.Entry, len(m.Constants), len(m.Functions))
	for i := range m.Functions {
		sb.WriteByte('\n')
		sb.WriteString(DisassembleFunction(m, FuncIndex(i)))
	}
	return sb.String()
}
