package isa

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction formats a single instruction with its position.
func DisassembleInstruction(pos int, in Instruction) string {
	if in.Operand.Kind == OperandNone {
		return fmt.Sprintf("%04d  #%-4d %s", pos, in.id, in.Op.Name())
	}
	return fmt.Sprintf("%04d  #%-4d %s %s", pos, in.id, in.Op.Name(), in.Operand)
}

// Disassemble returns a full listing of a stream, one instruction per line.
func Disassemble(s *Stream) string {
	var sb strings.Builder
	for pos := 0; pos < s.Len(); pos++ {
		if pos > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(pos, s.At(pos)))
	}
	return sb.String()
}

// Disassemble returns a listing of the method's body.
func (m *Method) Disassemble() string {
	return m.String() + "\n" + Disassemble(m.Stream)
}
