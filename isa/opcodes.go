package isa

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single instruction form.
type Opcode byte

// Stack Operations
const (
	OpNop  Opcode = 0x00 // no operation
	OpPop  Opcode = 0x01 // discard top of stack
	OpDup  Opcode = 0x02 // duplicate top of stack
	OpSwap Opcode = 0x03 // swap top two stack values
)

// Constant Loads
const (
	OpPushNull  Opcode = 0x10 // push null
	OpPushInt   Opcode = 0x11 // push integer constant
	OpPushFloat Opcode = 0x12 // push float constant
	OpPushStr   Opcode = 0x13 // push string constant
)

// Local Variables
const (
	OpLoadLocal  Opcode = 0x20 // push local slot (integer operand)
	OpStoreLocal Opcode = 0x21 // pop into local slot (integer operand)
)

// Field Access
const (
	OpGetField  Opcode = 0x30 // push instance field (member operand)
	OpPutField  Opcode = 0x31 // pop into instance field (member operand)
	OpGetStatic Opcode = 0x32 // push static field (member operand)
	OpPutStatic Opcode = 0x33 // pop into static field (member operand)
)

// Array Operations
const (
	OpArrayLoad  Opcode = 0x40 // pop array+index, push element
	OpArrayStore Opcode = 0x41 // pop array+index+value
	OpArrayLen   Opcode = 0x42 // pop array, push length
)

// Calls
const (
	OpCall        Opcode = 0x50 // call instance method (member operand)
	OpCallStatic  Opcode = 0x51 // call static method (member operand)
	OpCallDynamic Opcode = 0x52 // call through dynamic dispatch (member operand)
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // unconditional jump (target operand)
	OpJumpIfTrue  Opcode = 0x61 // pop, jump if true (target operand)
	OpJumpIfFalse Opcode = 0x62 // pop, jump if false (target operand)
	OpJumpIfNull  Opcode = 0x63 // pop, jump if null (target operand)
)

// Returns
const (
	OpReturn      Opcode = 0x70 // return without value
	OpReturnValue Opcode = 0x71 // return top of stack
)

// Arithmetic
const (
	OpAdd     Opcode = 0x80 // pop 2, push sum
	OpSub     Opcode = 0x81 // pop 2, push difference
	OpMul     Opcode = 0x82 // pop 2, push product
	OpDiv     Opcode = 0x83 // pop 2, push quotient
	OpNeg     Opcode = 0x84 // pop 1, push negation
	OpCompare Opcode = 0x85 // pop 2, push comparison result
)

// ---------------------------------------------------------------------------
// Opcode classes
// ---------------------------------------------------------------------------

// Class groups opcodes into the families matchers select on.
type Class uint8

const (
	ClassNone       Class = iota // unknown / unclassified
	ClassStack                   // stack shuffling
	ClassConst                   // constant loads
	ClassLocal                   // local variable access
	ClassField                   // field access
	ClassArrayLoad               // array element reads
	ClassArrayStore              // array element writes
	ClassCall                    // method calls
	ClassJump                    // conditional and unconditional jumps
	ClassReturn                  // returns
	ClassArith                   // arithmetic

	// ClassAny is a matcher wildcard; no opcode carries it.
	ClassAny Class = 0xFF
)

// classNames maps classes to display names.
var classNames = map[Class]string{
	ClassNone:       "none",
	ClassStack:      "stack",
	ClassConst:      "const",
	ClassLocal:      "local",
	ClassField:      "field",
	ClassArrayLoad:  "array-load",
	ClassArrayStore: "array-store",
	ClassCall:       "call",
	ClassJump:       "jump",
	ClassReturn:     "return",
	ClassArith:      "arith",
	ClassAny:        "any",
}

// String implements the Stringer interface.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class-%02X", uint8(c))
}

// ClassNamed resolves a class display name back to its value.
func ClassNamed(name string) (Class, bool) {
	for c, n := range classNames {
		if n == name {
			return c, true
		}
	}
	return ClassNone, false
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// EffectVariable marks opcodes whose stack effect depends on the operand
// (calls: arity and return type come from the member signature).
const EffectVariable = -128

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string      // human-readable name
	Class       Class       // matcher family
	Operand     OperandKind // required operand kind
	StackEffect int         // net effect on stack, or EffectVariable
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNop:  {"NOP", ClassStack, OperandNone, 0},
	OpPop:  {"POP", ClassStack, OperandNone, -1},
	OpDup:  {"DUP", ClassStack, OperandNone, 1},
	OpSwap: {"SWAP", ClassStack, OperandNone, 0},

	// Constant loads
	OpPushNull:  {"PUSH_NULL", ClassConst, OperandNone, 1},
	OpPushInt:   {"PUSH_INT", ClassConst, OperandInt, 1},
	OpPushFloat: {"PUSH_FLOAT", ClassConst, OperandFloat, 1},
	OpPushStr:   {"PUSH_STR", ClassConst, OperandStr, 1},

	// Locals
	OpLoadLocal:  {"LOAD_LOCAL", ClassLocal, OperandInt, 1},
	OpStoreLocal: {"STORE_LOCAL", ClassLocal, OperandInt, -1},

	// Fields
	OpGetField:  {"GET_FIELD", ClassField, OperandMember, 0},  // pops receiver, pushes value
	OpPutField:  {"PUT_FIELD", ClassField, OperandMember, -2}, // pops receiver + value
	OpGetStatic: {"GET_STATIC", ClassField, OperandMember, 1},
	OpPutStatic: {"PUT_STATIC", ClassField, OperandMember, -1},

	// Arrays
	OpArrayLoad:  {"ARRAY_LOAD", ClassArrayLoad, OperandNone, -1},   // pops 2, pushes 1
	OpArrayStore: {"ARRAY_STORE", ClassArrayStore, OperandNone, -3}, // pops 3
	OpArrayLen:   {"ARRAY_LEN", ClassArrayLoad, OperandNone, 0},     // pops 1, pushes 1

	// Calls
	OpCall:        {"CALL", ClassCall, OperandMember, EffectVariable},
	OpCallStatic:  {"CALL_STATIC", ClassCall, OperandMember, EffectVariable},
	OpCallDynamic: {"CALL_DYNAMIC", ClassCall, OperandMember, EffectVariable},

	// Control flow
	OpJump:        {"JUMP", ClassJump, OperandTarget, 0},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", ClassJump, OperandTarget, -1},
	OpJumpIfFalse: {"JUMP_IF_FALSE", ClassJump, OperandTarget, -1},
	OpJumpIfNull:  {"JUMP_IF_NULL", ClassJump, OperandTarget, -1},

	// Returns
	OpReturn:      {"RETURN", ClassReturn, OperandNone, 0},
	OpReturnValue: {"RETURN_VALUE", ClassReturn, OperandNone, -1},

	// Arithmetic
	OpAdd:     {"ADD", ClassArith, OperandNone, -1},
	OpSub:     {"SUB", ClassArith, OperandNone, -1},
	OpMul:     {"MUL", ClassArith, OperandNone, -1},
	OpDiv:     {"DIV", ClassArith, OperandNone, -1},
	OpNeg:     {"NEG", ClassArith, OperandNone, 0},
	OpCompare: {"COMPARE", ClassArith, OperandNone, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), Class: ClassNone, Operand: OperandNone}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OpClass returns the matcher family for an opcode.
func (op Opcode) OpClass() Class {
	return op.Info().Class
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}
