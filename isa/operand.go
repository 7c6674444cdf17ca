package isa

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Member references
// ---------------------------------------------------------------------------

// MemberRef names a field or method by owner, name, and signature.
// Signatures use the textual form "(T1,T2)R" where R is "void" for
// methods without a result; fields use their type as the signature.
type MemberRef struct {
	Owner     string
	Name      string
	Signature string
}

// IsZero reports whether the reference is empty.
func (r MemberRef) IsZero() bool {
	return r.Owner == "" && r.Name == "" && r.Signature == ""
}

// Arity returns the number of declared arguments in the signature.
// Fields and malformed signatures report zero.
func (r MemberRef) Arity() int {
	open := strings.IndexByte(r.Signature, '(')
	close := strings.IndexByte(r.Signature, ')')
	if open != 0 || close < 0 {
		return 0
	}
	inner := r.Signature[open+1 : close]
	if inner == "" {
		return 0
	}
	return strings.Count(inner, ",") + 1
}

// ReturnsValue reports whether the signature declares a result.
func (r MemberRef) ReturnsValue() bool {
	close := strings.IndexByte(r.Signature, ')')
	if close < 0 {
		return false
	}
	ret := r.Signature[close+1:]
	return ret != "" && ret != "void"
}

// ReturnType returns the declared result type, or "void".
func (r MemberRef) ReturnType() string {
	close := strings.IndexByte(r.Signature, ')')
	if close < 0 || close+1 >= len(r.Signature) {
		return "void"
	}
	return r.Signature[close+1:]
}

// ArgTypes returns the declared argument types in order.
func (r MemberRef) ArgTypes() []string {
	open := strings.IndexByte(r.Signature, '(')
	close := strings.IndexByte(r.Signature, ')')
	if open != 0 || close < 0 || close == 1 {
		return nil
	}
	return strings.Split(r.Signature[1:close], ",")
}

// String implements the Stringer interface.
func (r MemberRef) String() string {
	return r.Owner + "." + r.Name + r.Signature
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// OperandKind discriminates the operand union.
type OperandKind uint8

const (
	OperandNone   OperandKind = iota // no operand
	OperandInt                       // integer payload
	OperandFloat                     // float payload
	OperandStr                       // string payload
	OperandMember                    // member reference payload
	OperandTarget                    // jump target (instruction identity)
)

// Operand is the tagged operand payload of an instruction. Exactly the
// field selected by Kind is meaningful; the rest stay zero.
type Operand struct {
	Kind   OperandKind
	Int    int64
	Float  float64
	Str    string
	Member MemberRef
	Target ID
}

// NoOperand is the empty operand.
var NoOperand = Operand{Kind: OperandNone}

// IntOperand builds an integer operand.
func IntOperand(v int64) Operand {
	return Operand{Kind: OperandInt, Int: v}
}

// FloatOperand builds a float operand.
func FloatOperand(v float64) Operand {
	return Operand{Kind: OperandFloat, Float: v}
}

// StrOperand builds a string operand.
func StrOperand(v string) Operand {
	return Operand{Kind: OperandStr, Str: v}
}

// MemberOperand builds a member-reference operand.
func MemberOperand(r MemberRef) Operand {
	return Operand{Kind: OperandMember, Member: r}
}

// TargetOperand builds a jump-target operand.
func TargetOperand(id ID) Operand {
	return Operand{Kind: OperandTarget, Target: id}
}

// Equal reports whether two operands carry the same kind and payload.
func (o Operand) Equal(other Operand) bool {
	return o == other
}

// String implements the Stringer interface.
func (o Operand) String() string {
	switch o.Kind {
	case OperandNone:
		return ""
	case OperandInt:
		return fmt.Sprintf("%d", o.Int)
	case OperandFloat:
		return fmt.Sprintf("%g", o.Float)
	case OperandStr:
		return fmt.Sprintf("%q", o.Str)
	case OperandMember:
		return o.Member.String()
	case OperandTarget:
		return fmt.Sprintf("->%d", o.Target)
	default:
		return fmt.Sprintf("operand-%02X", uint8(o.Kind))
	}
}
