// Package match implements instruction-position matchers.
//
// A Pattern is an immutable, side-effect-free description of "which
// instructions" - by opcode class, member reference, or constant value -
// composable through Union, Intersect, and Shift. Evaluating a pattern
// against a stream yields an ordered Set of instruction identities.
package match

import (
	"fmt"
	"strings"

	"github.com/weftlab/stitch/isa"
)

// ---------------------------------------------------------------------------
// Pattern variants
// ---------------------------------------------------------------------------

// Kind discriminates the pattern union.
type Kind uint8

const (
	KindOpcodeClass  Kind = iota // instructions of one opcode family
	KindMember                   // field/method instructions referencing a member
	KindLiteral                  // constant loads carrying a value
	KindUnion                    // set union of children, first-seen order
	KindIntersection             // positions present in every child
	KindShift                    // child matches moved by a fixed offset
)

// Pattern is an immutable matcher. Construct with the By*/Union/Intersect/
// Shift functions; the zero value matches nothing.
type Pattern struct {
	kind     Kind
	class    isa.Class
	member   isa.MemberRef
	literal  isa.Operand
	ordinal  int         // Nth-occurrence filter, -1 = all
	guard    isa.Operand // preceding-constant guard, OperandNone = off
	children []Pattern
	offset   int
}

// ByOpcodeClass matches every instruction of the given opcode family.
// isa.ClassAny matches every instruction.
func ByOpcodeClass(c isa.Class) Pattern {
	return Pattern{kind: KindOpcodeClass, class: c, ordinal: -1}
}

// Any matches every instruction. Combined with Nth it addresses absolute
// stream positions ("method head" is Any().Nth(0)).
func Any() Pattern {
	return ByOpcodeClass(isa.ClassAny)
}

// ByMember matches field or method instructions referencing the given
// owner/name/signature triple.
func ByMember(ref isa.MemberRef) Pattern {
	return Pattern{kind: KindMember, member: ref, ordinal: -1}
}

// ByLiteral matches constant-load instructions whose value equals v.
func ByLiteral(v isa.Operand) Pattern {
	return Pattern{kind: KindLiteral, literal: v, ordinal: -1}
}

// Nth restricts a primitive pattern to its Nth occurrence (0-based) in
// stream order. Applied after any literal guard.
func (p Pattern) Nth(n int) Pattern {
	p.ordinal = n
	return p
}

// GuardedBy restricts a primitive pattern to occurrences whose nearest
// preceding constant load carries the given value. Used to disambiguate
// overloaded call sites that share a signature but differ by an adjacent
// literal.
func (p Pattern) GuardedBy(v isa.Operand) Pattern {
	p.guard = v
	return p
}

// Union composes patterns into their set union, preserving first-seen
// order across children.
func Union(children ...Pattern) Pattern {
	return Pattern{kind: KindUnion, children: children, ordinal: -1}
}

// Intersect composes patterns into their intersection: only positions
// present in every child, in the order of the first child.
func Intersect(children ...Pattern) Pattern {
	return Pattern{kind: KindIntersection, children: children, ordinal: -1}
}

// Shift moves each of inner's matches k positions later in the current
// stream ordering (k may be negative). Shifting a shift sums the offsets
// rather than stacking evaluation passes.
func Shift(inner Pattern, k int) Pattern {
	if inner.kind == KindShift {
		k += inner.offset
		inner = inner.children[0]
	}
	if k == 0 {
		return inner
	}
	return Pattern{kind: KindShift, children: []Pattern{inner}, offset: k, ordinal: -1}
}

// PatternKind returns the variant tag.
func (p Pattern) PatternKind() Kind {
	return p.kind
}

// String returns a compact description for diagnostics.
func (p Pattern) String() string {
	switch p.kind {
	case KindOpcodeClass:
		return p.decorate(fmt.Sprintf("class(%s)", p.class))
	case KindMember:
		return p.decorate(fmt.Sprintf("member(%s)", p.member))
	case KindLiteral:
		return p.decorate(fmt.Sprintf("literal(%s)", p.literal))
	case KindUnion:
		return "union(" + p.childList() + ")"
	case KindIntersection:
		return "intersect(" + p.childList() + ")"
	case KindShift:
		return fmt.Sprintf("shift(%s, %+d)", p.children[0], p.offset)
	default:
		return "none"
	}
}

func (p Pattern) decorate(base string) string {
	if p.ordinal >= 0 {
		base += fmt.Sprintf("[%d]", p.ordinal)
	}
	if p.guard.Kind != isa.OperandNone {
		base += fmt.Sprintf("{guard=%s}", p.guard)
	}
	return base
}

func (p Pattern) childList() string {
	parts := make([]string, len(p.children))
	for i, c := range p.children {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
