package match

import (
	"errors"
	"fmt"

	"github.com/weftlab/stitch/isa"
)

// ErrBadSpec indicates a serialized pattern that does not describe a
// valid matcher.
var ErrBadSpec = errors.New("invalid pattern spec")

// ---------------------------------------------------------------------------
// Serializable pattern form
// ---------------------------------------------------------------------------

// Spec is the exported mirror of Pattern used by manifests and the
// descriptor cache. Spec and Pattern round-trip exactly.
type Spec struct {
	Kind     string       `cbor:"kind" toml:"kind"`
	Class    string       `cbor:"class,omitempty" toml:"class,omitempty"`
	Owner    string       `cbor:"owner,omitempty" toml:"owner,omitempty"`
	Name     string       `cbor:"name,omitempty" toml:"name,omitempty"`
	Sig      string       `cbor:"sig,omitempty" toml:"sig,omitempty"`
	Literal  *OperandSpec `cbor:"literal,omitempty" toml:"literal,omitempty"`
	Ordinal  *int         `cbor:"ordinal,omitempty" toml:"ordinal,omitempty"` // nil = every occurrence
	Guard    *OperandSpec `cbor:"guard,omitempty" toml:"guard,omitempty"`
	Children []Spec       `cbor:"children,omitempty" toml:"children,omitempty"`
	Offset   int          `cbor:"offset,omitempty" toml:"offset,omitempty"`
}

// OperandSpec is the exported mirror of isa.Operand.
type OperandSpec struct {
	Kind   string  `cbor:"kind" toml:"kind"`
	Int    int64   `cbor:"int,omitempty" toml:"int,omitempty"`
	Float  float64 `cbor:"float,omitempty" toml:"float,omitempty"`
	Str    string  `cbor:"str,omitempty" toml:"str,omitempty"`
	Owner  string  `cbor:"owner,omitempty" toml:"owner,omitempty"`
	Name   string  `cbor:"name,omitempty" toml:"name,omitempty"`
	Sig    string  `cbor:"sig,omitempty" toml:"sig,omitempty"`
	Target uint64  `cbor:"target,omitempty" toml:"target,omitempty"`
}

var kindNames = map[Kind]string{
	KindOpcodeClass:  "opcode-class",
	KindMember:       "member",
	KindLiteral:      "literal",
	KindUnion:        "union",
	KindIntersection: "intersection",
	KindShift:        "shift",
}

// Spec converts the pattern to its serializable form.
func (p Pattern) Spec() Spec {
	s := Spec{
		Kind:   kindNames[p.kind],
		Offset: p.offset,
	}
	if p.ordinal >= 0 {
		n := p.ordinal
		s.Ordinal = &n
	}
	switch p.kind {
	case KindOpcodeClass:
		s.Class = p.class.String()
	case KindMember:
		s.Owner, s.Name, s.Sig = p.member.Owner, p.member.Name, p.member.Signature
	case KindLiteral:
		lit := operandSpec(p.literal)
		s.Literal = &lit
	}
	if p.guard.Kind != isa.OperandNone {
		g := operandSpec(p.guard)
		s.Guard = &g
	}
	for _, c := range p.children {
		s.Children = append(s.Children, c.Spec())
	}
	return s
}

// FromSpec rebuilds a pattern from its serializable form.
func FromSpec(s Spec) (Pattern, error) {
	var p Pattern
	switch s.Kind {
	case "opcode-class":
		c, ok := isa.ClassNamed(s.Class)
		if !ok {
			return Pattern{}, fmt.Errorf("match: unknown opcode class %q: %w", s.Class, ErrBadSpec)
		}
		p = ByOpcodeClass(c)
	case "member":
		p = ByMember(isa.MemberRef{Owner: s.Owner, Name: s.Name, Signature: s.Sig})
	case "literal":
		if s.Literal == nil {
			return Pattern{}, fmt.Errorf("match: literal spec without value: %w", ErrBadSpec)
		}
		v, err := operandFromSpec(*s.Literal)
		if err != nil {
			return Pattern{}, err
		}
		p = ByLiteral(v)
	case "union", "intersection":
		if s.Ordinal != nil || s.Guard != nil {
			return Pattern{}, fmt.Errorf("match: %s spec cannot carry an ordinal or guard: %w", s.Kind, ErrBadSpec)
		}
		children := make([]Pattern, len(s.Children))
		for i, cs := range s.Children {
			c, err := FromSpec(cs)
			if err != nil {
				return Pattern{}, err
			}
			children[i] = c
		}
		if s.Kind == "union" {
			p = Union(children...)
		} else {
			p = Intersect(children...)
		}
	case "shift":
		if s.Ordinal != nil || s.Guard != nil {
			return Pattern{}, fmt.Errorf("match: shift spec cannot carry an ordinal or guard: %w", ErrBadSpec)
		}
		if len(s.Children) != 1 {
			return Pattern{}, fmt.Errorf("match: shift spec needs one child, has %d: %w", len(s.Children), ErrBadSpec)
		}
		inner, err := FromSpec(s.Children[0])
		if err != nil {
			return Pattern{}, err
		}
		return Shift(inner, s.Offset), nil
	default:
		return Pattern{}, fmt.Errorf("match: unknown pattern kind %q: %w", s.Kind, ErrBadSpec)
	}

	if s.Ordinal != nil {
		p = p.Nth(*s.Ordinal)
	}
	if s.Guard != nil {
		g, err := operandFromSpec(*s.Guard)
		if err != nil {
			return Pattern{}, err
		}
		p = p.GuardedBy(g)
	}
	return p, nil
}

func operandSpec(o isa.Operand) OperandSpec {
	switch o.Kind {
	case isa.OperandInt:
		return OperandSpec{Kind: "int", Int: o.Int}
	case isa.OperandFloat:
		return OperandSpec{Kind: "float", Float: o.Float}
	case isa.OperandStr:
		return OperandSpec{Kind: "str", Str: o.Str}
	case isa.OperandMember:
		return OperandSpec{Kind: "member", Owner: o.Member.Owner, Name: o.Member.Name, Sig: o.Member.Signature}
	case isa.OperandTarget:
		return OperandSpec{Kind: "target", Target: uint64(o.Target)}
	default:
		return OperandSpec{Kind: "none"}
	}
}

func operandFromSpec(s OperandSpec) (isa.Operand, error) {
	switch s.Kind {
	case "none", "":
		return isa.NoOperand, nil
	case "int":
		return isa.IntOperand(s.Int), nil
	case "float":
		return isa.FloatOperand(s.Float), nil
	case "str":
		return isa.StrOperand(s.Str), nil
	case "member":
		return isa.MemberOperand(isa.MemberRef{Owner: s.Owner, Name: s.Name, Signature: s.Sig}), nil
	case "target":
		return isa.TargetOperand(isa.ID(s.Target)), nil
	default:
		return isa.NoOperand, fmt.Errorf("match: unknown operand kind %q: %w", s.Kind, ErrBadSpec)
	}
}
