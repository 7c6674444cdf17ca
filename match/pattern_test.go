package match

import (
	"errors"
	"testing"

	"github.com/weftlab/stitch/isa"
)

var (
	fooRef = isa.MemberRef{Owner: "Widget", Name: "foo", Signature: "()void"}
	barRef = isa.MemberRef{Owner: "Widget", Name: "bar", Signature: "(int)void"}
)

// fiveInstr builds the reference stream
// [LOAD, CALL(foo), STORE, CALL(foo), RETURN].
func fiveInstr() *isa.Stream {
	b := isa.NewBuilder()
	b.EmitInt(isa.OpLoadLocal, 0)
	b.EmitMember(isa.OpCall, fooRef)
	b.EmitInt(isa.OpStoreLocal, 0)
	b.EmitMember(isa.OpCall, fooRef)
	b.Emit(isa.OpReturn)
	return b.Stream()
}

// ---------------------------------------------------------------------------
// Primitive matcher tests
// ---------------------------------------------------------------------------

func TestByMemberReference(t *testing.T) {
	s := fiveInstr()
	set, drops := ByMember(fooRef).Evaluate(s)

	if len(drops) != 0 {
		t.Errorf("unexpected drops: %v", drops)
	}
	if set.Len() != 2 {
		t.Fatalf("matched %d, want 2", set.Len())
	}
	// Stream order: the first CALL(foo) before the second.
	if set.At(0) != s.At(1).ID() || set.At(1) != s.At(3).ID() {
		t.Errorf("match order = %v, want [%d %d]", set.IDs(), s.At(1).ID(), s.At(3).ID())
	}
}

func TestByOpcodeClass(t *testing.T) {
	s := fiveInstr()

	tests := []struct {
		class isa.Class
		want  int
	}{
		{isa.ClassCall, 2},
		{isa.ClassLocal, 2},
		{isa.ClassReturn, 1},
		{isa.ClassArrayStore, 0},
		{isa.ClassAny, 5},
	}
	for _, tt := range tests {
		set, _ := ByOpcodeClass(tt.class).Evaluate(s)
		if set.Len() != tt.want {
			t.Errorf("class %s: matched %d, want %d", tt.class, set.Len(), tt.want)
		}
	}
}

func TestByLiteral(t *testing.T) {
	b := isa.NewBuilder()
	b.EmitStr(isa.OpPushStr, "east")
	b.EmitMember(isa.OpCall, barRef)
	b.EmitStr(isa.OpPushStr, "west")
	b.EmitMember(isa.OpCall, barRef)
	s := b.Stream()

	set, _ := ByLiteral(isa.StrOperand("west")).Evaluate(s)
	if set.Len() != 1 || set.At(0) != s.At(2).ID() {
		t.Errorf("literal match = %v, want [%d]", set.IDs(), s.At(2).ID())
	}

	// A non-constant instruction never matches a literal, even if operands collide.
	none, _ := ByLiteral(isa.MemberOperand(barRef)).Evaluate(s)
	if none.Len() != 0 {
		t.Errorf("member operand matched as literal: %v", none.IDs())
	}
}

func TestOrdinalFilter(t *testing.T) {
	s := fiveInstr()

	second, _ := ByMember(fooRef).Nth(1).Evaluate(s)
	if second.Len() != 1 || second.At(0) != s.At(3).ID() {
		t.Errorf("Nth(1) = %v, want [%d]", second.IDs(), s.At(3).ID())
	}

	missing, _ := ByMember(fooRef).Nth(5).Evaluate(s)
	if missing.Len() != 0 {
		t.Errorf("Nth(5) = %v, want empty", missing.IDs())
	}
}

func TestLiteralGuard(t *testing.T) {
	b := isa.NewBuilder()
	b.EmitStr(isa.OpPushStr, "east")
	b.EmitMember(isa.OpCall, barRef)
	b.EmitStr(isa.OpPushStr, "west")
	b.EmitMember(isa.OpCall, barRef)
	s := b.Stream()

	set, _ := ByMember(barRef).GuardedBy(isa.StrOperand("west")).Evaluate(s)
	if set.Len() != 1 || set.At(0) != s.At(3).ID() {
		t.Errorf("guarded match = %v, want [%d]", set.IDs(), s.At(3).ID())
	}

	// No preceding constant load at all: guard cannot hold.
	b2 := isa.NewBuilder()
	b2.EmitMember(isa.OpCall, barRef)
	none, _ := ByMember(barRef).GuardedBy(isa.StrOperand("west")).Evaluate(b2.Stream())
	if none.Len() != 0 {
		t.Errorf("guard held without constant load: %v", none.IDs())
	}
}

// ---------------------------------------------------------------------------
// Combinator tests
// ---------------------------------------------------------------------------

func TestUnionSupersetProperty(t *testing.T) {
	s := fiveInstr()
	a := ByOpcodeClass(isa.ClassCall)
	b := ByOpcodeClass(isa.ClassReturn)

	setA, _ := a.Evaluate(s)
	setB, _ := b.Evaluate(s)
	union, _ := Union(a, b).Evaluate(s)

	for _, id := range append(setA.IDs(), setB.IDs()...) {
		if !union.Contains(id) {
			t.Errorf("union missing %d", id)
		}
	}
	if union.Len() != setA.Len()+setB.Len() {
		t.Errorf("union size = %d, want %d", union.Len(), setA.Len()+setB.Len())
	}
}

func TestUnionFirstSeenOrder(t *testing.T) {
	s := fiveInstr()
	// Overlapping children: calls appear in both, kept at first position.
	union, _ := Union(ByOpcodeClass(isa.ClassCall), ByMember(fooRef)).Evaluate(s)
	if union.Len() != 2 {
		t.Fatalf("union size = %d, want 2", union.Len())
	}
	if union.At(0) != s.At(1).ID() || union.At(1) != s.At(3).ID() {
		t.Errorf("union order = %v", union.IDs())
	}
}

func TestIntersectionSubsetProperty(t *testing.T) {
	s := fiveInstr()
	a := ByOpcodeClass(isa.ClassCall)
	b := ByMember(fooRef).Nth(0)

	setA, _ := a.Evaluate(s)
	setB, _ := b.Evaluate(s)
	inter, _ := Intersect(a, b).Evaluate(s)

	for _, id := range inter.IDs() {
		if !setA.Contains(id) || !setB.Contains(id) {
			t.Errorf("intersection element %d not in both children", id)
		}
	}
	if inter.Len() != 1 || inter.At(0) != s.At(1).ID() {
		t.Errorf("intersection = %v, want [%d]", inter.IDs(), s.At(1).ID())
	}
}

func TestIntersectionEmptyChild(t *testing.T) {
	s := fiveInstr()
	inter, _ := Intersect(ByOpcodeClass(isa.ClassCall), ByOpcodeClass(isa.ClassArith)).Evaluate(s)
	if inter.Len() != 0 {
		t.Errorf("intersection with empty child = %v, want empty", inter.IDs())
	}
}

func TestShiftScenario(t *testing.T) {
	// Spec scenario: Shift(ByMember(foo), 1) on the five-instruction stream
	// lands on STORE and RETURN.
	s := fiveInstr()
	set, drops := Shift(ByMember(fooRef), 1).Evaluate(s)

	if len(drops) != 0 {
		t.Errorf("unexpected drops: %v", drops)
	}
	if set.Len() != 2 || set.At(0) != s.At(2).ID() || set.At(1) != s.At(4).ID() {
		t.Errorf("shifted = %v, want [%d %d]", set.IDs(), s.At(2).ID(), s.At(4).ID())
	}
}

func TestShiftDropsOutOfBounds(t *testing.T) {
	s := fiveInstr()
	set, drops := Shift(ByOpcodeClass(isa.ClassReturn), 1).Evaluate(s)

	if set.Len() != 0 {
		t.Errorf("set = %v, want empty", set.IDs())
	}
	if len(drops) != 1 || drops[0].From != s.At(4).ID() || drops[0].Offset != 1 {
		t.Errorf("drops = %v, want one drop from %d", drops, s.At(4).ID())
	}
}

func TestShiftComposesByOffsetSum(t *testing.T) {
	p := Shift(Shift(ByMember(fooRef), 2), -1)
	if p.kind != KindShift || p.offset != 1 {
		t.Fatalf("composed shift = %s, want single shift of +1", p)
	}
	if p.children[0].kind != KindMember {
		t.Errorf("composed shift stacked evaluations: inner kind %v", p.children[0].kind)
	}
}

func TestShiftInverseProperty(t *testing.T) {
	s := fiveInstr()
	base, _ := ByMember(fooRef).Evaluate(s)
	roundTrip, _ := Shift(Shift(ByMember(fooRef), 1), -1).Evaluate(s)

	if !roundTrip.Equal(&base) {
		t.Errorf("shift round trip = %v, want %v", roundTrip.IDs(), base.IDs())
	}
}

func TestShiftInverseLosesOutOfBounds(t *testing.T) {
	s := fiveInstr()
	// RETURN shifts out of bounds forward; the round trip may only shrink.
	base, _ := ByOpcodeClass(isa.ClassReturn).Evaluate(s)
	round, _ := Shift(Shift(ByOpcodeClass(isa.ClassReturn), 1), -1).Evaluate(s)
	if round.Len() > base.Len() {
		t.Errorf("round trip grew: %d > %d", round.Len(), base.Len())
	}
}

// ---------------------------------------------------------------------------
// Purity
// ---------------------------------------------------------------------------

func TestEvaluateIsIdempotent(t *testing.T) {
	s := fiveInstr()
	patterns := []Pattern{
		ByMember(fooRef),
		ByOpcodeClass(isa.ClassCall),
		Union(ByOpcodeClass(isa.ClassCall), ByOpcodeClass(isa.ClassReturn)),
		Intersect(ByOpcodeClass(isa.ClassCall), ByMember(fooRef)),
		Shift(ByMember(fooRef), 1),
	}
	for _, p := range patterns {
		first, _ := p.Evaluate(s)
		second, _ := p.Evaluate(s)
		if !first.Equal(&second) {
			t.Errorf("%s: evaluation not idempotent: %v then %v", p, first.IDs(), second.IDs())
		}
	}
}

// ---------------------------------------------------------------------------
// Spec round trip
// ---------------------------------------------------------------------------

func TestSpecRoundTrip(t *testing.T) {
	patterns := []Pattern{
		ByOpcodeClass(isa.ClassReturn),
		ByMember(fooRef).Nth(1),
		ByMember(barRef).GuardedBy(isa.StrOperand("west")),
		ByLiteral(isa.IntOperand(42)),
		Union(ByOpcodeClass(isa.ClassCall), ByLiteral(isa.StrOperand("x"))),
		Intersect(ByOpcodeClass(isa.ClassCall), ByMember(fooRef)),
		Shift(ByMember(fooRef), -2),
	}

	s := fiveInstr()
	for _, p := range patterns {
		rebuilt, err := FromSpec(p.Spec())
		if err != nil {
			t.Errorf("%s: FromSpec: %v", p, err)
			continue
		}
		want, _ := p.Evaluate(s)
		got, _ := rebuilt.Evaluate(s)
		if !got.Equal(&want) {
			t.Errorf("%s: rebuilt pattern matches %v, want %v", p, got.IDs(), want.IDs())
		}
	}
}

func TestFromSpecRejectsUnknownKind(t *testing.T) {
	if _, err := FromSpec(Spec{Kind: "telepathy"}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := FromSpec(Spec{Kind: "opcode-class", Class: "nonsense"}); err == nil {
		t.Error("unknown class accepted")
	}
}

func TestFromSpecRejectsDecoratedComposites(t *testing.T) {
	child := Spec{Kind: "opcode-class", Class: "return"}
	zero := 0
	guard := &OperandSpec{Kind: "int", Int: 7}

	// Ordinal and guard only filter primitive scans; a composite
	// carrying either would be silently ignored at evaluation.
	for _, s := range []Spec{
		{Kind: "union", Children: []Spec{child}, Ordinal: &zero},
		{Kind: "intersection", Children: []Spec{child}, Guard: guard},
		{Kind: "shift", Children: []Spec{child}, Offset: 1, Ordinal: &zero},
		{Kind: "shift", Children: []Spec{child}, Offset: 1, Guard: guard},
	} {
		if _, err := FromSpec(s); !errors.Is(err, ErrBadSpec) {
			t.Errorf("%s spec with decorators: err = %v, want ErrBadSpec", s.Kind, err)
		}
	}
}
