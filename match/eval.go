package match

import "github.com/weftlab/stitch/isa"

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Drop records a shifted match that left the stream bounds and was
// dropped from the result set.
type Drop struct {
	From   isa.ID // identity of the pre-shift match
	Offset int    // offset that pushed it out of bounds
}

// Evaluate runs the pattern against a stream. Each primitive performs a
// single linear scan; no state is shared between evaluations, so
// independent patterns may be evaluated concurrently over one stream.
// Re-evaluating against an unmodified stream yields an identical set.
func (p Pattern) Evaluate(s *isa.Stream) (Set, []Drop) {
	var drops []Drop
	set := p.eval(s, &drops)
	return set, drops
}

func (p Pattern) eval(s *isa.Stream, drops *[]Drop) Set {
	switch p.kind {
	case KindOpcodeClass:
		return p.scanPrimitive(s, func(in isa.Instruction) bool {
			return p.class == isa.ClassAny || in.Op.OpClass() == p.class
		})

	case KindMember:
		return p.scanPrimitive(s, func(in isa.Instruction) bool {
			return in.Operand.Kind == isa.OperandMember && in.Operand.Member == p.member
		})

	case KindLiteral:
		return p.scanPrimitive(s, func(in isa.Instruction) bool {
			return in.Op.OpClass() == isa.ClassConst && in.Operand.Equal(p.literal)
		})

	case KindUnion:
		var out Set
		for _, c := range p.children {
			child := c.eval(s, drops)
			for i := 0; i < child.Len(); i++ {
				out.Add(child.At(i))
			}
		}
		return out

	case KindIntersection:
		if len(p.children) == 0 {
			return Set{}
		}
		first := p.children[0].eval(s, drops)
		rest := make([]Set, len(p.children)-1)
		for i, c := range p.children[1:] {
			rest[i] = c.eval(s, drops)
		}
		var out Set
	next:
		for i := 0; i < first.Len(); i++ {
			id := first.At(i)
			for j := range rest {
				if !rest[j].Contains(id) {
					continue next
				}
			}
			out.Add(id)
		}
		return out

	case KindShift:
		inner := p.children[0].eval(s, drops)
		var out Set
		for i := 0; i < inner.Len(); i++ {
			id := inner.At(i)
			pos, ok := s.PositionOf(id)
			if !ok {
				// Identity vanished between scan and shift; treat as dropped.
				*drops = append(*drops, Drop{From: id, Offset: p.offset})
				continue
			}
			np := pos + p.offset
			if np < 0 || np >= s.Len() {
				*drops = append(*drops, Drop{From: id, Offset: p.offset})
				continue
			}
			out.Add(s.At(np).ID())
		}
		return out

	default:
		return Set{}
	}
}

// scanPrimitive walks the stream once, applying the predicate, then the
// literal guard, then the ordinal filter.
func (p Pattern) scanPrimitive(s *isa.Stream, pred func(isa.Instruction) bool) Set {
	var hits []int
	for pos := 0; pos < s.Len(); pos++ {
		if pred(s.At(pos)) {
			hits = append(hits, pos)
		}
	}

	if p.guard.Kind != isa.OperandNone {
		guarded := hits[:0]
		for _, pos := range hits {
			if guardHolds(s, pos, p.guard) {
				guarded = append(guarded, pos)
			}
		}
		hits = guarded
	}

	var out Set
	if p.ordinal >= 0 {
		if p.ordinal < len(hits) {
			out.Add(s.At(hits[p.ordinal]).ID())
		}
		return out
	}
	for _, pos := range hits {
		out.Add(s.At(pos).ID())
	}
	return out
}

// guardHolds reports whether the nearest constant load preceding pos
// carries the guard value.
func guardHolds(s *isa.Stream, pos int, guard isa.Operand) bool {
	for i := pos - 1; i >= 0; i-- {
		in := s.At(i)
		if in.Op.OpClass() == isa.ClassConst {
			return in.Operand.Equal(guard)
		}
	}
	return false
}
