package match

import "github.com/weftlab/stitch/isa"

// ---------------------------------------------------------------------------
// Match sets
// ---------------------------------------------------------------------------

// Set is an ordered set of instruction identities. Insertion order is
// significant: Union preserves first-seen order and Intersection takes
// the order of its first child. The zero value is an empty set.
type Set struct {
	ids    []isa.ID
	member map[isa.ID]struct{}
}

// Add appends an identity if not already present.
// Returns true if the identity was newly added.
func (s *Set) Add(id isa.ID) bool {
	if s.member == nil {
		s.member = make(map[isa.ID]struct{}, 8)
	}
	if _, ok := s.member[id]; ok {
		return false
	}
	s.member[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Contains reports whether the identity is in the set.
func (s *Set) Contains(id isa.ID) bool {
	_, ok := s.member[id]
	return ok
}

// Len returns the number of identities.
func (s *Set) Len() int {
	return len(s.ids)
}

// At returns the identity at the given insertion position.
func (s *Set) At(i int) isa.ID {
	return s.ids[i]
}

// IDs returns the identities in insertion order.
func (s *Set) IDs() []isa.ID {
	out := make([]isa.ID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Equal reports whether two sets hold the same identities in the same order.
func (s *Set) Equal(o *Set) bool {
	if len(s.ids) != len(o.ids) {
		return false
	}
	for i := range s.ids {
		if s.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}
