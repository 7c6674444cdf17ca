package isa

import (
	"errors"
	"fmt"
)

// ErrUnknownIdentity indicates an operation referenced an identity that is
// not present in the stream, typically because an earlier edit removed it.
// Callers must re-resolve patterns after each edit; raw positions and stale
// identities must never be cached across edits.
var ErrUnknownIdentity = errors.New("unknown instruction identity")

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// ID is the stable identity of an instruction. It is assigned when the
// instruction enters a stream and survives every subsequent edit; it is
// distinct from the instruction's current position. Zero is never assigned.
type ID uint64

// Instruction is one opcode plus its operand. The identity is set by the
// owning stream; instructions built with Instr carry a zero identity until
// inserted.
type Instruction struct {
	id      ID
	Op      Opcode
	Operand Operand
}

// Instr builds a detached instruction for later insertion.
func Instr(op Opcode, operand Operand) Instruction {
	return Instruction{Op: op, Operand: operand}
}

// ID returns the instruction's stable identity (zero if detached).
func (in Instruction) ID() ID {
	return in.id
}

// StackEffect returns the net operand-stack effect of the instruction.
// The second result is false when the effect cannot be determined (a call
// with an empty member reference).
func (in Instruction) StackEffect() (int, bool) {
	info := in.Op.Info()
	if info.StackEffect != EffectVariable {
		return info.StackEffect, true
	}
	ref := in.Operand.Member
	if ref.IsZero() {
		return 0, false
	}
	pops := ref.Arity()
	if in.Op == OpCall || in.Op == OpCallDynamic {
		pops++ // receiver
	}
	pushes := 0
	if ref.ReturnsValue() {
		pushes = 1
	}
	return pushes - pops, true
}

// String implements the Stringer interface.
func (in Instruction) String() string {
	if in.Operand.Kind == OperandNone {
		return in.Op.Name()
	}
	return in.Op.Name() + " " + in.Operand.String()
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// Stream is an ordered, identity-addressed instruction sequence. A stream
// is owned by exactly one Method. Jump targets are identities, so edits
// never invalidate them; the position index is rebuilt after every
// structural edit and identities are unaffected.
type Stream struct {
	nextID uint64
	instrs []Instruction
	index  map[ID]int // identity -> current position
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{
		nextID: 1,
		instrs: make([]Instruction, 0, 16),
		index:  make(map[ID]int, 16),
	}
}

// Len returns the number of instructions.
func (s *Stream) Len() int {
	return len(s.instrs)
}

// At returns the instruction at the given position.
// Panics if position is out of range.
func (s *Stream) At(pos int) Instruction {
	if pos < 0 || pos >= len(s.instrs) {
		panic(fmt.Sprintf("isa: Stream.At(%d) out of range [0,%d)", pos, len(s.instrs)))
	}
	return s.instrs[pos]
}

// PositionOf returns the current position of an identity.
func (s *Stream) PositionOf(id ID) (int, bool) {
	pos, ok := s.index[id]
	return pos, ok
}

// Get returns the instruction with the given identity.
func (s *Stream) Get(id ID) (Instruction, bool) {
	pos, ok := s.index[id]
	if !ok {
		return Instruction{}, false
	}
	return s.instrs[pos], true
}

// Contains reports whether the identity is present in the stream.
func (s *Stream) Contains(id ID) bool {
	_, ok := s.index[id]
	return ok
}

// Append adds an instruction at the end of the stream and returns its
// newly assigned identity.
func (s *Stream) Append(op Opcode, operand Operand) ID {
	id := s.assign()
	s.instrs = append(s.instrs, Instruction{id: id, Op: op, Operand: operand})
	s.index[id] = len(s.instrs) - 1
	return id
}

// InsertBefore inserts a sequence immediately before the instruction with
// the given identity. Identities on the inserted instructions are assigned
// fresh, in sequence order, and returned.
func (s *Stream) InsertBefore(at ID, seq ...Instruction) ([]ID, error) {
	pos, ok := s.index[at]
	if !ok {
		return nil, fmt.Errorf("isa: insert before %d: %w", at, ErrUnknownIdentity)
	}
	return s.insertAt(pos, seq), nil
}

// InsertAfter inserts a sequence immediately after the instruction with
// the given identity.
func (s *Stream) InsertAfter(at ID, seq ...Instruction) ([]ID, error) {
	pos, ok := s.index[at]
	if !ok {
		return nil, fmt.Errorf("isa: insert after %d: %w", at, ErrUnknownIdentity)
	}
	return s.insertAt(pos+1, seq), nil
}

// insertAt splices freshly identified copies of seq in at position pos.
func (s *Stream) insertAt(pos int, seq []Instruction) []ID {
	ids := make([]ID, len(seq))
	fresh := make([]Instruction, len(seq))
	for i, in := range seq {
		in.id = s.assign()
		ids[i] = in.id
		fresh[i] = in
	}
	s.instrs = append(s.instrs[:pos], append(fresh, s.instrs[pos:]...)...)
	s.renumber()
	return ids
}

// Remove deletes the instruction with the given identity.
func (s *Stream) Remove(id ID) error {
	pos, ok := s.index[id]
	if !ok {
		return fmt.Errorf("isa: remove %d: %w", id, ErrUnknownIdentity)
	}
	s.instrs = append(s.instrs[:pos], s.instrs[pos+1:]...)
	delete(s.index, id)
	s.renumber()
	return nil
}

// SetOperand replaces the operand of an existing instruction in place.
// The identity and opcode are unchanged; used for call redirection.
func (s *Stream) SetOperand(id ID, operand Operand) error {
	pos, ok := s.index[id]
	if !ok {
		return fmt.Errorf("isa: set operand on %d: %w", id, ErrUnknownIdentity)
	}
	s.instrs[pos].Operand = operand
	return nil
}

// Clear removes every instruction. Identities already handed out are not
// reused: the ID counter is preserved so a cleared-and-refilled stream
// cannot alias old identities.
func (s *Stream) Clear() {
	s.instrs = s.instrs[:0]
	s.index = make(map[ID]int, 16)
}

// renumber rebuilds the identity index after a structural edit.
func (s *Stream) renumber() {
	for pos := range s.instrs {
		s.index[s.instrs[pos].id] = pos
	}
}

// assign hands out the next identity.
func (s *Stream) assign() ID {
	id := ID(s.nextID)
	s.nextID++
	return id
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Clone returns a deep copy preserving identities and the ID counter.
// Used to snapshot a stream before a transformation batch so a failed
// batch can roll back exactly.
func (s *Stream) Clone() *Stream {
	c := &Stream{
		nextID: s.nextID,
		instrs: make([]Instruction, len(s.instrs)),
		index:  make(map[ID]int, len(s.index)),
	}
	copy(c.instrs, s.instrs)
	for id, pos := range s.index {
		c.index[id] = pos
	}
	return c
}

// Restore replaces the stream's contents with those of a snapshot taken
// from the same stream.
func (s *Stream) Restore(snapshot *Stream) {
	s.nextID = snapshot.nextID
	s.instrs = make([]Instruction, len(snapshot.instrs))
	copy(s.instrs, snapshot.instrs)
	s.index = make(map[ID]int, len(snapshot.index))
	for id, pos := range snapshot.index {
		s.index[id] = pos
	}
}

// Equal reports whether two streams hold identical instruction sequences,
// identity for identity.
func (s *Stream) Equal(o *Stream) bool {
	if len(s.instrs) != len(o.instrs) {
		return false
	}
	for i := range s.instrs {
		if s.instrs[i] != o.instrs[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Method is one compiled method body: its identity triple plus the
// instruction stream it owns.
type Method struct {
	Owner     string
	Name      string
	Signature string
	Stream    *Stream
}

// NewMethod creates a method with an empty stream.
func NewMethod(owner, name, signature string) *Method {
	return &Method{
		Owner:     owner,
		Name:      name,
		Signature: signature,
		Stream:    NewStream(),
	}
}

// Ref returns the member reference naming this method.
func (m *Method) Ref() MemberRef {
	return MemberRef{Owner: m.Owner, Name: m.Name, Signature: m.Signature}
}

// String implements the Stringer interface.
func (m *Method) String() string {
	return m.Ref().String()
}
