package isa

// ---------------------------------------------------------------------------
// Builder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// Builder emits instructions into a fresh stream. Jump targets may be
// emitted before their destination exists by using labels.
type Builder struct {
	stream *Stream
	labels []*Label
}

// NewBuilder creates a builder over an empty stream.
func NewBuilder() *Builder {
	return &Builder{stream: NewStream()}
}

// Emit appends an instruction with no operand.
func (b *Builder) Emit(op Opcode) ID {
	return b.emit(op, NoOperand)
}

// EmitInt appends an instruction with an integer operand.
func (b *Builder) EmitInt(op Opcode, v int64) ID {
	return b.emit(op, IntOperand(v))
}

// EmitFloat appends an instruction with a float operand.
func (b *Builder) EmitFloat(op Opcode, v float64) ID {
	return b.emit(op, FloatOperand(v))
}

// EmitStr appends an instruction with a string operand.
func (b *Builder) EmitStr(op Opcode, v string) ID {
	return b.emit(op, StrOperand(v))
}

// EmitMember appends an instruction with a member-reference operand.
func (b *Builder) EmitMember(op Opcode, ref MemberRef) ID {
	return b.emit(op, MemberOperand(ref))
}

// EmitJump appends a jump to an already emitted instruction.
func (b *Builder) EmitJump(op Opcode, target ID) ID {
	return b.emit(op, TargetOperand(target))
}

func (b *Builder) emit(op Opcode, operand Operand) ID {
	id := b.stream.Append(op, operand)
	// Bind any labels marked since the previous emission.
	for _, l := range b.labels {
		if l.pendingMark {
			l.pendingMark = false
			l.target = id
			for _, ref := range l.refs {
				b.patch(ref, id)
			}
			l.refs = nil
		}
	}
	return id
}

func (b *Builder) patch(ref ID, target ID) {
	pos, ok := b.stream.PositionOf(ref)
	if !ok {
		panic("isa: label reference vanished during build")
	}
	b.stream.instrs[pos].Operand = TargetOperand(target)
}

// Stream finalizes and returns the built stream.
// Panics if any label was referenced but never marked.
func (b *Builder) Stream() *Stream {
	for _, l := range b.labels {
		if len(l.refs) > 0 || l.pendingMark {
			panic("isa: unresolved label at end of build")
		}
	}
	return b.stream
}

// ---------------------------------------------------------------------------
// Labels for forward jumps
// ---------------------------------------------------------------------------

// Label is a forward reference to an instruction that has not been
// emitted yet.
type Label struct {
	target      ID
	refs        []ID // jump instructions waiting on this label
	pendingMark bool
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves the label to the next emitted instruction.
func (b *Builder) Mark(l *Label) {
	if l.target != 0 || l.pendingMark {
		panic("isa: label already marked")
	}
	l.pendingMark = true
}

// EmitJumpLabel appends a jump whose destination is a label; the operand
// is patched when the label is marked and its destination emitted.
func (b *Builder) EmitJumpLabel(op Opcode, l *Label) ID {
	if l.target != 0 {
		return b.EmitJump(op, l.target)
	}
	id := b.emit(op, TargetOperand(0)) // placeholder
	l.refs = append(l.refs, id)
	return id
}
