// Package patch compiles declarative transformation requests into
// concrete edit descriptors.
//
// This package contains:
//   - The EditKind/Payload/Descriptor model consumed by the engine
//   - Synthesized callable fragments that inserted edits invoke
//   - A per-type symbol table for target member resolution
//   - The marker compiler lowering convenience forms into patterns
package patch

import (
	"fmt"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
)

// ---------------------------------------------------------------------------
// Edit kinds
// ---------------------------------------------------------------------------

// EditKind discriminates the structural edit a descriptor performs.
type EditKind uint8

const (
	EditInsertBefore EditKind = iota // splice fragment call before each match
	EditInsertAfter                  // splice fragment call after each match
	EditRedirectCall                 // repoint matched call instructions
	EditReplaceRange                 // replace matched instructions with a fragment call
	EditReplaceBody                  // replace the whole method body (one per member)
)

var editKindNames = map[EditKind]string{
	EditInsertBefore: "insert-before",
	EditInsertAfter:  "insert-after",
	EditRedirectCall: "redirect-call",
	EditReplaceRange: "replace-range",
	EditReplaceBody:  "replace-body",
}

// String implements the Stringer interface.
func (k EditKind) String() string {
	if name, ok := editKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("edit-%02X", uint8(k))
}

// EditKindNamed resolves a display name back to its kind.
func EditKindNamed(name string) (EditKind, bool) {
	for k, n := range editKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Fragments
// ---------------------------------------------------------------------------

// Fragment is a synthesized callable unit. Inserted edits invoke it; its
// body forwards to the user-authored handler. Fragments refer to other
// members only through MemberRef values (never by pointer into another
// stream), so the reference graph stays acyclic in the ownership sense.
type Fragment struct {
	Owner     string
	Name      string
	Signature string
	Body      *isa.Stream
	Calls     []isa.MemberRef // members the body calls, for diagnostics and guards
}

// Ref returns the member reference naming this fragment.
func (f *Fragment) Ref() isa.MemberRef {
	return isa.MemberRef{Owner: f.Owner, Name: f.Name, Signature: f.Signature}
}

// InvocationSeq returns the instruction sequence an insertion splices in
// to invoke the fragment: the target method's arguments are forwarded
// from locals, then the fragment is called. For a void fragment the
// sequence is stack-neutral.
func (f *Fragment) InvocationSeq() []isa.Instruction {
	ref := f.Ref()
	seq := make([]isa.Instruction, 0, ref.Arity()+1)
	for i := 0; i < ref.Arity(); i++ {
		seq = append(seq, isa.Instr(isa.OpLoadLocal, isa.IntOperand(int64(i))))
	}
	seq = append(seq, isa.Instr(isa.OpCallStatic, isa.MemberOperand(ref)))
	return seq
}

// ---------------------------------------------------------------------------
// Payloads and descriptors
// ---------------------------------------------------------------------------

// PayloadKind discriminates the descriptor payload union.
type PayloadKind uint8

const (
	PayloadNone     PayloadKind = iota
	PayloadFragment             // a synthesized callable fragment
	PayloadMember               // a member reference (redirect target)
	PayloadConstant             // a constant operand
)

// Payload carries what an edit applies at its matched positions.
type Payload struct {
	Kind     PayloadKind
	Fragment *Fragment
	Member   isa.MemberRef
	Constant isa.Operand
}

// FragmentPayload wraps a fragment.
func FragmentPayload(f *Fragment) Payload {
	return Payload{Kind: PayloadFragment, Fragment: f}
}

// MemberPayload wraps a redirect target.
func MemberPayload(ref isa.MemberRef) Payload {
	return Payload{Kind: PayloadMember, Member: ref}
}

// Descriptor is one compiled edit: where (target member + pattern), what
// (kind + payload), and how it coexists with others (priority, merge).
// Descriptors are immutable once compiled.
type Descriptor struct {
	Target      isa.MemberRef
	Pattern     match.Pattern
	Kind        EditKind
	Payload     Payload
	Priority    int
	Cancellable bool
	AllowMerge  bool
	Origin      string // diagnostic attribution, e.g. the declaring pack
}

// String implements the Stringer interface.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s at %s (priority %d, origin %s)",
		d.Kind, d.Target, d.Pattern, d.Priority, d.Origin)
}
