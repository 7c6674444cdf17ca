package patch

import (
	"fmt"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
)

// ---------------------------------------------------------------------------
// Declarative markers
// ---------------------------------------------------------------------------

// AtKind selects one of the convenience injection points a marker may
// name instead of authoring a raw pattern.
type AtKind uint8

const (
	AtHead    AtKind = iota // the first instruction of the method
	AtReturn                // every return instruction
	AtInvoke                // call sites of a given member
	AtLiteral               // constant loads of a given value
	AtPattern               // an explicitly authored pattern
)

var atKindNames = map[AtKind]string{
	AtHead:    "head",
	AtReturn:  "return",
	AtInvoke:  "invoke",
	AtLiteral: "literal",
	AtPattern: "pattern",
}

// String implements the Stringer interface.
func (k AtKind) String() string {
	if name, ok := atKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("at-%02X", uint8(k))
}

// AtKindNamed resolves a display name back to its kind.
func AtKindNamed(name string) (AtKind, bool) {
	for k, n := range atKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// At names where in the target method a marker applies.
type At struct {
	Kind    AtKind
	Member  isa.MemberRef // call-site member for AtInvoke
	Literal isa.Operand   // value for AtLiteral
	Guard   isa.Operand   // optional literal guard for AtInvoke
	Ordinal int           // Nth occurrence, -1 = every occurrence
	Shift   int           // extra offset applied after the primitive match
	Pattern match.Spec    // raw pattern for AtPattern
}

// Marker is one declarative transformation request: which member of the
// target type to edit, where, what kind of edit, and the handler the
// synthesized fragment forwards to. Markers are what mod authors write
// (directly or via a manifest); Compile lowers them to descriptors.
type Marker struct {
	TargetName      string
	TargetSignature string // optional partial signature for overload selection
	At              At
	Kind            EditKind
	Handler         isa.MemberRef // user handler invoked by the fragment
	Redirect        isa.MemberRef // replacement callee for EditRedirectCall
	Priority        int           // 0 = use the configured default
	Cancellable     bool
	AllowMerge      bool
	Origin          string
}

// pattern lowers the At clause to a matcher.
func (a At) pattern() (match.Pattern, error) {
	var p match.Pattern
	switch a.Kind {
	case AtHead:
		p = match.Any().Nth(0)
	case AtReturn:
		p = match.ByOpcodeClass(isa.ClassReturn)
		if a.Ordinal >= 0 {
			p = p.Nth(a.Ordinal)
		}
	case AtInvoke:
		if a.Member.IsZero() {
			return match.Pattern{}, fmt.Errorf("patch: at=invoke without a member")
		}
		p = match.ByMember(a.Member)
		if a.Guard.Kind != isa.OperandNone {
			p = p.GuardedBy(a.Guard)
		}
		if a.Ordinal >= 0 {
			p = p.Nth(a.Ordinal)
		}
	case AtLiteral:
		if a.Literal.Kind == isa.OperandNone {
			return match.Pattern{}, fmt.Errorf("patch: at=literal without a value")
		}
		p = match.ByLiteral(a.Literal)
		if a.Ordinal >= 0 {
			p = p.Nth(a.Ordinal)
		}
	case AtPattern:
		var err error
		p, err = match.FromSpec(a.Pattern)
		if err != nil {
			return match.Pattern{}, err
		}
	default:
		return match.Pattern{}, fmt.Errorf("patch: unknown at kind %v", a.Kind)
	}
	if a.Shift != 0 {
		p = match.Shift(p, a.Shift)
	}
	return p, nil
}
