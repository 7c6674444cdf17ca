package patch

import (
	"fmt"
	"strings"

	"github.com/weftlab/stitch/isa"
)

// ---------------------------------------------------------------------------
// Marker compilation
// ---------------------------------------------------------------------------

// Defaults carries compilation-wide settings supplied by configuration.
type Defaults struct {
	Priority      int    // priority assigned when a marker leaves it zero
	FragmentOwner string // owner type for synthesized fragments
}

// Compile lowers markers against one target type into edit descriptors.
// Compilation is pure and deterministic: the same input always produces
// the same descriptors, fragment names included.
//
// A marker that fails to compile contributes an error and is skipped;
// the remaining markers still compile (partial results plus an error
// list, never all-or-nothing at this stage).
func Compile(table *SymbolTable, markers []Marker, defs Defaults) ([]Descriptor, []error) {
	var descriptors []Descriptor
	var errs []error

	for i, m := range markers {
		d, err := compileOne(table, m, i, defs)
		if err != nil {
			errs = append(errs, fmt.Errorf("marker %d (%s): %w", i, m.Origin, err))
			continue
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, errs
}

func compileOne(table *SymbolTable, m Marker, index int, defs Defaults) (Descriptor, error) {
	target, err := table.ResolveMethod(m.TargetName, m.TargetSignature)
	if err != nil {
		return Descriptor{}, err
	}

	pattern, err := m.At.pattern()
	if err != nil {
		return Descriptor{}, err
	}

	priority := m.Priority
	if priority == 0 {
		priority = defs.Priority
	}

	d := Descriptor{
		Target:      target,
		Pattern:     pattern,
		Kind:        m.Kind,
		Priority:    priority,
		Cancellable: m.Cancellable,
		AllowMerge:  m.AllowMerge,
		Origin:      m.Origin,
	}

	switch m.Kind {
	case EditRedirectCall:
		if m.Redirect.IsZero() {
			return Descriptor{}, fmt.Errorf("redirect-call marker without a redirect member")
		}
		d.Payload = MemberPayload(m.Redirect)
	default:
		if m.Handler.IsZero() {
			return Descriptor{}, fmt.Errorf("%s marker without a handler", m.Kind)
		}
		d.Payload = FragmentPayload(synthesizeFragment(target, m, index, defs))
	}
	return d, nil
}

// synthesizeFragment builds the callable unit an inserted edit invokes.
// The fragment's argument list is propagated from the target method so a
// call site can forward the method arguments; the body forwards them to
// the marker's handler. Replace-body fragments adopt the target's return
// type, everything else is void.
func synthesizeFragment(target isa.MemberRef, m Marker, index int, defs Defaults) *Fragment {
	args := target.ArgTypes()
	ret := "void"
	if m.Kind == EditReplaceBody {
		ret = target.ReturnType()
	}
	sig := "(" + strings.Join(args, ",") + ")" + ret

	b := isa.NewBuilder()
	for i := range args {
		b.EmitInt(isa.OpLoadLocal, int64(i))
	}
	b.EmitMember(isa.OpCallStatic, m.Handler)
	if ret != "void" && m.Handler.ReturnsValue() {
		b.Emit(isa.OpReturnValue)
	} else {
		b.Emit(isa.OpReturn)
	}

	return &Fragment{
		Owner: defs.FragmentOwner,
		// Deterministic name: origin, target member, marker index.
		Name:      fmt.Sprintf("%s$%s$%d", sanitize(m.Origin), target.Name, index),
		Signature: sig,
		Body:      b.Stream(),
		Calls:     []isa.MemberRef{m.Handler},
	}
}

// sanitize maps an origin string onto a member-name-safe form.
func sanitize(s string) string {
	if s == "" {
		return "anon"
	}
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
