package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/patch"
)

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// Failure is one validator finding against one proposed edit.
type Failure struct {
	Validator   string
	Message     string
	Instruction isa.ID // offending instruction, zero when not applicable
}

// Report aggregates every failure from a validation run. A batch is
// rejected if the report holds any failure; the pipeline never stops at
// the first one, so a rejected batch names every problem at once.
type Report struct {
	Failures []Failure
}

// Passed reports whether validation succeeded.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// Format returns a human-readable failure listing.
func (r *Report) Format() string {
	if r.Passed() {
		return ""
	}
	var sb strings.Builder
	for _, f := range r.Failures {
		sb.WriteString("  ")
		sb.WriteString(f.Validator)
		sb.WriteString(": ")
		sb.WriteString(f.Message)
		if f.Instruction != 0 {
			fmt.Fprintf(&sb, " (instruction #%d)", f.Instruction)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Validator is one independent safety check run against a batch of
// proposed edits before anything is committed.
type Validator interface {
	Name() string
	Validate(m *isa.Method, planned []*Planned) []Failure
}

// runValidators executes every configured validator. Validators are
// independent and receive a read-only view, so they run concurrently;
// failures are collected in registration order before any decision is
// made.
func runValidators(cfg Config, m *isa.Method, planned []*Planned) Report {
	results := make([][]Failure, len(cfg.Validators))

	var wg sync.WaitGroup
	for i, v := range cfg.Validators {
		wg.Add(1)
		go func(i int, v Validator) {
			defer wg.Done()
			results[i] = v.Validate(m, planned)
		}(i, v)
	}
	wg.Wait()

	var report Report
	for _, failures := range results {
		report.Failures = append(report.Failures, failures...)
	}
	return report
}

// ---------------------------------------------------------------------------
// Structural validator
// ---------------------------------------------------------------------------

// StructuralValidator checks that the proposed edits describe a
// well-formed result: payloads are present, fragment bodies have no
// dangling jumps, redirects land on call instructions with compatible
// signatures, and the target stream itself has no dangling jumps.
type StructuralValidator struct{}

// Name implements Validator.
func (StructuralValidator) Name() string { return "structural" }

// Validate implements Validator.
func (StructuralValidator) Validate(m *isa.Method, planned []*Planned) []Failure {
	var failures []Failure
	fail := func(msg string, id isa.ID) {
		failures = append(failures, Failure{Validator: "structural", Message: msg, Instruction: id})
	}

	// Pre-edit stream well-formedness.
	for pos := 0; pos < m.Stream.Len(); pos++ {
		in := m.Stream.At(pos)
		if in.Operand.Kind == isa.OperandTarget && !m.Stream.Contains(in.Operand.Target) {
			fail(fmt.Sprintf("jump to missing identity %d", in.Operand.Target), in.ID())
		}
	}

	for _, p := range planned {
		d := p.Descriptor
		switch d.Kind {
		case patch.EditRedirectCall:
			if d.Payload.Kind != patch.PayloadMember || d.Payload.Member.IsZero() {
				fail(fmt.Sprintf("%s: redirect without a target member", d.Origin), 0)
				continue
			}
			for _, id := range p.Matches.IDs() {
				in, ok := m.Stream.Get(id)
				if !ok {
					fail(fmt.Sprintf("%s: matched identity %d vanished", d.Origin, id), id)
					continue
				}
				if in.Op.OpClass() != isa.ClassCall {
					fail(fmt.Sprintf("%s: redirect matched a non-call instruction", d.Origin), id)
					continue
				}
				old := in.Operand.Member
				if old.Arity() != d.Payload.Member.Arity() || old.ReturnsValue() != d.Payload.Member.ReturnsValue() {
					fail(fmt.Sprintf("%s: redirect %s is not signature-compatible with %s",
						d.Origin, d.Payload.Member, old), id)
				}
			}

		default:
			if d.Payload.Kind != patch.PayloadFragment || d.Payload.Fragment == nil {
				fail(fmt.Sprintf("%s: %s edit without a fragment", d.Origin, d.Kind), 0)
				continue
			}
			f := d.Payload.Fragment
			if f.Body == nil || f.Body.Len() == 0 {
				fail(fmt.Sprintf("%s: fragment %s has an empty body", d.Origin, f.Ref()), 0)
				continue
			}
			for pos := 0; pos < f.Body.Len(); pos++ {
				in := f.Body.At(pos)
				if in.Operand.Kind == isa.OperandTarget && !f.Body.Contains(in.Operand.Target) {
					fail(fmt.Sprintf("%s: fragment jump to missing identity %d", d.Origin, in.Operand.Target), in.ID())
				}
			}
		}
	}
	return failures
}

// ---------------------------------------------------------------------------
// Recursion guard
// ---------------------------------------------------------------------------

// RecursionGuard flags a fragment that calls back into the method it
// augments without a conditional branch immediately preceding the
// back-call. The guard recognition is a structural heuristic: a guard
// computed further away is not recognized, and a conditional that does
// not actually protect the call is.
type RecursionGuard struct{}

// Name implements Validator.
func (RecursionGuard) Name() string { return "recursion-guard" }

// Validate implements Validator.
func (RecursionGuard) Validate(m *isa.Method, planned []*Planned) []Failure {
	var failures []Failure
	target := m.Ref()

	for _, p := range planned {
		f := p.Descriptor.Payload.Fragment
		if f == nil || f.Body == nil {
			continue
		}
		for pos := 0; pos < f.Body.Len(); pos++ {
			in := f.Body.At(pos)
			if in.Op.OpClass() != isa.ClassCall || in.Operand.Member != target {
				continue
			}
			if pos > 0 && isConditionalBranch(f.Body.At(pos-1).Op) {
				continue // guarded
			}
			failures = append(failures, Failure{
				Validator:   "recursion-guard",
				Message:     fmt.Sprintf("%s: fragment %s calls %s without a guard", p.Descriptor.Origin, f.Ref(), target),
				Instruction: in.ID(),
			})
		}
	}
	return failures
}

func isConditionalBranch(op isa.Opcode) bool {
	return op.OpClass() == isa.ClassJump && op != isa.OpJump
}

// ---------------------------------------------------------------------------
// Overwrite-conflict validator
// ---------------------------------------------------------------------------

// OverwriteValidator rejects merge strategies over full-method
// replacements: replacement, unlike insertion, cannot be composed, so a
// group of replace-body edits declaring merge is an error. Competing
// replacements without merge are left to the resolver, which keeps one
// per member or fails the batch on a priority tie.
type OverwriteValidator struct{}

// Name implements Validator.
func (OverwriteValidator) Name() string { return "overwrite-conflict" }

// Validate implements Validator.
func (OverwriteValidator) Validate(m *isa.Method, planned []*Planned) []Failure {
	var replacements []*Planned
	for _, p := range planned {
		if p.Descriptor.Kind == patch.EditReplaceBody {
			replacements = append(replacements, p)
		}
	}
	if len(replacements) < 2 {
		return nil
	}

	var failures []Failure
	for _, p := range replacements {
		if p.Descriptor.AllowMerge {
			failures = append(failures, Failure{
				Validator: "overwrite-conflict",
				Message: fmt.Sprintf("%s: replace-body cannot be merged (%d replacements target %s)",
					p.Descriptor.Origin, len(replacements), m.Ref()),
			})
		}
	}
	return failures
}

// ---------------------------------------------------------------------------
// Stack-shape validator
// ---------------------------------------------------------------------------

// StackShapeValidator symbolically verifies that inserted code leaves
// the operand stack consistent at the insertion boundary: an inserted
// sequence must be stack-neutral and never dip below the boundary
// depth, a replacement must reproduce the net effect of what it
// removes, and a redirected call must preserve the original callee's
// effect.
type StackShapeValidator struct{}

// Name implements Validator.
func (StackShapeValidator) Name() string { return "stack-shape" }

// Validate implements Validator.
func (StackShapeValidator) Validate(m *isa.Method, planned []*Planned) []Failure {
	var failures []Failure
	fail := func(origin, msg string, id isa.ID) {
		failures = append(failures, Failure{
			Validator:   "stack-shape",
			Message:     origin + ": " + msg,
			Instruction: id,
		})
	}

	for _, p := range planned {
		d := p.Descriptor
		switch d.Kind {
		case patch.EditInsertBefore, patch.EditInsertAfter:
			if d.Payload.Fragment == nil {
				continue // structural validator reports the missing fragment
			}
			net, dipped, ok := sequenceEffect(d.Payload.Fragment.InvocationSeq())
			if !ok {
				fail(d.Origin, "inserted sequence has indeterminate stack effect", 0)
			} else if dipped {
				fail(d.Origin, "inserted sequence dips below the insertion boundary", 0)
			} else if net != 0 {
				fail(d.Origin, fmt.Sprintf("inserted sequence has net stack effect %+d, want 0", net), 0)
			}

		case patch.EditReplaceRange:
			if d.Payload.Fragment == nil {
				continue
			}
			removed, ok := matchedEffect(m.Stream, p)
			if !ok {
				fail(d.Origin, "replaced range has indeterminate stack effect", 0)
				continue
			}
			net, _, ok := sequenceEffect(d.Payload.Fragment.InvocationSeq())
			if !ok {
				fail(d.Origin, "replacement sequence has indeterminate stack effect", 0)
			} else if net != removed {
				fail(d.Origin, fmt.Sprintf("replacement net effect %+d differs from replaced range %+d", net, removed), 0)
			}

		case patch.EditRedirectCall:
			for _, id := range p.Matches.IDs() {
				in, ok := m.Stream.Get(id)
				if !ok || in.Op.OpClass() != isa.ClassCall {
					continue // structural validator reports these
				}
				before, okB := in.StackEffect()
				after, okA := isa.Instr(in.Op, isa.MemberOperand(d.Payload.Member)).StackEffect()
				if !okB || !okA {
					fail(d.Origin, "redirected call has indeterminate stack effect", id)
				} else if before != after {
					fail(d.Origin, fmt.Sprintf("redirect changes stack effect from %+d to %+d", before, after), id)
				}
			}
		}
	}
	return failures
}

// sequenceEffect simulates a straight-line sequence from depth zero.
// Returns the net effect, whether the depth ever went negative, and
// whether every instruction's effect was determinable.
func sequenceEffect(seq []isa.Instruction) (net int, dipped bool, ok bool) {
	depth := 0
	for _, in := range seq {
		effect, known := in.StackEffect()
		if !known {
			return 0, false, false
		}
		depth += effect
		if depth < 0 {
			dipped = true
		}
	}
	return depth, dipped, true
}

// matchedEffect sums the stack effects of a planned edit's matched
// instructions.
func matchedEffect(s *isa.Stream, p *Planned) (int, bool) {
	net := 0
	for _, id := range p.Matches.IDs() {
		in, ok := s.Get(id)
		if !ok {
			return 0, false
		}
		effect, known := in.StackEffect()
		if !known {
			return 0, false
		}
		net += effect
	}
	return net, true
}
