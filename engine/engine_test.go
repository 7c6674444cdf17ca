package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
	"github.com/weftlab/stitch/patch"
)

var (
	fooRef = isa.MemberRef{Owner: "svc", Name: "foo", Signature: "()void"}
	barRef = isa.MemberRef{Owner: "svc", Name: "bar", Signature: "()void"}
)

// tickMethod builds the recurring test stream:
//
//	LOAD_LOCAL 0; CALL foo; STORE_LOCAL 1; CALL foo; RETURN
func tickMethod() *isa.Method {
	m := isa.NewMethod("svc", "tick", "(int)void")
	m.Stream.Append(isa.OpLoadLocal, isa.IntOperand(0))
	m.Stream.Append(isa.OpCall, isa.MemberOperand(fooRef))
	m.Stream.Append(isa.OpStoreLocal, isa.IntOperand(1))
	m.Stream.Append(isa.OpCall, isa.MemberOperand(fooRef))
	m.Stream.Append(isa.OpReturn, isa.NoOperand)
	return m
}

// voidFragment synthesizes a zero-argument void fragment forwarding to
// handler.
func voidFragment(name string, handler isa.MemberRef) *patch.Fragment {
	b := isa.NewBuilder()
	b.EmitMember(isa.OpCallStatic, handler)
	b.Emit(isa.OpReturn)
	return &patch.Fragment{
		Owner:     "stitch$fragments",
		Name:      name,
		Signature: "()void",
		Body:      b.Stream(),
		Calls:     []isa.MemberRef{handler},
	}
}

func insertDescriptor(name string, pattern match.Pattern, priority int) patch.Descriptor {
	handler := isa.MemberRef{Owner: "hooks", Name: name, Signature: "()void"}
	return patch.Descriptor{
		Target:   isa.MemberRef{Owner: "svc", Name: "tick", Signature: "(int)void"},
		Pattern:  pattern,
		Kind:     patch.EditInsertBefore,
		Payload:  patch.FragmentPayload(voidFragment(name, handler)),
		Priority: priority,
		Origin:   name,
	}
}

func replaceDescriptor(name string, priority int) patch.Descriptor {
	handler := isa.MemberRef{Owner: "hooks", Name: name, Signature: "(int)void"}
	f := &patch.Fragment{
		Owner:     "stitch$fragments",
		Name:      name,
		Signature: "(int)void",
	}
	b := isa.NewBuilder()
	b.EmitInt(isa.OpLoadLocal, 0)
	b.EmitMember(isa.OpCallStatic, handler)
	b.Emit(isa.OpReturn)
	f.Body = b.Stream()
	f.Calls = []isa.MemberRef{handler}
	return patch.Descriptor{
		Target:   isa.MemberRef{Owner: "svc", Name: "tick", Signature: "(int)void"},
		Pattern:  match.Any(),
		Kind:     patch.EditReplaceBody,
		Payload:  patch.FragmentPayload(f),
		Priority: priority,
		Origin:   name,
	}
}

// ---- validators ----

func TestStructuralValidatorRedirectNonCall(t *testing.T) {
	m := tickMethod()
	d := patch.Descriptor{
		Kind:    patch.EditRedirectCall,
		Pattern: match.ByOpcodeClass(isa.ClassReturn),
		Payload: patch.MemberPayload(barRef),
		Origin:  "bad-redirect",
	}
	planned := plan(m, []patch.Descriptor{d})
	failures := (StructuralValidator{}).Validate(m, planned)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if !strings.Contains(failures[0].Message, "non-call") {
		t.Errorf("message = %q, want non-call complaint", failures[0].Message)
	}
}

func TestStructuralValidatorEmptyFragment(t *testing.T) {
	m := tickMethod()
	d := patch.Descriptor{
		Kind:    patch.EditInsertBefore,
		Pattern: match.ByMember(fooRef),
		Payload: patch.FragmentPayload(&patch.Fragment{Owner: "x", Name: "f", Signature: "()void", Body: isa.NewStream()}),
		Origin:  "empty",
	}
	failures := (StructuralValidator{}).Validate(m, plan(m, []patch.Descriptor{d}))
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
}

func TestRecursionGuard(t *testing.T) {
	m := tickMethod()
	target := m.Ref()

	unguarded := voidFragment("loop", target)
	d := insertDescriptor("looper", match.ByOpcodeClass(isa.ClassReturn), 0)
	d.Payload = patch.FragmentPayload(unguarded)
	failures := (RecursionGuard{}).Validate(m, plan(m, []patch.Descriptor{d}))
	if len(failures) != 1 {
		t.Fatalf("unguarded: failures = %d, want 1", len(failures))
	}

	b := isa.NewBuilder()
	done := b.NewLabel()
	b.EmitInt(isa.OpLoadLocal, 0)
	b.EmitJumpLabel(isa.OpJumpIfTrue, done)
	b.EmitMember(isa.OpCallStatic, target)
	b.Mark(done)
	b.Emit(isa.OpReturn)
	guarded := &patch.Fragment{Owner: "x", Name: "g", Signature: "()void", Body: b.Stream(), Calls: []isa.MemberRef{target}}
	d.Payload = patch.FragmentPayload(guarded)
	if failures := (RecursionGuard{}).Validate(m, plan(m, []patch.Descriptor{d})); len(failures) != 0 {
		t.Fatalf("guarded: failures = %v, want none", failures)
	}
}

func TestOverwriteValidatorRejectsMergedReplacements(t *testing.T) {
	m := tickMethod()
	d1 := replaceDescriptor("r1", 10)
	d1.AllowMerge = true
	d2 := replaceDescriptor("r2", 10)
	failures := (OverwriteValidator{}).Validate(m, plan(m, []patch.Descriptor{d1, d2}))
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].Validator != "overwrite-conflict" {
		t.Errorf("validator = %q", failures[0].Validator)
	}
}

func TestStackShapeValidatorRejectsUnbalancedInsert(t *testing.T) {
	m := tickMethod()
	b := isa.NewBuilder()
	b.EmitMember(isa.OpCallStatic, isa.MemberRef{Owner: "hooks", Name: "now", Signature: "()int"})
	b.Emit(isa.OpReturnValue)
	// The fragment returns a value, so its invocation leaves one extra
	// operand at the insertion boundary.
	valued := &patch.Fragment{Owner: "x", Name: "val", Signature: "()int", Body: b.Stream()}

	d := patch.Descriptor{
		Kind:    patch.EditInsertBefore,
		Pattern: match.ByOpcodeClass(isa.ClassReturn),
		Payload: patch.FragmentPayload(valued),
		Origin:  "valued",
	}
	failures := (StackShapeValidator{}).Validate(m, plan(m, []patch.Descriptor{d}))
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if !strings.Contains(failures[0].Message, "net stack effect") {
		t.Errorf("message = %q", failures[0].Message)
	}
}

// ---- resolver ----

func TestResolvePriorityOrderIndependent(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	high := insertDescriptor("high", match.ByMember(fooRef), 10)
	low := insertDescriptor("low", match.ByMember(fooRef), 5)

	for _, order := range [][]patch.Descriptor{{high, low}, {low, high}} {
		res, err := resolve(cfg, m, plan(m, order))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(res.Apply) != 1 || res.Apply[0].Descriptor.Origin != "high" {
			t.Fatalf("apply = %v, want [high]", res.Apply)
		}
		if len(res.Superseded) != 1 || res.Superseded[0].Descriptor.Origin != "low" {
			t.Fatalf("superseded = %v, want [low]", res.Superseded)
		}
	}
}

func TestResolveDisjointDescriptorsAllApply(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	a := insertDescriptor("a", match.ByMember(fooRef).Nth(0), 1)
	b := insertDescriptor("b", match.ByMember(fooRef).Nth(1), 1)
	res, err := resolve(cfg, m, plan(m, []patch.Descriptor{a, b}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Apply) != 2 || len(res.Superseded) != 0 {
		t.Fatalf("apply = %d superseded = %d, want 2 and 0", len(res.Apply), len(res.Superseded))
	}
}

func TestResolveMergeFoldsFragments(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	a := insertDescriptor("a", match.ByMember(fooRef), 5)
	a.AllowMerge = true
	b := insertDescriptor("b", match.ByMember(fooRef), 10)
	b.AllowMerge = true

	res, err := resolve(cfg, m, plan(m, []patch.Descriptor{a, b}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Apply) != 1 {
		t.Fatalf("apply = %d, want 1 merged edit", len(res.Apply))
	}
	merged := res.Apply[0].Descriptor.Payload.Fragment
	if merged == nil {
		t.Fatal("merged descriptor has no fragment")
	}
	if len(merged.Calls) != 2 {
		t.Fatalf("merged calls = %d, want 2", len(merged.Calls))
	}
	// Priority order: b (10) before a (5).
	if merged.Calls[0].Name != "b" || merged.Calls[1].Name != "a" {
		t.Errorf("merged call order = %v, want [b a]", merged.Calls)
	}
}

func TestResolveReplacementTieFails(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	d1 := replaceDescriptor("r1", 1000)
	d2 := replaceDescriptor("r2", 1000)
	_, err := resolve(cfg, m, plan(m, []patch.Descriptor{d1, d2}))
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("err = %v, want ErrConflictUnresolved", err)
	}
}

func TestResolveReplacementPrioritySupersedes(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	d1 := replaceDescriptor("r1", 10)
	d2 := replaceDescriptor("r2", 5)
	res, err := resolve(cfg, m, plan(m, []patch.Descriptor{d1, d2}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Apply) != 1 || res.Apply[0].Descriptor.Origin != "r1" {
		t.Fatalf("apply = %v, want [r1]", res.Apply)
	}
}

func TestResolveReplacementOrderedFirst(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()
	ins := insertDescriptor("ins", match.Any().Nth(0), 1)
	rep := replaceDescriptor("rep", 1)
	res, err := resolve(cfg, m, plan(m, []patch.Descriptor{ins, rep}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Apply) != 2 {
		t.Fatalf("apply = %d, want 2", len(res.Apply))
	}
	// The substitution goes first so the insertion's pattern is
	// re-evaluated against the substituted body.
	if res.Apply[0].Descriptor.Kind != patch.EditReplaceBody {
		t.Errorf("first applied kind = %v, want replace-body", res.Apply[0].Descriptor.Kind)
	}
}

func TestResolveMergeRequiresMatchingSignatures(t *testing.T) {
	cfg := DefaultConfig()
	m := tickMethod()

	a := insertDescriptor("a", match.ByOpcodeClass(isa.ClassReturn), 5)
	a.AllowMerge = true
	b := insertDescriptor("b", match.ByOpcodeClass(isa.ClassReturn), 10)
	b.AllowMerge = true
	wide := isa.MemberRef{Owner: "hooks", Name: "b", Signature: "(int)void"}
	bf := &patch.Fragment{Owner: "stitch$fragments", Name: "b", Signature: "(int)void"}
	bb := isa.NewBuilder()
	bb.EmitInt(isa.OpLoadLocal, 0)
	bb.EmitMember(isa.OpCallStatic, wide)
	bb.Emit(isa.OpReturn)
	bf.Body = bb.Stream()
	bf.Calls = []isa.MemberRef{wide}
	b.Payload = patch.FragmentPayload(bf)

	res, err := resolve(cfg, m, plan(m, []patch.Descriptor{a, b}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Mixed arities cannot fold into one forwarding body; the group
	// falls back to priority.
	if len(res.Apply) != 1 || len(res.Superseded) != 1 {
		t.Fatalf("apply = %d superseded = %d, want 1 and 1", len(res.Apply), len(res.Superseded))
	}
	winner := res.Apply[0].Descriptor
	if winner.Origin != "b" {
		t.Errorf("winner = %q, want b", winner.Origin)
	}
	if strings.HasPrefix(winner.Payload.Fragment.Name, "merged$") {
		t.Error("mixed-signature group was merged")
	}
}

// ---- apply ----

func TestApplyInsertBefore(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	d := insertDescriptor("tracer", match.ByMember(fooRef), 0)

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{d})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.State != StateApplied {
		t.Fatalf("state = %v, want applied", res.State)
	}
	if len(res.Applied) != 1 || len(res.Fragments) != 1 {
		t.Fatalf("applied = %d fragments = %d, want 1 and 1", len(res.Applied), len(res.Fragments))
	}
	// 5 originals + one call spliced before each of the 2 matches.
	if m.Stream.Len() != 7 {
		t.Fatalf("stream length = %d, want 7", m.Stream.Len())
	}
	frag := d.Payload.Fragment.Ref()
	for _, pos := range []int{1, 4} {
		in := m.Stream.At(pos)
		if in.Op != isa.OpCallStatic || in.Operand.Member != frag {
			t.Errorf("instruction %d = %s, want call to %s", pos, in, frag)
		}
	}
}

func TestApplyRedirect(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	d := patch.Descriptor{
		Target:  m.Ref(),
		Pattern: match.ByMember(fooRef),
		Kind:    patch.EditRedirectCall,
		Payload: patch.MemberPayload(barRef),
		Origin:  "redirect",
	}
	if _, err := eng.Apply(context.Background(), m, []patch.Descriptor{d}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, pos := range []int{1, 3} {
		if got := m.Stream.At(pos).Operand.Member; got != barRef {
			t.Errorf("instruction %d calls %s, want %s", pos, got, barRef)
		}
	}
}

func TestApplyReplaceBody(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	d := replaceDescriptor("rep", 0)

	if _, err := eng.Apply(context.Background(), m, []patch.Descriptor{d}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// LOAD_LOCAL 0; CALL_STATIC fragment; RETURN
	if m.Stream.Len() != 3 {
		t.Fatalf("stream length = %d, want 3", m.Stream.Len())
	}
	if got := m.Stream.At(1).Operand.Member; got != d.Payload.Fragment.Ref() {
		t.Errorf("body calls %s, want %s", got, d.Payload.Fragment.Ref())
	}
	if m.Stream.At(2).Op != isa.OpReturn {
		t.Errorf("tail = %s, want RETURN", m.Stream.At(2))
	}
}

func TestApplyValidationFailureRollsBack(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	before := m.Stream.Clone()

	bad := patch.Descriptor{
		Target:  m.Ref(),
		Kind:    patch.EditRedirectCall,
		Pattern: match.ByOpcodeClass(isa.ClassReturn),
		Payload: patch.MemberPayload(barRef),
		Origin:  "bad",
	}
	good := insertDescriptor("good", match.ByMember(fooRef), 0)

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{good, bad})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if res.State != StateRolledBack {
		t.Errorf("state = %v, want rolled-back", res.State)
	}
	if !m.Stream.Equal(before) {
		t.Error("stream differs from pre-batch snapshot after rollback")
	}
}

func TestApplyReplacementTieRollsBack(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	before := m.Stream.Clone()

	res, err := eng.Apply(context.Background(), m,
		[]patch.Descriptor{replaceDescriptor("r1", 1000), replaceDescriptor("r2", 1000)})
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("err = %v, want ErrConflictUnresolved", err)
	}
	if res.State != StateRolledBack {
		t.Errorf("state = %v", res.State)
	}
	if !m.Stream.Equal(before) {
		t.Error("stream modified despite rejected batch")
	}
}

func TestApplySkipsNonMatching(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	ghost := isa.MemberRef{Owner: "svc", Name: "ghost", Signature: "()void"}
	d := insertDescriptor("ghost", match.ByMember(ghost), 0)

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{d})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Applied) != 0 {
		t.Fatalf("skipped = %d applied = %d, want 1 and 0", len(res.Skipped), len(res.Applied))
	}
	if m.Stream.Len() != 5 {
		t.Errorf("stream length = %d, want untouched 5", m.Stream.Len())
	}
}

func TestApplyHonorsCancellation(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	before := m.Stream.Clone()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Apply(ctx, m, []patch.Descriptor{insertDescriptor("tracer", match.ByMember(fooRef), 0)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !m.Stream.Equal(before) {
		t.Error("stream modified despite cancellation")
	}
}

func TestApplyInsertionSurvivesReplaceBody(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	ins := insertDescriptor("ins", match.ByOpcodeClass(isa.ClassReturn), 5)
	rep := replaceDescriptor("rep", 10)

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{ins, rep})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("applied = %d, want both the replacement and the insertion", len(res.Applied))
	}

	// LOAD_LOCAL 0; CALL_STATIC rep; CALL_STATIC ins; RETURN
	if m.Stream.Len() != 4 {
		t.Fatalf("stream length = %d, want 4", m.Stream.Len())
	}
	if got := m.Stream.At(1).Operand.Member; got != rep.Payload.Fragment.Ref() {
		t.Errorf("body calls %s, want replacement fragment %s", got, rep.Payload.Fragment.Ref())
	}
	in := m.Stream.At(2)
	if in.Op != isa.OpCallStatic || in.Operand.Member != ins.Payload.Fragment.Ref() {
		t.Errorf("instruction 2 = %s, want the insertion fragment call before the return", in)
	}
	if m.Stream.At(3).Op != isa.OpReturn {
		t.Errorf("tail = %s, want RETURN", m.Stream.At(3))
	}
}

func TestApplyRejectsForeignTarget(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	before := m.Stream.Clone()

	stray := insertDescriptor("stray", match.ByMember(fooRef), 0)
	stray.Target = isa.MemberRef{Owner: "svc", Name: "other", Signature: "()void"}

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{stray})
	if err == nil {
		t.Fatal("expected error for descriptor targeting another member")
	}
	if len(res.Applied) != 0 {
		t.Errorf("applied = %d, want 0", len(res.Applied))
	}
	if !m.Stream.Equal(before) {
		t.Error("stream modified by rejected batch")
	}
}

func TestApplyMergedInsertions(t *testing.T) {
	eng := New(DefaultConfig())
	m := tickMethod()
	a := insertDescriptor("a", match.ByOpcodeClass(isa.ClassReturn), 5)
	a.AllowMerge = true
	b := insertDescriptor("b", match.ByOpcodeClass(isa.ClassReturn), 10)
	b.AllowMerge = true

	res, err := eng.Apply(context.Background(), m, []patch.Descriptor{a, b})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Applied) != 1 || len(res.Superseded) != 2 {
		t.Fatalf("applied = %d superseded = %d, want 1 and 2", len(res.Applied), len(res.Superseded))
	}
	if m.Stream.Len() != 6 {
		t.Fatalf("stream length = %d, want 6", m.Stream.Len())
	}
	in := m.Stream.At(4)
	if in.Op != isa.OpCallStatic || !strings.HasPrefix(in.Operand.Member.Name, "merged$") {
		t.Errorf("instruction 4 = %s, want merged fragment call", in)
	}
}

func TestWithoutValidator(t *testing.T) {
	cfg := DefaultConfig().WithoutValidator("recursion-guard")
	if len(cfg.Validators) != 3 {
		t.Fatalf("validators = %d, want 3", len(cfg.Validators))
	}
	for _, v := range cfg.Validators {
		if v.Name() == "recursion-guard" {
			t.Error("recursion-guard still registered")
		}
	}
	if got := DefaultConfig().WithoutValidator("no-such"); len(got.Validators) != 4 {
		t.Errorf("unknown name removed %d validators", 4-len(got.Validators))
	}
}

func TestEngineCompileUsesDefaults(t *testing.T) {
	eng := New(DefaultConfig())
	table := patch.NewSymbolTable(patch.TypeMetadata{
		Name: "svc",
		Methods: []isa.MemberRef{
			{Owner: "svc", Name: "tick", Signature: "(int)void"},
		},
	})
	markers := []patch.Marker{{
		TargetName: "tick",
		At:         patch.At{Kind: patch.AtHead},
		Kind:       patch.EditInsertBefore,
		Handler:    isa.MemberRef{Owner: "hooks", Name: "onTick", Signature: "(int)void"},
		Origin:     "pack.a",
	}}
	descs, errs := eng.Compile(table, markers)
	if len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	if len(descs) != 1 {
		t.Fatalf("descriptors = %d, want 1", len(descs))
	}
	if descs[0].Priority != 1000 {
		t.Errorf("priority = %d, want default 1000", descs[0].Priority)
	}
}
