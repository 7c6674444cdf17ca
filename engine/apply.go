package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/patch"
)

// ---------------------------------------------------------------------------
// Batch lifecycle
// ---------------------------------------------------------------------------

// State is a batch lifecycle phase. A batch moves strictly forward
// through the states; RolledBack is terminal and means the target
// method is byte-identical to its pre-batch snapshot.
type State int

const (
	StateCompiled State = iota
	StateValidated
	StateResolved
	StateApplied
	StateRolledBack
)

var stateNames = map[State]string{
	StateCompiled:   "compiled",
	StateValidated:  "validated",
	StateResolved:   "resolved",
	StateApplied:    "applied",
	StateRolledBack: "rolled-back",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ValidationError rejects a batch before any edit is made. The report
// names every failure from every validator.
type ValidationError struct {
	Report Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: validation failed with %d failures:\n%s",
		len(e.Report.Failures), e.Report.Format())
}

// CorruptionError reports a mid-application failure. The batch has been
// rolled back; the target method is unchanged.
type CorruptionError struct {
	Reason      string
	Instruction isa.ID
	Err         error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: batch rolled back: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("engine: batch rolled back: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Result describes a completed batch.
type Result struct {
	// BatchID identifies the batch in logs.
	BatchID string

	// State is the terminal state: Applied on success, RolledBack on a
	// returned error.
	State State

	// Report holds the validation outcome.
	Report Report

	// Applied lists the descriptors whose edits were committed, in
	// application order.
	Applied []patch.Descriptor

	// Superseded lists descriptors displaced by a higher-priority or
	// merged competitor.
	Superseded []patch.Descriptor

	// Skipped lists descriptors whose patterns matched nothing at
	// application time.
	Skipped []patch.Descriptor

	// Fragments lists every fragment the applied edits invoke, including
	// merge-synthesized ones, for the caller to install.
	Fragments []*patch.Fragment
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine applies descriptor batches to methods. Batches against
// distinct methods run concurrently; batches against the same method
// serialize on a per-method lock.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// Compile turns markers into descriptors using the engine's defaults.
// Compilation is per marker: a bad marker yields an error for that
// marker and does not abort the rest.
func (e *Engine) Compile(table *patch.SymbolTable, markers []patch.Marker) ([]patch.Descriptor, []error) {
	return patch.Compile(table, markers, patch.Defaults{
		Priority:      e.cfg.DefaultPriority,
		FragmentOwner: e.cfg.FragmentOwner,
	})
}

func (e *Engine) methodLock(ref isa.MemberRef) *sync.Mutex {
	key := ref.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Apply runs a batch of descriptors against a method. The batch is
// all-or-nothing: on any returned error the method's stream is restored
// to a snapshot taken before the first edit. Cancellation via ctx is
// honored at the validation and resolution boundaries only.
func (e *Engine) Apply(ctx context.Context, m *isa.Method, descriptors []patch.Descriptor) (*Result, error) {
	lock := e.methodLock(m.Ref())
	lock.Lock()
	defer lock.Unlock()

	result := &Result{
		BatchID: uuid.NewString(),
		State:   StateCompiled,
	}
	log := e.cfg.Log

	// A batch is the unit of application for exactly one method; a
	// descriptor compiled for another member rejects the batch before
	// any edit is attempted.
	for _, d := range descriptors {
		if d.Target != m.Ref() {
			return result, fmt.Errorf("engine: batch %s: descriptor %s targets %s, batch method is %s",
				result.BatchID, d.Origin, d.Target, m.Ref())
		}
	}

	snapshot := m.Stream.Clone()
	rollback := func() {
		m.Stream.Restore(snapshot)
		result.State = StateRolledBack
	}

	planned := plan(m, descriptors)
	for _, p := range planned {
		for _, drop := range p.Drops {
			log.Debugf("batch %s: %s: shift from #%d by %+d left the stream, dropped",
				result.BatchID, p.Descriptor.Origin, drop.From, drop.Offset)
		}
	}

	result.Report = runValidators(e.cfg, m, planned)
	if !result.Report.Passed() {
		rollback()
		log.Errorf("batch %s: validation rejected %s:\n%s", result.BatchID, m.Ref(), result.Report.Format())
		return result, &ValidationError{Report: result.Report}
	}
	result.State = StateValidated

	if err := ctx.Err(); err != nil {
		rollback()
		return result, fmt.Errorf("engine: batch %s: %w", result.BatchID, err)
	}

	resolution, err := resolve(e.cfg, m, planned)
	if err != nil {
		rollback()
		log.Errorf("batch %s: %v", result.BatchID, err)
		return result, err
	}
	result.State = StateResolved
	for _, p := range resolution.Superseded {
		result.Superseded = append(result.Superseded, p.Descriptor)
		log.Infof("batch %s: %s superseded on %s", result.BatchID, p.Descriptor.Origin, m.Ref())
	}

	// Cancellation is cooperative only up to this point; once edits
	// start, the batch runs to commit or to its failure-triggered
	// rollback.
	if err := ctx.Err(); err != nil {
		rollback()
		return result, fmt.Errorf("engine: batch %s: %w", result.BatchID, err)
	}

	for _, p := range resolution.Apply {
		applied, err := applyOne(m, p)
		if err != nil {
			rollback()
			log.Errorf("batch %s: %s failed on %s, rolled back: %v",
				result.BatchID, p.Descriptor.Origin, m.Ref(), err)
			return result, err
		}
		if !applied {
			result.Skipped = append(result.Skipped, p.Descriptor)
			log.Infof("batch %s: %s matched nothing on %s, skipped",
				result.BatchID, p.Descriptor.Origin, m.Ref())
			continue
		}
		result.Applied = append(result.Applied, p.Descriptor)
		if f := p.Descriptor.Payload.Fragment; f != nil {
			result.Fragments = append(result.Fragments, f)
		}
	}

	if f := postEditCheck(m); f != nil {
		rollback()
		err := &CorruptionError{Reason: f.Message, Instruction: f.Instruction}
		log.Errorf("batch %s: post-edit check failed on %s, rolled back: %v", result.BatchID, m.Ref(), err)
		return result, err
	}

	result.State = StateApplied
	log.Infof("batch %s: applied %d edits to %s (%d superseded, %d skipped)",
		result.BatchID, len(result.Applied), m.Ref(), len(result.Superseded), len(result.Skipped))
	return result, nil
}

// applyOne re-evaluates the descriptor's pattern against the current
// stream and performs the edit. Reports false when the pattern no longer
// matches anything, which is a skip, not an error.
func applyOne(m *isa.Method, p *Planned) (bool, error) {
	d := p.Descriptor
	matches, _ := d.Pattern.Evaluate(m.Stream)
	if matches.Len() == 0 {
		return false, nil
	}

	switch d.Kind {
	case patch.EditInsertBefore:
		seq := d.Payload.Fragment.InvocationSeq()
		for _, id := range matches.IDs() {
			if _, err := m.Stream.InsertBefore(id, seq...); err != nil {
				return false, &CorruptionError{Reason: "insert before matched instruction", Instruction: id, Err: err}
			}
		}

	case patch.EditInsertAfter:
		seq := d.Payload.Fragment.InvocationSeq()
		for _, id := range matches.IDs() {
			if _, err := m.Stream.InsertAfter(id, seq...); err != nil {
				return false, &CorruptionError{Reason: "insert after matched instruction", Instruction: id, Err: err}
			}
		}

	case patch.EditRedirectCall:
		for _, id := range matches.IDs() {
			if err := m.Stream.SetOperand(id, isa.MemberOperand(d.Payload.Member)); err != nil {
				return false, &CorruptionError{Reason: "redirect matched call", Instruction: id, Err: err}
			}
		}

	case patch.EditReplaceRange:
		seq := d.Payload.Fragment.InvocationSeq()
		first := matches.At(0)
		if _, err := m.Stream.InsertBefore(first, seq...); err != nil {
			return false, &CorruptionError{Reason: "insert replacement sequence", Instruction: first, Err: err}
		}
		for _, id := range matches.IDs() {
			if err := m.Stream.Remove(id); err != nil {
				return false, &CorruptionError{Reason: "remove replaced instruction", Instruction: id, Err: err}
			}
		}

	case patch.EditReplaceBody:
		f := d.Payload.Fragment
		m.Stream.Clear()
		ref := f.Ref()
		for a := 0; a < ref.Arity(); a++ {
			m.Stream.Append(isa.OpLoadLocal, isa.IntOperand(int64(a)))
		}
		m.Stream.Append(isa.OpCallStatic, isa.MemberOperand(ref))
		if ref.ReturnsValue() {
			m.Stream.Append(isa.OpReturnValue, isa.NoOperand)
		} else {
			m.Stream.Append(isa.OpReturn, isa.NoOperand)
		}

	default:
		return false, &CorruptionError{Reason: fmt.Sprintf("unknown edit kind %d", int(d.Kind))}
	}
	return true, nil
}

// postEditCheck verifies the edited stream is still well-formed: every
// jump lands on a live identity. Returns the first failure or nil.
func postEditCheck(m *isa.Method) *Failure {
	for pos := 0; pos < m.Stream.Len(); pos++ {
		in := m.Stream.At(pos)
		if in.Operand.Kind == isa.OperandTarget && !m.Stream.Contains(in.Operand.Target) {
			return &Failure{
				Validator:   "post-edit",
				Message:     fmt.Sprintf("jump to missing identity %d after edits", in.Operand.Target),
				Instruction: in.ID(),
			}
		}
	}
	return nil
}

// IsConflict reports whether err is the unresolved-conflict condition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflictUnresolved)
}
