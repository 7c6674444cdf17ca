package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/patch"
)

// ErrConflictUnresolved indicates a conflict shape the resolver does not
// support: competing full-method replacements with equal priority and no
// merge strategy. This fails the batch rather than breaking a tie
// silently.
var ErrConflictUnresolved = errors.New("conflicting edits cannot be resolved")

// ---------------------------------------------------------------------------
// Conflict resolution
// ---------------------------------------------------------------------------

// Resolution is the deterministic outcome of conflict resolution: the
// edits to apply, in application order, and the edits superseded by a
// higher-priority competitor (normal coexistence, not an error).
type Resolution struct {
	Apply      []*Planned
	Superseded []*Planned
}

// resolve groups planned edits whose match sets overlap and selects a
// deterministic outcome per group. Full-method replacements are handled
// as their own group regardless of pattern overlap (they always compete)
// and the surviving replacement is ordered first: insertion patterns
// then re-evaluate against the substituted body, so insertions around a
// replaced body still execute while the replacement's body is the one
// substituted.
func resolve(cfg Config, m *isa.Method, planned []*Planned) (*Resolution, error) {
	res := &Resolution{}

	var replacements []*Planned
	var rest []*Planned
	for _, p := range planned {
		if p.Descriptor.Kind == patch.EditReplaceBody {
			replacements = append(replacements, p)
		} else {
			rest = append(rest, p)
		}
	}

	if len(replacements) > 0 {
		winner, losers := byPriority(replacements)
		if len(losers) > 0 && losers[0].Descriptor.Priority == winner.Descriptor.Priority {
			return nil, fmt.Errorf("engine: %d replacements of %s tie at priority %d: %w",
				len(replacements), m.Ref(), winner.Descriptor.Priority, ErrConflictUnresolved)
		}
		res.Apply = append(res.Apply, winner)
		res.Superseded = append(res.Superseded, losers...)
	}

	for _, group := range overlapGroups(rest) {
		if len(group) == 1 {
			res.Apply = append(res.Apply, group[0])
			continue
		}
		if mergeable(group) {
			res.Apply = append(res.Apply, mergeGroup(cfg, m, group))
			res.Superseded = append(res.Superseded, group...)
			continue
		}
		winner, losers := byPriority(group)
		res.Apply = append(res.Apply, winner)
		res.Superseded = append(res.Superseded, losers...)
	}

	return res, nil
}

// overlapGroups partitions planned edits into groups connected by shared
// matched identities. Partitioning is deterministic: groups and their
// members keep first-seen order.
func overlapGroups(planned []*Planned) [][]*Planned {
	groupOf := make([]int, len(planned))
	for i := range groupOf {
		groupOf[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if groupOf[i] != i {
			groupOf[i] = find(groupOf[i])
		}
		return groupOf[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			groupOf[rb] = ra
		}
	}

	byID := make(map[isa.ID]int)
	for i, p := range planned {
		for _, id := range p.Matches.IDs() {
			if j, ok := byID[id]; ok {
				union(i, j)
			} else {
				byID[id] = i
			}
		}
	}

	order := make([]int, 0, len(planned))
	members := make(map[int][]*Planned)
	for i, p := range planned {
		root := find(i)
		if _, ok := members[root]; !ok {
			order = append(order, root)
		}
		members[root] = append(members[root], p)
	}

	groups := make([][]*Planned, 0, len(order))
	for _, root := range order {
		groups = append(groups, members[root])
	}
	return groups
}

// byPriority returns the highest-priority member and the rest. Sorting
// is stable, so equal priorities fall back to registration order and
// the outcome never depends on input permutation of distinct priorities.
func byPriority(group []*Planned) (*Planned, []*Planned) {
	sorted := make([]*Planned, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Descriptor.Priority > sorted[j].Descriptor.Priority
	})
	return sorted[0], sorted[1:]
}

// mergeable reports whether a conflicting group can be folded into one
// synthetic descriptor: every member opts in, every member is a
// fragment-invoking insertion (redirects and replacements do not
// compose sequentially), and all fragments share one signature so the
// merged body can forward the same arguments to each of them.
func mergeable(group []*Planned) bool {
	var sig string
	for i, p := range group {
		d := p.Descriptor
		if !d.AllowMerge {
			return false
		}
		if d.Kind != patch.EditInsertBefore && d.Kind != patch.EditInsertAfter {
			return false
		}
		if d.Payload.Fragment == nil {
			return false
		}
		if i == 0 {
			sig = d.Payload.Fragment.Signature
		} else if d.Payload.Fragment.Signature != sig {
			return false
		}
	}
	return true
}

// mergeGroup folds a conflicting group into one synthetic planned edit
// whose fragment invokes every original fragment in priority order. The
// merged edit inherits the group's highest priority and the first
// member's kind and matches.
func mergeGroup(cfg Config, m *isa.Method, group []*Planned) *Planned {
	sorted := make([]*Planned, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Descriptor.Priority > sorted[j].Descriptor.Priority
	})

	first := sorted[0].Descriptor.Payload.Fragment
	origins := make([]string, len(sorted))

	b := isa.NewBuilder()
	calls := make([]isa.MemberRef, 0, len(sorted))
	for i, p := range sorted {
		origins[i] = p.Descriptor.Origin
		ref := p.Descriptor.Payload.Fragment.Ref()
		for a := 0; a < ref.Arity(); a++ {
			b.EmitInt(isa.OpLoadLocal, int64(a))
		}
		b.EmitMember(isa.OpCallStatic, ref)
		calls = append(calls, ref)
	}
	b.Emit(isa.OpReturn)

	merged := &patch.Fragment{
		Owner:     cfg.FragmentOwner,
		Name:      fmt.Sprintf("merged$%s$%s", m.Name, strings.Join(origins, "$")),
		Signature: first.Signature,
		Body:      b.Stream(),
		Calls:     calls,
	}

	d := sorted[0].Descriptor
	d.Payload = patch.FragmentPayload(merged)
	d.Origin = "merged(" + strings.Join(origins, ",") + ")"
	d.AllowMerge = false

	return &Planned{
		Descriptor: d,
		Matches:    sorted[0].Matches,
	}
}
