package engine

import (
	"sync"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
	"github.com/weftlab/stitch/patch"
)

// ---------------------------------------------------------------------------
// Planned edits
// ---------------------------------------------------------------------------

// Planned pairs a descriptor with its pattern evaluation against the
// pre-edit stream. Validators and the resolver receive planned edits as
// a read-only view; the applier re-evaluates each pattern again at the
// moment the edit is applied.
type Planned struct {
	Descriptor patch.Descriptor
	Matches    match.Set
	Drops      []match.Drop
}

// plan evaluates every descriptor's pattern against the method. Patterns
// are pure functions over the stream, so evaluation is parallel across
// descriptors; result order follows descriptor order.
func plan(m *isa.Method, descriptors []patch.Descriptor) []*Planned {
	planned := make([]*Planned, len(descriptors))

	var wg sync.WaitGroup
	for i := range descriptors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, drops := descriptors[i].Pattern.Evaluate(m.Stream)
			planned[i] = &Planned{
				Descriptor: descriptors[i],
				Matches:    set,
				Drops:      drops,
			}
		}(i)
	}
	wg.Wait()
	return planned
}
