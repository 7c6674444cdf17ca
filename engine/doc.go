// Package engine validates, conflict-resolves, and applies edit
// descriptors against method bodies.
//
// This package contains:
//   - Config (validator registration, defaults, logging)
//   - The safety-validation pipeline (all validators run, all failures
//     collected, no short-circuit)
//   - The deterministic conflict resolver (priority and merge strategies)
//   - The transformation applier with its all-or-nothing batch lifecycle
package engine
