package engine

import (
	"github.com/tliron/commonlog"
)

// Config is the engine configuration: an explicit value constructed once
// and passed into the compiler, validators, and resolver. There is no
// process-wide registry; registering a validator means putting it in
// this slice.
type Config struct {
	// Validators run in registration order against every batch.
	Validators []Validator

	// DefaultPriority is assigned to markers that do not set one.
	DefaultPriority int

	// FragmentOwner is the owner type for synthesized fragments.
	FragmentOwner string

	// Log receives batch diagnostics (dropped shifts, superseded
	// descriptors, rollback causes).
	Log commonlog.Logger
}

// WithoutValidator returns a copy of the configuration with the named
// validator removed. Unknown names leave the list unchanged.
func (c Config) WithoutValidator(name string) Config {
	kept := make([]Validator, 0, len(c.Validators))
	for _, v := range c.Validators {
		if v.Name() != name {
			kept = append(kept, v)
		}
	}
	c.Validators = kept
	return c
}

// DefaultConfig returns a configuration with the four built-in
// validators in their canonical order.
func DefaultConfig() Config {
	return Config{
		Validators: []Validator{
			StructuralValidator{},
			RecursionGuard{},
			OverwriteValidator{},
			StackShapeValidator{},
		},
		DefaultPriority: 1000,
		FragmentOwner:   "stitch$fragments",
		Log:             commonlog.GetLogger("stitch.engine"),
	}
}
