// Package manifest handles stitch.toml patch-pack configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
	"github.com/weftlab/stitch/patch"
)

// Manifest represents a stitch.toml patch-pack configuration.
type Manifest struct {
	Pack    Pack         `toml:"pack"`
	Engine  EngineConfig `toml:"engine"`
	Patches []Patch      `toml:"patch"`

	// Dir is the directory containing the stitch.toml file (set at load time).
	Dir string `toml:"-"`
}

// Pack contains pack metadata.
type Pack struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// EngineConfig carries pack-wide engine settings.
type EngineConfig struct {
	DefaultPriority   int      `toml:"default-priority"`
	FragmentOwner     string   `toml:"fragment-owner"`
	DisableValidators []string `toml:"disable-validators"`
}

// Patch declares one transformation request.
type Patch struct {
	Target    string `toml:"target"`    // method name on the target type
	Signature string `toml:"signature"` // optional partial signature for overloads
	Kind      string `toml:"kind"`      // insert-before, insert-after, redirect-call, replace-range, replace-body
	Priority  int    `toml:"priority"`  // 0 = use the engine default
	Merge     bool   `toml:"merge"`

	At At `toml:"at"`

	Handler  Member `toml:"handler"`
	Redirect Member `toml:"redirect"`
}

// At declares where within the target the patch anchors.
type At struct {
	Kind    string      `toml:"kind"` // head, return, invoke, literal, pattern
	Owner   string      `toml:"owner"`
	Name    string      `toml:"name"`
	Sig     string      `toml:"sig"`
	Literal interface{} `toml:"literal"`
	Guard   interface{} `toml:"guard"`
	Ordinal *int        `toml:"ordinal"` // nil = every occurrence, 0 = first
	Shift   int         `toml:"shift"`

	Pattern *match.Spec `toml:"pattern"`
}

// Member names a callable in TOML form.
type Member struct {
	Owner string `toml:"owner"`
	Name  string `toml:"name"`
	Sig   string `toml:"sig"`
}

func (m Member) ref() isa.MemberRef {
	return isa.MemberRef{Owner: m.Owner, Name: m.Name, Signature: m.Sig}
}

// Load parses a stitch.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "stitch.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a stitch.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "stitch.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Markers lowers the manifest's patch entries into compiler markers.
// Lowering is syntactic: names are carried through and resolved later
// against a symbol table, so an unknown target surfaces at compile
// time, not at load time.
func (m *Manifest) Markers() ([]patch.Marker, error) {
	markers := make([]patch.Marker, 0, len(m.Patches))
	for i, p := range m.Patches {
		marker, err := p.marker(m.Pack.Name)
		if err != nil {
			return nil, fmt.Errorf("manifest: patch %d (%s): %w", i, p.Target, err)
		}
		markers = append(markers, marker)
	}
	return markers, nil
}

func (p Patch) marker(packName string) (patch.Marker, error) {
	kind, ok := patch.EditKindNamed(p.Kind)
	if !ok {
		return patch.Marker{}, fmt.Errorf("unknown edit kind %q", p.Kind)
	}

	at, err := p.At.at()
	if err != nil {
		return patch.Marker{}, err
	}

	return patch.Marker{
		TargetName:      p.Target,
		TargetSignature: p.Signature,
		At:              at,
		Kind:            kind,
		Handler:         p.Handler.ref(),
		Redirect:        p.Redirect.ref(),
		Priority:        p.Priority,
		AllowMerge:      p.Merge,
		Origin:          packName,
	}, nil
}

func (a At) at() (patch.At, error) {
	kind, ok := patch.AtKindNamed(a.Kind)
	if !ok {
		return patch.At{}, fmt.Errorf("unknown anchor kind %q", a.Kind)
	}

	// An absent ordinal means every occurrence, while 0 names the first.
	// The TOML zero value is 0, so the distinction needs a pointer.
	ordinal := -1
	if a.Ordinal != nil {
		ordinal = *a.Ordinal
	}

	literal, err := literalOperand(a.Literal)
	if err != nil {
		return patch.At{}, fmt.Errorf("literal: %w", err)
	}
	guard, err := literalOperand(a.Guard)
	if err != nil {
		return patch.At{}, fmt.Errorf("guard: %w", err)
	}

	at := patch.At{
		Kind:    kind,
		Member:  isa.MemberRef{Owner: a.Owner, Name: a.Name, Signature: a.Sig},
		Literal: literal,
		Guard:   guard,
		Ordinal: ordinal,
		Shift:   a.Shift,
	}
	if a.Pattern != nil {
		at.Pattern = *a.Pattern
	}
	return at, nil
}

// literalOperand maps a decoded TOML value onto an operand. TOML has no
// null, so absence is a nil interface.
func literalOperand(v interface{}) (isa.Operand, error) {
	switch x := v.(type) {
	case nil:
		return isa.NoOperand, nil
	case int64:
		return isa.IntOperand(x), nil
	case float64:
		return isa.FloatOperand(x), nil
	case string:
		return isa.StrOperand(x), nil
	default:
		return isa.NoOperand, fmt.Errorf("unsupported literal type %T", v)
	}
}
