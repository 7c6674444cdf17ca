package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/weftlab/stitch/isa"
)

// Target resolution errors. Both are reported to the caller per marker;
// the compiler never silently picks a candidate.
var (
	ErrUnresolvedTarget = errors.New("target member not found")
	ErrAmbiguousTarget  = errors.New("target member is ambiguous")
)

// ---------------------------------------------------------------------------
// Type metadata and symbol tables
// ---------------------------------------------------------------------------

// TypeMetadata describes one target type as supplied by the caller:
// the members a symbol table is built from. No reflection is involved;
// resolution is a value lookup against this table.
type TypeMetadata struct {
	Name    string
	Methods []isa.MemberRef
	Fields  []isa.MemberRef
}

// SymbolTable resolves member names against one target type. Built once
// per type and queried by value.
type SymbolTable struct {
	typeName string
	methods  map[string][]isa.MemberRef // name -> overloads, declaration order
	fields   map[string]isa.MemberRef
}

// NewSymbolTable builds a symbol table from type metadata.
func NewSymbolTable(meta TypeMetadata) *SymbolTable {
	t := &SymbolTable{
		typeName: meta.Name,
		methods:  make(map[string][]isa.MemberRef, len(meta.Methods)),
		fields:   make(map[string]isa.MemberRef, len(meta.Fields)),
	}
	for _, m := range meta.Methods {
		t.methods[m.Name] = append(t.methods[m.Name], m)
	}
	for _, f := range meta.Fields {
		t.fields[f.Name] = f
	}
	return t
}

// TablesFromMethods builds symbol tables for every owner type appearing
// in a set of compiled methods.
func TablesFromMethods(methods []*isa.Method) map[string]*SymbolTable {
	metas := make(map[string]*TypeMetadata)
	order := make([]string, 0, 4)
	for _, m := range methods {
		meta, ok := metas[m.Owner]
		if !ok {
			meta = &TypeMetadata{Name: m.Owner}
			metas[m.Owner] = meta
			order = append(order, m.Owner)
		}
		meta.Methods = append(meta.Methods, m.Ref())
	}
	tables := make(map[string]*SymbolTable, len(order))
	for _, name := range order {
		tables[name] = NewSymbolTable(*metas[name])
	}
	return tables
}

// TypeName returns the name of the type this table describes.
func (t *SymbolTable) TypeName() string {
	return t.typeName
}

// ResolveMethod finds the single method matching name and an optional
// partial signature (a prefix of the full signature, e.g. "(int" or the
// complete "(int,str)void"). An empty partial matches any overload.
// Returns ErrUnresolvedTarget when nothing matches and ErrAmbiguousTarget
// when more than one overload survives the filter.
func (t *SymbolTable) ResolveMethod(name, partialSig string) (isa.MemberRef, error) {
	overloads := t.methods[name]
	var candidates []isa.MemberRef
	for _, m := range overloads {
		if partialSig == "" || strings.HasPrefix(m.Signature, partialSig) {
			candidates = append(candidates, m)
		}
	}
	switch len(candidates) {
	case 0:
		return isa.MemberRef{}, fmt.Errorf("patch: %s.%s%s: %w", t.typeName, name, partialSig, ErrUnresolvedTarget)
	case 1:
		return candidates[0], nil
	default:
		return isa.MemberRef{}, fmt.Errorf("patch: %s.%s%s matches %d overloads: %w",
			t.typeName, name, partialSig, len(candidates), ErrAmbiguousTarget)
	}
}

// ResolveField finds a field by name.
func (t *SymbolTable) ResolveField(name string) (isa.MemberRef, error) {
	f, ok := t.fields[name]
	if !ok {
		return isa.MemberRef{}, fmt.Errorf("patch: field %s.%s: %w", t.typeName, name, ErrUnresolvedTarget)
	}
	return f, nil
}
