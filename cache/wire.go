// Package cache serializes compiled descriptor sets and method images
// and persists them keyed by content fingerprint.
//
// Encoding is canonical CBOR, so equal inputs always produce equal
// bytes and the fingerprint is stable across processes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/weftlab/stitch/isa"
	"github.com/weftlab/stitch/match"
	"github.com/weftlab/stitch/patch"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Wire representations
// ---------------------------------------------------------------------------

// WireInstr is the serialized form of one instruction. Identity is
// carried so jump targets survive the round trip; the stream reassigns
// fresh identities on decode and remaps targets.
type WireInstr struct {
	ID     uint64  `cbor:"id"`
	Op     byte    `cbor:"op"`
	Kind   uint8   `cbor:"kind"`
	Int    int64   `cbor:"int,omitempty"`
	Float  float64 `cbor:"float,omitempty"`
	Str    string  `cbor:"str,omitempty"`
	Owner  string  `cbor:"owner,omitempty"`
	Name   string  `cbor:"name,omitempty"`
	Sig    string  `cbor:"sig,omitempty"`
	Target uint64  `cbor:"target,omitempty"`
}

// WireFragment is the serialized form of a synthesized fragment.
type WireFragment struct {
	Owner     string      `cbor:"owner"`
	Name      string      `cbor:"name"`
	Signature string      `cbor:"sig"`
	Body      []WireInstr `cbor:"body"`
	Calls     []WireRef   `cbor:"calls,omitempty"`
}

// WireRef is the serialized form of a member reference.
type WireRef struct {
	Owner string `cbor:"owner"`
	Name  string `cbor:"name"`
	Sig   string `cbor:"sig"`
}

// WireDescriptor is the serialized form of one compiled edit.
type WireDescriptor struct {
	Target      WireRef       `cbor:"target"`
	Pattern     match.Spec    `cbor:"pattern"`
	Kind        string        `cbor:"kind"`
	Fragment    *WireFragment `cbor:"fragment,omitempty"`
	Member      *WireRef      `cbor:"member,omitempty"`
	Priority    int           `cbor:"priority"`
	Cancellable bool          `cbor:"cancellable,omitempty"`
	AllowMerge  bool          `cbor:"merge,omitempty"`
	Origin      string        `cbor:"origin"`
}

// DescriptorSet is a compiled pack ready for persistence.
type DescriptorSet struct {
	Pack        string           `cbor:"pack"`
	Descriptors []WireDescriptor `cbor:"descriptors"`
}

// WireMethod is the serialized form of one method body.
type WireMethod struct {
	Owner     string      `cbor:"owner"`
	Name      string      `cbor:"name"`
	Signature string      `cbor:"sig"`
	Body      []WireInstr `cbor:"body"`
}

// Image is a serializable collection of method bodies.
type Image struct {
	Methods []WireMethod `cbor:"methods"`
}

// ---------------------------------------------------------------------------
// Stream conversion
// ---------------------------------------------------------------------------

func wireStream(s *isa.Stream) []WireInstr {
	out := make([]WireInstr, 0, s.Len())
	for pos := 0; pos < s.Len(); pos++ {
		in := s.At(pos)
		w := WireInstr{
			ID:   uint64(in.ID()),
			Op:   byte(in.Op),
			Kind: uint8(in.Operand.Kind),
		}
		switch in.Operand.Kind {
		case isa.OperandInt:
			w.Int = in.Operand.Int
		case isa.OperandFloat:
			w.Float = in.Operand.Float
		case isa.OperandStr:
			w.Str = in.Operand.Str
		case isa.OperandMember:
			w.Owner = in.Operand.Member.Owner
			w.Name = in.Operand.Member.Name
			w.Sig = in.Operand.Member.Signature
		case isa.OperandTarget:
			w.Target = uint64(in.Operand.Target)
		}
		out = append(out, w)
	}
	return out
}

func streamFromWire(instrs []WireInstr) (*isa.Stream, error) {
	s := isa.NewStream()

	// First pass appends with fresh identities; jump targets still name
	// the serialized identities.
	remap := make(map[uint64]isa.ID, len(instrs))
	for _, w := range instrs {
		var operand isa.Operand
		switch isa.OperandKind(w.Kind) {
		case isa.OperandNone:
			operand = isa.NoOperand
		case isa.OperandInt:
			operand = isa.IntOperand(w.Int)
		case isa.OperandFloat:
			operand = isa.FloatOperand(w.Float)
		case isa.OperandStr:
			operand = isa.StrOperand(w.Str)
		case isa.OperandMember:
			operand = isa.MemberOperand(isa.MemberRef{Owner: w.Owner, Name: w.Name, Signature: w.Sig})
		case isa.OperandTarget:
			operand = isa.TargetOperand(isa.ID(w.Target))
		default:
			return nil, fmt.Errorf("cache: unknown operand kind %d", w.Kind)
		}
		remap[w.ID] = s.Append(isa.Opcode(w.Op), operand)
	}

	// Second pass remaps jump targets onto the fresh identities.
	for pos := 0; pos < s.Len(); pos++ {
		in := s.At(pos)
		if in.Operand.Kind != isa.OperandTarget {
			continue
		}
		mapped, ok := remap[uint64(in.Operand.Target)]
		if !ok {
			return nil, fmt.Errorf("cache: jump to unknown serialized identity %d", in.Operand.Target)
		}
		if err := s.SetOperand(in.ID(), isa.TargetOperand(mapped)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Descriptor conversion
// ---------------------------------------------------------------------------

func wireRef(r isa.MemberRef) WireRef {
	return WireRef{Owner: r.Owner, Name: r.Name, Sig: r.Signature}
}

func (r WireRef) ref() isa.MemberRef {
	return isa.MemberRef{Owner: r.Owner, Name: r.Name, Signature: r.Sig}
}

// WireDescriptors converts compiled descriptors into their wire form.
func WireDescriptors(pack string, descriptors []patch.Descriptor) *DescriptorSet {
	set := &DescriptorSet{Pack: pack, Descriptors: make([]WireDescriptor, 0, len(descriptors))}
	for _, d := range descriptors {
		w := WireDescriptor{
			Target:      wireRef(d.Target),
			Pattern:     d.Pattern.Spec(),
			Kind:        d.Kind.String(),
			Priority:    d.Priority,
			Cancellable: d.Cancellable,
			AllowMerge:  d.AllowMerge,
			Origin:      d.Origin,
		}
		switch d.Payload.Kind {
		case patch.PayloadFragment:
			f := d.Payload.Fragment
			wf := &WireFragment{
				Owner:     f.Owner,
				Name:      f.Name,
				Signature: f.Signature,
				Body:      wireStream(f.Body),
			}
			for _, c := range f.Calls {
				wf.Calls = append(wf.Calls, wireRef(c))
			}
			w.Fragment = wf
		case patch.PayloadMember:
			m := wireRef(d.Payload.Member)
			w.Member = &m
		}
		set.Descriptors = append(set.Descriptors, w)
	}
	return set
}

// Decode converts a wire set back into compiled descriptors.
func (set *DescriptorSet) Decode() ([]patch.Descriptor, error) {
	out := make([]patch.Descriptor, 0, len(set.Descriptors))
	for i, w := range set.Descriptors {
		pattern, err := match.FromSpec(w.Pattern)
		if err != nil {
			return nil, fmt.Errorf("cache: descriptor %d: %w", i, err)
		}
		kind, ok := patch.EditKindNamed(w.Kind)
		if !ok {
			return nil, fmt.Errorf("cache: descriptor %d: unknown edit kind %q", i, w.Kind)
		}
		d := patch.Descriptor{
			Target:      w.Target.ref(),
			Pattern:     pattern,
			Kind:        kind,
			Priority:    w.Priority,
			Cancellable: w.Cancellable,
			AllowMerge:  w.AllowMerge,
			Origin:      w.Origin,
		}
		switch {
		case w.Fragment != nil:
			body, err := streamFromWire(w.Fragment.Body)
			if err != nil {
				return nil, fmt.Errorf("cache: descriptor %d: %w", i, err)
			}
			f := &patch.Fragment{
				Owner:     w.Fragment.Owner,
				Name:      w.Fragment.Name,
				Signature: w.Fragment.Signature,
				Body:      body,
			}
			for _, c := range w.Fragment.Calls {
				f.Calls = append(f.Calls, c.ref())
			}
			d.Payload = patch.FragmentPayload(f)
		case w.Member != nil:
			d.Payload = patch.MemberPayload(w.Member.ref())
		}
		out = append(out, d)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Marshal entry points
// ---------------------------------------------------------------------------

// MarshalDescriptorSet serializes a DescriptorSet to canonical CBOR.
func MarshalDescriptorSet(set *DescriptorSet) ([]byte, error) {
	return cborEncMode.Marshal(set)
}

// UnmarshalDescriptorSet deserializes a DescriptorSet from CBOR bytes.
func UnmarshalDescriptorSet(data []byte) (*DescriptorSet, error) {
	var set DescriptorSet
	if err := cbor.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("cache: unmarshal descriptor set: %w", err)
	}
	return &set, nil
}

// WireImage converts methods into a serializable image.
func WireImage(methods []*isa.Method) *Image {
	img := &Image{Methods: make([]WireMethod, 0, len(methods))}
	for _, m := range methods {
		img.Methods = append(img.Methods, WireMethod{
			Owner:     m.Owner,
			Name:      m.Name,
			Signature: m.Signature,
			Body:      wireStream(m.Stream),
		})
	}
	return img
}

// Decode converts a wire image back into methods.
func (img *Image) Decode() ([]*isa.Method, error) {
	out := make([]*isa.Method, 0, len(img.Methods))
	for i, w := range img.Methods {
		s, err := streamFromWire(w.Body)
		if err != nil {
			return nil, fmt.Errorf("cache: method %d (%s.%s): %w", i, w.Owner, w.Name, err)
		}
		m := isa.NewMethod(w.Owner, w.Name, w.Signature)
		m.Stream = s
		out = append(out, m)
	}
	return out, nil
}

// MarshalImage serializes an Image to canonical CBOR.
func MarshalImage(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// UnmarshalImage deserializes an Image from CBOR bytes.
func UnmarshalImage(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("cache: unmarshal image: %w", err)
	}
	return &img, nil
}

// Fingerprint returns the hex SHA-256 of a serialized artifact. Because
// encoding is canonical, equal artifacts always fingerprint equally.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
