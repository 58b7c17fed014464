package elfemit

import "debug/elf"

// Raw r_type values for the two TLS access models this package can
// relax. Kept local to avoid pulling in a wider R_X86_64_* constant
// table than format.go already defines.
const (
	tlsGdRType = uint32(elf.R_X86_64_TLSGD)
	tlsLdRType = uint32(elf.R_X86_64_TLSLD)
)

// RelaxationKind names which instruction-sequence rewrite a Relaxation
// performs.
type RelaxationKind int

const (
	RelaxTLSGDToLE RelaxationKind = iota
	RelaxTLSLDToLE
)

// tlsGdPrefix and tlsLdPrefix are the exact instruction bytes a
// relaxable GD/LD access sequence must have immediately before the
// relocated field, per the original linker's relaxation table.
var (
	tlsGdPrefix = []byte{0x66, 0x48, 0x8d, 0x3d}
	tlsLdPrefix = []byte{0x48, 0x8d, 0x3d}

	// tlsGdLeExpansion replaces the twelve bytes [offset-4, offset+8)
	// of a GD access with the LE-model mov-from-%fs sequence.
	tlsGdLeExpansion = []byte{
		0x64, 0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x8d, 0x80,
	}

	// tlsLdLeExpansion replaces the eight bytes [offset-3, offset+5)
	// of an LD access with a no-op mov-immediate sequence; the actual
	// offset is filled in by the relocation engine afterward.
	tlsLdLeExpansion = []byte{
		0x66, 0x66, 0x66, 0x64, 0x48, 0x8b, 0x04, 0x25,
	}
)

// Relaxation is the outcome of probing whether a relocation's target
// instruction sequence can be rewritten to a cheaper local-exec form.
// It never decides on its own whether relaxation should happen in
// general (that's a link-wide policy, tls_mode); it only recognizes
// whether the bytes at this particular offset match a known relaxable
// sequence.
type Relaxation struct {
	Kind       RelaxationKind
	PrefixLen  int
	NewOffsetDelta int
}

// NewRelaxation probes out[offset:] (and the bytes immediately before
// it) for a relaxable TLS access sequence matching rType. It returns
// (nil, nil) when rType isn't relaxable at all — most relocation kinds
// never are — and a non-nil error only when rType is relaxable in
// principle but the live bytes don't match the required prefix.
func NewRelaxation(rType uint32, out []byte, offset int) (*Relaxation, error) {
	switch rType {
	case uint32(elf.R_X86_64_TLSGD):
		if err := expectBytesBefore(out, offset, tlsGdPrefix); err != nil {
			return nil, err
		}
		return &Relaxation{Kind: RelaxTLSGDToLE, PrefixLen: len(tlsGdPrefix), NewOffsetDelta: 8}, nil
	case uint32(elf.R_X86_64_TLSLD):
		if err := expectBytesBefore(out, offset, tlsLdPrefix); err != nil {
			return nil, err
		}
		return &Relaxation{Kind: RelaxTLSLDToLE, PrefixLen: len(tlsLdPrefix), NewOffsetDelta: 5}, nil
	default:
		return nil, nil
	}
}

// Apply mutates out in place around offset to perform the rewrite, per
// the byte patterns fixed by r.Kind. It returns the amount the caller
// must advance offset by, matching the spec's "advance offset" step.
func (r *Relaxation) Apply(out []byte, offset int, valueIsRelocatable bool) int {
	switch r.Kind {
	case RelaxTLSGDToLE:
		start := offset - 4
		copy(out[start:start+len(tlsGdLeExpansion)], tlsGdLeExpansion)
	case RelaxTLSLDToLE:
		start := offset - 3
		copy(out[start:start+len(tlsLdLeExpansion)], tlsLdLeExpansion)
	}
	return r.NewOffsetDelta
}
