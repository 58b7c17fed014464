package elfemit

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// RelocationKind is the semantic kind a relocation resolves to, after
// decoding the raw ELF r_type (and possibly substituting it via a
// relaxation).
type RelocationKind int

const (
	KindAbsolute RelocationKind = iota
	KindRelative
	KindGotRelative
	KindPltRelative
	KindTlsGd
	KindTlsLd
	KindDtpOff
	KindGotTpOff
	KindTpOff
)

// NextRelocationAction tells the per-section driver whether to advance
// to the very next relocation as normal, or skip one (a relaxation
// consumed the pair that would otherwise follow).
type NextRelocationAction int

const (
	NextNormal NextRelocationAction = iota
	NextSkipOne
)

// RelocationWriter records dynamic relocations (R_X86_64_RELATIVE) into
// a private .rela.dyn sub-slice. A disabled writer silently no-ops
// every call — used for the internal file's undefined-symbol and TLSLD
// placeholder slots, which must never generate a dynamic relocation.
type RelocationWriter struct {
	dst      []byte
	entries  []Rela
	disabled bool
}

// NewRelocationWriter returns an active writer backed by dst, the
// contributor's private carved .rela.dyn byte range.
func NewRelocationWriter(dst []byte) *RelocationWriter {
	return &RelocationWriter{dst: dst, entries: make([]Rela, 0, len(dst)/RelaEntrySize)}
}

// DisabledRelocationWriter returns a writer that drops every relocation
// it's asked to record.
func DisabledRelocationWriter() *RelocationWriter {
	return &RelocationWriter{disabled: true}
}

// IsActive reports whether this writer actually records relocations.
func (w *RelocationWriter) IsActive() bool { return !w.disabled }

// WriteRelative appends one R_X86_64_RELATIVE entry at place with the
// given addend. A no-op on a disabled writer.
func (w *RelocationWriter) WriteRelative(place, addend uint64) {
	if w.disabled {
		return
	}
	w.entries = append(w.entries, Rela{
		Address: place,
		Info:    RelaInfo(0, R_X86_64_RELATIVE),
		Addend:  addend,
	})
}

// Entries returns the recorded relocations, in write order.
func (w *RelocationWriter) Entries() []Rela { return w.entries }

// Flush writes every recorded relocation into the carved destination
// bytes. A no-op on a disabled writer, which never recorded any.
func (w *RelocationWriter) Flush() {
	for i, e := range w.entries {
		off := i * RelaEntrySize
		binary.LittleEndian.PutUint64(w.dst[off:], e.Address)
		binary.LittleEndian.PutUint64(w.dst[off+8:], e.Info)
		binary.LittleEndian.PutUint64(w.dst[off+16:], e.Addend)
	}
}

// ValidateEmpty reports whether every reserved slot in the backing
// section was consumed. cap is the number of slots the layout reserved
// for this writer.
func (w *RelocationWriter) ValidateEmpty(cap int) error {
	if len(w.entries) != cap {
		return fmt.Errorf("%w: .rela.dyn reserved %d slots, wrote %d", ErrUnderAllocated, cap, len(w.entries))
	}
	return nil
}

// RelocationInput bundles everything the engine needs to apply one
// relocation, per spec.md §4.5.
type RelocationInput struct {
	Resolution      Resolution
	OffsetInSection uint64
	RType           uint32
	Addend          int64
	ByteSize        int // 4 or 8
	SectionAddress  uint64
	Args            Args
	RelocWriter     *RelocationWriter
	LinkStatic      bool
	TLSStart        uint64
	TLSEnd          uint64
	TLSLDGotAddress uint64
}

// ApplyRelocation is the C5 Relocation Engine. It mutates out in place
// and returns what the caller should do with the next relocation in
// sequence.
func ApplyRelocation(out []byte, in RelocationInput) (NextRelocationAction, error) {
	place := in.SectionAddress + in.OffsetInSection
	offset := int(in.OffsetInSection)

	rType := in.RType
	addend := in.Addend
	byteSize := in.ByteSize
	action := NextNormal

	var relax *Relaxation
	var err error
	if in.Args.TLSMode == TLSModeLocalExec && (rType == tlsGdRType || rType == tlsLdRType) {
		relax, err = NewRelaxation(rType, out, offset)
		if err != nil {
			return NextNormal, err
		}
	}
	valueIsRelocatable := in.Resolution.Address != 0 && in.Args.IsRelocatable()
	if relax != nil {
		delta := relax.Apply(out, offset, valueIsRelocatable)
		offset += delta
		action = NextSkipOne
		if !valueIsRelocatable {
			addend = 0
		}
		switch relax.Kind {
		case RelaxTLSGDToLE:
			return action, writeRelocationValue(out, offset, byteSize, KindTpOff, in, place, addend)
		case RelaxTLSLDToLE:
			return action, writeLE(out, offset, byteSize, 0)
		}
		return action, nil
	}

	kind, err := kindFromRType(rType)
	if err != nil {
		return NextNormal, err
	}
	return action, writeRelocationValue(out, offset, byteSize, kind, in, place, addend)
}

func writeRelocationValue(out []byte, offset, byteSize int, kind RelocationKind, in RelocationInput, place uint64, addend int64) error {
	value, err := computeValue(kind, in, place, addend)
	if err != nil {
		return err
	}
	return writeLE(out, offset, byteSize, value)
}

// computeValue implements the value-by-kind table from spec.md §4.5.
func computeValue(kind RelocationKind, in RelocationInput, place uint64, addend int64) (uint64, error) {
	res := in.Resolution
	switch kind {
	case KindAbsolute:
		if in.RelocWriter.IsActive() && res.Address != 0 {
			in.RelocWriter.WriteRelative(place, res.Address)
			return 0, nil
		}
		return uint64(int64(res.Address) + addend), nil

	case KindRelative:
		return uint64(int64(res.Address)+addend) - place, nil

	case KindGotRelative:
		if res.GotAddress == nil {
			return 0, fmt.Errorf("%w: GotRelative relocation but resolution has no GOT address", ErrMissingSlot)
		}
		return uint64(int64(*res.GotAddress)+addend) - place, nil

	case KindPltRelative:
		if in.LinkStatic {
			return uint64(int64(res.Address)+addend) - place, nil
		}
		if res.PltAddress == nil {
			return 0, fmt.Errorf("%w: PltRelative relocation but resolution has no PLT address", ErrMissingSlot)
		}
		return uint64(int64(*res.PltAddress)+addend) - place, nil

	case KindTpOff:
		return res.Address - in.TLSEnd, nil

	case KindDtpOff:
		if in.LinkStatic {
			return uint64(int64(res.Address-in.TLSEnd) + addend), nil
		}
		return 0, fmt.Errorf("%w: DtpOff without link_static", ErrUnimplemented)

	case KindGotTpOff:
		if res.GotAddress == nil {
			return 0, fmt.Errorf("%w: GotTpOff relocation but resolution has no GOT address", ErrMissingSlot)
		}
		return uint64(int64(*res.GotAddress)+addend) - place, nil

	case KindTlsLd:
		return uint64(int64(in.TLSLDGotAddress)+addend) - place, nil

	case KindTlsGd:
		if res.GotAddress == nil {
			return 0, fmt.Errorf("%w: TlsGd relocation but resolution has no GOT address", ErrMissingSlot)
		}
		return uint64(int64(*res.GotAddress)+addend) - place, nil

	default:
		return 0, fmt.Errorf("%w: kind %d", ErrUnsupportedRelocation, kind)
	}
}

func writeLE(out []byte, offset, byteSize int, value uint64) error {
	if offset < 0 || offset+byteSize > len(out) {
		return fmt.Errorf("%w: offset %d size %d buffer %d", ErrRelocationOutOfBounds, offset, byteSize, len(out))
	}
	switch byteSize {
	case 4:
		signed := int64(value)
		if int64(int32(signed)) != signed {
			return fmt.Errorf("%w: value 0x%x does not fit in 32 bits", ErrRelocationOverflow, value)
		}
		binary.LittleEndian.PutUint32(out[offset:offset+4], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(out[offset:offset+8], value)
	default:
		return fmt.Errorf("%w: unsupported relocation byte size %d", ErrUnsupportedRelocation, byteSize)
	}
	return nil
}

// kindFromRType maps a raw ELF r_type that was NOT subject to
// relaxation to its RelocationKind. Only the x86-64 relocation types
// this core is specified to handle are recognized; anything else is
// fatal per §4.5's "other | fatal" row.
func kindFromRType(rType uint32) (RelocationKind, error) {
	switch rType {
	case 1: // R_X86_64_64
		return KindAbsolute, nil
	case 2: // R_X86_64_PC32
		return KindRelative, nil
	case 3: // R_X86_64_GOT32
		return KindGotRelative, nil
	case 4: // R_X86_64_PLT32
		return KindPltRelative, nil
	case uint32(elf.R_X86_64_TPOFF32):
		return KindTpOff, nil
	case uint32(elf.R_X86_64_GOTTPOFF):
		return KindGotTpOff, nil
	case uint32(elf.R_X86_64_DTPOFF32):
		return KindDtpOff, nil
	case tlsGdRType:
		return KindTlsGd, nil
	case tlsLdRType:
		return KindTlsLd, nil
	default:
		return 0, fmt.Errorf("%w: r_type %d", ErrUnsupportedRelocation, rType)
	}
}

// describeTarget renders which symbol or section a relocation's target
// refers to, for attaching to wrapped errors, mirroring the original
// linker's display formatting for relocation diagnostics.
func describeTarget(target RelocationTarget, db *SymbolDB) string {
	switch target.Kind {
	case TargetSymbol:
		return fmt.Sprintf("symbol[%d]=%s", target.LocalSymIndex, db.SymbolName(GlobalSymbolID(target.LocalSymIndex)))
	case TargetSection:
		return fmt.Sprintf("section[%d]", target.SectionIndex)
	default:
		return "unknown target"
	}
}
