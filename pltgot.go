package elfemit

import (
	"encoding/binary"
	"fmt"
)

// PltGotWriter is C3: it fills the private GOT/PLT/.rela.plt sub-slices
// reserved for one contributor.
type PltGotWriter struct {
	gotBytes  []byte
	plt       []byte
	relaBytes []byte

	gotSlots  int
	pltSlots  int
	relaSlots int

	gotUsed  int
	pltUsed  int
	relaUsed int
	rela     []Rela

	tlsStart, tlsEnd uint64
}

// NewPltGotWriter wraps the raw carved byte slices for one contributor
// as typed GOT/PLT/.rela.plt views.
func NewPltGotWriter(gotBytes, pltBytes, relaBytes []byte, tlsStart, tlsEnd uint64) (*PltGotWriter, error) {
	if len(gotBytes)%GOTEntrySize != 0 {
		return nil, fmt.Errorf("%w: GOT slice length %d not a multiple of %d", ErrOverAllocated, len(gotBytes), GOTEntrySize)
	}
	if len(pltBytes)%PLTEntrySize != 0 {
		return nil, fmt.Errorf("%w: PLT slice length %d not a multiple of %d", ErrOverAllocated, len(pltBytes), PLTEntrySize)
	}
	if len(relaBytes)%RelaEntrySize != 0 {
		return nil, fmt.Errorf("%w: .rela.plt slice length %d not a multiple of %d", ErrOverAllocated, len(relaBytes), RelaEntrySize)
	}
	return &PltGotWriter{
		gotBytes:  gotBytes,
		plt:       pltBytes,
		relaBytes: relaBytes,
		gotSlots:  len(gotBytes) / GOTEntrySize,
		pltSlots:  len(pltBytes) / PLTEntrySize,
		relaSlots: len(relaBytes) / RelaEntrySize,
		rela:      make([]Rela, 0, len(relaBytes)/RelaEntrySize),
		tlsStart:  tlsStart,
		tlsEnd:    tlsEnd,
	}, nil
}

// GotAddressAt and PltAddressAt return the absolute address of the
// index'th slot in a contributor's private GOT/PLT windows, given that
// window's base VMA.
func (w *PltGotWriter) GotAddressAt(base uint64, index int) uint64 {
	return base + uint64(index)*GOTEntrySize
}
func (w *PltGotWriter) PltAddressAt(base uint64, index int) uint64 {
	return base + uint64(index)*PLTEntrySize
}

// ProcessResolution is C3's process_resolution: it decides and writes
// the GOT slot value for res (if it reserved one), and, if res also
// reserved a PLT slot, emits the matching 16-byte PLT trampoline.
func (w *PltGotWriter) ProcessResolution(res Resolution, relocWriter *RelocationWriter) error {
	if res.GotAddress == nil {
		return nil
	}
	gotAddr := *res.GotAddress

	switch res.Kind {
	case KindGotTlsDouble:
		if err := w.writeGotSlot(CurrentExeTLSMod); err != nil {
			return err
		}
		if err := w.writeGotSlot(res.Address - w.tlsEnd); err != nil {
			return err
		}
		return nil

	case KindGotTlsOffset:
		if res.Address < w.tlsStart || res.Address >= w.tlsEnd {
			return fmt.Errorf("%w: GotTlsOffset target 0x%x outside TLS range [0x%x, 0x%x)",
				ErrMissingSlot, res.Address, w.tlsStart, w.tlsEnd)
		}
		if err := w.writeGotSlot(res.Address - w.tlsEnd); err != nil {
			return err
		}

	case KindIFunc:
		if err := w.writeGotSlot(0); err != nil {
			return err
		}

	default:
		if relocWriter != nil && relocWriter.IsActive() && res.Address != 0 {
			relocWriter.WriteRelative(gotAddr, res.Address)
			if err := w.writeGotSlot(0); err != nil {
				return err
			}
		} else {
			if err := w.writeGotSlot(res.Address); err != nil {
				return err
			}
		}
	}

	if res.PltAddress != nil {
		return w.writePltEntry(*res.PltAddress, gotAddr)
	}
	return nil
}

func (w *PltGotWriter) writeGotSlot(value uint64) error {
	if w.gotUsed >= w.gotSlots {
		return fmt.Errorf("%w: didn't allocate enough space in GOT", ErrOverAllocated)
	}
	binary.LittleEndian.PutUint64(w.gotBytes[w.gotUsed*GOTEntrySize:], value)
	w.gotUsed++
	return nil
}

func (w *PltGotWriter) writePltEntry(pltAddress, gotAddress uint64) error {
	if w.pltUsed >= w.pltSlots {
		return fmt.Errorf("%w: didn't allocate enough space in PLT", ErrOverAllocated)
	}
	dst := w.plt[w.pltUsed*PLTEntrySize : w.pltUsed*PLTEntrySize+PLTEntrySize]
	copy(dst, PLTEntryTemplate[:])

	rel := int64(gotAddress) - int64(pltAddress+0xB)
	if int64(int32(rel)) != rel {
		return fmt.Errorf("%w: PLT-relative GOT offset 0x%x does not fit in 32 bits", ErrRelocationOverflow, rel)
	}
	binary.LittleEndian.PutUint32(dst[7:11], uint32(int32(rel)))
	w.pltUsed++
	return nil
}

// ApplyPltRelocation is C3's apply_relocation: it appends one
// .rela.plt IRELATIVE entry for an IFUNC resolver.
func (w *PltGotWriter) ApplyPltRelocation(rel PltRelocation) error {
	if w.relaUsed >= w.relaSlots {
		return fmt.Errorf("%w: didn't allocate enough space in .rela.plt", ErrOverAllocated)
	}
	w.rela = append(w.rela, Rela{
		Address: rel.GotAddress,
		Info:    RelaInfo(0, R_X86_64_IRELATIVE),
		Addend:  rel.Resolver,
	})
	w.relaUsed++
	return nil
}

// Flush writes the accumulated .rela.plt entries into the carved byte
// slice. GOT and PLT slots are written directly as they're produced;
// only the rela rows are buffered, so ApplyPltRelocation never has to
// reason about byte offsets.
func (w *PltGotWriter) Flush() {
	for i, r := range w.rela {
		off := i * RelaEntrySize
		binary.LittleEndian.PutUint64(w.relaBytes[off:], r.Address)
		binary.LittleEndian.PutUint64(w.relaBytes[off+8:], r.Info)
		binary.LittleEndian.PutUint64(w.relaBytes[off+16:], r.Addend)
	}
}

// ValidateEmpty is C3's validate_empty: every reserved GOT and PLT slot
// must have been written exactly once.
func (w *PltGotWriter) ValidateEmpty() error {
	if w.gotUsed != w.gotSlots {
		return fmt.Errorf("%w: GOT reserved %d slots, wrote %d", ErrUnderAllocated, w.gotSlots, w.gotUsed)
	}
	if w.pltUsed != w.pltSlots {
		return fmt.Errorf("%w: PLT reserved %d slots, wrote %d", ErrUnderAllocated, w.pltSlots, w.pltUsed)
	}
	if w.relaUsed != w.relaSlots {
		return fmt.Errorf("%w: .rela.plt reserved %d slots, wrote %d", ErrUnderAllocated, w.relaSlots, w.relaUsed)
	}
	return nil
}
