package elfemit

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestApplyRelocationAbsoluteStatic(t *testing.T) {
	out := make([]byte, 8)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x401000},
		OffsetInSection: 0,
		RType:           1, // R_X86_64_64
		Addend:          4,
		ByteSize:        8,
		SectionAddress:  0x400000,
		RelocWriter:     DisabledRelocationWriter(),
	}
	action, err := ApplyRelocation(out, in)
	if err != nil {
		t.Fatalf("ApplyRelocation: %v", err)
	}
	if action != NextNormal {
		t.Fatalf("action = %v, want NextNormal", action)
	}
	if got := binary.LittleEndian.Uint64(out); got != 0x401004 {
		t.Fatalf("value = %#x, want 0x401004", got)
	}
}

func TestApplyRelocationAbsoluteEmitsDynamicRelocationForPIE(t *testing.T) {
	out := make([]byte, 8)
	rela := make([]byte, RelaEntrySize)
	rw := NewRelocationWriter(rela)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x401000},
		OffsetInSection: 0,
		RType:           1,
		ByteSize:        8,
		SectionAddress:  0x400000,
		RelocWriter:     rw,
	}
	if _, err := ApplyRelocation(out, in); err != nil {
		t.Fatalf("ApplyRelocation: %v", err)
	}
	rw.Flush()
	if err := rw.ValidateEmpty(1); err != nil {
		t.Fatalf("ValidateEmpty: %v", err)
	}
	if v := binary.LittleEndian.Uint64(out); v != 0 {
		t.Fatalf("output slot = 0x%x, want 0 (value deferred to R_X86_64_RELATIVE)", v)
	}
}

func TestApplyRelocationRelativeComputesPCOffset(t *testing.T) {
	out := make([]byte, 4)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x401010},
		OffsetInSection: 4,
		RType:           2, // R_X86_64_PC32
		Addend:          -4,
		ByteSize:        4,
		SectionAddress:  0x401000,
		RelocWriter:     DisabledRelocationWriter(),
	}
	action, err := ApplyRelocation(out, in)
	if err != nil {
		t.Fatalf("ApplyRelocation: %v", err)
	}
	if action != NextNormal {
		t.Fatalf("action = %v, want NextNormal", action)
	}
	place := in.SectionAddress + in.OffsetInSection
	want := uint32(in.Resolution.Address - 4 - place)
	if got := binary.LittleEndian.Uint32(out); got != want {
		t.Fatalf("value = %#x, want %#x", got, want)
	}
}

func TestApplyRelocationRejects32BitOverflow(t *testing.T) {
	out := make([]byte, 4)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x1_0000_0000},
		OffsetInSection: 0,
		RType:           1,
		ByteSize:        4,
		SectionAddress:  0,
		RelocWriter:     DisabledRelocationWriter(),
	}
	if _, err := ApplyRelocation(out, in); err == nil {
		t.Fatal("expected ErrRelocationOverflow writing a 64-bit address into a 4-byte field")
	}
}

func TestApplyRelocationDtpOffRequiresLinkStatic(t *testing.T) {
	out := make([]byte, 4)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x2000},
		OffsetInSection: 0,
		RType:           uint32(elf.R_X86_64_DTPOFF32),
		ByteSize:        4,
		LinkStatic:      false,
		RelocWriter:     DisabledRelocationWriter(),
	}
	if _, err := ApplyRelocation(out, in); err == nil {
		t.Fatal("expected ErrUnimplemented for DtpOff without LinkStatic")
	}
}

func TestApplyRelocationOutOfBoundsOffset(t *testing.T) {
	out := make([]byte, 2)
	in := RelocationInput{
		Resolution:      Resolution{Address: 0x1000},
		OffsetInSection: 0,
		RType:           1,
		ByteSize:        8,
		RelocWriter:     DisabledRelocationWriter(),
	}
	if _, err := ApplyRelocation(out, in); err == nil {
		t.Fatal("expected ErrRelocationOutOfBounds writing 8 bytes into a 2-byte buffer")
	}
}

func TestApplyRelocationUnsupportedRType(t *testing.T) {
	out := make([]byte, 4)
	in := RelocationInput{
		Resolution:  Resolution{Address: 0x1000},
		RType:       255,
		ByteSize:    4,
		RelocWriter: DisabledRelocationWriter(),
	}
	if _, err := ApplyRelocation(out, in); err == nil {
		t.Fatal("expected ErrUnsupportedRelocation for an unrecognized r_type")
	}
}
