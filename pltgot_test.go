package elfemit

import (
	"encoding/binary"
	"testing"
)

func addrPtr(v uint64) *uint64 { return &v }

func TestPltGotWriterDefaultResolutionEmitsDynamicRelocation(t *testing.T) {
	got := make([]byte, GOTEntrySize)
	rela := make([]byte, RelaEntrySize)
	relocWriter := NewRelocationWriter(rela)

	w, err := NewPltGotWriter(got, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewPltGotWriter: %v", err)
	}

	gotAddr := uint64(0x402000)
	res := Resolution{Address: 0x403000, GotAddress: addrPtr(gotAddr), Kind: KindAddress}
	if err := w.ProcessResolution(res, relocWriter); err != nil {
		t.Fatalf("ProcessResolution: %v", err)
	}
	w.Flush()
	relocWriter.Flush()

	if err := w.ValidateEmpty(); err != nil {
		t.Fatalf("ValidateEmpty: %v", err)
	}
	if v := binary.LittleEndian.Uint64(got); v != 0 {
		t.Fatalf("GOT slot = 0x%x, want 0 (value deferred to dynamic relocation)", v)
	}
	if err := relocWriter.ValidateEmpty(1); err != nil {
		t.Fatalf("relocWriter.ValidateEmpty: %v", err)
	}
	entries := relocWriter.Entries()
	if len(entries) != 1 || entries[0].Address != gotAddr || entries[0].Addend != res.Address {
		t.Fatalf("recorded relocation = %+v, want address=%#x addend=%#x", entries, gotAddr, res.Address)
	}
}

func TestPltGotWriterStaticResolutionWritesAddressDirectly(t *testing.T) {
	got := make([]byte, GOTEntrySize)
	w, err := NewPltGotWriter(got, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewPltGotWriter: %v", err)
	}
	disabled := DisabledRelocationWriter()

	res := Resolution{Address: 0x404000, GotAddress: addrPtr(0x402000), Kind: KindAddress}
	if err := w.ProcessResolution(res, disabled); err != nil {
		t.Fatalf("ProcessResolution: %v", err)
	}
	w.Flush()
	if err := w.ValidateEmpty(); err != nil {
		t.Fatalf("ValidateEmpty: %v", err)
	}
	if v := binary.LittleEndian.Uint64(got); v != res.Address {
		t.Fatalf("GOT slot = 0x%x, want 0x%x", v, res.Address)
	}
}

func TestPltGotWriterTLSDoubleWritesModuleAndOffset(t *testing.T) {
	got := make([]byte, 2*GOTEntrySize)
	w, err := NewPltGotWriter(got, nil, nil, 0x10000, 0x11000)
	if err != nil {
		t.Fatalf("NewPltGotWriter: %v", err)
	}
	res := Resolution{Address: 0x10100, GotAddress: addrPtr(0x500000), Kind: KindGotTlsDouble}
	if err := w.ProcessResolution(res, DisabledRelocationWriter()); err != nil {
		t.Fatalf("ProcessResolution: %v", err)
	}
	w.Flush()
	if err := w.ValidateEmpty(); err != nil {
		t.Fatalf("ValidateEmpty: %v", err)
	}
	if mod := binary.LittleEndian.Uint64(got[0:8]); mod != CurrentExeTLSMod {
		t.Fatalf("module index = %d, want %d", mod, CurrentExeTLSMod)
	}
	wantOffset := res.Address - w.tlsEnd
	if off := binary.LittleEndian.Uint64(got[8:16]); off != wantOffset {
		t.Fatalf("tls offset = 0x%x, want 0x%x", off, wantOffset)
	}
}

func TestPltGotWriterPLTEntryPatchesDisplacement(t *testing.T) {
	got := make([]byte, GOTEntrySize)
	plt := make([]byte, PLTEntrySize)
	w, err := NewPltGotWriter(got, plt, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewPltGotWriter: %v", err)
	}
	pltBase := uint64(0x402000)
	gotAddr := uint64(0x403000)
	res := Resolution{Address: 0x500000, GotAddress: addrPtr(gotAddr), PltAddress: addrPtr(pltBase), Kind: KindAddress}
	if err := w.ProcessResolution(res, DisabledRelocationWriter()); err != nil {
		t.Fatalf("ProcessResolution: %v", err)
	}
	w.Flush()
	if err := w.ValidateEmpty(); err != nil {
		t.Fatalf("ValidateEmpty: %v", err)
	}
	gotOff := int32(binary.LittleEndian.Uint32(plt[7:11]))
	want := int32(int64(gotAddr) - int64(pltBase+0xB))
	if gotOff != want {
		t.Fatalf("PLT displacement = %d, want %d", gotOff, want)
	}
	if plt[0] != PLTEntryTemplate[0] {
		t.Fatalf("PLT entry doesn't start with the endbr64 template byte")
	}
}

func TestPltGotWriterValidateEmptyCatchesUnderAllocation(t *testing.T) {
	got := make([]byte, 2*GOTEntrySize)
	w, err := NewPltGotWriter(got, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewPltGotWriter: %v", err)
	}
	res := Resolution{Address: 0x1000, GotAddress: addrPtr(0x2000), Kind: KindAddress}
	if err := w.ProcessResolution(res, DisabledRelocationWriter()); err != nil {
		t.Fatalf("ProcessResolution: %v", err)
	}
	if err := w.ValidateEmpty(); err == nil {
		t.Fatal("expected ValidateEmpty to report the unused second GOT slot")
	}
}

func TestPltGotWriterRejectsMisalignedSlices(t *testing.T) {
	if _, err := NewPltGotWriter(make([]byte, 3), nil, nil, 0, 0); err == nil {
		t.Fatal("expected error for a GOT slice not a multiple of GOTEntrySize")
	}
}
