package elfemit

import (
	"encoding/binary"
	"testing"
)

func TestSymtabWriterDefineSymbolFillsEntryAndString(t *testing.T) {
	locals := make([]byte, 24)
	globals := make([]byte, 0)
	strings := make([]byte, 16)
	w := NewSymtabWriter(locals, globals, strings, 1, NewOutputSections(nil, nil))

	view, err := w.DefineSymbol(true, 3, 0x1000, 8, "foo")
	if err != nil {
		t.Fatalf("DefineSymbol: %v", err)
	}
	view.SetInfoOther(0x12, 0)

	if nameOff := binary.LittleEndian.Uint32(locals[0:4]); nameOff != 1 {
		t.Fatalf("name offset = %d, want 1", nameOff)
	}
	if locals[4] != 0x12 {
		t.Fatalf("info byte = %#x, want 0x12", locals[4])
	}
	if shndx := binary.LittleEndian.Uint16(locals[6:8]); shndx != 3 {
		t.Fatalf("shndx = %d, want 3", shndx)
	}
	if v := binary.LittleEndian.Uint64(locals[8:16]); v != 0x1000 {
		t.Fatalf("value = %#x, want 0x1000", v)
	}
	if s := binary.LittleEndian.Uint64(locals[16:24]); s != 8 {
		t.Fatalf("size = %d, want 8", s)
	}
	if string(strings[0:3]) != "foo" || strings[3] != 0 {
		t.Fatalf("string pool = %q, want NUL-terminated foo at the start of this contributor's slice", strings)
	}
}

func TestSymtabWriterDefineSymbolRejectsOverflow(t *testing.T) {
	w := NewSymtabWriter(nil, nil, make([]byte, 16), 0, NewOutputSections(nil, nil))
	if _, err := w.DefineSymbol(true, 0, 0, 0, "foo"); err == nil {
		t.Fatal("expected ErrOverAllocated defining into a zero-length local bucket")
	}
}

func TestSymtabWriterCopySymbolFiltersMappingSymbols(t *testing.T) {
	sections := NewOutputSections([]OutputSectionID{1}, map[OutputSectionID]SectionDetails{1: {Name: ".text", Type: 1}})
	sections.MarkEmitted([]OutputSectionID{1})
	w := NewSymtabWriter(make([]byte, 24), nil, make([]byte, len("real_sym")+1), 0, sections)

	if err := w.CopySymbol(ObjectSymbol{Name: "$d", IsLocal: true, OutputSectionID: 1}, 0x1000); err != nil {
		t.Fatalf("CopySymbol($d): %v", err)
	}
	if w.localsUsed != 0 {
		t.Fatalf("localsUsed = %d after filtered symbol, want 0", w.localsUsed)
	}

	if err := w.CopySymbol(ObjectSymbol{Name: "real_sym", IsLocal: true, OutputSectionID: 1, Address: 4}, 0x1000); err != nil {
		t.Fatalf("CopySymbol(real_sym): %v", err)
	}
	if w.localsUsed != 1 {
		t.Fatalf("localsUsed = %d after real symbol, want 1", w.localsUsed)
	}
	if v := binary.LittleEndian.Uint64(w.locals[8:16]); v != 0x1004 {
		t.Fatalf("value = %#x, want section address + symbol address = 0x1004", v)
	}
}

func TestSymtabWriterCopySymbolRejectsUnemittedSection(t *testing.T) {
	sections := NewOutputSections(nil, nil)
	w := NewSymtabWriter(make([]byte, 24), nil, make([]byte, 8), 0, sections)
	if err := w.CopySymbol(ObjectSymbol{Name: "sym", IsLocal: true, OutputSectionID: 7}, 0); err == nil {
		t.Fatal("expected ErrSectionNotEmitted for a symbol in a section never marked emitted")
	}
}

func TestSymtabWriterCheckExhaustedCatchesUnusedBytes(t *testing.T) {
	w := NewSymtabWriter(make([]byte, 24), nil, make([]byte, 3), 0, NewOutputSections(nil, nil))
	if err := w.CheckExhausted(); err == nil {
		t.Fatal("expected ErrUnderAllocated, nothing was defined yet")
	}
	if _, err := w.DefineSymbol(true, 0, 0, 0, "ab"); err != nil {
		t.Fatalf("DefineSymbol: %v", err)
	}
	if err := w.CheckExhausted(); err != nil {
		t.Fatalf("CheckExhausted after exact fill: %v", err)
	}
}
