package elfemit

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// TestEmitLayoutMinimalStaticExecutable builds the smallest Layout this
// package can emit end to end: one .text section holding a single `ret`,
// no symbols, no relocations, statically linked and stripped. It exercises
// the full C9 pipeline against a real file on disk.
func TestEmitLayoutMinimalStaticExecutable(t *testing.T) {
	const loadBase = 0x400000

	textID := OutputSectionID(1)
	shstrtabID := OutputSectionID(2)

	sections := NewOutputSections(
		[]OutputSectionID{textID, shstrtabID},
		map[OutputSectionID]SectionDetails{
			textID:     {Name: ".text", Type: 1, Flags: 0x2 | 0x4},
			shstrtabID: {Name: ".shstrtab", Type: 3},
		},
	)
	sections.MarkEmitted([]OutputSectionID{textID, shstrtabID})

	const sectionHeaderTableEnd = 120 + 3*SectionHeaderSize
	const textFileOffset = sectionHeaderTableEnd
	const textFileSize = 1

	shstrtabBytes := BuildShStrtab(sections).Bytes()
	shstrtabFileOffset := uint64(textFileOffset + textFileSize)
	textVMA := uint64(loadBase + textFileOffset)

	sectionLayouts := NewSectionLayouts(map[OutputSectionID]SectionLayout{
		textID: {
			FileOffset: textFileOffset,
			FileSize:   textFileSize,
			MemOffset:  textVMA,
			MemSize:    textFileSize,
			Alignment:  1,
		},
		shstrtabID: {
			FileOffset: shstrtabFileOffset,
			FileSize:   uint64(len(shstrtabBytes)),
			Alignment:  1,
		},
	})

	partLayouts := NewSectionPartLayouts([]SectionPartRecord{
		{SectionID: textID, AlignmentClass: 0, FileSize: textFileSize},
		{SectionID: shstrtabID, AlignmentClass: 0, FileSize: len(shstrtabBytes)},
	})

	segments := &SegmentLayouts{
		Segments: []SegmentLayout{{
			ID:    textID,
			Type:  SegmentTypeLoad,
			Flags: PF_R | PF_X,
			Sizes: struct {
				Alignment  uint64
				FileOffset uint64
				MemOffset  uint64
				FileSize   uint64
				MemSize    uint64
			}{
				Alignment:  Page,
				FileOffset: 0,
				MemOffset:  loadBase,
				FileSize:   uint64(textFileOffset + textFileSize),
				MemSize:    uint64(textFileOffset + textFileSize),
			},
		}},
	}

	outputPath := filepath.Join(t.TempDir(), "hello")
	args := DefaultArgs()
	args.OutputPath = outputPath
	args.NumThreads = 1
	args.StripAll = true

	layout := NewLayout(args)
	layout.OutputSections = sections
	layout.SectionLayoutsV = sectionLayouts
	layout.SectionPartLayoutsV = partLayouts
	layout.SegmentLayoutsV = segments
	layout.SymbolDb = NewSymbolDB()
	layout.MergedStringStartAddressesV = NewMergedStringStartAddresses(nil)
	layout.SetEntrySymbolAddress(textVMA)
	layout.SetMemAddressOfBuiltIn(textID, textVMA)
	layout.SetOffsetOfSection(textID, textFileOffset)
	layout.SetSizeOfSection(textID, textFileSize)

	obj := &ObjectLayout{
		Name: "hello.o",
		Sections: []SectionSlot{{
			Kind:            SlotLoaded,
			OutputSectionID: textID,
			AlignmentClass:  0,
			SectionAddress:  textVMA,
			Data:            []byte{0xc3},
		}},
	}
	internal := &InternalLayout{}

	layout.FileLayouts = []FileLayout{{Object: obj}, {Internal: internal}}

	if err := EmitLayout(layout); err != nil {
		t.Fatalf("EmitLayout: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("reading emitted file: %v", err)
	}
	if len(data) != int(layout.TotalFileSize()) {
		t.Fatalf("file size = %d, want %d", len(data), layout.TotalFileSize())
	}
	if data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		t.Fatalf("missing ELF magic: %v", data[0:4])
	}
	if entry := binary.LittleEndian.Uint64(data[24:32]); entry != textVMA {
		t.Fatalf("e_entry = %#x, want %#x", entry, textVMA)
	}
	if data[textFileOffset] != 0xc3 {
		t.Fatalf(".text byte = %#x, want 0xc3 (ret)", data[textFileOffset])
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("mode = %v, want at least one executable bit set", info.Mode())
	}
}

func TestEmitLayoutRemovesPartialOutputOnFailure(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "broken")
	args := DefaultArgs()
	args.OutputPath = outputPath
	args.NumThreads = 1
	args.StripAll = true

	sections := NewOutputSections(nil, nil)
	layout := NewLayout(args)
	layout.OutputSections = sections
	// Overlapping section layouts: PartitionBySection must reject this.
	layout.SectionLayoutsV = NewSectionLayouts(map[OutputSectionID]SectionLayout{
		1: {FileOffset: 0, FileSize: 10},
		2: {FileOffset: 4, FileSize: 4},
	})
	layout.SegmentLayoutsV = &SegmentLayouts{}

	if err := EmitLayout(layout); err == nil {
		t.Fatal("expected EmitLayout to fail on non-monotonic section offsets")
	}
	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Fatalf("expected the partially-provisioned output file to be removed, stat err = %v", err)
	}
}
