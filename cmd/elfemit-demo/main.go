// A tiny static-executable driver for elfemit: hand-builds the simplest
// possible Layout (one .text section holding a bare `ret`, no symbols,
// no relocations) and emits it, the way a real caller's layout/resolution
// stage would after finishing its own work.
package main

import (
	"flag"
	"fmt"
	"os"

	elfemit "github.com/xyproto/elfemit"
)

const (
	loadBase = 0x400000
	retByte  = 0xc3
)

func main() {
	outputFlag := flag.String("o", "a.out", "output executable path")
	verboseFlag := flag.Bool("v", false, "verbose mode")
	flag.Parse()

	elfemit.VerboseMode = *verboseFlag

	layout := buildHelloLayout(*outputFlag)
	if err := elfemit.EmitLayout(layout); err != nil {
		fmt.Fprintf(os.Stderr, "elfemit-demo: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(*outputFlag)
}

// buildHelloLayout assembles the smallest Layout this package can emit:
// a single PT_LOAD segment covering the ELF header and one `.text`
// section containing a lone `ret`, entered directly at load.
func buildHelloLayout(outputPath string) *elfemit.Layout {
	args := elfemit.DefaultArgs()
	args.OutputPath = outputPath
	args.NumThreads = 1
	args.StripAll = true

	const (
		textID     elfemit.OutputSectionID = 1
		shstrtabID elfemit.OutputSectionID = 2
	)

	sections := elfemit.NewOutputSections(
		[]elfemit.OutputSectionID{textID, shstrtabID},
		map[elfemit.OutputSectionID]elfemit.SectionDetails{
			textID: {
				Name:  ".text",
				Type:  1, // SHT_PROGBITS
				Flags: 0x2 | 0x4, // SHF_ALLOC | SHF_EXECINSTR
			},
			shstrtabID: {
				Name: ".shstrtab",
				Type: 3, // SHT_STRTAB
			},
		},
	)
	sections.MarkEmitted([]elfemit.OutputSectionID{textID, shstrtabID})

	// Headers occupy [0, 64) for the file header, [64, 120) for one
	// program-header entry, and [120, 312) for the section-header table
	// (a null entry plus one row each for .text and .shstrtab); the
	// section data itself is carved right after.
	const (
		sectionHeaderTableEnd = 120 + 3*elfemit.SectionHeaderSize
		textFileOffset        = sectionHeaderTableEnd
		textFileSize          = 1
		shstrtabFileOffset    = textFileOffset + textFileSize
	)
	shstrtabBytes := elfemit.BuildShStrtab(sections).Bytes()
	textVMA := uint64(loadBase + textFileOffset)

	sectionLayouts := elfemit.NewSectionLayouts(map[elfemit.OutputSectionID]elfemit.SectionLayout{
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

	partLayouts := elfemit.NewSectionPartLayouts([]elfemit.SectionPartRecord{
		{SectionID: textID, AlignmentClass: 0, FileSize: textFileSize},
		{SectionID: shstrtabID, AlignmentClass: 0, FileSize: len(shstrtabBytes)},
	})

	segments := &elfemit.SegmentLayouts{
		Segments: []elfemit.SegmentLayout{{
			ID:    textID,
			Type:  elfemit.SegmentTypeLoad,
			Flags: elfemit.PF_R | elfemit.PF_X,
			Sizes: struct {
				Alignment  uint64
				FileOffset uint64
				MemOffset  uint64
				FileSize   uint64
				MemSize    uint64
			}{
				Alignment:  elfemit.Page,
				FileOffset: 0,
				MemOffset:  loadBase,
				FileSize:   textFileOffset + textFileSize,
				MemSize:    textFileOffset + textFileSize,
			},
		}},
	}

	layout := elfemit.NewLayout(args)
	layout.OutputSections = sections
	layout.SectionLayoutsV = sectionLayouts
	layout.SectionPartLayoutsV = partLayouts
	layout.SegmentLayoutsV = segments
	layout.SymbolDb = elfemit.NewSymbolDB()
	layout.MergedStringStartAddressesV = elfemit.NewMergedStringStartAddresses(nil)
	layout.SetEntrySymbolAddress(textVMA)
	layout.SetMemAddressOfBuiltIn(textID, textVMA)
	layout.SetOffsetOfSection(textID, textFileOffset)
	layout.SetSizeOfSection(textID, textFileSize)

	obj := &elfemit.ObjectLayout{
		Name: "hello.o",
		Sections: []elfemit.SectionSlot{{
			Kind:            elfemit.SlotLoaded,
			OutputSectionID: textID,
			AlignmentClass:  0,
			SectionAddress:  textVMA,
			Data:            []byte{retByte},
		}},
	}

	internal := &elfemit.InternalLayout{
		Identity: "",
	}

	layout.FileLayouts = []elfemit.FileLayout{
		{Object: obj},
		{Internal: internal},
	}

	return layout
}
