package elfemit

import "fmt"

// InternalBuffers are the carved byte sub-slices the synthetic
// Internal contributor writes into: headers, the undefined-symbol and
// TLSLD GOT placeholders, the defined-globals symbol table, every
// merged string pool, the linker identity comment, and (for a PIE)
// .dynamic.
type InternalBuffers struct {
	FileHeader     []byte
	ProgramHeaders []byte
	SectionHeaders []byte
	ShStrtab       []byte
	Dynamic        []byte // nil when !Args.PIE
	Comment        []byte

	GOT     []byte
	PLT     []byte // always empty: the internal file never emits a PLT entry
	RelaPlt []byte // always empty, for the same reason

	SymtabLocal   []byte
	SymtabGlobal  []byte
	SymtabStrings []byte

	MergedStrings map[MergedStringRef][]byte
}

// WriteInternal is C8's Internal-input driver.
func WriteInternal(in *InternalLayout, buffers InternalBuffers, layout *Layout) error {
	args := layout.Args()
	segments := layout.SegmentLayoutsV

	if err := WriteProgramHeaders(buffers.ProgramHeaders, segments); err != nil {
		return withContext(err, "internal", "program headers", "")
	}

	shstrtab := BuildShStrtab(layout.OutputSections)
	if err := shstrtab.WriteShStrtab(buffers.ShStrtab); err != nil {
		return withContext(err, "internal", ".shstrtab", "")
	}
	if err := WriteSectionHeaders(buffers.SectionHeaders, layout.OutputSections, layout.SectionLayoutsV, shstrtab); err != nil {
		return withContext(err, "internal", "section headers", "")
	}

	entry, err := layout.EntrySymbolAddress()
	if err != nil {
		return withContext(err, "internal", "", "")
	}
	fileType := FileTypeExecutable
	if args.PIE {
		fileType = FileTypeSharedObject
	}
	geom := ComputeGeometry(layout)
	shstrndxID := findSectionByName(layout.OutputSections, ".shstrtab")
	shstrndx, _ := layout.OutputSections.OutputIndexOfSection(shstrndxID)

	if err := WriteFileHeader(buffers.FileHeader, entry, fileType, geom.ProgramHeaderOffset, geom.SectionHeaderOffset,
		geom.ProgramHeaderNum, geom.SectionHeaderNum, shstrndx); err != nil {
		return withContext(err, "internal", "ELF header", "")
	}

	relocWriter := DisabledRelocationWriter()
	pltGot, err := NewPltGotWriter(buffers.GOT, buffers.PLT, buffers.RelaPlt, layout.TLSStartAddress(), layout.TLSEndAddress())
	if err != nil {
		return withContext(err, "internal", "", "")
	}
	if err := pltGot.ProcessResolution(in.UndefinedSymbolResolutionV.Resolution, relocWriter); err != nil {
		return withContext(err, "internal", "", "<undefined-weak>")
	}
	if in.TLSLDGotEntryV.Present {
		// The original linker's exact sentinel values: module index 1,
		// offset 0, both written through a disabled relocation writer
		// so neither ever becomes an R_X86_64_RELATIVE entry.
		modSlot := layout.TLSLDGotAddress()
		offSlot := modSlot + GOTEntrySize
		if err := pltGot.ProcessResolution(Resolution{Address: 1, GotAddress: &modSlot, Kind: KindGot}, relocWriter); err != nil {
			return withContext(err, "internal", "", "<tlsld>")
		}
		if err := pltGot.ProcessResolution(Resolution{Address: 0, GotAddress: &offSlot, Kind: KindGot}, relocWriter); err != nil {
			return withContext(err, "internal", "", "<tlsld>")
		}
	}
	pltGot.Flush()
	if err := pltGot.ValidateEmpty(); err != nil {
		return withContext(err, "internal", "", "")
	}

	if !args.StripAll {
		symtab := NewSymtabWriter(buffers.SymtabLocal, buffers.SymtabGlobal, buffers.SymtabStrings,
			in.StringsOffsetStart, layout.OutputSections)
		if _, err := symtab.DefineSymbol(true, 0, 0, 0, ""); err != nil {
			return withContext(err, "internal", "", "<null>")
		}
		for _, sym := range in.Defined {
			sectionAddr := layout.MemAddressOfBuiltIn(sym.OutputSectionID)
			if err := symtab.CopySymbol(sym, sectionAddr); err != nil {
				return withContext(err, "internal", "", sym.Name)
			}
		}
		if err := symtab.CheckExhausted(); err != nil {
			return withContext(err, "internal", "SYMTAB", "")
		}
	}

	for _, ms := range in.MergedStrings {
		dst, ok := buffers.MergedStrings[ms.Ref]
		if !ok {
			return withContext(fmt.Errorf("%w: merged string has no reserved destination", ErrMissingSlot), "internal", "", "")
		}
		if len(dst) != len(ms.Bytes) {
			return withContext(fmt.Errorf("%w: merged string reserved %d bytes, is %d", ErrUnderAllocated, len(dst), len(ms.Bytes)), "internal", "", "")
		}
		copy(dst, ms.Bytes)
	}

	if len(buffers.Comment) != len(in.Identity) {
		return withContext(fmt.Errorf("%w: .comment reserved %d bytes, identity is %d", ErrUnderAllocated, len(buffers.Comment), len(in.Identity)),
			"internal", ".comment", "")
	}
	copy(buffers.Comment, in.Identity)

	if args.PIE {
		if err := WriteDynamic(buffers.Dynamic, dynamicSpecFromLayout(layout)); err != nil {
			return withContext(err, "internal", ".dynamic", "")
		}
	}

	return nil
}

// findSectionByName linearly scans declared sections for one matching
// name; it returns the zero OutputSectionID (never valid) if absent.
func findSectionByName(sections *OutputSections, name string) OutputSectionID {
	var found OutputSectionID
	sections.SectionsDo(func(id OutputSectionID, d SectionDetails) {
		if d.Name == name {
			found = id
		}
	})
	return found
}

// dynamicSpecFromLayout reads the handful of well-known sections a
// minimal .dynamic table references out of the layout's resolved
// addresses and sizes. A section this link doesn't define resolves to
// the zero OutputSectionID, whose address/size are both zero, which is
// exactly the value a missing optional table (e.g. no .init_array)
// should carry.
func dynamicSpecFromLayout(layout *Layout) DynamicEntrySpec {
	s := layout.OutputSections
	return DynamicEntrySpec{
		InitAddr:      layout.MemAddressOfBuiltIn(findSectionByName(s, ".init")),
		FiniAddr:      layout.MemAddressOfBuiltIn(findSectionByName(s, ".fini")),
		InitArrayAddr: layout.MemAddressOfBuiltIn(findSectionByName(s, ".init_array")),
		InitArraySize: layout.SizeOfSection(findSectionByName(s, ".init_array")),
		FiniArrayAddr: layout.MemAddressOfBuiltIn(findSectionByName(s, ".fini_array")),
		FiniArraySize: layout.SizeOfSection(findSectionByName(s, ".fini_array")),
		DynstrOffset:  layout.MemAddressOfBuiltIn(findSectionByName(s, ".dynstr")),
		DynstrSize:    layout.SizeOfSection(findSectionByName(s, ".dynstr")),
		DynsymOffset:  layout.MemAddressOfBuiltIn(findSectionByName(s, ".dynsym")),
		RelaOffset:    layout.MemAddressOfBuiltIn(findSectionByName(s, ".rela.dyn")),
		RelaSize:      layout.SizeOfSection(findSectionByName(s, ".rela.dyn")),
	}
}
