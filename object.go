package elfemit

import "fmt"

// ObjectBuffers are the carved, non-aliasing byte sub-slices one
// Object contributor writes into. Every slice here is exactly the
// output of C1 Stage B for this contributor's rows; there is nothing
// shared with any other contributor.
type ObjectBuffers struct {
	// Sections parallels ObjectLayout.Sections by index: Sections[i] is
	// where SectionSlot i's bytes (and, for SlotEhFrameData, the
	// rewritten record stream) are written.
	Sections [][]byte

	GOT     []byte
	PLT     []byte
	RelaPlt []byte
	RelaDyn []byte // reserved .rela.dyn bytes for this contributor

	SymtabLocal   []byte
	SymtabGlobal  []byte
	SymtabStrings []byte

	// EhFrameHdrEntries parallels Sections: for a SlotEhFrameData
	// section at index i, EhFrameHdrEntries[i] is where that section's
	// sorted-later .eh_frame_hdr rows are written.
	EhFrameHdrEntries [][]byte

	GotBase uint64
	PltBase uint64
}

// WriteObject is C8's Object-input driver: it runs the PLT/GOT writer,
// relocation engine, .eh_frame rewriter, and symbol table writer over
// one input object's private buffers, in the deterministic order
// spec.md §4.8 names, then validates every writer's residual is empty.
func WriteObject(obj *ObjectLayout, buffers ObjectBuffers, layout *Layout) error {
	args := layout.Args()

	relocWriter := DisabledRelocationWriter()
	if args.IsRelocatable() {
		relocWriter = NewRelocationWriter(buffers.RelaDyn)
	}
	pltGot, err := NewPltGotWriter(buffers.GOT, buffers.PLT, buffers.RelaPlt, layout.TLSStartAddress(), layout.TLSEndAddress())
	if err != nil {
		return withContext(err, obj.Name, "", "")
	}

	for i, slot := range obj.Sections {
		out := buffers.Sections[i]
		switch slot.Kind {
		case SlotLoaded:
			if err := writeLoadedSection(out, slot, obj, layout, relocWriter); err != nil {
				return withContext(err, obj.Name, layout.OutputSections.Name(slot.OutputSectionID), "")
			}
		case SlotEhFrameData:
			entries, err := RewriteEhFrame(out, slot.Data, slot.Relocations, slot.SectionAddress,
				obj.EhFrameStartAddress, layout.MemAddressOfBuiltIn(ehFrameHdrSectionID(layout)),
				obj.Resolve, args, relocWriter, layout.TLSStartAddress(), layout.TLSEndAddress())
			if err != nil {
				return withContext(err, obj.Name, layout.OutputSections.Name(slot.OutputSectionID), "")
			}
			if err := WriteEhFrameHdrEntries(buffers.EhFrameHdrEntries[i], entries); err != nil {
				return withContext(err, obj.Name, ".eh_frame_hdr", "")
			}
		default:
			return withContext(fmt.Errorf("%w: unknown section slot kind", ErrUnsupportedRelocation), obj.Name, "", "")
		}
	}

	for _, pr := range obj.PltRelocations {
		if err := pltGot.ApplyPltRelocation(pr); err != nil {
			return withContext(err, obj.Name, ".rela.plt", "")
		}
	}

	for _, ls := range obj.LoadedSymbols {
		sr := layout.GlobalSymbolResolution(ls.GlobalID)
		if sr != nil && sr.Dynamic {
			return withContext(fmt.Errorf("%w: dynamic symbol resolution", ErrUnimplemented),
				obj.Name, "", layout.SymbolDb.SymbolName(ls.GlobalID))
		}
		if sr == nil || sr.Resolved == nil {
			continue
		}
		if err := pltGot.ProcessResolution(*sr.Resolved, relocWriter); err != nil {
			return withContext(err, obj.Name, "", layout.SymbolDb.SymbolName(ls.GlobalID))
		}
	}
	pltGot.Flush()

	if !args.StripAll {
		symtab := NewSymtabWriter(buffers.SymtabLocal, buffers.SymtabGlobal, buffers.SymtabStrings,
			obj.StringsOffsetStart, layout.OutputSections)
		for _, sym := range obj.ObjectSymbols {
			sectionAddr := layout.MemAddressOfBuiltIn(sym.OutputSectionID)
			if err := symtab.CopySymbol(sym, sectionAddr); err != nil {
				return withContext(err, obj.Name, "", sym.Name)
			}
		}
		if err := symtab.CheckExhausted(); err != nil {
			return withContext(err, obj.Name, "", "")
		}
	}

	if err := pltGot.ValidateEmpty(); err != nil {
		return withContext(err, obj.Name, "", "")
	}
	relocWriter.Flush()
	if err := relocWriter.ValidateEmpty(len(buffers.RelaDyn) / RelaEntrySize); err != nil {
		return withContext(err, obj.Name, "", "")
	}
	return nil
}

// writeLoadedSection copies an object section's raw bytes into its
// output slot, then applies every relocation against them in order,
// honoring a relaxation's request to skip the following one.
func writeLoadedSection(out []byte, slot SectionSlot, obj *ObjectLayout, layout *Layout, relocWriter *RelocationWriter) error {
	if len(out) != len(slot.Data) {
		return fmt.Errorf("%w: section reserved %d bytes, input is %d", ErrUnderAllocated, len(out), len(slot.Data))
	}
	copy(out, slot.Data)

	args := layout.Args()
	for i := 0; i < len(slot.Relocations); i++ {
		rel := slot.Relocations[i]
		res, ok := obj.Resolve(rel.Target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUndefinedSymbol, describeTarget(rel.Target, layout.SymbolDb))
		}
		byteSize := 4
		if rel.Flags.Size == 64 {
			byteSize = 8
		}
		action, err := ApplyRelocation(out, RelocationInput{
			Resolution:      res,
			OffsetInSection: rel.OffsetInSection,
			RType:           rel.Flags.Type,
			Addend:          rel.Flags.Addend,
			ByteSize:        byteSize,
			SectionAddress:  slot.SectionAddress,
			Args:            args,
			RelocWriter:     relocWriter,
			LinkStatic:      args.LinkStatic,
			TLSStart:        layout.TLSStartAddress(),
			TLSEnd:          layout.TLSEndAddress(),
			TLSLDGotAddress: layout.TLSLDGotAddress(),
		})
		if err != nil {
			return err
		}
		if action == NextSkipOne {
			i++
		}
	}
	return nil
}

// ehFrameHdrSectionID locates the .eh_frame_hdr section's identity so
// its VMA can be looked up; the internal file always defines it under
// a well-known name.
func ehFrameHdrSectionID(layout *Layout) OutputSectionID {
	var found OutputSectionID
	layout.OutputSections.SectionsDo(func(id OutputSectionID, d SectionDetails) {
		if d.Name == ".eh_frame_hdr" {
			found = id
		}
	})
	return found
}
