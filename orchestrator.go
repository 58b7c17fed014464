package elfemit

import (
	"os"

	"golang.org/x/sync/errgroup"
)

// Well-known output section names the orchestrator claims shared
// writer buffers from. A Layout is free to omit any of these; a
// contributor that never touches one (e.g. no PLT entries) simply
// claims a zero-length slice.
const (
	sectionGOT      = ".got"
	sectionPLT      = ".plt"
	sectionRelaPlt  = ".rela.plt"
	sectionRelaDyn  = ".rela.dyn"
	sectionSymtab   = ".symtab"
	sectionStrtab   = ".strtab"
	sectionComment  = ".comment"
	sectionDynamic  = ".dynamic"
	sectionShstrtab = ".shstrtab"
	sectionEhFrHdr  = ".eh_frame_hdr"
)

const (
	classSymtabLocal  = uint64(0)
	classSymtabGlobal = uint64(1)
	classEhFrameHdr   = uint64(0)
	classEhFrameTable = uint64(1)
)

// EmitLayout is C9, the orchestrator: provision the output file,
// partition its mmap into disjoint per-section and per-contributor
// windows, run every contributor's writer in parallel, sort
// .eh_frame_hdr, and mark the file executable.
func EmitLayout(layout *Layout) error {
	args := layout.Args()

	output := NewOutput(args.OutputPath, args.NumThreads)
	output.SetSize(layout.TotalFileSize())

	mapped, err := output.Write()
	if err != nil {
		return err
	}

	bySection, err := PartitionBySection(mapped.Bytes(), layout.OutputSections, layout.SectionLayoutsV)
	if err != nil {
		_ = mapped.Abort()
		removeBestEffort(args.OutputPath)
		return err
	}

	parts, err := PartitionParts(bySection, layout.SectionPartLayoutsV)
	if err != nil {
		_ = mapped.Abort()
		removeBestEffort(args.OutputPath)
		return err
	}
	claimer := NewPartClaimer(parts)

	jobs, err := buildJobs(layout, claimer, mapped, bySection)
	if err != nil {
		_ = mapped.Abort()
		removeBestEffort(args.OutputPath)
		return err
	}

	g := new(errgroup.Group)
	if args.NumThreads > 0 {
		g.SetLimit(args.NumThreads)
	}
	for _, j := range jobs {
		j := j
		g.Go(j)
	}
	if err := g.Wait(); err != nil {
		_ = mapped.Abort()
		removeBestEffort(args.OutputPath)
		return err
	}

	if err := sortEhFrameHdr(bySection, layout.OutputSections); err != nil {
		_ = mapped.Abort()
		removeBestEffort(args.OutputPath)
		return err
	}

	if err := mapped.Finish(); err != nil {
		removeBestEffort(args.OutputPath)
		return err
	}
	return nil
}

// buildJobs claims every contributor's private buffers up front (a
// sequential step — claiming has a required order, per PartClaimer's
// contract) and returns one no-argument closure per contributor ready
// to run concurrently.
func buildJobs(layout *Layout, claimer *PartClaimer, mapped *MappedOutput, bySection map[OutputSectionID][]byte) ([]func() error, error) {
	var jobs []func() error

	geom := ComputeGeometry(layout)
	mm := mapped.Bytes()
	fileHeaderBuf := mm[0:FileHeaderSize]
	progHdrBuf := mm[geom.ProgramHeaderOffset : geom.ProgramHeaderOffset+geom.ProgramHeadersSize]
	secHdrBuf := mm[geom.SectionHeaderOffset : geom.SectionHeaderOffset+uint64(geom.SectionHeaderNum)*SectionHeaderSize]

	for i := range layout.FileLayouts {
		fl := layout.FileLayouts[i]
		switch {
		case fl.Object != nil:
			obj := fl.Object
			buffers, err := claimObjectBuffers(obj, claimer, layout)
			if err != nil {
				return nil, withContext(err, obj.Name, "", "")
			}
			jobs = append(jobs, func() error { return WriteObject(obj, buffers, layout) })

		case fl.Internal != nil:
			in := fl.Internal
			buffers, err := claimInternalBuffers(in, claimer, layout, fileHeaderBuf, progHdrBuf, secHdrBuf)
			if err != nil {
				return nil, withContext(err, "internal", "", "")
			}
			jobs = append(jobs, func() error { return WriteInternal(in, buffers, layout) })

		case fl.Dynamic != nil:
			// No bytes produced by this core for a dynamic dependency.
		}
	}
	return jobs, nil
}

// claimOptional claims a part only when the named section actually
// exists in this layout; a layout that never declares it (e.g. no PLT
// needed) gets a nil slice instead of an error.
func claimOptional(claimer *PartClaimer, s *OutputSections, name string, class uint64) ([]byte, error) {
	id := findSectionByName(s, name)
	if id == 0 {
		return nil, nil
	}
	return claimer.Claim(id, class)
}

func claimObjectBuffers(obj *ObjectLayout, claimer *PartClaimer, layout *Layout) (ObjectBuffers, error) {
	var buffers ObjectBuffers
	s := layout.OutputSections

	buffers.Sections = make([][]byte, len(obj.Sections))
	buffers.EhFrameHdrEntries = make([][]byte, len(obj.Sections))
	for i, slot := range obj.Sections {
		b, err := claimer.Claim(slot.OutputSectionID, slot.AlignmentClass)
		if err != nil {
			return buffers, withContext(err, obj.Name, s.Name(slot.OutputSectionID), "")
		}
		buffers.Sections[i] = b
		if slot.Kind == SlotEhFrameData {
			entries, err := claimOptional(claimer, s, sectionEhFrHdr, classEhFrameTable)
			if err != nil {
				return buffers, withContext(err, obj.Name, sectionEhFrHdr, "")
			}
			buffers.EhFrameHdrEntries[i] = entries
		}
	}

	var err error
	if buffers.GOT, err = claimOptional(claimer, s, sectionGOT, 0); err != nil {
		return buffers, err
	}
	if buffers.PLT, err = claimOptional(claimer, s, sectionPLT, 0); err != nil {
		return buffers, err
	}
	if buffers.RelaPlt, err = claimOptional(claimer, s, sectionRelaPlt, 0); err != nil {
		return buffers, err
	}
	if buffers.RelaDyn, err = claimOptional(claimer, s, sectionRelaDyn, 0); err != nil {
		return buffers, err
	}
	if buffers.SymtabLocal, err = claimOptional(claimer, s, sectionSymtab, classSymtabLocal); err != nil {
		return buffers, err
	}
	if buffers.SymtabGlobal, err = claimOptional(claimer, s, sectionSymtab, classSymtabGlobal); err != nil {
		return buffers, err
	}
	if buffers.SymtabStrings, err = claimOptional(claimer, s, sectionStrtab, 0); err != nil {
		return buffers, err
	}
	return buffers, nil
}

func claimInternalBuffers(in *InternalLayout, claimer *PartClaimer, layout *Layout, fileHeaderBuf, progHdrBuf, secHdrBuf []byte) (InternalBuffers, error) {
	buffers := InternalBuffers{
		FileHeader:     fileHeaderBuf,
		ProgramHeaders: progHdrBuf,
		SectionHeaders: secHdrBuf,
	}
	s := layout.OutputSections

	var err error
	if buffers.ShStrtab, err = claimOptional(claimer, s, sectionShstrtab, 0); err != nil {
		return buffers, err
	}
	if buffers.Comment, err = claimOptional(claimer, s, sectionComment, 0); err != nil {
		return buffers, err
	}
	if buffers.GOT, err = claimOptional(claimer, s, sectionGOT, 0); err != nil {
		return buffers, err
	}
	if buffers.PLT, err = claimOptional(claimer, s, sectionPLT, 0); err != nil {
		return buffers, err
	}
	if buffers.RelaPlt, err = claimOptional(claimer, s, sectionRelaPlt, 0); err != nil {
		return buffers, err
	}
	if buffers.SymtabLocal, err = claimOptional(claimer, s, sectionSymtab, classSymtabLocal); err != nil {
		return buffers, err
	}
	if buffers.SymtabGlobal, err = claimOptional(claimer, s, sectionSymtab, classSymtabGlobal); err != nil {
		return buffers, err
	}
	if buffers.SymtabStrings, err = claimOptional(claimer, s, sectionStrtab, 0); err != nil {
		return buffers, err
	}
	if layout.Args().PIE {
		if buffers.Dynamic, err = claimOptional(claimer, s, sectionDynamic, 0); err != nil {
			return buffers, err
		}
	}

	buffers.MergedStrings = make(map[MergedStringRef][]byte, len(in.MergedStrings))
	for _, ms := range in.MergedStrings {
		b, err := claimer.Claim(ms.Ref.OutputSectionID, 0)
		if err != nil {
			return buffers, err
		}
		buffers.MergedStrings[ms.Ref] = b
	}
	return buffers, nil
}

// sortEhFrameHdr is the post-pass: read the binary-search table back
// out of the mmap, sort it ascending by FramePtr, and write it back.
// It's a no-op when the layout never defined a .eh_frame_hdr section.
func sortEhFrameHdr(bySection map[OutputSectionID][]byte, sections *OutputSections) error {
	id := findSectionByName(sections, sectionEhFrHdr)
	if id == 0 {
		return nil
	}
	buf, ok := bySection[id]
	if !ok || len(buf) <= 12 {
		return nil
	}
	table := buf[12:]
	entries := ReadEhFrameHdrEntries(table)
	SortEhFrameHdrEntries(entries)
	return WriteEhFrameHdrEntries(table, entries)
}

// removeBestEffort unlinks a partially-written output file after a
// failed emission, per spec.md §7's "unlink-on-error is best-effort".
func removeBestEffort(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
