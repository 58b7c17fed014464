package elfemit

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// magicELF are the four leading bytes of every ELF file.
var magicELF = [4]byte{0x7f, 'E', 'L', 'F'}

// ElfGeometry is the set of fixed byte offsets/sizes that fall out of
// how many segments and emitted sections a layout has. The file
// header, program headers, and section headers all live at positions
// this computes, ahead of partitioning the rest of the mmap by
// section — they aren't output sections themselves.
type ElfGeometry struct {
	ProgramHeaderOffset uint64
	ProgramHeadersSize  uint64
	SectionHeaderOffset uint64
	SectionHeaderNum    uint16
	ProgramHeaderNum    uint16
}

// ComputeGeometry derives an ElfGeometry from a layout's segment and
// emitted-section counts.
func ComputeGeometry(layout *Layout) ElfGeometry {
	segCount := len(layout.SegmentLayoutsV.Segments)
	progSize := uint64(segCount) * ProgramHeaderSize
	return ElfGeometry{
		ProgramHeaderOffset: uint64(PheaderOffset),
		ProgramHeadersSize:  progSize,
		SectionHeaderOffset: uint64(FileHeaderSize) + progSize,
		SectionHeaderNum:    uint16(len(layout.OutputSections.EmittedOrder()) + 1),
		ProgramHeaderNum:    uint16(segCount),
	}
}

// WriteFileHeader is (part of) C7: it writes the 64-byte ELF header at
// the start of the mmap.
func WriteFileHeader(out []byte, entry uint64, fileType FileType, programHeaderOff, sectionHeaderOff uint64,
	programHeaderNum, sectionHeaderNum, shstrndx uint16) error {
	if len(out) < FileHeaderSize {
		return fmt.Errorf("%w: ELF header needs %d bytes, got %d", ErrOverAllocated, FileHeaderSize, len(out))
	}
	copy(out[0:4], magicELF[:])
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	out[6] = 1 // EI_VERSION
	out[7] = 0 // ELFOSABI_NONE
	out[8] = 0 // ABI version
	// out[9:16] padding already zero

	binary.LittleEndian.PutUint16(out[16:18], uint16(fileType))
	binary.LittleEndian.PutUint16(out[18:20], 0x3e) // EM_X86_64
	binary.LittleEndian.PutUint32(out[20:24], 1)     // e_version
	binary.LittleEndian.PutUint64(out[24:32], entry)
	binary.LittleEndian.PutUint64(out[32:40], programHeaderOff)
	binary.LittleEndian.PutUint64(out[40:48], sectionHeaderOff)
	binary.LittleEndian.PutUint32(out[48:52], 0) // e_flags
	binary.LittleEndian.PutUint16(out[52:54], FileHeaderSize)
	binary.LittleEndian.PutUint16(out[54:56], ProgramHeaderSize)
	binary.LittleEndian.PutUint16(out[56:58], programHeaderNum)
	binary.LittleEndian.PutUint16(out[58:60], SectionHeaderSize)
	binary.LittleEndian.PutUint16(out[60:62], sectionHeaderNum)
	binary.LittleEndian.PutUint16(out[62:64], shstrndx)
	return nil
}

// WriteProgramHeaders is C7's program-header writer: one 56-byte entry
// per segment in declared order. PT_LOAD segments have their alignment
// lifted to at least a page, per spec.md §4.7.
func WriteProgramHeaders(out []byte, segments *SegmentLayouts) error {
	need := len(segments.Segments) * ProgramHeaderSize
	if len(out) != need {
		return fmt.Errorf("%w: program headers reserved %d bytes, need %d", ErrOverAllocated, len(out), need)
	}
	for i, seg := range segments.Segments {
		align := seg.Sizes.Alignment
		if seg.Type == SegmentTypeLoad && align < Page {
			align = Page
		}
		row := out[i*ProgramHeaderSize : (i+1)*ProgramHeaderSize]
		binary.LittleEndian.PutUint32(row[0:4], uint32(seg.Type))
		binary.LittleEndian.PutUint32(row[4:8], seg.Flags)
		binary.LittleEndian.PutUint64(row[8:16], seg.Sizes.FileOffset)
		binary.LittleEndian.PutUint64(row[16:24], seg.Sizes.MemOffset)
		binary.LittleEndian.PutUint64(row[24:32], seg.Sizes.MemOffset) // physical addr, unused
		binary.LittleEndian.PutUint64(row[32:40], seg.Sizes.FileSize)
		binary.LittleEndian.PutUint64(row[40:48], seg.Sizes.MemSize)
		binary.LittleEndian.PutUint64(row[48:56], align)
	}
	return nil
}

// shStrtabLayout is a built .shstrtab: its bytes, and each emitted
// section's name offset into them.
type shStrtabLayout struct {
	bytes   []byte
	offsets map[OutputSectionID]uint32
}

// BuildShStrtab concatenates name+NUL for every emitted section, in
// section-header order, with a leading NUL byte for the conventional
// empty name at offset 0.
func BuildShStrtab(sections *OutputSections) *shStrtabLayout {
	l := &shStrtabLayout{offsets: make(map[OutputSectionID]uint32)}
	l.bytes = append(l.bytes, 0)
	for _, id := range sections.EmittedOrder() {
		l.offsets[id] = uint32(len(l.bytes))
		name := sections.Name(id)
		l.bytes = append(l.bytes, []byte(name)...)
		l.bytes = append(l.bytes, 0)
	}
	return l
}

// Bytes returns the concatenated .shstrtab contents.
func (l *shStrtabLayout) Bytes() []byte { return l.bytes }

// WriteShStrtab copies the built string table into its reserved
// section bytes.
func (l *shStrtabLayout) WriteShStrtab(out []byte) error {
	if len(out) != len(l.bytes) {
		return fmt.Errorf("%w: .shstrtab reserved %d bytes, built %d", ErrUnderAllocated, len(out), len(l.bytes))
	}
	copy(out, l.bytes)
	return nil
}

// WriteSectionHeaders is C7's section-header writer: a leading
// all-zero SHT_NULL entry followed by one 64-byte row per emitted
// section, in section-header order.
func WriteSectionHeaders(out []byte, sections *OutputSections, layouts *SectionLayouts, shstrtab *shStrtabLayout) error {
	order := sections.EmittedOrder()
	need := (len(order) + 1) * SectionHeaderSize
	if len(out) != need {
		return fmt.Errorf("%w: section headers reserved %d bytes, need %d for %d sections",
			ErrSectionHeaderCountMismatch, len(out), need, len(order))
	}
	// Row 0 (SHN_UNDEF) is already zero.
	for i, id := range order {
		row := out[(i+1)*SectionHeaderSize : (i+2)*SectionHeaderSize]
		d := sections.Details(id)
		l := layouts.Get(id)

		size := l.FileSize
		if d.Type == 0 { // SHT_NULL
			size = 0
		}
		linkIdx := uint32(0)
		if linkID, ok := sections.LinkID(id); ok {
			if idx, ok := sections.OutputIndexOfSection(linkID); ok {
				linkIdx = uint32(idx)
			}
		}

		binary.LittleEndian.PutUint32(row[0:4], shstrtab.offsets[id])
		binary.LittleEndian.PutUint32(row[4:8], d.Type)
		binary.LittleEndian.PutUint64(row[8:16], d.Flags)
		binary.LittleEndian.PutUint64(row[16:24], l.MemOffset)
		binary.LittleEndian.PutUint64(row[24:32], l.FileOffset)
		binary.LittleEndian.PutUint64(row[32:40], size)
		binary.LittleEndian.PutUint32(row[40:44], linkIdx)
		binary.LittleEndian.PutUint32(row[44:48], d.Info)
		binary.LittleEndian.PutUint64(row[48:56], l.Alignment)
		binary.LittleEndian.PutUint64(row[56:64], d.ElementSize)
	}
	return nil
}

// DynamicEntrySpec is the resolved value for one tag in the fixed
// 18-entry .dynamic table this package emits for a PIE.
type DynamicEntrySpec struct {
	InitAddr, FiniAddr                   uint64
	InitArrayAddr, InitArraySize         uint64
	FiniArrayAddr, FiniArraySize         uint64
	DynstrOffset, DynstrSize             uint64
	DynsymOffset                         uint64
	RelaOffset, RelaSize                 uint64
}

// WriteDynamic is C7's .dynamic writer: exactly NumDynamicEntries
// tagged 16-byte entries, in the fixed order spec.md §4.7 names.
func WriteDynamic(out []byte, spec DynamicEntrySpec) error {
	entries := []DynamicEntry{
		{int64(DTInit), spec.InitAddr},
		{int64(DTFini), spec.FiniAddr},
		{int64(DTInitArray), spec.InitArrayAddr},
		{int64(DTInitArraySz), spec.InitArraySize},
		{int64(DTFiniArray), spec.FiniArrayAddr},
		{int64(DTFiniArraySz), spec.FiniArraySize},
		{int64(DTStrtab), spec.DynstrOffset},
		{int64(DTStrsz), spec.DynstrSize},
		{int64(DTSymtab), spec.DynsymOffset},
		{int64(DTSyment), 24},
		{int64(DTDebug), 0},
		{int64(DTRela), spec.RelaOffset},
		{int64(DTRelasz), spec.RelaSize},
		{int64(DTRelaent), RelaEntrySize},
		{int64(DTRelacount), spec.RelaSize / RelaEntrySize},
		{int64(DTFlags), DFBindNow},
		{int64(DTFlags1), DF1PIE | DF1Now},
		{int64(DTNull), 0},
	}
	if len(entries) != NumDynamicEntries {
		return fmt.Errorf("%w: built %d entries, want %d", ErrDynamicEntryCountMismatch, len(entries), NumDynamicEntries)
	}
	need := NumDynamicEntries * 16
	if len(out) != need {
		return fmt.Errorf("%w: .dynamic reserved %d bytes, need %d", ErrDynamicEntryCountMismatch, len(out), need)
	}
	for i, e := range entries {
		row := out[i*16 : i*16+16]
		binary.LittleEndian.PutUint64(row[0:8], uint64(e.Tag))
		binary.LittleEndian.PutUint64(row[8:16], e.Value)
	}
	return nil
}

// WriteEhFrameHdrHeader writes the fixed 12-byte prefix of
// .eh_frame_hdr: the version byte and three encoding bytes, the self-relative pointer to
// .eh_frame, and the binary-search table's entry count.
func WriteEhFrameHdrHeader(out []byte, ehFrameVMA, ehFrameHdrVMA uint64, entryCount int) error {
	if len(out) < 12 {
		return fmt.Errorf("%w: .eh_frame_hdr reserved %d bytes, need at least 12", ErrOverAllocated, len(out))
	}
	if entryCount < 0 || int64(entryCount) > int64(^uint32(0)) {
		return fmt.Errorf("%w: entry_count %d overflows 32 bits", ErrEhFrameHdrOverflow, entryCount)
	}
	out[0] = 1 // version
	out[1] = DW_EH_PE_sdata4 | DW_EH_PE_pcrel
	out[2] = DW_EH_PE_udata4 | DW_EH_PE_absptr
	out[3] = DW_EH_PE_sdata4 | DW_EH_PE_datarel

	framePointer := int64(ehFrameVMA) - int64(ehFrameHdrVMA+FramePointerFieldOffset)
	if int64(int32(framePointer)) != framePointer {
		return fmt.Errorf("%w: .eh_frame_hdr frame_pointer 0x%x does not fit in 32 bits", ErrEhFrameHdrOverflow, framePointer)
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(int32(framePointer)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(entryCount))
	return nil
}

// WriteEhFrameHdrEntries writes the sorted binary-search table after
// the fixed header.
func WriteEhFrameHdrEntries(out []byte, entries []EhFrameHdrEntry) error {
	need := len(entries) * 8
	if len(out) != need {
		return fmt.Errorf("%w: .eh_frame_hdr table reserved %d bytes, need %d", ErrUnderAllocated, len(out), need)
	}
	for i, e := range entries {
		row := out[i*8 : i*8+8]
		binary.LittleEndian.PutUint32(row[0:4], uint32(e.FramePtr))
		binary.LittleEndian.PutUint32(row[4:8], uint32(e.FrameInfoPtr))
	}
	return nil
}

// SortEhFrameHdrEntries is the orchestrator's post-pass: sort the
// binary-search table ascending by FramePtr, matching invariant 6.
func SortEhFrameHdrEntries(entries []EhFrameHdrEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].FramePtr < entries[j].FramePtr })
}

// ReadEhFrameHdrEntries parses the sorted table back out of its bytes,
// used by the orchestrator's post-pass to re-sort in place.
func ReadEhFrameHdrEntries(buf []byte) []EhFrameHdrEntry {
	n := len(buf) / 8
	entries := make([]EhFrameHdrEntry, n)
	for i := 0; i < n; i++ {
		row := buf[i*8 : i*8+8]
		entries[i] = EhFrameHdrEntry{
			FramePtr:     int32(binary.LittleEndian.Uint32(row[0:4])),
			FrameInfoPtr: int32(binary.LittleEndian.Uint32(row[4:8])),
		}
	}
	return entries
}
