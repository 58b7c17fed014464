// Completion: wire-format constants and on-disk struct layouts for the
// ELF64 little-endian x86-64 output this package emits.
package elfemit

import "debug/elf"

// Fixed sizes and offsets dictated by the ELF64 file format. Reusing
// debug/elf's constants where they already describe what we need avoids
// redefining ABI values that the standard library already carries.
const (
	FileHeaderSize    = 64
	ProgramHeaderSize = 56
	SectionHeaderSize = 64
	PheaderOffset     = FileHeaderSize

	PLTEntrySize = 16
	GOTEntrySize = 8
	RelaEntrySize = 24

	FDEPCBeginOffset        = 8
	FramePointerFieldOffset = 4

	// CurrentExeTLSMod is the module index the dynamic linker assigns to
	// the TLS block of the executable itself.
	CurrentExeTLSMod = 1

	Page = 0x1000

	// NumDynamicEntries is the exact number of tagged entries this
	// package writes into .dynamic when emitting a PIE. It must match
	// layout's reservation for the section exactly (invariant 7).
	NumDynamicEntries = 18
)

// PLTEntryTemplate is the 16-byte stub patched into each .plt slot.
// Bytes [7:11] are overwritten per-entry with the GOT-relative jump
// offset; everything else is fixed.
//
//	0: f3 0f 1e fa   endbr64
//	4: 90            nop
//	5: ff 25         jmp *disp32(%rip)
//	7: xx xx xx xx   disp32 (patched)
//	11: 90 90 90 90 90  padding
var PLTEntryTemplate = [PLTEntrySize]byte{
	0xf3, 0x0f, 0x1e, 0xfa,
	0x90,
	0xff, 0x25,
	0x00, 0x00, 0x00, 0x00,
	0x90, 0x90, 0x90, 0x90, 0x90,
}

// ELF relocation types used by this package. x86-64 only, per spec.
const (
	R_X86_64_RELATIVE  = uint32(elf.R_X86_64_RELATIVE)
	R_X86_64_IRELATIVE = uint32(37) // not present in all debug/elf versions
)

// FileType mirrors ELF e_type values we can emit.
type FileType uint16

const (
	FileTypeExecutable  FileType = uint16(elf.ET_EXEC)
	FileTypeSharedObject FileType = uint16(elf.ET_DYN)
)

// SegmentType mirrors ELF p_type values.
type SegmentType uint32

const (
	SegmentTypeLoad    SegmentType = SegmentType(elf.PT_LOAD)
	SegmentTypePHDR    SegmentType = SegmentType(elf.PT_PHDR)
	SegmentTypeInterp  SegmentType = SegmentType(elf.PT_INTERP)
	SegmentTypeDynamic SegmentType = SegmentType(elf.PT_DYNAMIC)
	SegmentTypeTLS     SegmentType = SegmentType(elf.PT_TLS)
	SegmentTypeGNUEhFrame SegmentType = SegmentType(0x6474e550)
	SegmentTypeGNUStack   SegmentType = SegmentType(0x6474e551)
	SegmentTypeGNURelro   SegmentType = SegmentType(0x6474e552)
)

// Segment flags (readable/writable/executable bits).
const (
	PF_X = uint32(elf.PF_X)
	PF_W = uint32(elf.PF_W)
	PF_R = uint32(elf.PF_R)
)

// DynamicTag mirrors a subset of the d_tag values ELF's .dynamic section
// carries. Only the tags this package actually writes are named.
type DynamicTag int64

const (
	DTNull        DynamicTag = 0
	DTInit        DynamicTag = 12
	DTFini        DynamicTag = 13
	DTInitArray   DynamicTag = 25
	DTInitArraySz DynamicTag = 27
	DTFiniArray   DynamicTag = 26
	DTFiniArraySz DynamicTag = 28
	DTStrtab      DynamicTag = 5
	DTStrsz       DynamicTag = 10
	DTSymtab      DynamicTag = 6
	DTSyment      DynamicTag = 11
	DTDebug       DynamicTag = 21
	DTRela        DynamicTag = 7
	DTRelasz      DynamicTag = 8
	DTRelaent     DynamicTag = 9
	DTRelacount   DynamicTag = 0x6ffffff9
	DTFlags       DynamicTag = 30
	DTFlags1      DynamicTag = 0x6ffffffb
)

const (
	DFBindNow    = uint64(0x00000008)
	DF1PIE       = uint64(0x08000000)
	DF1Now       = uint64(0x00000001)
)

// FileHeader is the 64-byte ELF header, laid out field-for-field as it
// appears on disk.
type FileHeader struct {
	Magic            [4]byte
	Class            uint8
	Data             uint8
	EIVersion        uint8
	OSABI            uint8
	ABIVersion       uint8
	Padding          [7]byte
	Type             uint16
	Machine          uint16
	EVersion         uint32
	EntryPoint       uint64
	ProgramHeaderOff uint64
	SectionHeaderOff uint64
	Flags            uint32
	EHSize           uint16
	PHEntSize        uint16
	PHNum            uint16
	SHEntSize        uint16
	SHNum            uint16
	SHStrNdx         uint16
}

// ProgramHeader is a single 56-byte program-header-table entry.
type ProgramHeader struct {
	Type       uint32
	Flags      uint32
	Offset     uint64
	VirtualAddr uint64
	PhysicalAddr uint64
	FileSize   uint64
	MemSize    uint64
	Alignment  uint64
}

// SectionHeader is a single 64-byte section-header-table entry.
type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Address   uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Alignment uint64
	EntSize   uint64
}

// SymtabEntry is a 24-byte Elf64_Sym.
type SymtabEntry struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Rela is a 24-byte Elf64_Rela.
type Rela struct {
	Address uint64
	Info    uint64
	Addend  uint64
}

// RelaInfo packs a symbol index and relocation type into r_info.
func RelaInfo(symIndex uint32, relType uint32) uint64 {
	return uint64(symIndex)<<32 | uint64(relType)
}

// DynamicEntry is a 16-byte Elf64_Dyn.
type DynamicEntry struct {
	Tag   int64
	Value uint64
}

// EhFrameEntryPrefix is the 8-byte header common to every CIE/FDE record:
// a 4-byte length (excluding the length field itself) followed by a
// 4-byte id (0 for a CIE, a CIE-relative back-pointer for an FDE).
type EhFrameEntryPrefix struct {
	Length uint32
	CIEID  uint32
}

// EhFrameHdr mirrors the wire layout of the fixed portion of
// .eh_frame_hdr: a version byte and three one-byte DWARF
// exception-header encodings, followed by the frame pointer
// (self-relative to the field itself) and the entry count. See
// headers.go for the exact byte offsets used when writing it into a
// section buffer.
type EhFrameHdr struct {
	Version              uint8
	FramePointerEncoding uint8
	CountEncoding        uint8
	TableEncoding        uint8
	FramePointer         int32
	EntryCount           uint32
}

// Exception-header encoding bytes (DWARF eh_frame_hdr table_encoding /
// frame_pointer_encoding / count_encoding values).
const (
	DW_EH_PE_absptr  = 0x00
	DW_EH_PE_udata4  = 0x03
	DW_EH_PE_sdata4  = 0x0b
	DW_EH_PE_pcrel   = 0x10
	DW_EH_PE_datarel = 0x30
)

// EhFrameHdrEntry is one 8-byte entry in the sorted binary-search table:
// the FDE's PC-begin address relative to the start of .eh_frame_hdr,
// and a pointer to the FDE record itself (the object's .eh_frame start
// address plus the FDE's output position).
type EhFrameHdrEntry struct {
	FramePtr     int32
	FrameInfoPtr int32
}
