// Completion: data-model types read by the core. These are the
// contracts §3/§6 of the spec describe as produced by an external
// layout/resolution library; they're modeled here as plain structs so
// the emission core is self-contained and testable.
package elfemit

// TLSMode selects whether TLS general-dynamic/local-dynamic access
// sequences get relaxed down to local-exec form.
type TLSMode int

const (
	TLSModeLocalExec TLSMode = iota
	TLSModePreserve
)

// Args carries the link-wide options the core consults. CLI parsing
// into this struct is out of scope here (see config.go for the
// environment-derived defaults that are in scope).
type Args struct {
	PIE         bool
	LinkStatic  bool
	StripAll    bool
	NumThreads  int
	TLSMode     TLSMode
	OutputPath  string
}

// IsRelocatable reports whether self-relocations (R_X86_64_RELATIVE)
// must be emitted for absolute addresses, i.e. whether we're building a
// PIE.
func (a Args) IsRelocatable() bool { return a.PIE }

// OutputSectionID identifies one output section. The zero value is
// never a valid section.
type OutputSectionID uint32

// SectionDetails describes one output section's static properties.
type SectionDetails struct {
	Name      string
	Type      uint32 // SHT_*
	Flags     uint64 // SHF_*
	ElementSize uint64
	LinkID    OutputSectionID // 0 if none
	Info      uint32
}

// OutputSections is the ordered table of every output section this
// link might emit, along with which of them actually make it into the
// file (has a non-zero output index).
type OutputSections struct {
	order        []OutputSectionID
	details      map[OutputSectionID]SectionDetails
	emitted      map[OutputSectionID]uint16 // section_id -> 1-based output index; SHN_UNDEF (0) is reserved
	emittedOrder []OutputSectionID
}

// NewOutputSections builds an OutputSections from section declarations
// in file order. Every section in order is considered for emission;
// callers control which appear in the section-header table by what
// they pass to MarkEmitted.
func NewOutputSections(order []OutputSectionID, details map[OutputSectionID]SectionDetails) *OutputSections {
	return &OutputSections{
		order:   order,
		details: details,
		emitted: make(map[OutputSectionID]uint16),
	}
}

// MarkEmitted assigns shndx values (1, 2, 3, ...) to every section ID
// in emission order. The null section (shndx 0) is implicit.
func (s *OutputSections) MarkEmitted(ids []OutputSectionID) {
	s.emittedOrder = ids
	for i, id := range ids {
		s.emitted[id] = uint16(i + 1)
	}
}

// EmittedOrder returns the emitted section IDs in section-header order
// (the same order MarkEmitted assigned indices in).
func (s *OutputSections) EmittedOrder() []OutputSectionID { return s.emittedOrder }

// OutputIndexOfSection returns the section's 1-based index into the
// section-header table, or false if the section isn't emitted.
func (s *OutputSections) OutputIndexOfSection(id OutputSectionID) (uint16, bool) {
	idx, ok := s.emitted[id]
	return idx, ok
}

// HasDataInFile reports whether a section carries file bytes (false
// for SHT_NULL/SHT_NOBITS-style sections).
func (s *OutputSections) HasDataInFile(id OutputSectionID) bool {
	d, ok := s.details[id]
	if !ok {
		return false
	}
	return d.Type != uint32(0) /* SHT_NULL */ && d.Type != uint32(8) /* SHT_NOBITS */
}

// Details returns the static properties of a section.
func (s *OutputSections) Details(id OutputSectionID) SectionDetails { return s.details[id] }

// LinkID returns the section this one's sh_link points at, if any.
func (s *OutputSections) LinkID(id OutputSectionID) (OutputSectionID, bool) {
	d, ok := s.details[id]
	if !ok || d.LinkID == 0 {
		return 0, false
	}
	return d.LinkID, true
}

// Name returns a section's name.
func (s *OutputSections) Name(id OutputSectionID) string { return s.details[id].Name }

// SectionsDo iterates every declared section in file order, calling fn
// for each. Section headers and .shstrtab entries are written in
// EmittedOrder instead, which may differ.
func (s *OutputSections) SectionsDo(fn func(id OutputSectionID, details SectionDetails)) {
	for _, id := range s.order {
		fn(id, s.details[id])
	}
}

// SectionLayout is the resolved placement of one output section in
// both file-offset and virtual-address space.
type SectionLayout struct {
	FileOffset uint64
	FileSize   uint64
	MemOffset  uint64
	MemSize    uint64
	Alignment  uint64
}

// SectionLayouts maps every section to its resolved placement.
type SectionLayouts struct {
	m map[OutputSectionID]SectionLayout
}

func NewSectionLayouts(m map[OutputSectionID]SectionLayout) *SectionLayouts {
	return &SectionLayouts{m: m}
}

func (s *SectionLayouts) Get(id OutputSectionID) SectionLayout { return s.m[id] }

func (s *SectionLayouts) ForEach(fn func(id OutputSectionID, l SectionLayout)) {
	for id, l := range s.m {
		fn(id, l)
	}
}

// SectionPartRecord is one (section, alignment-class, contributor)
// allocation: a run of file_size bytes somewhere inside its section's
// byte range, in output order.
type SectionPartRecord struct {
	SectionID     OutputSectionID
	AlignmentClass uint64
	FileSize      int
}

// SectionPartLayouts is the output-ordered breakdown of each section
// into per-contributor sub-ranges. Entries must appear in the same
// order the bytes occur on disk within the section (higher alignment
// first), since C1 Stage B carves strictly front-to-back.
type SectionPartLayouts struct {
	entries []SectionPartRecord
}

func NewSectionPartLayouts(entries []SectionPartRecord) *SectionPartLayouts {
	return &SectionPartLayouts{entries: entries}
}

// OutputOrderMap walks every record in output order, building a flat
// slice of caller-chosen values (normally carved byte sub-slices).
func (p *SectionPartLayouts) OutputOrderMap(fn func(sectionID OutputSectionID, alignmentClass uint64, rec SectionPartRecord) []byte) [][]byte {
	out := make([][]byte, len(p.entries))
	for i, rec := range p.entries {
		out[i] = fn(rec.SectionID, rec.AlignmentClass, rec)
	}
	return out
}

// SegmentLayout is one resolved program-header entry.
type SegmentLayout struct {
	ID    OutputSectionID // segment identity key, reused from section-id space for simplicity
	Type  SegmentType
	Flags uint32
	Sizes struct {
		Alignment  uint64
		FileOffset uint64
		MemOffset  uint64
		FileSize   uint64
		MemSize    uint64
	}
}

// SegmentLayouts is the ordered list of segments to emit as program
// headers, in declared order.
type SegmentLayouts struct {
	Segments []SegmentLayout
}

// GlobalSymbolID identifies a symbol across the whole link.
type GlobalSymbolID uint32

// SymbolDB resolves global symbol identities to their names and owning
// file.
type SymbolDB struct {
	names map[GlobalSymbolID]string
	files map[GlobalSymbolID]int
}

func NewSymbolDB() *SymbolDB {
	return &SymbolDB{names: map[GlobalSymbolID]string{}, files: map[GlobalSymbolID]int{}}
}

func (db *SymbolDB) Define(id GlobalSymbolID, name string, fileID int) {
	db.names[id] = name
	db.files[id] = fileID
}

func (db *SymbolDB) SymbolName(id GlobalSymbolID) string { return db.names[id] }
func (db *SymbolDB) FileID(id GlobalSymbolID) int        { return db.files[id] }

// TargetResolutionKind classifies how a resolved symbol's GOT slot
// (if any) should be filled.
type TargetResolutionKind int

const (
	KindAddress TargetResolutionKind = iota
	KindGot
	KindGotTlsDouble
	KindGotTlsOffset
	KindIFunc
)

// Resolution is what layout decided a symbol (or section, or merged
// string) resolves to.
type Resolution struct {
	Address    uint64
	GotAddress *uint64
	PltAddress *uint64
	Kind       TargetResolutionKind
}

// SymbolResolution is the tri-state outcome of resolving a global
// symbol: concretely resolved, deferred to the dynamic linker, or
// (absent) not resolved at all.
type SymbolResolution struct {
	Resolved *Resolution
	Dynamic  bool
}

// MergedStringRef names one string inside a merged string-pool section.
type MergedStringRef struct {
	OutputSectionID OutputSectionID
	Offset          uint64
}

// MergedStringStartAddresses resolves a merged-string reference to its
// absolute address.
type MergedStringStartAddresses struct {
	m map[MergedStringRef]uint64
}

func NewMergedStringStartAddresses(m map[MergedStringRef]uint64) *MergedStringStartAddresses {
	return &MergedStringStartAddresses{m: m}
}

func (a *MergedStringStartAddresses) Resolve(ref MergedStringRef) uint64 { return a.m[ref] }

// PltRelocation is one reserved .rela.plt IRELATIVE slot: an IFUNC's
// resolver function address, to be written at the IFUNC's GOT slot.
type PltRelocation struct {
	GotAddress uint64
	Resolver   uint64
}

// RelocationFlags carries the raw ELF relocation type plus addend, as
// read from an input object's relocation table.
type RelocationFlags struct {
	Type   uint32 // R_X86_64_*
	Addend int64
	Size   uint8 // bits, 0 if not meaningful
}

// Relocation is one relocation to apply, at a given offset within a
// section, against a given resolved target.
type Relocation struct {
	OffsetInSection uint64
	Flags           RelocationFlags
	Target          RelocationTarget
}

// RelocationTargetKind distinguishes what a relocation points at.
type RelocationTargetKind int

const (
	TargetSymbol RelocationTargetKind = iota
	TargetSection
)

// RelocationTarget is either a local-symbol-table index or a section
// index, resolved by the caller into a Resolution via Layout's
// contracts before C5 runs.
type RelocationTarget struct {
	Kind          RelocationTargetKind
	LocalSymIndex int
	SectionIndex  int
}

// Layout is the read-only plan this core consumes. It bundles every
// contract named in spec.md §6 ("External Interfaces").
type Layout struct {
	OutputSections              *OutputSections
	SectionLayoutsV              *SectionLayouts
	SectionPartLayoutsV          *SectionPartLayouts
	SegmentLayoutsV              *SegmentLayouts
	FileLayouts                 []FileLayout
	SymbolDb                    *SymbolDB
	MergedStringStartAddressesV *MergedStringStartAddresses

	ArgsV Args

	globalResolutions map[GlobalSymbolID]SymbolResolution

	entrySymbolAddress uint64
	tlsStart           uint64
	tlsEnd             uint64
	tlsldGotAddress    uint64

	builtInAddresses map[OutputSectionID]uint64
	sectionOffsets   map[OutputSectionID]uint64
	sectionSizes     map[OutputSectionID]uint64
}

// NewLayout constructs an empty Layout; callers populate fields/maps
// directly, then call the setter helpers below for the lookups that
// need backing maps.
func NewLayout(args Args) *Layout {
	return &Layout{
		ArgsV:             args,
		globalResolutions: make(map[GlobalSymbolID]SymbolResolution),
		builtInAddresses:  make(map[OutputSectionID]uint64),
		sectionOffsets:    make(map[OutputSectionID]uint64),
		sectionSizes:      make(map[OutputSectionID]uint64),
	}
}

func (l *Layout) Args() Args { return l.ArgsV }

func (l *Layout) SetGlobalSymbolResolution(id GlobalSymbolID, res SymbolResolution) {
	l.globalResolutions[id] = res
}

// GlobalSymbolResolution returns the resolution for a global symbol, or
// nil if it has none (the "None" case of spec.md §3).
func (l *Layout) GlobalSymbolResolution(id GlobalSymbolID) *SymbolResolution {
	if res, ok := l.globalResolutions[id]; ok {
		return &res
	}
	return nil
}

func (l *Layout) SetEntrySymbolAddress(addr uint64) { l.entrySymbolAddress = addr }
func (l *Layout) EntrySymbolAddress() (uint64, error) {
	if l.entrySymbolAddress == 0 {
		return 0, errMissingEntryPoint
	}
	return l.entrySymbolAddress, nil
}

func (l *Layout) SetTLSRange(start, end uint64) { l.tlsStart, l.tlsEnd = start, end }
func (l *Layout) TLSStartAddress() uint64        { return l.tlsStart }
func (l *Layout) TLSEndAddress() uint64          { return l.tlsEnd }

func (l *Layout) SetMemAddressOfBuiltIn(id OutputSectionID, addr uint64) {
	l.builtInAddresses[id] = addr
}
func (l *Layout) MemAddressOfBuiltIn(id OutputSectionID) uint64 { return l.builtInAddresses[id] }

func (l *Layout) SetOffsetOfSection(id OutputSectionID, off uint64) { l.sectionOffsets[id] = off }
func (l *Layout) OffsetOfSection(id OutputSectionID) uint64         { return l.sectionOffsets[id] }

func (l *Layout) SetSizeOfSection(id OutputSectionID, size uint64) { l.sectionSizes[id] = size }
func (l *Layout) SizeOfSection(id OutputSectionID) uint64          { return l.sectionSizes[id] }

// SetTLSLDGotAddress/TLSLDGotAddress carry the absolute address of the
// reserved two-slot TLSLD GOT pair, used by KindTlsLd relocations that
// weren't relaxed away (tls_mode == Preserve).
func (l *Layout) SetTLSLDGotAddress(addr uint64) { l.tlsldGotAddress = addr }
func (l *Layout) TLSLDGotAddress() uint64        { return l.tlsldGotAddress }

// TotalFileSize is the smallest file size that covers every declared
// section's byte range, i.e. the mmap size the orchestrator reserves
// on disk before partitioning it.
func (l *Layout) TotalFileSize() uint64 {
	var max uint64
	l.SectionLayoutsV.ForEach(func(_ OutputSectionID, sl SectionLayout) {
		if end := sl.FileOffset + sl.FileSize; end > max {
			max = end
		}
	})
	return max
}

// Internal returns the synthetic Internal file layout, which every
// Layout must carry exactly one of.
func (l *Layout) Internal() *InternalLayout {
	for i := range l.FileLayouts {
		if fl := l.FileLayouts[i].Internal; fl != nil {
			return fl
		}
	}
	return nil
}
