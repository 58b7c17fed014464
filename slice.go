package elfemit

import (
	"fmt"
	"sort"
)

// takePrefix returns the front n bytes of *s and advances *s past them.
// It is the one primitive that makes lock-free concurrent emission
// sound: once a caller holds the returned slice, nothing else can
// observe or reacquire those bytes, because *s no longer covers them.
func takePrefix(s *[]byte, n int) []byte {
	prefix := (*s)[:n:n]
	*s = (*s)[n:]
	return prefix
}

// sectionOffsetEntry is the Stage A sort key: a section's identity
// alongside its resolved file range.
type sectionOffsetEntry struct {
	id         OutputSectionID
	fileOffset uint64
	fileSize   uint64
}

// PartitionBySection is C1 Stage A. It walks the whole mmap as a single
// cursor and carves one sub-slice per section, in ascending file-offset
// order, skipping any inter-section padding. Sections with no file data
// (SHT_NULL/SHT_NOBITS) get a zero-length slice at their nominal offset.
func PartitionBySection(mmap []byte, sections *OutputSections, layouts *SectionLayouts) (map[OutputSectionID][]byte, error) {
	var entries []sectionOffsetEntry
	layouts.ForEach(func(id OutputSectionID, l SectionLayout) {
		entries = append(entries, sectionOffsetEntry{id: id, fileOffset: l.FileOffset, fileSize: l.FileSize})
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].fileOffset != entries[j].fileOffset {
			return entries[i].fileOffset < entries[j].fileOffset
		}
		return entries[i].fileOffset+entries[i].fileSize < entries[j].fileOffset+entries[j].fileSize
	})

	cursor := uint64(0)
	rest := mmap
	out := make(map[OutputSectionID][]byte, len(entries))
	for _, e := range entries {
		if e.fileOffset < cursor {
			return nil, fmt.Errorf("%w: section %d at offset %d precedes cursor %d",
				ErrNonMonotonicOffsets, e.id, e.fileOffset, cursor)
		}
		padding := e.fileOffset - cursor
		if uint64(len(rest)) < padding+e.fileSize {
			return nil, fmt.Errorf("%w: mmap too small for section %d (offset %d size %d)",
				ErrOverAllocated, e.id, e.fileOffset, e.fileSize)
		}
		takePrefix(&rest, int(padding))
		out[e.id] = takePrefix(&rest, int(e.fileSize))
		cursor = e.fileOffset + e.fileSize
	}
	return out, nil
}

// SectionPartMap maps one (section, alignment class, ordinal-within-
// section) key to its carved bytes. The ordinal lets two contributors
// to the same section/alignment-class pair get distinct, non-colliding
// keys even though SectionPartRecord itself doesn't carry a contributor
// identity — callers consume entries in the exact order PartitionParts
// assigned them, through a PartClaimer.
type SectionPartMap struct {
	order   []sectionPartKey
	entries map[sectionPartKey][]byte
}

type sectionPartKey struct {
	section OutputSectionID
	class   uint64
	ordinal int
}

// PartitionParts is C1 Stage B. It walks section_part_layouts in output
// order and, per entry, front-carves file_size bytes from that
// section's remaining slice (as produced by PartitionBySection).
func PartitionParts(bySection map[OutputSectionID][]byte, parts *SectionPartLayouts) (*SectionPartMap, error) {
	remaining := make(map[OutputSectionID][]byte, len(bySection))
	for id, s := range bySection {
		remaining[id] = s
	}

	m := &SectionPartMap{entries: make(map[sectionPartKey][]byte)}
	counters := make(map[OutputSectionID]map[uint64]int)

	parts.OutputOrderMap(func(sectionID OutputSectionID, alignmentClass uint64, rec SectionPartRecord) []byte {
		s, ok := remaining[sectionID]
		if !ok {
			return nil
		}
		if len(s) < rec.FileSize {
			return nil
		}
		carved := takePrefix(&s, rec.FileSize)
		remaining[sectionID] = s

		if counters[sectionID] == nil {
			counters[sectionID] = make(map[uint64]int)
		}
		ordinal := counters[sectionID][alignmentClass]
		counters[sectionID][alignmentClass] = ordinal + 1

		key := sectionPartKey{section: sectionID, class: alignmentClass, ordinal: ordinal}
		m.order = append(m.order, key)
		m.entries[key] = carved
		return carved
	})
	return m, nil
}

// Take returns and removes the carved bytes for one (section, class,
// ordinal) key. Reusing a key after Take is a programmer error in the
// caller (there's nothing left to give back).
func (m *SectionPartMap) Take(section OutputSectionID, class uint64, ordinal int) ([]byte, bool) {
	key := sectionPartKey{section: section, class: class, ordinal: ordinal}
	b, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return b, ok
}

// Len reports how many carved parts remain unclaimed.
func (m *SectionPartMap) Len() int { return len(m.entries) }

// PartClaimer hands out a SectionPartMap's carved parts in the same
// order PartitionParts assigned ordinals: the first Claim for a given
// (section, alignment class) pair gets ordinal 0, the next gets 1, and
// so on. Callers must claim in the same relative order the Layout's
// section_part_layouts listed that (section, class) pair's
// contributors, which is the contract contributors and the orchestrator
// share; there is no way to verify it from inside PartClaimer alone.
type PartClaimer struct {
	m        *SectionPartMap
	counters map[OutputSectionID]map[uint64]int
}

// NewPartClaimer wraps a SectionPartMap for sequential per-contributor
// claiming.
func NewPartClaimer(m *SectionPartMap) *PartClaimer {
	return &PartClaimer{m: m, counters: make(map[OutputSectionID]map[uint64]int)}
}

// Claim returns the next unclaimed carved slice for (section, class).
func (c *PartClaimer) Claim(section OutputSectionID, class uint64) ([]byte, error) {
	if c.counters[section] == nil {
		c.counters[section] = make(map[uint64]int)
	}
	ordinal := c.counters[section][class]
	c.counters[section][class] = ordinal + 1
	b, ok := c.m.Take(section, class, ordinal)
	if !ok {
		return nil, fmt.Errorf("%w: no part reserved for section %d class %d ordinal %d", ErrMissingSlot, section, class, ordinal)
	}
	return b, nil
}
