package elfemit

import "testing"

func TestPartitionBySectionOrdersByOffset(t *testing.T) {
	mmap := make([]byte, 32)
	for i := range mmap {
		mmap[i] = byte(i)
	}
	sections := NewOutputSections(
		[]OutputSectionID{1, 2, 3},
		map[OutputSectionID]SectionDetails{
			1: {Name: ".a", Type: 1},
			2: {Name: ".b", Type: 1},
			3: {Name: ".bss", Type: 8}, // SHT_NOBITS, no file bytes
		},
	)
	layouts := NewSectionLayouts(map[OutputSectionID]SectionLayout{
		1: {FileOffset: 8, FileSize: 8},
		2: {FileOffset: 20, FileSize: 4},
		3: {FileOffset: 24, FileSize: 0},
	})

	bySection, err := PartitionBySection(mmap, sections, layouts)
	if err != nil {
		t.Fatalf("PartitionBySection: %v", err)
	}
	if got := bySection[1]; len(got) != 8 || got[0] != 8 {
		t.Fatalf("section 1 slice = %v, want 8 bytes starting with 8", got)
	}
	if got := bySection[2]; len(got) != 4 || got[0] != 20 {
		t.Fatalf("section 2 slice = %v, want 4 bytes starting with 20", got)
	}
	if got := bySection[3]; len(got) != 0 {
		t.Fatalf("section 3 (SHT_NOBITS) slice = %v, want empty", got)
	}
}

func TestPartitionBySectionRejectsOverlap(t *testing.T) {
	mmap := make([]byte, 16)
	sections := NewOutputSections(
		[]OutputSectionID{1, 2},
		map[OutputSectionID]SectionDetails{
			1: {Name: ".a", Type: 1},
			2: {Name: ".b", Type: 1},
		},
	)
	layouts := NewSectionLayouts(map[OutputSectionID]SectionLayout{
		1: {FileOffset: 0, FileSize: 10},
		2: {FileOffset: 4, FileSize: 4}, // starts before section 1 ends
	})
	if _, err := PartitionBySection(mmap, sections, layouts); err == nil {
		t.Fatal("expected ErrNonMonotonicOffsets, got nil")
	}
}

func TestPartClaimerHandsOutOrdinalsInOrder(t *testing.T) {
	mmap := make([]byte, 24)
	for i := range mmap {
		mmap[i] = byte(i)
	}
	sections := NewOutputSections(
		[]OutputSectionID{1},
		map[OutputSectionID]SectionDetails{1: {Name: ".got", Type: 1}},
	)
	layouts := NewSectionLayouts(map[OutputSectionID]SectionLayout{
		1: {FileOffset: 0, FileSize: 24},
	})
	bySection, err := PartitionBySection(mmap, sections, layouts)
	if err != nil {
		t.Fatalf("PartitionBySection: %v", err)
	}

	parts := NewSectionPartLayouts([]SectionPartRecord{
		{SectionID: 1, AlignmentClass: 0, FileSize: 8},
		{SectionID: 1, AlignmentClass: 0, FileSize: 16},
	})
	partMap, err := PartitionParts(bySection, parts)
	if err != nil {
		t.Fatalf("PartitionParts: %v", err)
	}

	claimer := NewPartClaimer(partMap)
	first, err := claimer.Claim(1, 0)
	if err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if len(first) != 8 || first[0] != 0 {
		t.Fatalf("first claim = %v, want 8 bytes starting at 0", first)
	}
	second, err := claimer.Claim(1, 0)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if len(second) != 16 || second[0] != 8 {
		t.Fatalf("second claim = %v, want 16 bytes starting at 8", second)
	}
	if _, err := claimer.Claim(1, 0); err == nil {
		t.Fatal("expected ErrMissingSlot on third claim, got nil")
	}
}
