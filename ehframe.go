package elfemit

import (
	"encoding/binary"
	"fmt"
)

// EhFrameResolver turns a relocation target into the Resolution that
// should drive both C5 (applying the relocation) and C6's FDE-keep
// decision. ok is false when the target has no resolution, which for a
// section target means "this input section did not make it into the
// output" — the only reason C6 ever drops an FDE.
type EhFrameResolver func(target RelocationTarget) (res Resolution, ok bool)

// RewriteEhFrame is C6: it walks one object's raw .eh_frame bytes
// record by record, copies kept CIEs and FDEs into out (rewriting each
// FDE's CIE pointer to output coordinates and applying every relocation
// inside the record via C5), drops FDEs whose target section never
// made it to the output, and returns one EhFrameHdrEntry per kept FDE.
// out must be exactly as long as the bytes this call is expected to
// write; any mismatch at the end is an allocation-contract violation.
func RewriteEhFrame(
	out []byte,
	data []byte,
	relocs []Relocation,
	sectionAddress uint64,
	ehFrameStartAddress uint64,
	ehFrameHdrVMA uint64,
	resolve EhFrameResolver,
	relocArgs Args,
	relocWriter *RelocationWriter,
	tlsStart, tlsEnd uint64,
) ([]EhFrameHdrEntry, error) {
	cieInputToOutput := make(map[int]int)
	var entries []EhFrameHdrEntry

	inPos, outPos, relIdx := 0, 0, 0

	for inPos < len(data) {
		if len(data)-inPos < 8 {
			n := copy(out[outPos:], data[inPos:])
			outPos += n
			inPos = len(data)
			break
		}

		length := binary.LittleEndian.Uint32(data[inPos : inPos+4])
		if length == 0 {
			// The 4-byte zero-length terminator record crtend.o emits.
			n := copy(out[outPos:], data[inPos:])
			outPos += n
			inPos = len(data)
			break
		}

		recordStart := inPos
		recordEnd := inPos + 4 + int(length)
		if recordEnd > len(data) {
			return nil, fmt.Errorf("%w: record at %d claims length %d, only %d bytes remain",
				ErrTruncatedEhFrameRecord, recordStart, length, len(data)-recordStart-4)
		}
		cieID := binary.LittleEndian.Uint32(data[recordStart+4 : recordStart+8])

		if cieID == 0 {
			cieInputToOutput[recordStart] = outPos
			n := copy(out[outPos:], data[recordStart:recordEnd])
			newRelIdx, err := applyRecordRelocations(out, outPos, recordStart, recordEnd, relocs, relIdx,
				sectionAddress, relocArgs, relocWriter, tlsStart, tlsEnd, resolve)
			if err != nil {
				return nil, err
			}
			relIdx = newRelIdx
			outPos += n
			inPos = recordEnd
			continue
		}

		// FDE: find the relocation at the PC-begin slot, which decides
		// both the kept/dropped target and is itself applied below.
		pcBeginOffset := recordStart + FDEPCBeginOffset
		pcRelIdx := -1
		for i := relIdx; i < len(relocs) && int(relocs[i].OffsetInSection) < recordEnd; i++ {
			if int(relocs[i].OffsetInSection) == pcBeginOffset {
				pcRelIdx = i
				break
			}
		}
		if pcRelIdx < 0 {
			return nil, fmt.Errorf("%w: FDE at %d has no relocation at its PC-begin slot",
				ErrTruncatedEhFrameRecord, recordStart)
		}

		target := relocs[pcRelIdx].Target
		if target.Kind != TargetSymbol && target.Kind != TargetSection {
			return nil, fmt.Errorf("%w: FDE PC-begin relocation has an unsupported target kind", ErrUnsupportedRelocation)
		}
		res, ok := resolve(target)
		if !ok {
			// Drop the FDE and every relocation inside it.
			for relIdx < len(relocs) && int(relocs[relIdx].OffsetInSection) < recordEnd {
				relIdx++
			}
			inPos = recordEnd
			continue
		}

		inputCIEOffset := recordStart + 4 - int(cieID)
		outputCIEOffset, ok := cieInputToOutput[inputCIEOffset]
		if !ok {
			return nil, fmt.Errorf("%w: FDE at %d references CIE at input offset %d, never seen",
				ErrDanglingCIEPointer, recordStart, inputCIEOffset)
		}
		newCIEID := uint32((outPos + 4) - outputCIEOffset)

		n := copy(out[outPos:], data[recordStart:recordEnd])
		binary.LittleEndian.PutUint32(out[outPos+4:outPos+8], newCIEID)

		targetVMA := res.Address
		framePtr := int64(targetVMA) - int64(ehFrameHdrVMA)
		if int64(int32(framePtr)) != framePtr {
			return nil, fmt.Errorf("%w: FDE frame_ptr 0x%x does not fit in 32 bits", ErrEhFrameHdrOverflow, framePtr)
		}
		frameInfoPtr := int64(ehFrameStartAddress) + int64(outPos)
		if int64(int32(frameInfoPtr)) != frameInfoPtr {
			return nil, fmt.Errorf("%w: FDE frame_info_ptr 0x%x does not fit in 32 bits", ErrEhFrameHdrOverflow, frameInfoPtr)
		}
		entries = append(entries, EhFrameHdrEntry{
			FramePtr:     int32(framePtr),
			FrameInfoPtr: int32(frameInfoPtr),
		})

		newRelIdx, err := applyRecordRelocations(out, outPos, recordStart, recordEnd, relocs, relIdx,
			sectionAddress, relocArgs, relocWriter, tlsStart, tlsEnd, resolve)
		if err != nil {
			return nil, err
		}
		relIdx = newRelIdx

		outPos += n
		inPos = recordEnd
	}

	if outPos != len(out) {
		return nil, fmt.Errorf("%w: .eh_frame reserved %d bytes, wrote %d", ErrUnderAllocated, len(out), outPos)
	}
	return entries, nil
}

// applyRecordRelocations runs C5 against every relocation whose input
// offset falls inside [recordStart, recordEnd), writing into the
// freshly-copied record bytes at their shifted output position, and
// returns the new relocation cursor.
func applyRecordRelocations(
	out []byte, outPos, recordStart, recordEnd int,
	relocs []Relocation, relIdx int,
	sectionAddress uint64, args Args, relocWriter *RelocationWriter,
	tlsStart, tlsEnd uint64, resolve EhFrameResolver,
) (int, error) {
	for relIdx < len(relocs) && int(relocs[relIdx].OffsetInSection) < recordEnd {
		rel := relocs[relIdx]
		res, ok := resolve(rel.Target)
		if !ok {
			return 0, fmt.Errorf("%w: relocation inside kept .eh_frame record has no resolution", ErrUndefinedSymbol)
		}
		shiftedOffset := outPos + (int(rel.OffsetInSection) - recordStart)
		byteSize := 4
		if rel.Flags.Size == 64 {
			byteSize = 8
		}
		action, err := ApplyRelocation(out, RelocationInput{
			Resolution:      res,
			OffsetInSection: uint64(shiftedOffset),
			RType:           rel.Flags.Type,
			Addend:          rel.Flags.Addend,
			ByteSize:        byteSize,
			SectionAddress:  sectionAddress,
			Args:            args,
			RelocWriter:     relocWriter,
			LinkStatic:      args.LinkStatic,
			TLSStart:        tlsStart,
			TLSEnd:          tlsEnd,
		})
		if err != nil {
			return 0, err
		}
		relIdx++
		if action == NextSkipOne {
			relIdx++
		}
	}
	return relIdx, nil
}
