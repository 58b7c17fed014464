package elfemit

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match on with errors.Is. Wrapped context
// (input file, section, symbol) is attached with fmt.Errorf("%w", ...)
// at the point of failure, per the propagation rule every writer
// follows.
var (
	// I/O kind.
	ErrOpenFailed     = errors.New("elfemit: failed to open output file")
	ErrTruncateFailed = errors.New("elfemit: failed to size output file")
	ErrMmapFailed     = errors.New("elfemit: failed to map output file")
	ErrChmodFailed    = errors.New("elfemit: failed to set output file executable")

	// layout-contract kind.
	ErrNonMonotonicOffsets = errors.New("elfemit: section file offsets are not monotonic")
	ErrUnderAllocated      = errors.New("elfemit: writer residual buffer not exhausted")
	ErrOverAllocated       = errors.New("elfemit: writer ran out of reserved space")
	ErrSectionNotEmitted   = errors.New("elfemit: symbol refers to a section that is not emitted")
	ErrMissingSlot         = errors.New("elfemit: missing reserved GOT/PLT/rela slot")

	// relocation kind.
	ErrUnsupportedRelocation = errors.New("elfemit: unsupported relocation kind")
	ErrRelocationOverflow    = errors.New("elfemit: relocation value overflows its field")
	ErrRelocationOutOfBounds = errors.New("elfemit: relocation write falls outside its section")
	ErrRelaxationPrefixMismatch = errors.New("elfemit: TLS relaxation prefix bytes did not match")
	ErrUndefinedSymbol       = errors.New("elfemit: relocation against an undefined symbol")

	// .eh_frame kind.
	ErrTruncatedEhFrameRecord = errors.New("elfemit: truncated .eh_frame record")
	ErrDanglingCIEPointer     = errors.New("elfemit: FDE refers to a CIE that was never seen")
	ErrEhFrameHdrOverflow     = errors.New("elfemit: .eh_frame_hdr entry does not fit in 32 bits")

	// internal-consistency kind.
	ErrSectionHeaderCountMismatch = errors.New("elfemit: emitted section header count does not match reservation")
	ErrDynamicEntryCountMismatch  = errors.New("elfemit: .dynamic entry count does not match NumDynamicEntries")

	// open questions, deliberately left unimplemented per design notes.
	ErrUnimplemented = errors.New("elfemit: unimplemented relocation path")

	errMissingEntryPoint = errors.New("elfemit: layout has no entry symbol address")
)

// withContext wraps err with identifying context about which input
// file, section, or symbol was being processed when it occurred. Any
// of the three strings may be empty; empty ones are omitted.
func withContext(err error, file, section, symbol string) error {
	if err == nil {
		return nil
	}
	ctx := ""
	if file != "" {
		ctx += fmt.Sprintf(" file=%s", file)
	}
	if section != "" {
		ctx += fmt.Sprintf(" section=%s", section)
	}
	if symbol != "" {
		ctx += fmt.Sprintf(" symbol=%s", symbol)
	}
	if ctx == "" {
		return err
	}
	return fmt.Errorf("%w:%s", err, ctx)
}

// expectBytesBefore checks that buf[offset-len(want):offset] equals
// want exactly, the one safety net gating every TLS relaxation. On
// mismatch it reports both the expected and actual bytes in hex so a
// bad relaxation decision is diagnosable from the error alone.
func expectBytesBefore(buf []byte, offset int, want []byte) error {
	start := offset - len(want)
	if start < 0 || offset > len(buf) {
		return fmt.Errorf("%w: need %d bytes before offset %d, buffer is %d bytes",
			ErrRelaxationPrefixMismatch, len(want), offset, len(buf))
	}
	got := buf[start:offset]
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: expected % x, got % x at offset %d",
				ErrRelaxationPrefixMismatch, want, got, start)
		}
	}
	return nil
}
