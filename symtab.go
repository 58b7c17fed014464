package elfemit

import (
	"encoding/binary"
	"fmt"
)

// SymtabWriter is C4: it fills a contributor's private local/global
// SYMTAB rows and appends their names into the shared string pool.
type SymtabWriter struct {
	locals  []byte
	globals []byte
	strings []byte

	localsUsed  int
	globalsUsed int
	stringsUsed int

	stringOffset uint64
	sections     *OutputSections
}

// NewSymtabWriter wraps the carved local/global/string byte slices for
// one contributor. stringOffsetStart is the running offset into the
// shared .strtab/.dynstr this contributor's names start being appended
// at (every contributor before it has already claimed its own range).
func NewSymtabWriter(locals, globals, strings []byte, stringOffsetStart uint64, sections *OutputSections) *SymtabWriter {
	return &SymtabWriter{
		locals:       locals,
		globals:      globals,
		strings:      strings,
		stringOffset: stringOffsetStart,
		sections:     sections,
	}
}

// DefineSymbol is C4's define_symbol: it carves one entry from the
// local or global bucket, fills it, and appends name+NUL to the string
// pool. Callers may overwrite Info/Other on the returned pointer
// afterward (e.g. to set STB_GLOBAL/STT_FUNC).
func (w *SymtabWriter) DefineSymbol(isLocal bool, shndx uint16, value, size uint64, name string) (*symtabEntryView, error) {
	bucket := &w.globals
	used := &w.globalsUsed
	if isLocal {
		bucket = &w.locals
		used = &w.localsUsed
	}
	if (*used+1)*24 > len(*bucket) {
		kind := "global"
		if isLocal {
			kind = "local"
		}
		return nil, fmt.Errorf("%w: SYMTAB %s bucket exhausted defining %q", ErrOverAllocated, kind, name)
	}

	nameOff := w.stringOffset
	if err := w.appendString(name); err != nil {
		return nil, err
	}

	entry := (*bucket)[*used*24 : *used*24+24]
	binary.LittleEndian.PutUint32(entry[0:4], uint32(nameOff))
	entry[4] = 0 // info, caller may overwrite
	entry[5] = 0 // other, caller may overwrite
	binary.LittleEndian.PutUint16(entry[6:8], shndx)
	binary.LittleEndian.PutUint64(entry[8:16], value)
	binary.LittleEndian.PutUint64(entry[16:24], size)
	*used++

	return &symtabEntryView{bytes: entry}, nil
}

// symtabEntryView lets a caller patch Info/Other on an entry that was
// just carved, without exposing the raw byte slice.
type symtabEntryView struct{ bytes []byte }

func (v *symtabEntryView) SetInfoOther(info, other uint8) {
	v.bytes[4] = info
	v.bytes[5] = other
}

// CopySymbol is C4's copy_symbol: it drops uninteresting symbols per
// shouldCopySymbol, resolves the output section index, and writes an
// entry carrying the object's raw st_info/st_other.
func (w *SymtabWriter) CopySymbol(sym ObjectSymbol, sectionAddress uint64) error {
	if !shouldCopySymbol(sym.Name) {
		return nil
	}
	shndx, ok := w.sections.OutputIndexOfSection(sym.OutputSectionID)
	if !ok {
		return fmt.Errorf("%w: symbol %q in section %d", ErrSectionNotEmitted, sym.Name, sym.OutputSectionID)
	}
	view, err := w.DefineSymbol(sym.IsLocal, shndx, sectionAddress+sym.Address, sym.Size, sym.Name)
	if err != nil {
		return withContext(err, "", "", sym.Name)
	}
	view.SetInfoOther(sym.Info, sym.Other)
	return nil
}

// shouldCopySymbol filters empty names and the ARM-style
// `$d`/`$a`/`$t`/`$x` mapping symbols that never belong in an x86-64
// SYMTAB; section-alias symbols are not filtered here. x86-64 objects don't emit mapping symbols, but
// inputs produced by a cross toolchain occasionally carry stray ones.
func shouldCopySymbol(name string) bool {
	if name == "" {
		return false
	}
	if len(name) == 2 && name[0] == '$' {
		switch name[1] {
		case 'd', 'a', 't', 'x':
			return false
		}
	}
	return true
}

func (w *SymtabWriter) appendString(name string) error {
	need := len(name) + 1
	if w.stringsUsed+need > len(w.strings) {
		return fmt.Errorf("%w: string pool exhausted appending %q", ErrOverAllocated, name)
	}
	copy(w.strings[w.stringsUsed:], name)
	w.strings[w.stringsUsed+len(name)] = 0
	w.stringsUsed += need
	w.stringOffset += uint64(need)
	return nil
}

// CheckExhausted is C4's check_exhausted: every reserved local, global,
// and string byte must have been consumed exactly.
func (w *SymtabWriter) CheckExhausted() error {
	if w.localsUsed*24 != len(w.locals) {
		return fmt.Errorf("%w: local SYMTAB reserved %d bytes, wrote %d", ErrUnderAllocated, len(w.locals), w.localsUsed*24)
	}
	if w.globalsUsed*24 != len(w.globals) {
		return fmt.Errorf("%w: global SYMTAB reserved %d bytes, wrote %d", ErrUnderAllocated, len(w.globals), w.globalsUsed*24)
	}
	if w.stringsUsed != len(w.strings) {
		return fmt.Errorf("%w: symbol string pool reserved %d bytes, wrote %d", ErrUnderAllocated, len(w.strings), w.stringsUsed)
	}
	return nil
}
