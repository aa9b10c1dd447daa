// Package elf implements the ELF32/ELF64 format parser: program-header
// and section-header parsing, dynamic-section walking, symbol-table
// sizing via SysV/GNU hash, relocation application, and the dump-mode
// segment fixups §4.C documents. Grounded on
// original_source/formats/elf.py.
package elf

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/ianlancetaylor/demangle"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/il2cppdump/il2cppcore/internal/patsearch"
)

const (
	elfMagic = "\x7fELF"

	classELF32 = 1
	classELF64 = 2

	ptLoad    = 1
	ptDynamic = 2

	pfExec  = 0x1
	pfWrite = 0x2

	dtNull     = 0
	dtHash     = 4
	dtStrtab   = 5
	dtSymtab   = 6
	dtRela     = 7
	dtRelaSz   = 8
	dtRel      = 17
	dtRelSz    = 18
	dtInit     = 12
	dtGNUHash  = 0x6ffffef5

	shtLoUser = 0x80000000

	rAbs32386    = 1  // R_386_32
	rAbs32ARM    = 2  // R_ARM_ABS32
	rAbs64AArch  = 257
	rRelAArch    = 1027
	rAbs64X86    = 1
	rRelX86      = 8
)

// File is a parsed ELF32 or ELF64 image.
type File struct {
	data      []byte
	reader    *bytestream.Reader
	is64      bool
	isDumped  bool
	imageBase uint64
	machine   uint16

	segments []segment
	sections []sectionHeader
	dynamic  map[uint64]uint64 // tag -> value, last wins like a real dynamic table scan
	symbols  []formats.Symbol
	symtab   []elfSym // full dynsym array indexed by position, unnamed entries included

	anomalies []string
	logger    *log.Helper
}

// elfSym mirrors enough of Elf32_Sym/Elf64_Sym for relocation resolution:
// ABS64/R_X86_64_64 relocations address this table by position, including
// entries with an empty name (st_name == 0).
type elfSym struct {
	value uint64
}

type segment struct {
	pType                          uint32
	flags                          uint32
	offset, vaddr, filesz, memsz   uint64
}

type sectionHeader struct {
	name       string
	shType     uint32
	addr       uint64
	offset     uint64
	size       uint64
}

// New parses data as an ELF image.
func New(data []byte, opts formats.Options) (*File, error) {
	if len(data) < 20 || string(data[:4]) != elfMagic {
		return nil, fmt.Errorf("elf: %w: bad magic", formatErrInvalidMagic)
	}

	f := &File{data: data, logger: opts.Logger}
	class := data[4]
	switch class {
	case classELF64:
		f.is64 = true
	case classELF32:
		f.is64 = false
	default:
		return nil, fmt.Errorf("elf: unsupported class byte 0x%x", class)
	}

	f.reader = bytestream.New(data)
	f.reader.Is32Bit = !f.is64

	if err := f.parseHeaders(); err != nil {
		return nil, err
	}
	f.loadDynamic()
	f.loadSymbols()
	f.checkProtection()

	if opts.ForceDump || f.CheckDump() {
		f.isDumped = true
	}
	return f, nil
}

var formatErrInvalidMagic = fmt.Errorf("invalid ELF magic")

func (f *File) parseHeaders() error {
	r := f.reader
	r.Seek(16) // past e_ident
	eType, err := r.ReadUint16()
	if err != nil {
		return err
	}
	_ = eType
	machine, err := r.ReadUint16()
	if err != nil {
		return err
	}
	f.machine = machine

	r.Seek(16 + 2 + 2 + 4) // e_type,e_machine,e_version
	var phoff, shoff uint64
	var phentsize, phnum, shentsize, shnum uint16

	if f.is64 {
		// e_entry(8) already consumed position set below
		r.Seek(24) // e_entry
		if _, err := r.ReadUint64(); err != nil { // e_entry
			return err
		}
		if phoff, err = r.ReadUint64(); err != nil {
			return err
		}
		if shoff, err = r.ReadUint64(); err != nil {
			return err
		}
		if _, err := r.ReadUint32(); err != nil { // e_flags
			return err
		}
		if _, err := r.ReadUint16(); err != nil { // e_ehsize
			return err
		}
		if phentsize, err = r.ReadUint16(); err != nil {
			return err
		}
		if phnum, err = r.ReadUint16(); err != nil {
			return err
		}
		if shentsize, err = r.ReadUint16(); err != nil {
			return err
		}
		if shnum, err = r.ReadUint16(); err != nil {
			return err
		}
	} else {
		r.Seek(24)
		if _, err := r.ReadUint32(); err != nil { // e_entry
			return err
		}
		p32, err := r.ReadUint32()
		if err != nil {
			return err
		}
		phoff = uint64(p32)
		s32, err := r.ReadUint32()
		if err != nil {
			return err
		}
		shoff = uint64(s32)
		if _, err := r.ReadUint32(); err != nil { // e_flags
			return err
		}
		if _, err := r.ReadUint16(); err != nil { // e_ehsize
			return err
		}
		if phentsize, err = r.ReadUint16(); err != nil {
			return err
		}
		if phnum, err = r.ReadUint16(); err != nil {
			return err
		}
		if shentsize, err = r.ReadUint16(); err != nil {
			return err
		}
		if shnum, err = r.ReadUint16(); err != nil {
			return err
		}
	}

	for i := 0; i < int(phnum); i++ {
		r.Seek(phoff + uint64(i)*uint64(phentsize))
		seg, err := f.readProgramHeader()
		if err != nil {
			return err
		}
		f.segments = append(f.segments, seg)
	}

	for i := 0; i < int(shnum); i++ {
		r.Seek(shoff + uint64(i)*uint64(shentsize))
		sh, err := f.readSectionHeader()
		if err != nil {
			return err
		}
		f.sections = append(f.sections, sh)
	}
	return nil
}

func (f *File) readProgramHeader() (segment, error) {
	r := f.reader
	var s segment
	var err error
	if f.is64 {
		if s.pType, err = r.ReadUint32(); err != nil {
			return s, err
		}
		if s.flags, err = r.ReadUint32(); err != nil {
			return s, err
		}
		if s.offset, err = r.ReadUint64(); err != nil {
			return s, err
		}
		if s.vaddr, err = r.ReadUint64(); err != nil {
			return s, err
		}
		if _, err = r.ReadUint64(); err != nil { // p_paddr
			return s, err
		}
		if s.filesz, err = r.ReadUint64(); err != nil {
			return s, err
		}
		if s.memsz, err = r.ReadUint64(); err != nil {
			return s, err
		}
	} else {
		if s.pType, err = r.ReadUint32(); err != nil {
			return s, err
		}
		off32, err := r.ReadUint32()
		if err != nil {
			return s, err
		}
		s.offset = uint64(off32)
		v32, err := r.ReadUint32()
		if err != nil {
			return s, err
		}
		s.vaddr = uint64(v32)
		if _, err = r.ReadUint32(); err != nil { // p_paddr
			return s, err
		}
		fsz, err := r.ReadUint32()
		if err != nil {
			return s, err
		}
		s.filesz = uint64(fsz)
		msz, err := r.ReadUint32()
		if err != nil {
			return s, err
		}
		s.memsz = uint64(msz)
		if s.flags, err = r.ReadUint32(); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (f *File) readSectionHeader() (sectionHeader, error) {
	r := f.reader
	var sh sectionHeader
	var err error
	if _, err = r.ReadUint32(); err != nil { // sh_name (string table index, resolved lazily)
		return sh, err
	}
	if sh.shType, err = r.ReadUint32(); err != nil {
		return sh, err
	}
	if f.is64 {
		if _, err = r.ReadUint64(); err != nil { // sh_flags
			return sh, err
		}
		if sh.addr, err = r.ReadUint64(); err != nil {
			return sh, err
		}
		if sh.offset, err = r.ReadUint64(); err != nil {
			return sh, err
		}
		if sh.size, err = r.ReadUint64(); err != nil {
			return sh, err
		}
	} else {
		if _, err = r.ReadUint32(); err != nil { // sh_flags
			return sh, err
		}
		a32, err := r.ReadUint32()
		if err != nil {
			return sh, err
		}
		sh.addr = uint64(a32)
		o32, err := r.ReadUint32()
		if err != nil {
			return sh, err
		}
		sh.offset = uint64(o32)
		s32, err := r.ReadUint32()
		if err != nil {
			return sh, err
		}
		sh.size = uint64(s32)
	}
	return sh, nil
}

func (f *File) loadDynamic() {
	f.dynamic = map[uint64]uint64{}
	for _, s := range f.segments {
		if s.pType != ptDynamic {
			continue
		}
		r := f.reader
		entrySize := uint64(16)
		if !f.is64 {
			entrySize = 8
		}
		count := s.filesz / entrySize
		for i := uint64(0); i < count; i++ {
			r.Seek(s.offset + i*entrySize)
			var tag, val uint64
			if f.is64 {
				t, err := r.ReadUint64()
				if err != nil {
					return
				}
				tag = t
				v, err := r.ReadUint64()
				if err != nil {
					return
				}
				val = v
			} else {
				t, err := r.ReadUint32()
				if err != nil {
					return
				}
				tag = uint64(t)
				v, err := r.ReadUint32()
				if err != nil {
					return
				}
				val = uint64(v)
			}
			if tag == dtNull {
				break
			}
			f.dynamic[tag] = val
		}
	}
}

// symbolCount derives the dynamic symbol table size from DT_HASH
// (nchain) or, when absent, DT_GNU_HASH by walking buckets to find
// the last symbol then chasing the chain to a terminator bit.
func (f *File) symbolCount() (uint64, bool) {
	if hashOff, ok := f.dynamic[dtHash]; ok {
		off, err := f.VAToOffset(hashOff)
		if err != nil {
			return 0, false
		}
		r := f.reader
		r.Seek(off + 4) // skip nbucket
		nchain, err := r.ReadUint32()
		if err != nil {
			return 0, false
		}
		return uint64(nchain), true
	}

	gnuOff, ok := f.dynamic[dtGNUHash]
	if !ok {
		return 0, false
	}
	off, err := f.VAToOffset(gnuOff)
	if err != nil {
		return 0, false
	}
	r := f.reader
	r.Seek(off)
	nbuckets, err := r.ReadUint32()
	if err != nil {
		return 0, false
	}
	symOffset, err := r.ReadUint32()
	if err != nil {
		return 0, false
	}
	bloomSize, err := r.ReadUint32()
	if err != nil {
		return 0, false
	}
	r.Seek(8) // re-derive relative position below
	bloomWordSize := uint64(4)
	if f.is64 {
		bloomWordSize = 8
	}
	bucketsOff := off + 16 + uint64(bloomSize)*bloomWordSize
	chainOff := bucketsOff + uint64(nbuckets)*4

	var maxSymIdx uint32
	found := false
	r.Seek(bucketsOff)
	buckets := make([]uint32, nbuckets)
	for i := range buckets {
		v, err := r.ReadUint32()
		if err != nil {
			return 0, false
		}
		buckets[i] = v
		if v > maxSymIdx {
			maxSymIdx = v
			found = true
		}
	}
	if !found || maxSymIdx < symOffset {
		return uint64(symOffset), true
	}

	idx := maxSymIdx
	r.Seek(chainOff + uint64(idx-symOffset)*4)
	for {
		hashVal, err := r.ReadUint32()
		if err != nil {
			return uint64(idx), true
		}
		if hashVal&1 != 0 {
			return uint64(idx + 1), true
		}
		idx++
	}
}

func (f *File) loadSymbols() {
	symOff, hasSym := f.dynamic[dtSymtab]
	strOff, hasStr := f.dynamic[dtStrtab]
	if !hasSym || !hasStr {
		return
	}
	count, ok := f.symbolCount()
	if !ok {
		return
	}

	symFileOff, err := f.VAToOffset(symOff)
	if err != nil {
		return
	}
	strFileOff, err := f.VAToOffset(strOff)
	if err != nil {
		return
	}

	entrySize := uint64(24)
	if !f.is64 {
		entrySize = 16
	}
	r := f.reader
	for i := uint64(0); i < count; i++ {
		r.Seek(symFileOff + i*entrySize)
		nameIdx, err := r.ReadUint32()
		if err != nil {
			break
		}
		var value uint64
		if f.is64 {
			if _, err := r.ReadUint8(); err != nil { // st_info
				break
			}
			if _, err := r.ReadUint8(); err != nil { // st_other
				break
			}
			if _, err := r.ReadUint16(); err != nil { // st_shndx
				break
			}
			v, err := r.ReadUint64()
			if err != nil {
				break
			}
			value = v
		} else {
			v32, err := r.ReadUint32()
			if err != nil {
				break
			}
			value = uint64(v32)
			if _, err := r.ReadUint32(); err != nil { // st_size
				break
			}
			if _, err := r.ReadUint8(); err != nil { // st_info
				break
			}
			if _, err := r.ReadUint8(); err != nil { // st_other
				break
			}
			if _, err := r.ReadUint16(); err != nil { // st_shndx
				break
			}
		}
		f.symtab = append(f.symtab, elfSym{value: value})

		name, err := r.ReadCStringAt(strFileOff + uint64(nameIdx))
		if err != nil || name == "" {
			continue
		}
		f.symbols = append(f.symbols, formats.Symbol{Name: name, VA: value})
		if demangled := demangle.Filter(name); demangled != name {
			f.symbols = append(f.symbols, formats.Symbol{Name: demangled, VA: value})
		}
	}
}

func (f *File) checkProtection() {
	if _, ok := f.dynamic[dtInit]; ok {
		f.warn("ProtectionSuspected: DT_INIT present")
	}
	for _, sym := range f.symbols {
		if sym.Name == "JNI_OnLoad" {
			f.warn("ProtectionSuspected: exported JNI_OnLoad")
			break
		}
	}
	for _, sh := range f.sections {
		if sh.shType >= shtLoUser {
			f.warn("ProtectionSuspected: SHT_LOUSER section present")
			break
		}
	}
}

func (f *File) warn(msg string) {
	f.anomalies = append(f.anomalies, msg)
	if f.logger != nil {
		f.logger.Warnf("elf: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected during parsing.
func (f *File) Anomalies() []string { return f.anomalies }

// ApplyRelocations walks DT_REL/DT_RELA and writes resolved addend
// values back into the in-memory image, matching §4.C's relocation
// application. Downstream readers must re-fetch the buffer via
// Reader().Bytes() after this call.
func (f *File) ApplyRelocations() error {
	if off, sz, ok := f.relocRegion(dtRel, dtRelSz); ok {
		if err := f.applyRel(off, sz, false); err != nil {
			return err
		}
	}
	if off, sz, ok := f.relocRegion(dtRela, dtRelaSz); ok {
		if err := f.applyRel(off, sz, true); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) relocRegion(tagOff, tagSz uint64) (uint64, uint64, bool) {
	va, ok := f.dynamic[tagOff]
	if !ok {
		return 0, 0, false
	}
	sz, ok := f.dynamic[tagSz]
	if !ok {
		return 0, 0, false
	}
	off, err := f.VAToOffset(va)
	if err != nil {
		return 0, 0, false
	}
	return off, sz, true
}

func (f *File) applyRel(off, size uint64, hasAddend bool) error {
	entrySize := uint64(8)
	if f.is64 {
		entrySize = 16
	}
	if hasAddend {
		entrySize += entrySizeAddend(f.is64)
	}
	count := size / entrySize
	r := f.reader

	for i := uint64(0); i < count; i++ {
		r.Seek(off + i*entrySize)
		var vaddr uint64
		var info uint64
		var addend uint64

		if f.is64 {
			v, err := r.ReadUint64()
			if err != nil {
				return err
			}
			vaddr = v
			inf, err := r.ReadUint64()
			if err != nil {
				return err
			}
			info = inf
			if hasAddend {
				a, err := r.ReadUint64()
				if err != nil {
					return err
				}
				addend = a
			}
		} else {
			v32, err := r.ReadUint32()
			if err != nil {
				return err
			}
			vaddr = uint64(v32)
			inf32, err := r.ReadUint32()
			if err != nil {
				return err
			}
			info = uint64(inf32)
			if hasAddend {
				a32, err := r.ReadUint32()
				if err != nil {
					return err
				}
				addend = uint64(a32)
			}
		}

		var relType, sym uint64
		if f.is64 {
			relType = info & 0xffffffff
			sym = info >> 32 // ELF64_R_SYM
		} else {
			relType = info & 0xff
			sym = info >> 8 // ELF32_R_SYM
		}

		// isAbs marks relocations that resolve against symtab[sym].value
		// (the original's symbol_table[sym].st_value path); everything
		// else applicable here is RELATIVE-style and uses the raw addend.
		applicable := false
		isAbs := false
		if f.is64 {
			switch relType {
			case rAbs64AArch, rAbs64X86:
				applicable = true
				isAbs = true
			case rRelAArch, rRelX86:
				applicable = true
			}
		} else {
			switch relType {
			case rAbs32386, rAbs32ARM:
				applicable = true
				isAbs = true
			}
		}
		if !applicable {
			continue
		}

		fileOff, err := f.VAToOffset(vaddr)
		if err != nil {
			continue // speculative: skip unmapped relocation targets
		}

		var value uint64
		if isAbs {
			if sym >= uint64(len(f.symtab)) {
				continue // unresolved symbol index: skip, matching the original's bounds check
			}
			value = f.symtab[sym].value + addend
		} else if hasAddend {
			value = addend // RELA RELATIVE: raw addend, no symbol lookup
		} else {
			existing, err := f.reader.ReadBytesAt(fileOff, uint64(f.PointerSize()))
			if err != nil {
				continue
			}
			if f.is64 {
				value = binary.LittleEndian.Uint64(existing)
			} else {
				value = uint64(binary.LittleEndian.Uint32(existing))
			}
			value += addend // addend is 0 here; kept for symmetry with RELA path
		}

		if f.is64 {
			binary.LittleEndian.PutUint64(f.data[fileOff:], value)
		} else {
			binary.LittleEndian.PutUint32(f.data[fileOff:], uint32(value))
		}
	}
	return nil
}

func entrySizeAddend(is64 bool) uint64 {
	if is64 {
		return 8
	}
	return 4
}

// VAToOffset implements formats.Image.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	for _, s := range f.segments {
		if s.pType != ptLoad {
			continue
		}
		if va >= s.vaddr && va < s.vaddr+s.memsz {
			off := va - s.vaddr + s.offset
			if off-s.offset >= s.filesz {
				return 0, formats.ErrAddressOutOfRange
			}
			return off, nil
		}
	}
	return 0, formats.ErrAddressOutOfRange
}

// OffsetToVA implements formats.Image.
func (f *File) OffsetToVA(offset uint64) uint64 {
	for _, s := range f.segments {
		if s.pType != ptLoad {
			continue
		}
		if offset >= s.offset && offset < s.offset+s.filesz {
			return offset - s.offset + s.vaddr
		}
	}
	return 0
}

// ImageBase implements formats.Image. ELF shared objects are
// position-independent; the "base" is the lowest PT_LOAD vaddr.
func (f *File) ImageBase() uint64 {
	var base uint64 = ^uint64(0)
	found := false
	for _, s := range f.segments {
		if s.pType == ptLoad {
			if !found || s.vaddr < base {
				base = s.vaddr
				found = true
			}
		}
	}
	if !found {
		return 0
	}
	return base
}

// PointerSize implements formats.Image.
func (f *File) PointerSize() int {
	if f.is64 {
		return 8
	}
	return 4
}

// IsDumped implements formats.Image.
func (f *File) IsDumped() bool { return f.isDumped }

// CheckDump implements formats.Image. ELF images read from disk are
// never dumps by construction in this loader (dumps are supplied
// pre-rebased by the caller via Options.ForceDump); the heuristic here
// mirrors the original's conservative "false unless forced" default
// since ELF dump detection needs external provenance the file itself
// doesn't encode.
func (f *File) CheckDump() bool { return false }

// Reload implements formats.Image: applies the dump-mode segment
// fixups documented in §4.C (`p_offset := p_vaddr`, `p_vaddr +=
// image_base`, `p_filesz := p_memsz`) after ImageBase has been set by
// the caller for a memory dump.
func (f *File) Reload() error {
	if !f.isDumped {
		return nil
	}
	base := f.imageBase
	for i := range f.segments {
		s := &f.segments[i]
		s.offset = s.vaddr
		s.vaddr += base
		s.filesz = s.memsz
	}
	return nil
}

// SetImageBase sets the rebasing address for a memory dump; call
// Reload afterward to rebuild the address maps.
func (f *File) SetImageBase(base uint64) {
	f.imageBase = base
	f.isDumped = true
}

// FindSymbols implements formats.Image.
func (f *File) FindSymbols() []formats.Symbol { return f.symbols }

// ClassifySections implements formats.Image: PT_LOAD segments with
// PF_X are executable, the rest are data; the memsz > filesz tail of a
// data segment is reported as BSS, and when no segment has such a tail
// the data list is reused as BSS. Section headers are not consulted.
func (f *File) ClassifySections() formats.Sections {
	var out formats.Sections
	for _, s := range f.segments {
		if s.pType != ptLoad {
			continue
		}
		ss := formats.SearchSection{
			Offset: formats.Range{Start: s.offset, End: s.offset + s.filesz},
			VA:     formats.Range{Start: s.vaddr, End: s.vaddr + s.memsz},
		}
		if s.flags&pfExec != 0 {
			out.Exec = append(out.Exec, ss)
		} else {
			out.Data = append(out.Data, ss)
			if s.memsz > s.filesz {
				// the tail beyond filesz is zero-initialized (BSS).
				out.BSS = append(out.BSS, formats.SearchSection{
					Offset: formats.Range{Start: s.offset + s.filesz, End: s.offset + s.filesz},
					VA:     formats.Range{Start: s.vaddr + s.filesz, End: s.vaddr + s.memsz},
				})
			}
		}
	}
	if len(out.BSS) == 0 {
		out.BSS = out.Data
	}
	return out
}

// Reader implements formats.Image.
func (f *File) Reader() *bytestream.Reader { return f.reader }

// SearchARM32Pattern is the pre-v24 ARM32 fallback search, a distinct
// code path from the locator's numbered strategies (§4.C). It scans
// every executable section for pattern using the shared
// Boyer-Moore-Horspool matcher.
func (f *File) SearchARM32Pattern(pattern patsearch.Pattern) []uint64 {
	var hits []uint64
	for _, s := range f.ClassifySections().Exec {
		region, err := f.reader.ReadBytesAt(s.Offset.Start, s.Offset.Len())
		if err != nil {
			continue
		}
		for _, idx := range patsearch.FindAll(region, pattern) {
			hits = append(hits, s.VA.Start+uint64(idx))
		}
	}
	return hits
}
