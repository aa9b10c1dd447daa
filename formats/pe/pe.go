// Package pe implements the PE32/PE32+ format parser: DOS/NT headers,
// section table, export table symbol enumeration, and dump detection
// by raw-offset/virtual-address equality (Reload applies no fixup).
// Grounded on the teacher's
// own dosheader.go/ntheader.go/section.go plus original_source/formats/pe.py.
package pe

import (
	"errors"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
)

const (
	dosMagic = 0x5a4d // "MZ"
	peMagic  = 0x4550 // "PE\x00\x00"

	pe32Magic  = 0x10b
	pe32pMagic = 0x20b

	imageScnMemExecute = 0x20000000
	imageScnMemWrite   = 0x80000000

	directoryExport = 0
)

// ErrInvalidMZSignature mirrors the teacher's ErrDosHeaderNotFound.
var ErrInvalidMZSignature = errors.New("pe: MZ signature not found")

// ErrInvalidPESignature mirrors the teacher's ErrInvalidNtHeaderOffset.
var ErrInvalidPESignature = errors.New("pe: PE signature not found")

type section struct {
	name                     string
	virtualSize, virtualAddr uint32
	rawSize, rawOffset       uint32
	characteristics          uint32
}

// File is a parsed PE32 or PE32+ image.
type File struct {
	data      []byte
	reader    *bytestream.Reader
	is64      bool
	imageBase uint64
	sections  []section

	exportDirVA, exportDirSize uint32

	anomalies []string
	logger    *log.Helper
}

// New parses data as a PE image, following the teacher's ParseDOSHeader
// / ParseNTHeader / ParseSectionHeader sequence.
func New(data []byte, opts formats.Options) (*File, error) {
	f := &File{data: data, logger: opts.Logger}
	f.reader = bytestream.New(data)

	if err := f.parseDOSHeader(); err != nil {
		return nil, err
	}
	if err := f.parseNTHeaders(); err != nil {
		return nil, err
	}
	f.reader.Is32Bit = !f.is64
	f.checkProtection()
	return f, nil
}

func (f *File) parseDOSHeader() error {
	r := f.reader
	r.Seek(0)
	magic, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if magic != dosMagic {
		return ErrInvalidMZSignature
	}
	return nil
}

func (f *File) peHeaderOffset() (uint64, error) {
	r := f.reader
	r.Seek(0x3c)
	off, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return uint64(off), nil
}

func (f *File) parseNTHeaders() error {
	r := f.reader
	ntOff, err := f.peHeaderOffset()
	if err != nil {
		return err
	}
	r.Seek(ntOff)
	sig, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if sig != peMagic {
		return ErrInvalidPESignature
	}

	// IMAGE_FILE_HEADER
	if _, err := r.ReadUint16(); err != nil { // Machine
		return err
	}
	numSections, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // TimeDateStamp
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // PointerToSymbolTable
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // NumberOfSymbols
		return err
	}
	sizeOfOptHeader, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if _, err := r.ReadUint16(); err != nil { // Characteristics
		return err
	}

	optHeaderStart := r.Pos()
	optMagic, err := r.ReadUint16()
	if err != nil {
		return err
	}
	switch optMagic {
	case pe32pMagic:
		f.is64 = true
	case pe32Magic:
		f.is64 = false
	default:
		return fmt.Errorf("pe: unrecognized optional header magic 0x%x", optMagic)
	}

	if err := f.parseOptionalHeader(); err != nil {
		return err
	}

	sectionStart := optHeaderStart + uint64(sizeOfOptHeader)
	r.Seek(sectionStart)
	for i := 0; i < int(numSections); i++ {
		s, err := f.readSectionHeader()
		if err != nil {
			return err
		}
		f.sections = append(f.sections, s)
	}
	return nil
}

// parseOptionalHeader reads only the fields the loader needs
// (ImageBase and the export-directory entry); the remaining
// Windows-loader-specific fields (checksum, subsystem, DLL
// characteristics) carry no IL2CPP-relevant semantics and are skipped,
// matching the original's pe.py which likewise reads a reduced field
// set for this purpose.
func (f *File) parseOptionalHeader() error {
	r := f.reader
	// already consumed Magic(2)
	if _, err := r.ReadUint8(); err != nil { // MajorLinkerVersion
		return err
	}
	if _, err := r.ReadUint8(); err != nil { // MinorLinkerVersion
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // SizeOfCode
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // SizeOfInitializedData
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // SizeOfUninitializedData
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // AddressOfEntryPoint
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // BaseOfCode
		return err
	}
	if !f.is64 {
		if _, err := r.ReadUint32(); err != nil { // BaseOfData, PE32 only
			return err
		}
		base, err := r.ReadUint32()
		if err != nil {
			return err
		}
		f.imageBase = uint64(base)
	} else {
		base, err := r.ReadUint64()
		if err != nil {
			return err
		}
		f.imageBase = base
	}

	if _, err := r.ReadUint32(); err != nil { // SectionAlignment
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // FileAlignment
		return err
	}
	for i := 0; i < 4; i++ { // OS/Image/Subsystem major+minor version pairs
		if _, err := r.ReadUint16(); err != nil {
			return err
		}
	}
	if _, err := r.ReadUint32(); err != nil { // Win32VersionValue
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // SizeOfImage
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // SizeOfHeaders
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // CheckSum
		return err
	}
	if _, err := r.ReadUint16(); err != nil { // Subsystem
		return err
	}
	if _, err := r.ReadUint16(); err != nil { // DllCharacteristics
		return err
	}

	if f.is64 {
		for i := 0; i < 4; i++ { // SizeOfStack/HeapReserve/Commit pairs
			if _, err := r.ReadUint64(); err != nil {
				return err
			}
		}
	} else {
		for i := 0; i < 4; i++ {
			if _, err := r.ReadUint32(); err != nil {
				return err
			}
		}
	}
	if _, err := r.ReadUint32(); err != nil { // LoaderFlags
		return err
	}
	numRVAs, err := r.ReadUint32()
	if err != nil {
		return err
	}
	for i := 0; i < int(numRVAs); i++ {
		va, err := r.ReadUint32()
		if err != nil {
			return err
		}
		size, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if i == directoryExport {
			f.exportDirVA, f.exportDirSize = va, size
		}
	}
	return nil
}

func (f *File) readSectionHeader() (section, error) {
	r := f.reader
	var s section
	nameBytes, err := r.ReadBytes(8)
	if err != nil {
		return s, err
	}
	end := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			end = i
			break
		}
	}
	s.name = string(nameBytes[:end])

	if s.virtualSize, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if s.virtualAddr, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if s.rawSize, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if s.rawOffset, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if _, err := r.ReadUint32(); err != nil { // PointerToRelocations
		return s, err
	}
	if _, err := r.ReadUint32(); err != nil { // PointerToLinenumbers
		return s, err
	}
	if _, err := r.ReadUint16(); err != nil { // NumberOfRelocations
		return s, err
	}
	if _, err := r.ReadUint16(); err != nil { // NumberOfLinenumbers
		return s, err
	}
	if s.characteristics, err = r.ReadUint32(); err != nil {
		return s, err
	}
	return s, nil
}

func (f *File) checkProtection() {
	for _, s := range f.sections {
		if s.name == ".vmp0" || s.name == ".vmp1" || s.name == ".themida" {
			f.warn(fmt.Sprintf("ProtectionSuspected: packer section %q present", s.name))
		}
	}
}

func (f *File) warn(msg string) {
	f.anomalies = append(f.anomalies, msg)
	if f.logger != nil {
		f.logger.Warnf("pe: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected during parsing.
func (f *File) Anomalies() []string { return f.anomalies }

// VAToOffset implements formats.Image. va may be an absolute VA or an
// RVA: a value at or above ImageBase has ImageBase subtracted first.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	rva := va
	if va >= f.imageBase {
		rva = va - f.imageBase
	}
	for _, s := range f.sections {
		start := uint64(s.virtualAddr)
		size := uint64(s.virtualSize)
		if size == 0 {
			size = uint64(s.rawSize)
		}
		if rva >= start && rva < start+size {
			delta := rva - start
			if delta >= uint64(s.rawSize) {
				return 0, formats.ErrAddressOutOfRange
			}
			return uint64(s.rawOffset) + delta, nil
		}
	}
	return 0, formats.ErrAddressOutOfRange
}

// OffsetToVA implements formats.Image, returning an absolute VA
// (ImageBase + RVA).
func (f *File) OffsetToVA(offset uint64) uint64 {
	for _, s := range f.sections {
		if offset >= uint64(s.rawOffset) && offset < uint64(s.rawOffset)+uint64(s.rawSize) {
			return f.imageBase + uint64(s.virtualAddr) + (offset - uint64(s.rawOffset))
		}
	}
	return 0
}

// ImageBase implements formats.Image.
func (f *File) ImageBase() uint64 { return f.imageBase }

// PointerSize implements formats.Image.
func (f *File) PointerSize() int {
	if f.is64 {
		return 8
	}
	return 4
}

// IsDumped implements formats.Image. PE memory dumps are detected by
// raw-offset/virtual-address equality across all sections (disk
// layout and load layout diverge; a dump preserves load layout).
func (f *File) IsDumped() bool { return f.CheckDump() }

// CheckDump implements formats.Image.
func (f *File) CheckDump() bool {
	if len(f.sections) == 0 {
		return false
	}
	for _, s := range f.sections {
		if s.rawOffset != s.virtualAddr {
			return false
		}
	}
	return true
}

// Reload implements formats.Image: a PE dump's raw offsets already
// equal its virtual addresses (per CheckDump), so no fixup is needed
// beyond what CheckDump already detected; present for interface
// symmetry with the other formats.
func (f *File) Reload() error { return nil }

// FindSymbols implements formats.Image by walking the export
// directory table (IMAGE_EXPORT_DIRECTORY), used by the locator's
// symbol-table fallback strategy.
func (f *File) FindSymbols() []formats.Symbol {
	if f.exportDirVA == 0 {
		return nil
	}
	off, err := f.VAToOffset(uint64(f.exportDirVA))
	if err != nil {
		return nil
	}
	r := f.reader
	r.Seek(off + 24) // skip to NumberOfNames
	numNames, err := r.ReadUint32()
	if err != nil {
		return nil
	}
	r.Seek(off + 32) // AddressOfNames, then AddressOfNameOrdinals
	addrOfNames, err := r.ReadUint32()
	if err != nil {
		return nil
	}
	addrOfNameOrdinals, err := r.ReadUint32()
	if err != nil {
		return nil
	}
	// AddressOfFunctions precedes AddressOfNames by 4 bytes in the
	// struct but we don't need function RVAs for name enumeration here.
	namesOff, err := f.VAToOffset(uint64(addrOfNames))
	if err != nil {
		return nil
	}
	ordOff, err := f.VAToOffset(uint64(addrOfNameOrdinals))
	if err != nil {
		return nil
	}

	var out []formats.Symbol
	for i := uint32(0); i < numNames; i++ {
		r.Seek(namesOff + uint64(i)*4)
		nameRVA, err := r.ReadUint32()
		if err != nil {
			break
		}
		nameOff, err := f.VAToOffset(uint64(nameRVA))
		if err != nil {
			continue
		}
		name, err := r.ReadCStringAt(nameOff)
		if err != nil {
			continue
		}
		r.Seek(ordOff + uint64(i)*2)
		_, _ = r.ReadUint16() // ordinal index, unused: names are sufficient for locator matching
		out = append(out, formats.Symbol{Name: name, VA: f.imageBase + uint64(nameRVA)})
	}
	return out
}

// ClassifySections implements formats.Image.
func (f *File) ClassifySections() formats.Sections {
	var out formats.Sections
	for _, s := range f.sections {
		off := formats.Range{Start: uint64(s.rawOffset), End: uint64(s.rawOffset) + uint64(s.rawSize)}
		va := formats.Range{Start: f.imageBase + uint64(s.virtualAddr), End: f.imageBase + uint64(s.virtualAddr) + uint64(s.virtualSize)}
		ss := formats.SearchSection{Offset: off, VA: va}
		switch {
		case s.characteristics&imageScnMemExecute != 0:
			out.Exec = append(out.Exec, ss)
		case s.rawSize == 0 && s.virtualSize > 0:
			out.BSS = append(out.BSS, ss)
		default:
			out.Data = append(out.Data, ss)
		}
	}
	return out
}

// Reader implements formats.Image.
func (f *File) Reader() *bytestream.Reader { return f.reader }
