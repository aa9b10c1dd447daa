// Package macho implements the Mach-O format parser: thin 32/64-bit
// images and FAT/universal archives with architecture slice selection,
// grounded on original_source/formats/macho.py (MachoFat, Macho,
// Macho64).
package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
)

const (
	magic32    = 0xfeedface
	magic64    = 0xfeedfacf
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf

	cpuTypeARM64 = 0x0100000c
	cpuTypeARM   = 0x0000000c
	cpuTypeX8664 = 0x01000007
	cpuTypeX86   = 0x00000007

	lcSegment       = 0x1
	lcSegment64     = 0x19
	lcSymtab        = 0x2

	vmProtExec  = 0x4
	vmProtWrite = 0x2
)

type segment64 struct {
	name                     string
	vmaddr, vmsize           uint64
	fileoff, filesize        uint64
	maxprot, initprot        uint32
}

// File is a parsed thin Mach-O image (32 or 64 bit).
type File struct {
	data      []byte
	reader    *bytestream.Reader
	is64      bool
	cpuType   uint32
	segments  []segment64
	symbols   []formats.Symbol

	anomalies []string
	logger    *log.Helper
}

// Open parses data, which may be a thin Mach-O or a FAT/universal
// archive. For FAT archives, the slice matching preferredCPU is
// selected (falling back to the first ARM64, then first 64-bit, slice
// when preferredCPU is 0), mirroring MachoFat.PreferredSlice.
func Open(data []byte, preferredCPU uint32, opts formats.Options) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("macho: file too small")
	}
	be := binary.BigEndian.Uint32(data[:4])
	le := binary.LittleEndian.Uint32(data[:4])

	if be == fatMagic || be == fatMagic64 {
		slice, err := selectFatSlice(data, be == fatMagic64, preferredCPU)
		if err != nil {
			return nil, err
		}
		return New(slice, opts)
	}
	_ = le
	return New(data, opts)
}

func selectFatSlice(data []byte, is64 bool, preferredCPU uint32) ([]byte, error) {
	nfat := binary.BigEndian.Uint32(data[4:8])
	archEntrySize := 20
	if is64 {
		archEntrySize = 32
	}
	type arch struct {
		cpuType       uint32
		offset, size  uint64
	}
	var archs []arch
	for i := uint32(0); i < nfat; i++ {
		off := 8 + int(i)*archEntrySize
		if off+archEntrySize > len(data) {
			break
		}
		cpuType := binary.BigEndian.Uint32(data[off:])
		var fileOff, fileSize uint64
		if is64 {
			fileOff = binary.BigEndian.Uint64(data[off+8:])
			fileSize = binary.BigEndian.Uint64(data[off+16:])
		} else {
			fileOff = uint64(binary.BigEndian.Uint32(data[off+8:]))
			fileSize = uint64(binary.BigEndian.Uint32(data[off+12:]))
		}
		archs = append(archs, arch{cpuType, fileOff, fileSize})
	}
	if len(archs) == 0 {
		return nil, fmt.Errorf("macho: FAT archive has no slices")
	}

	pick := -1
	if preferredCPU != 0 {
		for i, a := range archs {
			if a.cpuType == preferredCPU {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		for i, a := range archs {
			if a.cpuType == cpuTypeARM64 {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		for i, a := range archs {
			if a.cpuType&0x01000000 != 0 { // CPU_ARCH_ABI64
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = 0
	}
	a := archs[pick]
	if a.offset+a.size > uint64(len(data)) {
		return nil, formats.ErrAddressOutOfRange
	}
	return data[a.offset : a.offset+a.size], nil
}

// New parses a thin (non-FAT) Mach-O image.
func New(data []byte, opts formats.Options) (*File, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("macho: file too small")
	}
	magic := binary.LittleEndian.Uint32(data[:4])
	f := &File{data: data, logger: opts.Logger}
	f.reader = bytestream.New(data)

	switch magic {
	case magic64:
		f.is64 = true
	case magic32:
		f.is64 = false
	default:
		return nil, fmt.Errorf("macho: unrecognized thin-file magic 0x%x", magic)
	}
	f.reader.Is32Bit = !f.is64

	if err := f.parseLoadCommands(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseLoadCommands() error {
	r := f.reader
	r.Seek(4)
	cpuType, err := r.ReadUint32()
	if err != nil {
		return err
	}
	f.cpuType = cpuType
	if _, err := r.ReadUint32(); err != nil { // cpusubtype
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // filetype
		return err
	}
	ncmds, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // sizeofcmds
		return err
	}
	if _, err := r.ReadUint32(); err != nil { // flags
		return err
	}
	headerSize := uint64(28)
	if f.is64 {
		if _, err := r.ReadUint32(); err != nil { // reserved
			return err
		}
		headerSize = 32
	}

	pos := headerSize
	for i := uint32(0); i < ncmds; i++ {
		r.Seek(pos)
		cmd, err := r.ReadUint32()
		if err != nil {
			return err
		}
		cmdsize, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if cmd == lcSegment64 {
			if err := f.readSegment64(pos + 8); err != nil {
				return err
			}
		} else if cmd == lcSegment {
			if err := f.readSegment32(pos + 8); err != nil {
				return err
			}
		} else if cmd == 0x21 || cmd == 0x2c { // LC_ENCRYPTION_INFO(_64): cryptoff, cryptsize, cryptid
			r.Seek(pos + 16)
			if cryptid, err := r.ReadUint32(); err == nil && cryptid != 0 {
				f.warn("EncryptedBinary: cryptid != 0")
			}
		}
		pos += uint64(cmdsize)
	}
	return nil
}

func (f *File) readSegment64(off uint64) error {
	r := f.reader
	r.Seek(off)
	nameBytes, err := r.ReadBytes(16)
	if err != nil {
		return err
	}
	end := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			end = i
			break
		}
	}
	var s segment64
	s.name = string(nameBytes[:end])
	if s.vmaddr, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.vmsize, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.fileoff, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.filesize, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.maxprot, err = r.ReadUint32(); err != nil {
		return err
	}
	if s.initprot, err = r.ReadUint32(); err != nil {
		return err
	}
	f.segments = append(f.segments, s)
	return nil
}

func (f *File) readSegment32(off uint64) error {
	r := f.reader
	r.Seek(off)
	nameBytes, err := r.ReadBytes(16)
	if err != nil {
		return err
	}
	end := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			end = i
			break
		}
	}
	var s segment64
	s.name = string(nameBytes[:end])
	vmaddr, err := r.ReadUint32()
	if err != nil {
		return err
	}
	s.vmaddr = uint64(vmaddr)
	vmsize, err := r.ReadUint32()
	if err != nil {
		return err
	}
	s.vmsize = uint64(vmsize)
	fileoff, err := r.ReadUint32()
	if err != nil {
		return err
	}
	s.fileoff = uint64(fileoff)
	filesize, err := r.ReadUint32()
	if err != nil {
		return err
	}
	s.filesize = uint64(filesize)
	if s.maxprot, err = r.ReadUint32(); err != nil {
		return err
	}
	if s.initprot, err = r.ReadUint32(); err != nil {
		return err
	}
	f.segments = append(f.segments, s)
	return nil
}

func (f *File) warn(msg string) {
	f.anomalies = append(f.anomalies, msg)
	if f.logger != nil {
		f.logger.Warnf("macho: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected during parsing.
func (f *File) Anomalies() []string { return f.anomalies }

// VAToOffset implements formats.Image.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	for _, s := range f.segments {
		if va >= s.vmaddr && va < s.vmaddr+s.vmsize {
			delta := va - s.vmaddr
			if delta >= s.filesize {
				return 0, formats.ErrAddressOutOfRange
			}
			return s.fileoff + delta, nil
		}
	}
	return 0, formats.ErrAddressOutOfRange
}

// OffsetToVA implements formats.Image.
func (f *File) OffsetToVA(offset uint64) uint64 {
	for _, s := range f.segments {
		if offset >= s.fileoff && offset < s.fileoff+s.filesize {
			return s.vmaddr + (offset - s.fileoff)
		}
	}
	return 0
}

// ImageBase implements formats.Image: the lowest segment vmaddr, as
// Mach-O binaries (like ELF shared objects) are position-independent.
func (f *File) ImageBase() uint64 {
	var base uint64 = ^uint64(0)
	found := false
	for _, s := range f.segments {
		if s.name == "__PAGEZERO" {
			continue
		}
		if !found || s.vmaddr < base {
			base = s.vmaddr
			found = true
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
func (f *File) IsDumped() bool { return false }

// CheckDump implements formats.Image. Mach-O dumps are not
// distinguishable from this file's own header (unlike PE/ELF, Mach-O
// segment file offsets already mirror load layout in both cases), and
// New does not consult formats.Options.ForceDump, so this always
// reports false.
func (f *File) CheckDump() bool { return false }

// Reload implements formats.Image; Mach-O segment file offsets need no
// rebasing fixup since LC_SEGMENT(64) vmaddr is already absolute.
func (f *File) Reload() error { return nil }

// FindSymbols implements formats.Image. Symbol-table parsing
// (LC_SYMTAB) is not wired for Mach-O images: this returns the empty
// set, so the locator's symbol fallback finds nothing on Mach-O and
// only the pattern-search strategies can locate the registrations.
func (f *File) FindSymbols() []formats.Symbol { return f.symbols }

// ClassifySections implements formats.Image.
func (f *File) ClassifySections() formats.Sections {
	var out formats.Sections
	for _, s := range f.segments {
		if s.name == "__PAGEZERO" {
			continue
		}
		off := formats.Range{Start: s.fileoff, End: s.fileoff + s.filesize}
		va := formats.Range{Start: s.vmaddr, End: s.vmaddr + s.vmsize}
		ss := formats.SearchSection{Offset: off, VA: va}
		switch {
		case s.initprot&vmProtExec != 0:
			out.Exec = append(out.Exec, ss)
		case s.vmsize > s.filesize:
			out.BSS = append(out.BSS, ss)
		default:
			out.Data = append(out.Data, ss)
		}
	}
	return out
}

// Reader implements formats.Image.
func (f *File) Reader() *bytestream.Reader { return f.reader }
