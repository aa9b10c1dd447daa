// Package nso implements the Nintendo Switch NSO format parser:
// two-pass header parsing (compressed segment table, then LZ4
// decompression of .text/.rodata/.data into a single flat image),
// grounded on original_source/formats/nso.py.
package nso

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/pierrec/lz4/v4"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
)

const nsoMagic = "NSO0"

type segmentHeader struct {
	fileOffset, memOffset, decompSize uint32
}

// File is a parsed, fully-decompressed NSO image. After construction
// the flat image is one contiguous buffer addressed from VA 0 (NSO carries no absolute load address of its own;
// the registration locator treats memOffset-relative addressing as
// the image's native addressing, matching the original's base==0
// convention).
type File struct {
	flat      []byte
	reader    *bytestream.Reader
	textSeg   segmentHeader
	roSeg     segmentHeader
	dataSeg   segmentHeader
	bssSize   uint32

	anomalies []string
	logger    *log.Helper
}

// New parses a raw NSO file, decompressing each of its three segments.
func New(data []byte, opts formats.Options) (*File, error) {
	if len(data) < 0x100 || string(data[:4]) != nsoMagic {
		return nil, fmt.Errorf("nso: bad magic")
	}
	f := &File{logger: opts.Logger}
	r := bytestream.New(data)

	// First pass: read the three segment headers plus their
	// compressed sizes, stored separately later in the header.
	r.Seek(0x10)
	var err error
	if f.textSeg, err = readSegmentHeader(r); err != nil {
		return nil, err
	}
	if f.roSeg, err = readSegmentHeader(r); err != nil {
		return nil, err
	}
	if f.dataSeg, err = readSegmentHeader(r); err != nil {
		return nil, err
	}

	r.Seek(0x38)
	if f.bssSize, err = r.ReadUint32(); err != nil {
		return nil, err
	}

	r.Seek(0x60)
	textCompSize, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	roCompSize, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	dataCompSize, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	textRaw, err := r.ReadBytesAt(uint64(f.textSeg.fileOffset), uint64(textCompSize))
	if err != nil {
		return nil, err
	}
	roRaw, err := r.ReadBytesAt(uint64(f.roSeg.fileOffset), uint64(roCompSize))
	if err != nil {
		return nil, err
	}
	dataRaw, err := r.ReadBytesAt(uint64(f.dataSeg.fileOffset), uint64(dataCompSize))
	if err != nil {
		return nil, err
	}

	text, err := decompress(textRaw, int(f.textSeg.decompSize))
	if err != nil {
		return nil, fmt.Errorf("nso: .text: %w", err)
	}
	ro, err := decompress(roRaw, int(f.roSeg.decompSize))
	if err != nil {
		return nil, fmt.Errorf("nso: .rodata: %w", err)
	}
	dataSeg, err := decompress(dataRaw, int(f.dataSeg.decompSize))
	if err != nil {
		return nil, fmt.Errorf("nso: .data: %w", err)
	}

	// Second pass: the decompressed segments already carry their
	// relative memOffset placement; lay them out into one flat buffer
	// sized to the highest memOffset+size, .bss left zero-filled.
	flatSize := f.dataSeg.memOffset + uint32(len(dataSeg)) + f.bssSize
	flat := make([]byte, flatSize)
	copy(flat[f.textSeg.memOffset:], text)
	copy(flat[f.roSeg.memOffset:], ro)
	copy(flat[f.dataSeg.memOffset:], dataSeg)
	f.flat = flat
	f.reader = bytestream.New(flat)
	f.reader.Is32Bit = false
	return f, nil
}

func readSegmentHeader(r *bytestream.Reader) (segmentHeader, error) {
	var s segmentHeader
	var err error
	if s.fileOffset, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if s.memOffset, err = r.ReadUint32(); err != nil {
		return s, err
	}
	if s.decompSize, err = r.ReadUint32(); err != nil {
		return s, err
	}
	return s, nil
}

func decompress(compressed []byte, decompSize int) ([]byte, error) {
	out := make([]byte, decompSize)
	n, err := lz4.UncompressBlock(compressed, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func (f *File) warn(msg string) {
	f.anomalies = append(f.anomalies, msg)
	if f.logger != nil {
		f.logger.Warnf("nso: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected during parsing.
func (f *File) Anomalies() []string { return f.anomalies }

// VAToOffset implements formats.Image. NSO's flat decompressed image
// uses memOffset as both its "file offset" and its "virtual address":
// the two coincide once segments are laid out into the flat buffer.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	if va >= uint64(len(f.flat)) {
		return 0, formats.ErrAddressOutOfRange
	}
	return va, nil
}

// OffsetToVA implements formats.Image.
func (f *File) OffsetToVA(offset uint64) uint64 { return offset }

// ImageBase implements formats.Image. NSO has no relocatable base; the
// flat image is addressed from 0.
func (f *File) ImageBase() uint64 { return 0 }

// PointerSize implements formats.Image. NSO targets AArch64 exclusively.
func (f *File) PointerSize() int { return 8 }

// IsDumped implements formats.Image. NSO is always loaded from its
// on-disk compressed form in this loader; memory-dump NSO capture is
// out of scope (the format has no loader-rebasing step to reverse).
func (f *File) IsDumped() bool { return false }

// CheckDump implements formats.Image.
func (f *File) CheckDump() bool { return false }

// Reload implements formats.Image; a no-op since NSO has a fixed base.
func (f *File) Reload() error { return nil }

// FindSymbols implements formats.Image. NSO carries no export or
// symbol table; registration discovery relies entirely on the
// locator's pattern-search strategies.
func (f *File) FindSymbols() []formats.Symbol { return nil }

// ClassifySections implements formats.Image.
func (f *File) ClassifySections() formats.Sections {
	mk := func(s segmentHeader) formats.SearchSection {
		r := formats.Range{Start: uint64(s.memOffset), End: uint64(s.memOffset) + uint64(s.decompSize)}
		return formats.SearchSection{Offset: r, VA: r}
	}
	bss := formats.SearchSection{
		Offset: formats.Range{Start: uint64(f.dataSeg.memOffset) + uint64(f.dataSeg.decompSize), End: uint64(len(f.flat))},
		VA:     formats.Range{Start: uint64(f.dataSeg.memOffset) + uint64(f.dataSeg.decompSize), End: uint64(len(f.flat))},
	}
	return formats.Sections{
		Exec: []formats.SearchSection{mk(f.textSeg)},
		Data: []formats.SearchSection{mk(f.roSeg), mk(f.dataSeg)},
		BSS:  []formats.SearchSection{bss},
	}
}

// Reader implements formats.Image.
func (f *File) Reader() *bytestream.Reader { return f.reader }
