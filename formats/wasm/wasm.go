// Package wasm implements the WebAssembly module format parser:
// LEB128-sized section enumeration and custom "name" section
// extraction, grounded on original_source/formats/wasm.py.
package wasm

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
)

const wasmMagic = "\x00asm"

const (
	secCustom   = 0
	secCode     = 10
	secData     = 11
	secDataCnt  = 12
)

type wasmSection struct {
	id     byte
	offset uint64 // offset of section payload (past id+size LEB128)
	size   uint64
	name   string // only for id == secCustom
}

// File is a parsed WASM module. There is no notion of virtual address
// distinct from file offset for a WASM binary outside a runtime
// instance: this loader treats file offset and VA as identical,
// matching original_source's treatment of the module as a single flat
// address space for pattern scanning purposes.
type File struct {
	data     []byte
	reader   *bytestream.Reader
	sections []wasmSection

	anomalies []string
	logger    *log.Helper
}

// New parses data as a WASM module.
func New(data []byte, opts formats.Options) (*File, error) {
	if len(data) < 8 || string(data[:4]) != wasmMagic {
		return nil, fmt.Errorf("wasm: bad magic")
	}
	f := &File{data: data, logger: opts.Logger}
	f.reader = bytestream.New(data)
	f.reader.Is32Bit = true

	r := f.reader
	r.Seek(8) // past magic + version
	for r.Pos() < uint64(len(data)) {
		id, err := r.ReadUint8()
		if err != nil {
			break
		}
		size, err := r.ReadLEB128Unsigned()
		if err != nil {
			return nil, fmt.Errorf("wasm: section size at offset %d: %w", r.Pos(), err)
		}
		payloadOff := r.Pos()
		sec := wasmSection{id: id, offset: payloadOff, size: size}
		if id == secCustom {
			nameLen, err := r.ReadLEB128Unsigned()
			if err != nil {
				return nil, err
			}
			nameBytes, err := r.ReadBytes(nameLen)
			if err != nil {
				return nil, err
			}
			sec.name = string(nameBytes)
		}
		f.sections = append(f.sections, sec)
		r.Seek(payloadOff + size)
	}
	return f, nil
}

func (f *File) warn(msg string) {
	f.anomalies = append(f.anomalies, msg)
	if f.logger != nil {
		f.logger.Warnf("wasm: %s", msg)
	}
}

// Anomalies returns the non-fatal warnings collected during parsing.
func (f *File) Anomalies() []string { return f.anomalies }

// VAToOffset implements formats.Image: identity, since WASM modules
// have no separate virtual-address space.
func (f *File) VAToOffset(va uint64) (uint64, error) {
	if va >= uint64(len(f.data)) {
		return 0, formats.ErrAddressOutOfRange
	}
	return va, nil
}

// OffsetToVA implements formats.Image.
func (f *File) OffsetToVA(offset uint64) uint64 { return offset }

// ImageBase implements formats.Image.
func (f *File) ImageBase() uint64 { return 0 }

// PointerSize implements formats.Image: WASM's MVP address space is 32-bit.
func (f *File) PointerSize() int { return 4 }

// IsDumped implements formats.Image.
func (f *File) IsDumped() bool { return false }

// CheckDump implements formats.Image.
func (f *File) CheckDump() bool { return false }

// Reload implements formats.Image; a no-op, WASM has no rebasing step.
func (f *File) Reload() error { return nil }

// FindSymbols implements formats.Image by reading the custom "name"
// section's function subsection, when present. Each Symbol's VA holds
// the function index from that subsection, not a memory address.
func (f *File) FindSymbols() []formats.Symbol {
	for _, s := range f.sections {
		if s.id != secCustom || s.name != "name" {
			continue
		}
		return f.parseNameSection(s)
	}
	return nil
}

func (f *File) parseNameSection(s wasmSection) []formats.Symbol {
	r := f.reader
	end := s.offset + s.size
	r.Seek(s.offset)
	var out []formats.Symbol
	for r.Pos() < end {
		subID, err := r.ReadUint8()
		if err != nil {
			return out
		}
		subSize, err := r.ReadLEB128Unsigned()
		if err != nil {
			return out
		}
		subEnd := r.Pos() + subSize
		const nameSubsectionFunctions = 1
		if subID == nameSubsectionFunctions {
			count, err := r.ReadLEB128Unsigned()
			if err != nil {
				return out
			}
			for i := uint64(0); i < count; i++ {
				idx, err := r.ReadLEB128Unsigned()
				if err != nil {
					return out
				}
				nameLen, err := r.ReadLEB128Unsigned()
				if err != nil {
					return out
				}
				nameBytes, err := r.ReadBytes(nameLen)
				if err != nil {
					return out
				}
				out = append(out, formats.Symbol{Name: string(nameBytes), VA: idx})
			}
		}
		r.Seek(subEnd)
	}
	return out
}

// ClassifySections implements formats.Image: the code section is
// treated as executable, the data section(s) as data; everything else
// (type/import/function/table/memory/global/export sections) carries
// no byte-pattern-scannable payload relevant to registration discovery.
func (f *File) ClassifySections() formats.Sections {
	var out formats.Sections
	for _, s := range f.sections {
		r := formats.Range{Start: s.offset, End: s.offset + s.size}
		ss := formats.SearchSection{Offset: r, VA: r}
		switch s.id {
		case secCode:
			out.Exec = append(out.Exec, ss)
		case secData, secDataCnt:
			out.Data = append(out.Data, ss)
		}
	}
	return out
}

// Reader implements formats.Image.
func (f *File) Reader() *bytestream.Reader { return f.reader }
