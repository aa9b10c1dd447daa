// Package formats declares the uniform contract every executable-format
// parser (ELF, PE, Mach-O, NSO, WASM) implements: virtual-address to
// file-offset mapping, section classification, and symbol enumeration.
// The rest of the core accepts this contract as an abstract capability
// and never switches on the concrete format after construction.
package formats

import (
	"errors"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
)

// ErrAddressOutOfRange is returned by VAToOffset when an address does
// not fall inside any loaded segment/section.
var ErrAddressOutOfRange = errors.New("formats: address outside any loaded region")

// Range is a half-open [Start, End) interval, used for both file
// offsets and virtual addresses.
type Range struct {
	Start, End uint64
}

// Contains reports whether addr falls in [Start, End).
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns End - Start.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// SearchSection is one contiguous region with both its file-offset and
// virtual-address extents, as produced by classification. It mirrors
// original_source/search/section_helper.py's SearchSection dataclass.
type SearchSection struct {
	Offset Range
	VA     Range
}

// Sections groups the three region classes the locator scans: regions
// holding code (Exec), regions holding initialized data (Data), and
// regions that are zero-initialized at load (BSS, where scanning for
// literal byte patterns is pointless but pointer-target verification
// still applies).
type Sections struct {
	Exec []SearchSection
	Data []SearchSection
	BSS  []SearchSection
}

// Symbol is one named address extracted from a symbol or export
// table.
type Symbol struct {
	Name string
	VA   uint64
}

// Image is the contract every format parser satisfies (§4.C).
type Image interface {
	// VAToOffset maps a virtual address to a file offset.
	VAToOffset(va uint64) (uint64, error)

	// OffsetToVA maps a file offset to a virtual address; returns 0
	// when the offset is unmapped rather than failing, since callers
	// use it opportunistically (e.g. reverse-mapping a scan hit).
	OffsetToVA(offset uint64) uint64

	// ImageBase is the executable's nominal base VA; 0 where not
	// applicable (NSO, WASM).
	ImageBase() uint64

	// PointerSize is 4 or 8.
	PointerSize() int

	// IsDumped reports whether this file was captured from a running
	// process's memory rather than read from disk.
	IsDumped() bool

	// CheckDump is the format-specific heuristic backing IsDumped.
	CheckDump() bool

	// Reload rebuilds address maps after ImageBase changes (dump
	// rebasing). No-op for formats where ImageBase is fixed at parse
	// time.
	Reload() error

	// FindSymbols enumerates symbol-name to VA pairs; empty when the
	// parser reads no symbol or export table (NSO, Mach-O).
	FindSymbols() []Symbol

	// ClassifySections partitions the image into executable,
	// initialized-data, and BSS region lists.
	ClassifySections() Sections

	// Reader exposes the underlying byte stream with Is32Bit already
	// set to match this image's pointer width. Its position is wherever
	// the last read left it; callers Seek before reading.
	Reader() *bytestream.Reader
}

// Options are the knobs format parsers accept uniformly. `Logger` is
// threaded through every parser exactly as the teacher threads a
// *log.Helper through pe.File; non-fatal anomalies (ProtectionSuspected,
// EncryptedBinary) are logged through it rather than returned as
// errors, matching §7's "warning only" recovery policy.
type Options struct {
	Logger *log.Helper

	// ForceDump treats the input as a memory dump regardless of the
	// CheckDump heuristic (the SPEC_FULL §10 LoadOptions.ForceDump knob).
	// Only the ELF parser consults it.
	ForceDump bool
}
