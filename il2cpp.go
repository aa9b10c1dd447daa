// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il2cppcore

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/binaryload"
	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/il2cppdump/il2cppcore/formats/elf"
	"github.com/il2cppdump/il2cppcore/formats/macho"
	"github.com/il2cppdump/il2cppcore/formats/nso"
	"github.com/il2cppdump/il2cppcore/formats/pe"
	"github.com/il2cppdump/il2cppcore/formats/wasm"
	"github.com/il2cppdump/il2cppcore/locator"
	"github.com/il2cppdump/il2cppcore/metadata"
	"github.com/il2cppdump/il2cppcore/resolver"
)

// Options configures a Load call (§10 AMBIENT STACK / §6 external
// interfaces' sink-recognized core knobs).
type Options struct {
	Logger *log.Helper

	// ForceVersion replaces the metadata header's version and skips the
	// metadata loader's v24 subversion probes; the locator starts from
	// it, and the binary loader's subversion corrections still apply.
	ForceVersion *float64

	// ForceDump is passed to the format parser; only the ELF parser
	// consults it, the PE, Mach-O, NSO and WASM parsers ignore it.
	ForceDump bool

	// NoRedirectedPointer carries the sinks' no_redirected_pointer
	// knob; Load does not read it, so it has no effect on loading.
	NoRedirectedPointer bool

	// FieldOffsetsArePointers overrides the v21 field-offset-width
	// probe (§9 Open Question); nil means "probe as documented".
	FieldOffsetsArePointers *bool

	// CodeRegistrationVA / MetadataRegistrationVA, when both non-zero,
	// bypass the locator entirely — the manual-fallback path S6
	// exercises when every locator strategy is exhausted.
	CodeRegistrationVA     uint64
	MetadataRegistrationVA uint64
}

// Dumper is a fully-loaded IL2CPP application: parsed metadata, the
// format-parsed binary, the walked binary-loader tables, and the name
// resolver built over both.
type Dumper struct {
	Metadata *metadata.Metadata
	Image    formats.Image
	Binary   *binaryload.Loader
	Resolver *resolver.Resolver

	// Anomalies collects warning-only conditions observed while
	// loading (ProtectionSuspected, EncryptedBinary), in addition to
	// whatever each component already logged.
	Anomalies []string

	logger *log.Helper
}

// Load parses a global-metadata.dat buffer and its companion binary
// (libil2cpp.so / GameAssembly.dll / the Mach-O, NSO, or WASM
// equivalent), locates the two registration structures, walks every
// table the binary loader exposes, and builds a name resolver over the
// result — the full pipeline behind §2's system overview.
func Load(metadataBytes, binaryBytes []byte, opts Options) (*Dumper, error) {
	meta, err := metadata.New(metadataBytes, metadata.Options{
		Logger:       opts.Logger,
		ForceVersion: opts.ForceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("il2cppcore: loading metadata: %w", err)
	}

	img, isELF, err := openImage(binaryBytes, formats.Options{
		Logger:    opts.Logger,
		ForceDump: opts.ForceDump,
	})
	if err != nil {
		return nil, fmt.Errorf("il2cppcore: opening binary: %w", err)
	}

	d := &Dumper{Metadata: meta, Image: img, logger: opts.Logger}

	codeRegVA, metaRegVA, version, err := d.locateRegistrations(img, meta, isELF, opts)
	if err != nil {
		return nil, err
	}
	meta.Version = version

	bin, err := binaryload.New(img, codeRegVA, metaRegVA, version, binaryload.Options{
		Logger:                  opts.Logger,
		FieldOffsetsArePointers: opts.FieldOffsetsArePointers,
	})
	if err != nil {
		return nil, fmt.Errorf("il2cppcore: loading binary tables: %w", err)
	}
	d.Binary = bin
	d.Anomalies = append(d.Anomalies, bin.Anomalies()...)
	d.Anomalies = append(d.Anomalies, meta.Anomalies()...)
	if a, ok := img.(interface{ Anomalies() []string }); ok {
		d.Anomalies = append(d.Anomalies, a.Anomalies()...)
	}

	d.Resolver = resolver.New(meta, bin, resolver.Options{Logger: opts.Logger})
	return d, nil
}

// locateRegistrations returns the CodeRegistration/MetadataRegistration
// VAs and the version the binary loader should assume, preferring a
// caller-supplied manual override (S6's fallback path) over the
// locator's own search strategies, and trying the image's symbol table
// when those strategies fail.
func (d *Dumper) locateRegistrations(img formats.Image, meta *metadata.Metadata, isELF bool, opts Options) (uint64, uint64, float64, error) {
	if opts.CodeRegistrationVA != 0 && opts.MetadataRegistrationVA != 0 {
		return opts.CodeRegistrationVA, opts.MetadataRegistrationVA, meta.Version, nil
	}

	counts := locator.Counts{
		MethodCount:          len(meta.MethodDefs),
		TypeDefinitionsCount: len(meta.TypeDefs),
		MetadataUsagesCount:  meta.MetadataUsageCount,
		ImageCount:           len(meta.ImageDefs),
	}
	loc := locator.New(img, counts, meta.Version, isELF, opts.Logger)

	codeRegVA, pointerInExec, err := loc.FindCodeRegistration()
	_ = pointerInExec
	if err == nil {
		var metaRegVA uint64
		if metaRegVA, err = loc.FindMetadataRegistration(); err == nil {
			return codeRegVA, metaRegVA, meta.Version, nil
		}
	}

	_, machOStyle := img.(*macho.File)
	if codeVA, metaVA, ok := locator.FindSymbolFallback(img, machOStyle); ok {
		return codeVA, metaVA, meta.Version, nil
	}
	return 0, 0, 0, fmt.Errorf("il2cppcore: %w", err)
}

// openImage dispatches on the leading magic bytes to the matching
// format parser, implementing §4.C's "choose once" dynamic dispatch
// (§9 Design Notes).
func openImage(data []byte, opts formats.Options) (formats.Image, bool, error) {
	if len(data) < 4 {
		return nil, false, fmt.Errorf("il2cppcore: binary too small to identify")
	}

	switch {
	case data[0] == 0x7f && string(data[1:4]) == "ELF":
		f, err := elf.New(data, opts)
		return f, true, err

	case binary.LittleEndian.Uint16(data) == 0x5a4d: // "MZ"
		f, err := pe.New(data, opts)
		return f, false, err

	case binary.BigEndian.Uint32(data) == 0xcafebabe, binary.BigEndian.Uint32(data) == 0xcafebabf,
		binary.BigEndian.Uint32(data) == 0xfeedface, binary.BigEndian.Uint32(data) == 0xfeedfacf,
		binary.LittleEndian.Uint32(data) == 0xfeedface, binary.LittleEndian.Uint32(data) == 0xfeedfacf:
		f, err := macho.Open(data, 0, opts)
		return f, false, err

	case len(data) >= 0x100 && string(data[:4]) == "NSO0":
		f, err := nso.New(data, opts)
		return f, false, err

	case string(data[:4]) == "\x00asm":
		f, err := wasm.New(data, opts)
		return f, false, err
	}

	return nil, false, fmt.Errorf("il2cppcore: unrecognized executable format")
}
