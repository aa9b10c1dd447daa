// Package locator finds the CodeRegistration and MetadataRegistration
// VAs inside a loaded image, implementing the layered search
// strategies (mscorlib.dll anchor, legacy count-anchored scan, v21+
// type-count-pair scan, symbol fallback) and the first, invoker-count
// gated, subversion auto-correction pass; the second pass lives in
// package binaryload. Grounded on
// original_source/il2cpp_dumper_py/search/section_helper.py.
package locator

import (
	"encoding/binary"
	"errors"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/il2cppdump/il2cppcore/internal/patsearch"
)

// ErrRegistrationNotFound is returned when every strategy, including
// the symbol fallback, fails to locate a registration structure; the
// caller must supply the address manually (the spec's "manual
// fallback").
var ErrRegistrationNotFound = errors.New("locator: registration structure not found")

var mscorlibPattern = []byte("mscorlib.dll\x00")

// Counts are the metadata-derived quantities the locator anchors on.
type Counts struct {
	MethodCount            int
	TypeDefinitionsCount    int
	MetadataUsagesCount     int
	ImageCount              int
}

// Result is the outcome of a successful locate.
type Result struct {
	CodeRegistrationVA     uint64
	MetadataRegistrationVA uint64
	// PointerInExec records whether CodeRegistration was found via the
	// executable-section pass (ELF-only ordering quirk in Strategy 1).
	PointerInExec bool
}

// Locator runs the registration search strategies against one image.
type Locator struct {
	img     formats.Image
	counts  Counts
	version float64
	logger  *log.Helper

	sections   formats.Sections
	ptrSize    uint64
	isELF      bool
}

// New builds a Locator. isELF selects the ELF-specific exec-then-data
// search order Strategy 1 uses (§4.E).
func New(img formats.Image, counts Counts, version float64, isELF bool, logger *log.Helper) *Locator {
	return &Locator{
		img:      img,
		counts:   counts,
		version:  version,
		logger:   logger,
		sections: img.ClassifySections(),
		ptrSize:  uint64(img.PointerSize()),
		isELF:    isELF,
	}
}

// FindCodeRegistration implements find_code_registration.
func (l *Locator) FindCodeRegistration() (uint64, bool, error) {
	if l.version >= 24.2 {
		if l.isELF {
			if va, ok := l.findCodeRegistration2019(l.sections.Exec); ok {
				return va, true, nil
			}
			if va, ok := l.findCodeRegistration2019(l.sections.Data); ok {
				return va, false, nil
			}
			return 0, false, ErrRegistrationNotFound
		}
		if va, ok := l.findCodeRegistration2019(l.sections.Data); ok {
			return va, false, nil
		}
		if va, ok := l.findCodeRegistration2019(l.sections.Exec); ok {
			return va, true, nil
		}
		return 0, false, ErrRegistrationNotFound
	}

	va, ok := l.findCodeRegistrationOld()
	if !ok {
		return 0, false, ErrRegistrationNotFound
	}
	return va, false, nil
}

// FindMetadataRegistration implements find_metadata_registration.
func (l *Locator) FindMetadataRegistration() (uint64, error) {
	if l.version < 19 {
		return 0, ErrRegistrationNotFound
	}
	if l.version >= 27 {
		if va, ok := l.findMetadataRegistrationV21(); ok {
			return va, nil
		}
		return 0, ErrRegistrationNotFound
	}
	if va, ok := l.findMetadataRegistrationOld(); ok {
		return va, nil
	}
	return 0, ErrRegistrationNotFound
}

func (l *Locator) offsetToVA(offset uint64) (uint64, bool) {
	for _, s := range l.sections.Data {
		if s.Offset.Contains(offset) {
			return s.VA.Start + (offset - s.Offset.Start), true
		}
	}
	for _, s := range l.sections.Exec {
		if s.Offset.Contains(offset) {
			return s.VA.Start + (offset - s.Offset.Start), true
		}
	}
	return 0, false
}

func (l *Locator) readPointerAt(r *bytestream.Reader, off uint64) (uint64, error) {
	r.Seek(off)
	return r.ReadPointer()
}

func (l *Locator) pointerBytes(v uint64) []byte {
	b := make([]byte, l.ptrSize)
	if l.ptrSize == 8 {
		binary.LittleEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
	return b
}

// findCodeRegistrationOld implements _find_code_registration_old:
// scan data sections for a pointer-aligned word equal to method_count,
// then verify the following pointer leads to method_count pointers
// all landing in executable sections.
func (l *Locator) findCodeRegistrationOld() (uint64, bool) {
	r := l.img.Reader()
	for _, sec := range l.sections.Data {
		for off := sec.Offset.Start; off+l.ptrSize*2 <= sec.Offset.End; off += l.ptrSize {
			val, err := l.readPointerAt(r, off)
			if err != nil {
				continue
			}
			if val != uint64(l.counts.MethodCount) {
				continue
			}
			target, err := l.readPointerAt(r, off+l.ptrSize)
			if err != nil {
				continue
			}
			arrOff, err := l.img.VAToOffset(target)
			if err != nil || !l.inDataRange(arrOff) {
				continue
			}
			if l.checkPointersInExec(r, arrOff, l.counts.MethodCount) {
				va, ok := l.offsetToVA(off)
				if ok {
					return va, true
				}
			}
		}
	}
	return 0, false
}

// findMetadataRegistrationOld implements _find_metadata_registration_old.
func (l *Locator) findMetadataRegistrationOld() (uint64, bool) {
	r := l.img.Reader()
	for _, sec := range l.sections.Data {
		for off := sec.Offset.Start; off+l.ptrSize*3 <= sec.Offset.End; off += l.ptrSize {
			val, err := l.readPointerAt(r, off)
			if err != nil {
				continue
			}
			if val != uint64(l.counts.TypeDefinitionsCount) {
				continue
			}
			target, err := l.readPointerAt(r, off+l.ptrSize*2)
			if err != nil {
				continue
			}
			arrOff, err := l.img.VAToOffset(target)
			if err != nil || !l.inDataRange(arrOff) {
				continue
			}
			if l.checkPointersInBSS(r, arrOff, l.counts.MetadataUsagesCount) {
				va, ok := l.offsetToVA(off)
				if ok {
					return va - l.ptrSize*12, true
				}
			}
		}
	}
	return 0, false
}

// findMetadataRegistrationV21 implements _find_metadata_registration_v21:
// search for pattern [T][P][T] in each data section, sample the
// pointer's targets, and accept when they all land in the expected
// section class.
func (l *Locator) findMetadataRegistrationV21() (uint64, bool) {
	r := l.img.Reader()
	typeCount := l.pointerBytes(uint64(l.counts.TypeDefinitionsCount))
	pattern := patsearch.Exact(typeCount)

	for _, sec := range l.sections.Data {
		region, err := r.ReadBytesAt(sec.Offset.Start, sec.Offset.Len())
		if err != nil {
			continue
		}
		for _, idx := range patsearch.FindAll(region, pattern) {
			if uint64(idx)%l.ptrSize != 0 {
				continue
			}
			secondIdx := idx + int(2*l.ptrSize)
			if secondIdx+int(l.ptrSize) > len(region) {
				continue
			}
			secondVal := readPtrLE(region[secondIdx:], l.ptrSize)
			if secondVal != uint64(l.counts.TypeDefinitionsCount) {
				continue
			}

			ptrOff := sec.Offset.Start + uint64(idx) + 3*l.ptrSize
			ptrVA, err := l.readPointerAt(r, ptrOff)
			if err != nil {
				continue
			}
			ptrFileOff, err := l.img.VAToOffset(ptrVA)
			if err != nil {
				continue
			}

			sampleSize := l.counts.TypeDefinitionsCount
			if sampleSize > 10 {
				sampleSize = 10
			}
			if l.checkPointerSample(r, ptrFileOff, sampleSize) {
				addrOff := sec.Offset.Start + uint64(idx)
				va, ok := l.offsetToVA(addrOff)
				if ok {
					return va - l.ptrSize*10, true
				}
			}
		}
	}
	return 0, false
}

func readPtrLE(b []byte, ptrSize uint64) uint64 {
	if ptrSize == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

func (l *Locator) checkPointerSample(r *bytestream.Reader, off uint64, n int) bool {
	target := l.sections.Data
	for i := 0; i < n; i++ {
		v, err := l.readPointerAt(r, off+uint64(i)*l.ptrSize)
		if err != nil {
			return false
		}
		if !inSections(v, target) {
			return false
		}
	}
	return true
}

// findCodeRegistration2019 implements _find_code_registration_2019:
// locate "mscorlib.dll\0", trace two levels of pointer references,
// and for v27+ use the image_count-anchored array-base search;
// otherwise brute-force the array-index offset.
func (l *Locator) findCodeRegistration2019(sections []formats.SearchSection) (uint64, bool) {
	r := l.img.Reader()

	for _, sec := range sections {
		region, err := r.ReadBytesAt(sec.Offset.Start, sec.Offset.Len())
		if err != nil {
			continue
		}
		for _, idx := range patsearch.FindAll(region, patsearch.Exact(mscorlibPattern)) {
			dllVA := sec.VA.Start + uint64(idx)
			refs1 := l.findRefs(dllVA)
			for _, ref1VA := range refs1 {
				refs2 := l.findRefs(ref1VA)
				for _, ref2VA := range refs2 {
					if l.version >= 27 {
						if va, ok := l.resolveCodeGenModulesBase(ref2VA); ok {
							return va, true
						}
						continue
					}
					for i := 0; i < l.counts.ImageCount; i++ {
						target := ref2VA - uint64(i)*l.ptrSize
						refs3 := l.findRefs(target)
						for _, ref3VA := range refs3 {
							return ref3VA - l.ptrSize*13, true
						}
					}
				}
			}
		}
	}
	return 0, false
}

// resolveCodeGenModulesBase implements the v27+ optimization: search
// for [image_count][codeGenModules_ptr] where codeGenModules_ptr
// falls in [ref2VA-(image_count-1)*ptrSize, ref2VA].
func (l *Locator) resolveCodeGenModulesBase(ref2VA uint64) (uint64, bool) {
	minTarget := ref2VA - uint64(l.counts.ImageCount-1)*l.ptrSize
	maxTarget := ref2VA

	countBytes := l.pointerBytes(uint64(l.counts.ImageCount))
	pattern := patsearch.Exact(countBytes)
	r := l.img.Reader()

	for _, sec := range l.sections.Data {
		region, err := r.ReadBytesAt(sec.Offset.Start, sec.Offset.Len())
		if err != nil {
			continue
		}
		for _, idx := range patsearch.FindAll(region, pattern) {
			if uint64(idx)%l.ptrSize != 0 {
				continue
			}
			nextOff := idx + int(l.ptrSize)
			if nextOff+int(l.ptrSize) > len(region) {
				continue
			}
			ptrVal := readPtrLE(region[nextOff:], l.ptrSize)
			if ptrVal < minTarget || ptrVal > maxTarget {
				continue
			}
			i := (ref2VA - ptrVal) / l.ptrSize
			if i >= uint64(l.counts.ImageCount) || ptrVal != ref2VA-i*l.ptrSize {
				continue
			}
			ref3VA := sec.VA.Start + uint64(nextOff)
			switch {
			case l.version >= 29.1:
				return ref3VA - l.ptrSize*16, true
			case l.version >= 29:
				return ref3VA - l.ptrSize*14, true
			default:
				return ref3VA - l.ptrSize*13, true
			}
		}
	}
	return 0, false
}

// findRefs returns the VAs of every pointer-aligned slot across all
// data sections whose value equals addr.
func (l *Locator) findRefs(addr uint64) []uint64 {
	needle := l.pointerBytes(addr)
	pattern := patsearch.Exact(needle)
	r := l.img.Reader()
	var out []uint64

	scan := func(sections []formats.SearchSection) {
		for _, sec := range sections {
			region, err := r.ReadBytesAt(sec.Offset.Start, sec.Offset.Len())
			if err != nil {
				continue
			}
			for _, idx := range patsearch.FindAll(region, pattern) {
				if uint64(idx)%l.ptrSize != 0 {
					continue
				}
				out = append(out, sec.VA.Start+uint64(idx))
			}
		}
	}
	scan(l.sections.Data)
	return out
}

func (l *Locator) inDataRange(offset uint64) bool {
	for _, s := range l.sections.Data {
		if s.Offset.Contains(offset) {
			return true
		}
	}
	return false
}

func (l *Locator) checkPointersInExec(r *bytestream.Reader, arrOff uint64, count int) bool {
	for i := 0; i < count; i++ {
		v, err := l.readPointerAt(r, arrOff+uint64(i)*l.ptrSize)
		if err != nil {
			return false
		}
		if !inSections(v, l.sections.Exec) {
			return false
		}
	}
	return true
}

func (l *Locator) checkPointersInBSS(r *bytestream.Reader, arrOff uint64, count int) bool {
	for i := 0; i < count; i++ {
		v, err := l.readPointerAt(r, arrOff+uint64(i)*l.ptrSize)
		if err != nil {
			return false
		}
		if !inSections(v, l.sections.BSS) {
			return false
		}
	}
	return true
}

func inSections(va uint64, sections []formats.SearchSection) bool {
	for _, s := range sections {
		if s.VA.Contains(va) || va == s.VA.End {
			return true
		}
	}
	return false
}

// FindSymbolFallback implements Strategy 4: enumerate the image's
// symbol/export table for g_CodeRegistration and g_MetadataRegistration,
// prepending the Mach-O leading underscore convention when machOStyle
// is set.
func FindSymbolFallback(img formats.Image, machOStyle bool) (codeVA, metaVA uint64, ok bool) {
	codeName, metaName := "g_CodeRegistration", "g_MetadataRegistration"
	if machOStyle {
		codeName, metaName = "_"+codeName, "_"+metaName
	}
	for _, sym := range img.FindSymbols() {
		switch sym.Name {
		case codeName:
			codeVA = sym.VA
		case metaName:
			metaVA = sym.VA
		}
	}
	return codeVA, metaVA, codeVA != 0 && metaVA != 0
}

// CorrectCodeRegistrationSubversion implements the first auto-
// correction path (§4.E): gated on invoker_pointers_count exceeding
// the sanity ceiling after a provisional parse, shifting the
// CodeRegistration VA backward and revising the detected version.
// invokerPointersCount is supplied by the caller since reading the field
// itself requires the version-aware schema in package binaryload.
func CorrectCodeRegistrationSubversion(version float64, invokerPointersCount uint32, codeRegVA uint64, ptrSize uint64) (newVersion float64, newVA uint64, corrected bool) {
	const sanityCeiling = 0x50000
	if invokerPointersCount <= sanityCeiling {
		return version, codeRegVA, false
	}
	switch version {
	case 24.2:
		return 24.3, codeRegVA - ptrSize, true
	case 24.4:
		return 24.5, codeRegVA - ptrSize, true
	case 27:
		return 27.1, codeRegVA - ptrSize*2, true
	case 29:
		return 29.1, codeRegVA - ptrSize*2, true
	default:
		return version, codeRegVA, false
	}
}
