// Package schema implements the version-aware struct layout system
// IL2CPP's on-disk records need: each field declares the inclusive
// version range in which it is present, and the schema derives a
// packed size and an ordered read program per (struct, version),
// caching both so table scans never re-derive them per element.
package schema

import (
	"fmt"
	"sync"

	"github.com/il2cppdump/il2cppcore/bytestream"
)

// Kind identifies a field's primitive width/signedness, or a
// fixed-length byte run, or a pointer-sized value whose width is
// resolved at read time from the Reader's Is32Bit flag.
type Kind int

const (
	KindUint8 Kind = iota
	KindInt8
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindUint64
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindPointer  // width resolved from Reader.Is32Bit
	KindFixed    // fixed-length byte run, width from Field.Width
)

func (k Kind) fixedWidth() (uint64, bool) {
	switch k {
	case KindUint8, KindInt8, KindBool:
		return 1, true
	case KindUint16, KindInt16:
		return 2, true
	case KindUint32, KindInt32, KindFloat32:
		return 4, true
	case KindUint64, KindInt64, KindFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// VersionRange is an inclusive [Min, Max] version window. The zero
// value (0, 0) is never used directly — use AllVersions for "always
// present".
type VersionRange struct {
	Min, Max float64
}

// AllVersions is the default range for fields with no version
// constraint.
var AllVersions = VersionRange{Min: 0, Max: 99}

// Contains reports whether v falls within the range.
func (vr VersionRange) Contains(v float64) bool {
	return vr.Min <= v && v <= vr.Max
}

// Field describes one struct member.
type Field struct {
	Name    string
	Kind    Kind
	Width   uint64 // only consulted when Kind == KindFixed
	Version VersionRange
}

// Struct is an ordered field list describing one on-disk record type.
type Struct struct {
	Name   string
	Fields []Field
}

// layout is the derived, cached product for one (struct, version) pair.
type layout struct {
	size          uint64
	presentFields []Field
}

var (
	layoutCacheMu sync.RWMutex
	layoutCache   = map[layoutKey]*layout{}
)

type layoutKey struct {
	structName string
	version    float64
	is32Bit    bool
}

// layoutFor returns the cached (or freshly derived) layout of s at
// version v, so a subsequent SizeOf or ReadInto for the same (s, v)
// hits the cache.
func (s *Struct) layoutFor(v float64, is32Bit bool) *layout {
	key := layoutKey{structName: s.Name, version: v, is32Bit: is32Bit}

	layoutCacheMu.RLock()
	if l, ok := layoutCache[key]; ok {
		layoutCacheMu.RUnlock()
		return l
	}
	layoutCacheMu.RUnlock()

	present := make([]Field, 0, len(s.Fields))
	var size uint64
	for _, f := range s.Fields {
		if !f.Version.Contains(v) {
			continue
		}
		present = append(present, f)
		if w, ok := f.Kind.fixedWidth(); ok {
			size += w
		} else if f.Kind == KindPointer {
			if is32Bit {
				size += 4
			} else {
				size += 8
			}
		} else if f.Kind == KindFixed {
			size += f.Width
		}
	}
	l := &layout{size: size, presentFields: present}

	// Benign first-writer race: the derivation is a pure function of
	// (s.Name, v, is32Bit); whichever goroutine wins, the result is
	// identical, so no lock is held across the derivation above.
	layoutCacheMu.Lock()
	layoutCache[key] = l
	layoutCacheMu.Unlock()
	return l
}

// SizeOf returns the packed size in bytes of s at version v. Pointer
// widths are resolved against is32Bit.
func (s *Struct) SizeOf(v float64, is32Bit bool) uint64 {
	return s.layoutFor(v, is32Bit).size
}

// Values holds one decoded record, field name to decoded value.
// Go's static typing means a dynamically-shaped record can't become a
// native struct literal without code generation per (struct,
// version); the map is the schema-level decode target, mirroring the
// teacher's dotnet.go tables where version-dependent rows are decoded
// into intermediate representations before being projected onto the
// typed structs higher-level packages expose (see metadata and
// binaryload, which project Values onto concrete Go structs field by
// field after a ReadInto call).
type Values map[string]interface{}

// ReadInto decodes one record of s at version v from r, returning the
// decoded field values in declaration order. This is the schema's
// "reader program": a straight-line walk over the present fields,
// with no introspection beyond the single Kind switch dispatched once
// per field (not once per possible kind per field).
func (s *Struct) ReadInto(r *bytestream.Reader, v float64) (Values, error) {
	l := s.layoutFor(v, r.Is32Bit)
	out := make(Values, len(l.presentFields))
	for _, f := range l.presentFields {
		val, err := readField(r, f)
		if err != nil {
			return nil, fmt.Errorf("schema: reading field %s.%s at v%v: %w", s.Name, f.Name, v, err)
		}
		out[f.Name] = val
	}
	return out, nil
}

func readField(r *bytestream.Reader, f Field) (interface{}, error) {
	switch f.Kind {
	case KindUint8:
		return r.ReadUint8()
	case KindInt8:
		return r.ReadInt8()
	case KindUint16:
		return r.ReadUint16()
	case KindInt16:
		return r.ReadInt16()
	case KindUint32:
		return r.ReadUint32()
	case KindInt32:
		return r.ReadInt32()
	case KindUint64:
		return r.ReadUint64()
	case KindInt64:
		return r.ReadInt64()
	case KindFloat32:
		return r.ReadFloat32()
	case KindFloat64:
		return r.ReadFloat64()
	case KindBool:
		return r.ReadBool()
	case KindPointer:
		return r.ReadPointer()
	case KindFixed:
		return r.ReadBytes(f.Width)
	default:
		return nil, fmt.Errorf("schema: unknown field kind %v", f.Kind)
	}
}

// Field-builder helpers, mirroring original_source/il2cpp/structures.py's
// array_field/ushort_field/ptr_field/ptr_version_field factories — kept
// as small constructors rather than a generic builder so callers read
// like the field list they describe.

func U8(name string) Field  { return Field{Name: name, Kind: KindUint8, Version: AllVersions} }
func I8(name string) Field  { return Field{Name: name, Kind: KindInt8, Version: AllVersions} }
func U16(name string) Field { return Field{Name: name, Kind: KindUint16, Version: AllVersions} }
func I16(name string) Field { return Field{Name: name, Kind: KindInt16, Version: AllVersions} }
func U32(name string) Field { return Field{Name: name, Kind: KindUint32, Version: AllVersions} }
func I32(name string) Field { return Field{Name: name, Kind: KindInt32, Version: AllVersions} }
func U64(name string) Field { return Field{Name: name, Kind: KindUint64, Version: AllVersions} }
func I64(name string) Field { return Field{Name: name, Kind: KindInt64, Version: AllVersions} }
func Ptr(name string) Field { return Field{Name: name, Kind: KindPointer, Version: AllVersions} }
func Fixed(name string, width uint64) Field {
	return Field{Name: name, Kind: KindFixed, Width: width, Version: AllVersions}
}

// Versioned returns a copy of f restricted to [min, max].
func Versioned(f Field, min, max float64) Field {
	f.Version = VersionRange{Min: min, Max: max}
	return f
}

// MinVersion returns a copy of f present from min onward.
func MinVersion(f Field, min float64) Field {
	return Versioned(f, min, AllVersions.Max)
}

// MaxVersion returns a copy of f present up to and including max.
func MaxVersion(f Field, max float64) Field {
	return Versioned(f, AllVersions.Min, max)
}
