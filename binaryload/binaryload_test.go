package binaryload

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/il2cppdump/il2cppcore/bytestream"
	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/il2cppdump/il2cppcore/schema"
)

// buildRecord writes every field of s present at version v, in
// declaration order, applying overrides by field name; pointer fields
// are written ptrSize bytes wide, everything else as a little-endian
// uint32. Mirrors metadata_test.go's buildHeader so fixtures track the
// schema instead of a hand-maintained offset table.
func buildRecord(s *schema.Struct, v float64, ptrSize uint64, overrides map[string]uint64) []byte {
	var buf []byte
	le := binary.LittleEndian
	for _, f := range s.Fields {
		if !f.Version.Contains(v) {
			continue
		}
		val := overrides[f.Name]
		if f.Kind == schema.KindPointer {
			word := make([]byte, ptrSize)
			if ptrSize == 8 {
				le.PutUint64(word, val)
			} else {
				le.PutUint32(word, uint32(val))
			}
			buf = append(buf, word...)
			continue
		}
		word := make([]byte, 4)
		le.PutUint32(word, uint32(val))
		buf = append(buf, word...)
	}
	return buf
}

// identityImage maps VA to offset 1:1 over a flat in-memory buffer.
type identityImage struct {
	data   []byte
	reader *bytestream.Reader
}

func newIdentityImage(data []byte) *identityImage {
	return &identityImage{data: data, reader: bytestream.New(data)}
}

func (i *identityImage) VAToOffset(va uint64) (uint64, error) {
	if va >= uint64(len(i.data)) {
		return 0, formats.ErrAddressOutOfRange
	}
	return va, nil
}
func (i *identityImage) OffsetToVA(offset uint64) uint64     { return offset }
func (i *identityImage) ImageBase() uint64                   { return 0 }
func (i *identityImage) PointerSize() int                    { return 8 }
func (i *identityImage) IsDumped() bool                      { return false }
func (i *identityImage) CheckDump() bool                     { return false }
func (i *identityImage) Reload() error                       { return nil }
func (i *identityImage) FindSymbols() []formats.Symbol       { return nil }
func (i *identityImage) ClassifySections() formats.Sections  { return formats.Sections{} }
func (i *identityImage) Reader() *bytestream.Reader          { return i.reader }

func TestNewMinimalLoad(t *testing.T) {
	const version = 20.0
	const ptrSize = 8

	crSize := codeRegistrationStruct.SizeOf(version, false)
	mrSize := metadataRegistrationStruct.SizeOf(version, false)

	typesArrayVA := crSize + mrSize
	typeRecordVA := typesArrayVA + ptrSize

	cr := buildRecord(codeRegistrationStruct, version, ptrSize, nil)
	mr := buildRecord(metadataRegistrationStruct, version, ptrSize, map[string]uint64{
		"types_count": 1,
		"types":       typesArrayVA,
	})

	data := append([]byte{}, cr...)
	data = append(data, mr...)

	typesArray := make([]byte, ptrSize)
	binary.LittleEndian.PutUint64(typesArray, typeRecordVA)
	data = append(data, typesArray...)

	typeRecord := make([]byte, 12)
	binary.LittleEndian.PutUint64(typeRecord[0:8], 0xdeadbeef)
	binary.LittleEndian.PutUint32(typeRecord[8:12], uint32(TypeI4)<<16)
	data = append(data, typeRecord...)

	img := newIdentityImage(data)

	l, err := New(img, 0, crSize, version, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if l.Version != version {
		t.Errorf("Version = %v, want %v", l.Version, version)
	}
	if len(l.Types) != 1 {
		t.Fatalf("len(Types) = %d, want 1", len(l.Types))
	}
	if l.Types[0].Datapoint != 0xdeadbeef {
		t.Errorf("Types[0].Datapoint = %#x, want 0xdeadbeef", l.Types[0].Datapoint)
	}
	if l.Types[0].Type != TypeI4 {
		t.Errorf("Types[0].Type = %#x, want %#x", l.Types[0].Type, TypeI4)
	}
	if _, ok := l.TypeAt(typeRecordVA); !ok {
		t.Error("TypeAt() of the only type's VA: ok = false, want true")
	}
}

func TestDecodeTypeBitsPre272(t *testing.T) {
	bits := uint32(0x1234)
	bits |= uint32(TypeValueType) << 16
	bits |= uint32(0x3F) << 24 // num_mods, all 6 bits set
	bits |= 1 << 30            // byref
	bits |= 1 << 31            // pinned

	attrs, typ, numMods, byRef, pinned, valueType := decodeTypeBits(24, bits)
	if attrs != 0x1234 {
		t.Errorf("attrs = %#x, want 0x1234", attrs)
	}
	if typ != TypeValueType {
		t.Errorf("type = %#x, want %#x", typ, TypeValueType)
	}
	if numMods != 0x3F {
		t.Errorf("numMods = %#x, want 0x3f", numMods)
	}
	if !byRef || !pinned {
		t.Error("byRef/pinned = false, want true")
	}
	if !valueType {
		t.Error("valueType (derived from type enum) = false, want true")
	}
}

func TestDecodeTypeBitsV272(t *testing.T) {
	bits := uint32(0x1234)
	bits |= uint32(TypeClass) << 16
	bits |= uint32(0x1F) << 24 // num_mods, all 5 bits set
	bits |= 1 << 29            // valuetype
	bits |= 1 << 30             // pinned
	bits |= 0 << 31             // byref clear

	attrs, typ, numMods, byRef, pinned, valueType := decodeTypeBits(27.2, bits)
	if attrs != 0x1234 || typ != TypeClass {
		t.Errorf("attrs/type mismatch: %#x/%#x", attrs, typ)
	}
	if numMods != 0x1F {
		t.Errorf("numMods = %#x, want 0x1f", numMods)
	}
	if byRef {
		t.Error("byRef = true, want false")
	}
	if !pinned {
		t.Error("pinned = false, want true (moved to bit 30)")
	}
	if !valueType {
		t.Error("valueType = false, want true (explicit bit 29)")
	}
}

func TestCorrectSubversion2Gates(t *testing.T) {
	if _, _, corrected := correctSubversion2(20, 0, 0, 0, 8, 0x1000); corrected {
		t.Error("version with no known ladder entry: corrected = true, want false")
	}

	v, va, corrected := correctSubversion2(24.2, 0, 0, 0, 8, 0x1000)
	if !corrected || v != 24.3 || va != 0x1000-16 {
		t.Errorf("24.2 w/ interop_data_count==0: got (%v, %#x, %v), want (24.3, %#x, true)", v, va, corrected, 0x1000-16)
	}

	v, va, corrected = correctSubversion2(24.4, 0, 0x60000, 1, 8, 0x1000)
	if !corrected || v != 24.5 || va != 0x1000-24 {
		t.Errorf("24.4 w/ reverse_pinvoke over limit: got (%v, %#x), want (24.5, %#x)", v, va, 0x1000-24)
	}

	v, va, corrected = correctSubversion2(24.4, 0, 0, 1, 8, 0x1000)
	if !corrected || v != 24.4 || va != 0x1000-16 {
		t.Errorf("24.4 unconditional shift: got (%v, %#x), want (24.4, %#x)", v, va, 0x1000-16)
	}
}

func TestFieldOffsetNotApplicable(t *testing.T) {
	l := &Loader{fieldOffsetsArePointers: false, fieldOffsets: []uint64{10, 20}}
	if _, err := l.FieldOffset(0, 0, 5, false, false); !errors.Is(err, ErrFieldOffsetNotApplicable) {
		t.Errorf("FieldOffset() with out-of-range index: err = %v, want ErrFieldOffsetNotApplicable", err)
	}
}
