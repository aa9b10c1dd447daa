package metadata

import (
	"encoding/binary"
	"testing"
)

// magicWord holds magic in a typed variable so it can be converted to
// the int32 the header's sanity field is written as.
var magicWord = uint32(magic)

// buildHeader writes every headerStruct field present at version v,
// in declaration order, as a little-endian int32, applying overrides
// by field name. This mirrors headerStruct.ReadInto's own
// version-filtering so test fixtures stay correct across version
// changes without duplicating a hardcoded field list.
func buildHeader(v float64, overrides map[string]int32) []byte {
	var buf []byte
	le := binary.LittleEndian
	for _, f := range headerStruct.Fields {
		if !f.Version.Contains(v) {
			continue
		}
		val := overrides[f.Name]
		word := make([]byte, 4)
		le.PutUint32(word, uint32(val))
		buf = append(buf, word...)
	}
	return buf
}

func TestParseMinimalV16Metadata(t *testing.T) {
	typeDefSize := int(typeDefStruct.SizeOf(16, false))
	header := buildHeader(16, map[string]int32{
		"sanity":  int32(magicWord),
		"version": 16,
	})
	headerSize := len(header)

	header = buildHeader(16, map[string]int32{
		"sanity":                  int32(magicWord),
		"version":                 16,
		"type_definitions_offset": int32(headerSize),
		"type_definitions_size":   int32(typeDefSize),
	})

	data := append([]byte{}, header...)
	data = append(data, make([]byte, typeDefSize)...)

	m, err := New(data, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Version != 16 {
		t.Errorf("Version = %v, want 16", m.Version)
	}
	if len(m.TypeDefs) != 1 {
		t.Fatalf("len(TypeDefs) = %d, want 1", len(m.TypeDefs))
	}
}

func TestRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[4:], 24)
	if _, err := New(data, Options{}); err == nil {
		t.Error("New() with bad magic: want error, got nil")
	}
}

func TestRejectsUnsupportedVersion(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:], magic)
	binary.LittleEndian.PutUint32(data[4:], 5)
	if _, err := New(data, Options{}); err == nil {
		t.Error("New() with version 5: want error, got nil")
	}
}

func TestForceVersionSkipsSubversionProbe(t *testing.T) {
	typeDefSize := int(typeDefStruct.SizeOf(24.2, false))
	headerSize := len(buildHeader(24.2, map[string]int32{
		"sanity": int32(magicWord), "version": 24,
	}))

	header := buildHeader(24.2, map[string]int32{
		"sanity":                  int32(magicWord),
		"version":                 24,
		"type_definitions_offset": int32(headerSize),
		"type_definitions_size":   int32(typeDefSize),
	})
	data := append([]byte{}, header...)
	data = append(data, make([]byte, typeDefSize)...)

	forced := 24.2
	m, err := New(data, Options{ForceVersion: &forced})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Version != 24.2 {
		t.Errorf("Version = %v, want 24.2 (forced)", m.Version)
	}
	if len(m.TypeDefs) != 1 {
		t.Fatalf("len(TypeDefs) = %d, want 1", len(m.TypeDefs))
	}
}

func TestEncodedIndexKindAndDecodedMethodIndexPreV27(t *testing.T) {
	m := &Metadata{Version: 20}
	encoded := uint32(3<<29) | 0x12345
	if kind := m.encodedIndexKind(encoded); kind != 3 {
		t.Errorf("encodedIndexKind() = %d, want 3", kind)
	}
	if decoded := m.decodedMethodIndex(encoded); decoded != int32(encoded&0x1FFFFFFF) {
		t.Errorf("decodedMethodIndex() = %d, want %d", decoded, encoded&0x1FFFFFFF)
	}
}

func TestDecodedMethodIndexV27Scheme(t *testing.T) {
	m := &Metadata{Version: 27}
	encoded := uint32(2<<29) | (42 << 1) | 1
	if decoded := m.decodedMethodIndex(encoded); decoded != 42 {
		t.Errorf("decodedMethodIndex() = %d, want 42", decoded)
	}
}
