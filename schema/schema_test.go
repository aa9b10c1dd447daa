package schema

import (
	"testing"

	"github.com/il2cppdump/il2cppcore/bytestream"
)

func exampleStruct() *Struct {
	return &Struct{
		Name: "Il2CppTypeDefinitionExample",
		Fields: []Field{
			U32("nameIndex"),
			U32("namespaceIndex"),
			MaxVersion(U32("customAttributeIndex"), 24),
			MinVersion(U32("token"), 19),
		},
	}
}

func TestSizeOfRespectsVersionRange(t *testing.T) {
	s := exampleStruct()

	// At v16: nameIndex + namespaceIndex + customAttributeIndex = 12
	// (token requires >= 19).
	if got, want := s.SizeOf(16, false), uint64(12); got != want {
		t.Errorf("SizeOf(16) = %d, want %d", got, want)
	}

	// At v24: nameIndex + namespaceIndex + customAttributeIndex + token = 16
	if got, want := s.SizeOf(24, false), uint64(16); got != want {
		t.Errorf("SizeOf(24) = %d, want %d", got, want)
	}

	// At v27: customAttributeIndex dropped (max 24), token present = 12
	if got, want := s.SizeOf(27, false), uint64(12); got != want {
		t.Errorf("SizeOf(27) = %d, want %d", got, want)
	}
}

func TestSizeOfIsCachedAcrossCalls(t *testing.T) {
	s := exampleStruct()
	first := s.SizeOf(24, false)
	second := s.SizeOf(24, false)
	if first != second {
		t.Errorf("SizeOf not stable across calls: %d != %d", first, second)
	}
}

func TestReadIntoDecodesPresentFieldsInOrder(t *testing.T) {
	s := exampleStruct()
	data := []byte{
		0x01, 0x00, 0x00, 0x00, // nameIndex = 1
		0x02, 0x00, 0x00, 0x00, // namespaceIndex = 2
		0x03, 0x00, 0x00, 0x00, // customAttributeIndex = 3 (present at v24)
		0x04, 0x00, 0x00, 0x00, // token = 4 (present at v24)
	}
	r := bytestream.New(data)
	vals, err := s.ReadInto(r, 24)
	if err != nil {
		t.Fatalf("ReadInto failed: %v", err)
	}
	if vals["nameIndex"].(uint32) != 1 {
		t.Errorf("nameIndex = %v, want 1", vals["nameIndex"])
	}
	if vals["token"].(uint32) != 4 {
		t.Errorf("token = %v, want 4", vals["token"])
	}
}

func TestReadIntoSkipsAbsentFieldsAtOlderVersion(t *testing.T) {
	s := exampleStruct()
	// At v16, only nameIndex/namespaceIndex/customAttributeIndex are present (12 bytes).
	data := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
	}
	r := bytestream.New(data)
	vals, err := s.ReadInto(r, 16)
	if err != nil {
		t.Fatalf("ReadInto failed: %v", err)
	}
	if _, ok := vals["token"]; ok {
		t.Errorf("token should not be present at v16, got %v", vals["token"])
	}
}

func TestPointerFieldWidthFollowsIs32Bit(t *testing.T) {
	s := &Struct{Name: "PtrExample", Fields: []Field{Ptr("p")}}
	if got, want := s.SizeOf(24, true), uint64(4); got != want {
		t.Errorf("SizeOf with Is32Bit=true = %d, want %d", got, want)
	}
	if got, want := s.SizeOf(24, false), uint64(8); got != want {
		t.Errorf("SizeOf with Is32Bit=false = %d, want %d", got, want)
	}
}
