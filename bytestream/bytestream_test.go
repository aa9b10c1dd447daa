package bytestream

import "testing"

func TestReadFixedWidthIntegers(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	r := New(data)

	u32, err := r.ReadUint32()
	if err != nil {
		t.Fatalf("ReadUint32 failed: %v", err)
	}
	if want := uint32(0x04030201); u32 != want {
		t.Errorf("ReadUint32() = 0x%x, want 0x%x", u32, want)
	}

	u16, err := r.ReadUint16()
	if err != nil {
		t.Fatalf("ReadUint16 failed: %v", err)
	}
	if want := uint16(0x0605); u16 != want {
		t.Errorf("ReadUint16() = 0x%x, want 0x%x", u16, want)
	}
}

func TestReadOutsideBoundary(t *testing.T) {
	r := New([]byte{0x01, 0x02})
	if _, err := r.ReadUint32(); err != ErrOutsideBoundary {
		t.Errorf("ReadUint32() error = %v, want ErrOutsideBoundary", err)
	}
}

func TestReadPointerWidth(t *testing.T) {
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0}

	r32 := New(data)
	r32.Is32Bit = true
	p, err := r32.ReadPointer()
	if err != nil {
		t.Fatalf("ReadPointer (32-bit) failed: %v", err)
	}
	if p != 1 {
		t.Errorf("ReadPointer (32-bit) = %d, want 1", p)
	}
	if r32.PointerSize() != 4 {
		t.Errorf("PointerSize() = %d, want 4", r32.PointerSize())
	}

	r64 := New(data)
	p, err = r64.ReadPointer()
	if err != nil {
		t.Fatalf("ReadPointer (64-bit) failed: %v", err)
	}
	if want := uint64(0x0000000200000001); p != want {
		t.Errorf("ReadPointer (64-bit) = 0x%x, want 0x%x", p, want)
	}
}

func TestReadCompressedUint32(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"1-byte", []byte{0x42}, 0x42},
		{"2-byte", []byte{0x80 | 0x01, 0x23}, 0x123},
		{"4-byte", []byte{0xC0 | 0x01, 0x23, 0x45, 0x67}, 0x01234567},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.data)
			got, err := r.ReadCompressedUint32()
			if err != nil {
				t.Fatalf("ReadCompressedUint32 failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadCompressedUint32() = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}

func TestReadCompressedInt32(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int32
	}{
		{"zero", []byte{0x00}, 0},
		{"positive one", []byte{0x02}, 1},
		{"negative one", []byte{0x01}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.data)
			got, err := r.ReadCompressedInt32()
			if err != nil {
				t.Fatalf("ReadCompressedInt32 failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadCompressedInt32() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReadLEB128Unsigned(t *testing.T) {
	// 624485 encoded as unsigned LEB128: 0xE5 0x8E 0x26
	r := New([]byte{0xE5, 0x8E, 0x26})
	got, err := r.ReadLEB128Unsigned()
	if err != nil {
		t.Fatalf("ReadLEB128Unsigned failed: %v", err)
	}
	if got != 624485 {
		t.Errorf("ReadLEB128Unsigned() = %d, want 624485", got)
	}
}

func TestReadLEB128Signed(t *testing.T) {
	// -624485 encoded as signed LEB128: 0x9B 0xF1 0x59
	r := New([]byte{0x9B, 0xF1, 0x59})
	got, err := r.ReadLEB128Signed()
	if err != nil {
		t.Fatalf("ReadLEB128Signed failed: %v", err)
	}
	if got != -624485 {
		t.Errorf("ReadLEB128Signed() = %d, want -624485", got)
	}
}

func TestReadCStringAt(t *testing.T) {
	data := []byte("mscorlib.dll\x00extra")
	r := New(data)
	s, err := r.ReadCStringAt(0)
	if err != nil {
		t.Fatalf("ReadCStringAt failed: %v", err)
	}
	if s != "mscorlib.dll" {
		t.Errorf("ReadCStringAt() = %q, want %q", s, "mscorlib.dll")
	}
}

func TestReadUint32Array(t *testing.T) {
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	r := New(data)
	got, err := r.ReadUint32Array(3)
	if err != nil {
		t.Fatalf("ReadUint32Array failed: %v", err)
	}
	want := []uint32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ReadUint32Array()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
