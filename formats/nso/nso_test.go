package nso

import (
	"encoding/binary"
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
	"github.com/pierrec/lz4/v4"
)

func compressBlock(t *testing.T, data []byte) []byte {
	t.Helper()
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst)
	if err != nil {
		t.Fatalf("CompressBlock() error = %v", err)
	}
	if n == 0 {
		// incompressible input: lz4 block compression refuses to emit
		// a block that wouldn't shrink; store truncated fallback isn't
		// exercised here since our fixtures are short and repetitive.
		t.Fatalf("CompressBlock() returned 0 (input too short/incompressible)")
	}
	return dst[:n]
}

func buildMinimalNSO(t *testing.T) []byte {
	t.Helper()
	text := make([]byte, 0x40)
	for i := range text {
		text[i] = 0xAA
	}
	ro := make([]byte, 0x40)
	dataSeg := make([]byte, 0x40)

	textC := compressBlock(t, text)
	roC := compressBlock(t, ro)
	dataC := compressBlock(t, dataSeg)

	header := make([]byte, 0x100)
	le := binary.LittleEndian
	copy(header[0:4], nsoMagic)

	// segment headers at 0x10, 0x1c, 0x28 (12 bytes each: fileOffset, memOffset, decompSize)
	textHdrOff, textMemOff := uint32(0x100), uint32(0x0)
	roHdrOff, roMemOff := textHdrOff+uint32(len(textC)), uint32(0x1000)
	dataHdrOff, dataMemOff := roHdrOff+uint32(len(roC)), uint32(0x2000)

	le.PutUint32(header[0x10:], textHdrOff)
	le.PutUint32(header[0x14:], textMemOff)
	le.PutUint32(header[0x18:], uint32(len(text)))

	le.PutUint32(header[0x1c:], roHdrOff)
	le.PutUint32(header[0x20:], roMemOff)
	le.PutUint32(header[0x24:], uint32(len(ro)))

	le.PutUint32(header[0x28:], dataHdrOff)
	le.PutUint32(header[0x2c:], dataMemOff)
	le.PutUint32(header[0x30:], uint32(len(dataSeg)))

	le.PutUint32(header[0x38:], 0x100) // bss size

	le.PutUint32(header[0x60:], uint32(len(textC)))
	le.PutUint32(header[0x64:], uint32(len(roC)))
	le.PutUint32(header[0x68:], uint32(len(dataC)))

	buf := append(header, textC...)
	buf = append(buf, roC...)
	buf = append(buf, dataC...)
	return buf
}

func TestParseMinimalNSO(t *testing.T) {
	data := buildMinimalNSO(t)
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.PointerSize() != 8 {
		t.Errorf("PointerSize() = %d, want 8", f.PointerSize())
	}
	off, err := f.VAToOffset(0x1000)
	if err != nil {
		t.Fatalf("VAToOffset() error = %v", err)
	}
	if off != 0x1000 {
		t.Errorf("VAToOffset() = %#x, want 0x1000", off)
	}
}

func TestNSORejectsBadMagic(t *testing.T) {
	data := make([]byte, 0x200)
	if _, err := New(data, formats.Options{}); err == nil {
		t.Error("New() with bad magic: want error, got nil")
	}
}
