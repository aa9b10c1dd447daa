package elf

import (
	"encoding/binary"
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
)

// buildMinimalELF64 constructs a tiny well-formed ELF64 image with one
// PT_LOAD segment covering the whole file, no dynamic section.
func buildMinimalELF64() []byte {
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+phsize+16)

	copy(buf[0:4], elfMagic)
	buf[4] = classELF64
	buf[5] = 1 // little endian
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)     // e_type
	le.PutUint16(buf[18:], 0x3e)  // e_machine (x86-64)
	le.PutUint32(buf[20:], 1)     // e_version
	le.PutUint64(buf[24:], 0)     // e_entry
	le.PutUint64(buf[32:], ehsize) // e_phoff
	le.PutUint64(buf[40:], 0)     // e_shoff
	le.PutUint32(buf[48:], 0)     // e_flags
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1) // e_phnum
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], ptLoad)
	le.PutUint32(ph[4:], pfExec|pfWrite)
	le.PutUint64(ph[8:], 0)              // p_offset
	le.PutUint64(ph[16:], 0x1000)        // p_vaddr
	le.PutUint64(ph[24:], 0x1000)        // p_paddr
	le.PutUint64(ph[32:], uint64(len(buf))) // p_filesz
	le.PutUint64(ph[40:], uint64(len(buf))) // p_memsz

	return buf
}

func TestParseMinimalELF64(t *testing.T) {
	data := buildMinimalELF64()
	f, err := New(data, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.PointerSize() != 8 {
		t.Errorf("PointerSize() = %d, want 8", f.PointerSize())
	}
	if f.ImageBase() != 0x1000 {
		t.Errorf("ImageBase() = %#x, want 0x1000", f.ImageBase())
	}
}

func TestVAToOffsetRoundTrip(t *testing.T) {
	data := buildMinimalELF64()
	f, err := New(data, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	off, err := f.VAToOffset(0x1010)
	if err != nil {
		t.Fatalf("VAToOffset() error = %v", err)
	}
	if off != 0x10 {
		t.Errorf("VAToOffset(0x1010) = %#x, want 0x10", off)
	}
	if va := f.OffsetToVA(0x10); va != 0x1010 {
		t.Errorf("OffsetToVA(0x10) = %#x, want 0x1010", va)
	}
}

func TestVAToOffsetOutOfRange(t *testing.T) {
	data := buildMinimalELF64()
	f, err := New(data, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := f.VAToOffset(0xdeadbeef); err == nil {
		t.Error("VAToOffset() with unmapped address: want error, got nil")
	}
}

func TestClassifySectionsMarksExecWritableSegment(t *testing.T) {
	data := buildMinimalELF64()
	f, err := New(data, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sections := f.ClassifySections()
	if len(sections.Exec) != 1 {
		t.Fatalf("ClassifySections().Exec has %d entries, want 1", len(sections.Exec))
	}
}

func TestRejectsBadMagic(t *testing.T) {
	data := []byte("not an elf file padded to length.....")
	if _, err := New(data, testOptions()); err == nil {
		t.Error("New() with bad magic: want error, got nil")
	}
}

func testOptions() formats.Options {
	return formats.Options{}
}
