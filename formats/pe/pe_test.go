package pe

import (
	"encoding/binary"
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
)

// buildMinimalPE32 constructs a tiny well-formed PE32 image with one
// executable section.
func buildMinimalPE32() []byte {
	dosStub := make([]byte, 0x40)
	binary.LittleEndian.PutUint16(dosStub[0:], dosMagic)
	binary.LittleEndian.PutUint32(dosStub[0x3c:], 0x40) // e_lfanew

	const optHeaderSize = 96
	const sectionHeaderSize = 40
	ntStart := 0x40
	buf := make([]byte, ntStart+4+20+optHeaderSize+sectionHeaderSize+0x200)
	copy(buf, dosStub)

	le := binary.LittleEndian
	le.PutUint32(buf[ntStart:], peMagic)

	fh := buf[ntStart+4:]
	le.PutUint16(fh[0:], 0x14c) // Machine
	le.PutUint16(fh[2:], 1)     // NumberOfSections
	le.PutUint16(fh[16:], optHeaderSize)

	optStart := ntStart + 4 + 20
	opt := buf[optStart:]
	le.PutUint16(opt[0:], pe32Magic)
	le.PutUint32(opt[28:], 0x400000) // ImageBase (PE32 offset: magic(2)+linker(2)+code(4)+initdata(4)+uninitdata(4)+entry(4)+basecode(4)+basedata(4)=28)
	numRVAOff := 92
	le.PutUint32(opt[numRVAOff:], 16)

	sectionStart := optStart + optHeaderSize
	sec := buf[sectionStart:]
	copy(sec[0:8], ".text\x00\x00\x00")
	le.PutUint32(sec[8:], 0x200)  // VirtualSize
	le.PutUint32(sec[12:], 0x1000) // VirtualAddress
	le.PutUint32(sec[16:], 0x200) // SizeOfRawData
	le.PutUint32(sec[20:], sectionStart+sectionHeaderSize) // PointerToRawData
	le.PutUint32(sec[36:], imageScnMemExecute)

	return buf
}

func TestParseMinimalPE32(t *testing.T) {
	data := buildMinimalPE32()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.PointerSize() != 4 {
		t.Errorf("PointerSize() = %d, want 4", f.PointerSize())
	}
	if f.ImageBase() != 0x400000 {
		t.Errorf("ImageBase() = %#x, want 0x400000", f.ImageBase())
	}
}

func TestPEVAToOffsetRoundTrip(t *testing.T) {
	data := buildMinimalPE32()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	off, err := f.VAToOffset(0x401010)
	if err != nil {
		t.Fatalf("VAToOffset() error = %v", err)
	}
	want := uint64(len(data) - 0x200 + 0x10)
	if off != want {
		t.Errorf("VAToOffset() = %#x, want %#x", off, want)
	}
}

func TestPERejectsBadDOSMagic(t *testing.T) {
	data := make([]byte, 64)
	if _, err := New(data, formats.Options{}); err == nil {
		t.Error("New() with bad MZ magic: want error, got nil")
	}
}

func TestPEClassifySectionsExecutable(t *testing.T) {
	data := buildMinimalPE32()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sections := f.ClassifySections()
	if len(sections.Exec) != 1 {
		t.Fatalf("ClassifySections().Exec has %d entries, want 1", len(sections.Exec))
	}
}
