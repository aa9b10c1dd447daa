package macho

import (
	"encoding/binary"
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
)

func buildThinMacho64() []byte {
	const headerSize = 32
	const segCmdSize = 72 // load command header(8) + segment_command_64 fixed fields up to initprot, no sections
	buf := make([]byte, headerSize+segCmdSize)

	le := binary.LittleEndian
	le.PutUint32(buf[0:], magic64)
	le.PutUint32(buf[4:], cpuTypeARM64)
	le.PutUint32(buf[8:], 0) // cpusubtype
	le.PutUint32(buf[12:], 2) // filetype
	le.PutUint32(buf[16:], 1) // ncmds
	le.PutUint32(buf[20:], segCmdSize) // sizeofcmds
	le.PutUint32(buf[24:], 0) // flags
	le.PutUint32(buf[28:], 0) // reserved

	cmd := buf[headerSize:]
	le.PutUint32(cmd[0:], lcSegment64)
	le.PutUint32(cmd[4:], segCmdSize)
	copy(cmd[8:24], "__TEXT")
	le.PutUint64(cmd[24:], 0x100000000) // vmaddr
	le.PutUint64(cmd[32:], 0x4000)      // vmsize
	le.PutUint64(cmd[40:], 0)           // fileoff
	le.PutUint64(cmd[48:], 0x4000)      // filesize
	le.PutUint32(cmd[56:], vmProtExec)  // maxprot
	le.PutUint32(cmd[60:], vmProtExec)  // initprot

	return buf
}

func TestParseThinMacho64(t *testing.T) {
	data := buildThinMacho64()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.PointerSize() != 8 {
		t.Errorf("PointerSize() = %d, want 8", f.PointerSize())
	}
	if f.ImageBase() != 0x100000000 {
		t.Errorf("ImageBase() = %#x, want 0x100000000", f.ImageBase())
	}
}

func TestMachoVAToOffset(t *testing.T) {
	data := buildThinMacho64()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	off, err := f.VAToOffset(0x100000010)
	if err != nil {
		t.Fatalf("VAToOffset() error = %v", err)
	}
	if off != 0x10 {
		t.Errorf("VAToOffset() = %#x, want 0x10", off)
	}
}

func TestMachoClassifySectionsExec(t *testing.T) {
	data := buildThinMacho64()
	f, err := New(data, formats.Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sections := f.ClassifySections()
	if len(sections.Exec) != 1 {
		t.Fatalf("ClassifySections().Exec has %d entries, want 1", len(sections.Exec))
	}
}

func TestOpenRejectsUnrecognizedMagic(t *testing.T) {
	data := make([]byte, 16)
	if _, err := Open(data, 0, formats.Options{}); err == nil {
		t.Error("Open() with unrecognized magic: want error, got nil")
	}
}
