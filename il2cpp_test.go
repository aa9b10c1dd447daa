package il2cppcore

import (
	"strings"
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
)

func TestOpenImageDispatchesByMagic(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		// wantErrNotContains is a substring that should NOT appear in
		// the error, ruling out the "unrecognized format" catch-all so
		// this only proves magic-sniffing routed to the right parser.
		wantErrNotContains string
	}{
		{"elf", append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 16)...), "unrecognized"},
		{"pe", append([]byte{'M', 'Z'}, make([]byte, 62)...), "unrecognized"},
		{"macho64le", []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}, "unrecognized"},
		{"nso", append([]byte("NSO0"), make([]byte, 0x100)...), "unrecognized"},
		{"wasm", []byte{0x00, 'a', 's', 'm', 0x01, 0, 0, 0}, "unrecognized"},
		{"unknown", []byte{0, 0, 0, 0}, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := openImage(c.data, formats.Options{})
			if err == nil {
				return
			}
			if c.wantErrNotContains == "" {
				if !strings.Contains(err.Error(), "unrecognized") {
					t.Errorf("openImage(%s) error = %v, want the unrecognized-format fallback", c.name, err)
				}
				return
			}
			if strings.Contains(err.Error(), c.wantErrNotContains) {
				t.Errorf("openImage(%s) error = %v, magic was not recognized", c.name, err)
			}
		})
	}
}

func TestLoadRejectsUnrecognizedBinary(t *testing.T) {
	metadataBytes := []byte{0xAF, 0x1B, 0xB1, 0xFA, 16, 0, 0, 0}
	_, err := Load(metadataBytes, []byte{0, 0, 0, 0}, Options{})
	if err == nil {
		t.Fatal("Load() with a too-short metadata buffer and unrecognized binary: err = nil, want non-nil")
	}
}
