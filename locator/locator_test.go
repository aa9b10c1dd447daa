package locator

import (
	"testing"

	"github.com/il2cppdump/il2cppcore/formats"
)

func TestFindSymbolFallbackMatchesBothNames(t *testing.T) {
	img := &stubSymbolImage{symbols: []formats.Symbol{
		{Name: "g_CodeRegistration", VA: 0x1000},
		{Name: "g_MetadataRegistration", VA: 0x2000},
	}}
	code, meta, ok := FindSymbolFallback(img, false)
	if !ok {
		t.Fatal("FindSymbolFallback() ok = false, want true")
	}
	if code != 0x1000 || meta != 0x2000 {
		t.Errorf("FindSymbolFallback() = (%#x, %#x), want (0x1000, 0x2000)", code, meta)
	}
}

func TestFindSymbolFallbackMachOPrefixesUnderscore(t *testing.T) {
	img := &stubSymbolImage{symbols: []formats.Symbol{
		{Name: "_g_CodeRegistration", VA: 0x1000},
		{Name: "_g_MetadataRegistration", VA: 0x2000},
	}}
	_, _, ok := FindSymbolFallback(img, true)
	if !ok {
		t.Fatal("FindSymbolFallback() with machOStyle: ok = false, want true")
	}
}

func TestFindSymbolFallbackIncomplete(t *testing.T) {
	img := &stubSymbolImage{symbols: []formats.Symbol{{Name: "g_CodeRegistration", VA: 0x1000}}}
	_, _, ok := FindSymbolFallback(img, false)
	if ok {
		t.Error("FindSymbolFallback() with only one symbol: ok = true, want false")
	}
}

func TestCorrectCodeRegistrationSubversionBelowCeiling(t *testing.T) {
	v, va, corrected := CorrectCodeRegistrationSubversion(24.2, 10, 0x5000, 8)
	if corrected {
		t.Error("CorrectCodeRegistrationSubversion() below ceiling: corrected = true, want false")
	}
	if v != 24.2 || va != 0x5000 {
		t.Errorf("CorrectCodeRegistrationSubversion() = (%v, %#x), want unchanged", v, va)
	}
}

func TestCorrectCodeRegistrationSubversionAboveCeiling(t *testing.T) {
	v, va, corrected := CorrectCodeRegistrationSubversion(24.2, 0x50001, 0x5000, 8)
	if !corrected {
		t.Fatal("CorrectCodeRegistrationSubversion() above ceiling: corrected = false, want true")
	}
	if v != 24.3 {
		t.Errorf("version = %v, want 24.3", v)
	}
	if va != 0x5000-8 {
		t.Errorf("va = %#x, want %#x", va, 0x5000-8)
	}
}

func TestCorrectCodeRegistrationSubversionUnknownVersion(t *testing.T) {
	_, _, corrected := CorrectCodeRegistrationSubversion(16, 0x60000, 0x5000, 8)
	if corrected {
		t.Error("CorrectCodeRegistrationSubversion() for version with no known subversion split: corrected = true, want false")
	}
}

// stubSymbolImage only implements the one method FindSymbolFallback
// needs; the rest panic if called, which the tests above never do.
type stubSymbolImage struct {
	formats.Image
	symbols []formats.Symbol
}

func (s *stubSymbolImage) FindSymbols() []formats.Symbol { return s.symbols }
