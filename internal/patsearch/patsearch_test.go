package patsearch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFindAllExact(t *testing.T) {
	data := []byte("mscorlib.dll\x00mscorlib.dll\x00")
	pattern := Exact([]byte("mscorlib.dll\x00"))
	got := FindAll(data, pattern)
	want := []int{0, 13}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestFindAllWithWildcard(t *testing.T) {
	data := []byte{0x10, 0xAA, 0x20, 0x10, 0xBB, 0x20}
	pattern := Pattern{
		Bytes: []byte{0x10, 0x00, 0x20},
		Mask:  []bool{true, false, true},
	}
	got := FindAll(data, pattern)
	want := []int{0, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestFindFirstNoMatch(t *testing.T) {
	data := []byte("no pattern here")
	pattern := Exact([]byte("xyz"))
	if got := FindFirst(data, pattern); got != -1 {
		t.Errorf("FindFirst() = %d, want -1", got)
	}
}

func TestFindFirstPatternLongerThanData(t *testing.T) {
	data := []byte("ab")
	pattern := Exact([]byte("abcdef"))
	if got := FindFirst(data, pattern); got != -1 {
		t.Errorf("FindFirst() = %d, want -1", got)
	}
}
