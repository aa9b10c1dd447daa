package elf

import "github.com/il2cppdump/il2cppcore/formats"

// Fuzz exercises header recognition against arbitrary bytes, adapting
// the teacher's go-fuzz entry-point convention (root fuzz.go) to this
// format parser.
func Fuzz(data []byte) int {
	f, err := New(data, formats.Options{})
	if err != nil {
		return 0
	}
	f.ClassifySections()
	return 1
}
