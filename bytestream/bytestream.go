// Package bytestream implements a seekable, bounds-checked cursor over an
// in-memory buffer, with decoders for the primitive encodings IL2CPP
// on-disk structures use: little-endian fixed-width integers, LEB128,
// and .NET-style compressed integers.
package bytestream

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOutsideBoundary is returned when a read would cross the buffer's
// bounds.
var ErrOutsideBoundary = errors.New("bytestream: read outside buffer boundary")

// Reader is a seekable cursor over an in-memory buffer.
//
// It holds no file handle: backends (mmap'd files, decompressed images,
// etc.) hand it a raw []byte and it never reads past the bounds given.
type Reader struct {
	data     []byte
	pos      uint64
	Is32Bit  bool // selects the width used by ReadPointer
}

// New wraps data in a Reader positioned at offset 0.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the buffer length.
func (r *Reader) Len() uint64 { return uint64(len(r.data)) }

// Bytes returns the underlying buffer. Callers must not retain a
// mutable reference across an ELF relocation rewrite (see
// formats/elf); re-fetch after any call that may rewrite the buffer.
func (r *Reader) Bytes() []byte { return r.data }

// Pos returns the current cursor position.
func (r *Reader) Pos() uint64 { return r.pos }

// Seek repositions the cursor. It does not bounds-check eagerly —
// positioning one past the end (to then check Len) is legal; the next
// read will fail if it overruns.
func (r *Reader) Seek(pos uint64) { r.pos = pos }

func (r *Reader) checkBounds(n uint64) error {
	total := r.pos + n
	if total < r.pos || total > r.Len() {
		return ErrOutsideBoundary
	}
	return nil
}

// ReadBytes returns a slice of n bytes starting at the cursor and
// advances the cursor past them.
func (r *Reader) ReadBytes(n uint64) ([]byte, error) {
	if err := r.checkBounds(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytesAt returns a slice of n bytes at the given offset without
// moving the cursor.
func (r *Reader) ReadBytesAt(offset, n uint64) ([]byte, error) {
	total := offset + n
	if total < offset || total > r.Len() {
		return nil, ErrOutsideBoundary
	}
	return r.data[offset : offset+n], nil
}

// ReadUint8 / ReadInt8 / ReadUint16 / ReadInt16 / ReadUint32 /
// ReadInt32 / ReadUint64 / ReadInt64 read little-endian fixed-width
// integers and advance the cursor.

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadPointer reads a pointer-sized unsigned integer, 4 or 8 bytes
// depending on Is32Bit. This mirrors the original source's use of a
// single "pointer" decode whose width is set once by the format
// parser (§4.A of the spec this module implements).
func (r *Reader) ReadPointer() (uint64, error) {
	if r.Is32Bit {
		v, err := r.ReadUint32()
		return uint64(v), err
	}
	return r.ReadUint64()
}

// PointerSize returns 4 or 8 depending on Is32Bit.
func (r *Reader) PointerSize() uint64 {
	if r.Is32Bit {
		return 4
	}
	return 8
}

// ReadCString reads a NUL-terminated UTF-8 string starting at the
// cursor and advances the cursor past the terminator.
func (r *Reader) ReadCString() (string, error) {
	start := r.pos
	for {
		b, err := r.ReadUint8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
	}
	return string(r.data[start : r.pos-1]), nil
}

// ReadCStringAt reads a NUL-terminated UTF-8 string at a given offset
// without moving the cursor.
func (r *Reader) ReadCStringAt(offset uint64) (string, error) {
	if offset > r.Len() {
		return "", ErrOutsideBoundary
	}
	end := offset
	for end < r.Len() && r.data[end] != 0 {
		end++
	}
	if end >= r.Len() {
		return "", ErrOutsideBoundary
	}
	return string(r.data[offset:end]), nil
}

// ReadFixedString reads n bytes and decodes them as UTF-8, trimming a
// trailing NUL run.
func (r *Reader) ReadFixedString(n uint64) (string, error) {
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// ReadLEB128Unsigned reads an unsigned LEB128-encoded integer, as used
// by the WASM section-size chain.
func (r *Reader) ReadLEB128Unsigned() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

// ReadLEB128Signed reads a signed LEB128-encoded integer (WASM init
// expressions).
func (r *Reader) ReadLEB128Signed() (int64, error) {
	var result int64
	var shift uint
	var b uint8
	var err error
	for {
		b, err = r.ReadUint8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// ReadCompressedUint32 reads a .NET-style compressed unsigned 32-bit
// integer: 1 byte if the top bit is clear, 2 bytes if the top two bits
// are `10`, 4 bytes if the top three bits are `110`.
func (r *Reader) ReadCompressedUint32() (uint32, error) {
	b0, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0), nil
	case b0&0xC0 == 0x80:
		b1, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		return (uint32(b0&0x3F) << 8) | uint32(b1), nil
	case b0&0xE0 == 0xC0:
		rest, err := r.ReadBytes(3)
		if err != nil {
			return 0, err
		}
		return (uint32(b0&0x1F) << 24) | uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2]), nil
	default:
		return 0, errors.New("bytestream: invalid compressed integer prefix")
	}
}

// ReadCompressedInt32 reads a .NET-style compressed signed 32-bit
// integer: the unsigned payload is decoded, then un-zig-zagged as
// `(n>>1)` if even, `-(n>>1)-1` if odd.
func (r *Reader) ReadCompressedInt32() (int32, error) {
	u, err := r.ReadCompressedUint32()
	if err != nil {
		return 0, err
	}
	if u&1 == 0 {
		return int32(u >> 1), nil
	}
	return -int32(u>>1) - 1, nil
}

// ReadUint32Array performs a contiguous batch decode of n uint32
// values, avoiding a per-element bounds check.
func (r *Reader) ReadUint32Array(n uint64) ([]uint32, error) {
	b, err := r.ReadBytes(n * 4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}

// ReadUint64Array performs a contiguous batch decode of n uint64
// values.
func (r *Reader) ReadUint64Array(n uint64) ([]uint64, error) {
	b, err := r.ReadBytes(n * 8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

// ReadPointerArray performs a contiguous batch decode of n
// pointer-sized values, width chosen by Is32Bit.
func (r *Reader) ReadPointerArray(n uint64) ([]uint64, error) {
	if r.Is32Bit {
		vals, err := r.ReadUint32Array(n)
		if err != nil {
			return nil, err
		}
		out := make([]uint64, n)
		for i, v := range vals {
			out[i] = uint64(v)
		}
		return out, nil
	}
	return r.ReadUint64Array(n)
}
