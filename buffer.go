// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package jfr

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
	"unicode/utf8"
)

// string encodings
const (
	stringNull   = 0
	stringEmpty  = 1
	stringPool   = 2
	stringUTF8   = 3
	stringChars  = 4
	stringLatin1 = 5
)

// decoder reads primitives from an
// in-memory buffer, advancing off.
//
// When varint is set, all 16-, 32- and 64-bit
// integers are read as variable-length integers
// (see Header.Features); bytes and floating-point
// values are always fixed-width big-endian.
type decoder struct {
	buf    []byte
	off    int
	base   int64 // absolute offset of buf[0]
	varint bool
}

func (d *decoder) pos() int64 { return d.base + int64(d.off) }

func (d *decoder) errorf(f string, args ...any) error {
	return &EncodingError{Offset: d.pos(), Msg: fmt.Sprintf(f, args...)}
}

func (d *decoder) left() int { return len(d.buf) - d.off }

func (d *decoder) need(n int, what string) error {
	if n < 0 || d.left() < n {
		return d.errorf("%s: need %d bytes but have %d", what, n, d.left())
	}
	return nil
}

func (d *decoder) skip(n int) error {
	if err := d.need(n, "skip"); err != nil {
		return err
	}
	d.off += n
	return nil
}

func (d *decoder) u8() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, d.errorf("unexpected end of data reading byte")
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) i8() (int8, error) {
	b, err := d.u8()
	return int8(b), err
}

// uvarint reads a variable-length integer:
// eight groups of 7 bits with a continuation bit,
// followed (if necessary) by one full byte.
func (d *decoder) uvarint() (uint64, error) {
	var v uint64
	buf := d.buf[d.off:]
	for i := 0; i < 8; i++ {
		if i >= len(buf) {
			return 0, d.errorf("truncated variable-length integer")
		}
		b := buf[i]
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			d.off += i + 1
			return v, nil
		}
	}
	if len(buf) < 9 {
		return 0, d.errorf("truncated variable-length integer")
	}
	v |= uint64(buf[8]) << 56
	d.off += 9
	return v, nil
}

func (d *decoder) fixed(n int) ([]byte, error) {
	if err := d.need(n, "fixed-width integer"); err != nil {
		return nil, err
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) i16() (int16, error) {
	if d.varint {
		u, err := d.uvarint()
		return int16(u), err
	}
	b, err := d.fixed(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (d *decoder) i32() (int32, error) {
	if d.varint {
		u, err := d.uvarint()
		return int32(u), err
	}
	b, err := d.fixed(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) i64() (int64, error) {
	if d.varint {
		u, err := d.uvarint()
		return int64(u), err
	}
	b, err := d.fixed(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) f32() (float32, error) {
	b, err := d.fixed(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) f64() (float64, error) {
	b, err := d.fixed(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// count reads a 32-bit element count and
// checks that at least min bytes per element
// remain, so that a corrupt count never
// turns into a huge allocation.
func (d *decoder) count(min int, what string) (int, error) {
	n, err := d.i32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, d.errorf("negative %s count %d", what, n)
	}
	if min > 0 && int64(n)*int64(min) > int64(d.left()) {
		return 0, d.errorf("%s count %d exceeds remaining %d bytes", what, n, d.left())
	}
	return int(n), nil
}

// str reads one encoded string.
//
// The returned tag is one of the string* constants;
// when it is stringPool, ref holds the constant-pool
// index and s is empty. When it is stringNull, s is empty.
func (d *decoder) str() (s string, ref int64, tag byte, err error) {
	tag, err = d.u8()
	if err != nil {
		return "", 0, 0, err
	}
	switch tag {
	case stringNull, stringEmpty:
		return "", 0, tag, nil
	case stringPool:
		ref, err = d.i64()
		return "", ref, tag, err
	case stringUTF8, stringLatin1:
		n, err := d.count(1, "string byte")
		if err != nil {
			return "", 0, tag, err
		}
		body := d.buf[d.off : d.off+n]
		d.off += n
		if tag == stringLatin1 {
			return latin1(body), 0, tag, nil
		}
		return modifiedUTF8(body), 0, tag, nil
	case stringChars:
		n, err := d.count(1, "string char")
		if err != nil {
			return "", 0, tag, err
		}
		units := make([]uint16, n)
		for i := range units {
			c, err := d.i16()
			if err != nil {
				return "", 0, tag, err
			}
			units[i] = uint16(c)
		}
		return string(utf16.Decode(units)), 0, tag, nil
	default:
		return "", 0, tag, d.errorf("unknown string encoding %d", tag)
	}
}

// skipstr is str without materializing the string
func (d *decoder) skipstr() error {
	tag, err := d.u8()
	if err != nil {
		return err
	}
	switch tag {
	case stringNull, stringEmpty:
		return nil
	case stringPool:
		_, err = d.i64()
		return err
	case stringUTF8, stringLatin1:
		n, err := d.count(1, "string byte")
		if err != nil {
			return err
		}
		d.off += n
		return nil
	case stringChars:
		n, err := d.count(1, "string char")
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := d.i16(); err != nil {
				return err
			}
		}
		return nil
	default:
		return d.errorf("unknown string encoding %d", tag)
	}
}

func latin1(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = utf8.AppendRune(out, rune(c))
	}
	return string(out)
}

// modifiedUTF8 decodes Java's modified UTF-8,
// where NUL is written as C0 80 and supplementary
// characters as two 3-byte surrogates.
// Plain UTF-8 takes the fast path.
func modifiedUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		if c < utf8.RuneSelf {
			out = append(out, c)
			i++
			continue
		}
		if c == 0xc0 && i+1 < len(b) && b[i+1] == 0x80 {
			out = append(out, 0)
			i += 2
			continue
		}
		if hi, ok := surrogate(b[i:]); ok && hi >= 0xd800 && hi < 0xdc00 {
			if lo, ok := surrogate(b[i+3:]); ok && lo >= 0xdc00 && lo < 0xe000 {
				out = utf8.AppendRune(out, utf16.DecodeRune(hi, lo))
				i += 6
				continue
			}
		}
		r, size := utf8.DecodeRune(b[i:])
		out = utf8.AppendRune(out, r)
		i += size
	}
	return string(out)
}

// surrogate decodes a 3-byte encoded UTF-16 surrogate
func surrogate(b []byte) (rune, bool) {
	if len(b) < 3 || b[0] != 0xed || b[1]&0xc0 != 0x80 || b[2]&0xc0 != 0x80 {
		return 0, false
	}
	return rune(b[0]&0x0f)<<12 | rune(b[1]&0x3f)<<6 | rune(b[2]&0x3f), true
}
