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
	"io"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

// jsonBuffer accumulates the JSON text of one value
type jsonBuffer struct {
	buf []byte
}

const hex = "0123456789abcdef"

func (j *jsonBuffer) string(str string) {
	j.buf = append(j.buf, '"')
	start := 0
	for i := 0; i < len(str); {
		if b := str[i]; b < utf8.RuneSelf {
			if b >= 0x20 && b != '"' && b != '\\' {
				i++
				continue
			}
			j.buf = append(j.buf, str[start:i]...)
			j.buf = append(j.buf, '\\')
			switch b {
			case '\\', '"':
				j.buf = append(j.buf, b)
			case '\n':
				j.buf = append(j.buf, 'n')
			case '\r':
				j.buf = append(j.buf, 'r')
			case '\t':
				j.buf = append(j.buf, 't')
			default:
				j.buf = append(j.buf, 'u', '0', '0', hex[b>>4], hex[b&0xf])
			}
			i++
			start = i
			continue
		}
		c, size := utf8.DecodeRuneInString(str[i:])
		if c == utf8.RuneError && size == 1 {
			j.buf = append(j.buf, str[start:i]...)
			j.buf = append(j.buf, `\ufffd`...)
			i += size
			start = i
			continue
		}
		// U+2028 and U+2029 are valid JSON
		// but not valid JavaScript
		if c == '\u2028' || c == '\u2029' {
			j.buf = append(j.buf, str[start:i]...)
			j.buf = append(j.buf, '\\', 'u', '2', '0', '2', hex[c&0xf])
			i += size
			start = i
			continue
		}
		i += size
	}
	j.buf = append(j.buf, str[start:]...)
	j.buf = append(j.buf, '"')
}

func (j *jsonBuffer) float(f float64, bits int) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		j.buf = append(j.buf, "null"...)
		return
	}
	j.buf = strconv.AppendFloat(j.buf, f, 'g', -1, bits)
}

func (j *jsonBuffer) value(v Value) {
	switch v := v.(type) {
	case nil, Null:
		j.buf = append(j.buf, "null"...)
	case Bool:
		j.buf = strconv.AppendBool(j.buf, bool(v))
	case Byte, Short, Int, Long:
		n, _ := AsInt(v)
		j.buf = strconv.AppendInt(j.buf, n, 10)
	case Float:
		j.float(float64(v), 32)
	case Double:
		j.float(float64(v), 64)
	case Char:
		j.string(string(rune(v)))
	case String:
		j.string(string(v))
	case Array:
		j.buf = append(j.buf, '[')
		for i := range v {
			if i > 0 {
				j.buf = append(j.buf, ',')
			}
			j.value(v[i])
		}
		j.buf = append(j.buf, ']')
	case *Object:
		j.buf = append(j.buf, '{')
		for i := range v.fields {
			if i > 0 {
				j.buf = append(j.buf, ',')
			}
			j.string(v.class.Fields[i].Name)
			j.buf = append(j.buf, ':')
			j.value(v.fields[i])
		}
		j.buf = append(j.buf, '}')
	}
}

// WriteJSON writes the JSON text of v to w.
// Objects are written as JSON objects with their
// fields in declaration order, arrays as arrays,
// chars as one-character strings, and nulls
// and non-finite floats as null.
func WriteJSON(w io.Writer, v Value) error {
	var j jsonBuffer
	j.value(v)
	_, err := w.Write(j.buf)
	return err
}

// WriteJSON writes the event to w as one line of JSON:
//
//	{"type": <class name>, "startTime": <RFC 3339 time>, "values": {...}}
//
// startTime is null for events without a start time.
func (e *Event) WriteJSON(w io.Writer) error {
	var j jsonBuffer
	j.buf = append(j.buf, `{"type":`...)
	j.string(e.Class.Name)
	j.buf = append(j.buf, `,"startTime":`...)
	if t := e.Time(); t.IsZero() {
		j.buf = append(j.buf, "null"...)
	} else {
		j.string(t.Format(time.RFC3339Nano))
	}
	j.buf = append(j.buf, `,"values":`...)
	j.value(e.Value)
	j.buf = append(j.buf, '}', '\n')
	_, err := w.Write(j.buf)
	return err
}
