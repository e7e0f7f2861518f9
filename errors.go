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
	"fmt"
	"reflect"
)

// FormatError is returned when the framing
// or schema of a chunk is malformed:
// a bad magic number, an unsupported version,
// inconsistent header fields, or a metadata
// event that does not describe a valid schema.
//
// A FormatError is fatal for the chunk it
// was produced for, but not for the file.
type FormatError struct {
	// Offset is the absolute offset in the
	// recording at which the problem was found.
	Offset int64
	Msg    string
	// Err is the underlying cause, if any.
	Err error
}

func (f *FormatError) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("jfr: format error at offset %d: %s: %s", f.Offset, f.Msg, f.Err)
	}
	return fmt.Sprintf("jfr: format error at offset %d: %s", f.Offset, f.Msg)
}

func (f *FormatError) Unwrap() error { return f.Err }

func formatf(off int64, f string, args ...any) error {
	return &FormatError{Offset: off, Msg: fmt.Sprintf(f, args...)}
}

// EncodingError is returned when a primitive
// cannot be decoded: a truncated integer,
// a length that points past the end of the
// data, or an invalid string encoding.
type EncodingError struct {
	Offset int64
	Msg    string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("jfr: encoding error at offset %d: %s", e.Offset, e.Msg)
}

// UnresolvedReferenceError is returned when
// a constant-pool reference names an index
// that no checkpoint in the chunk defines.
type UnresolvedReferenceError struct {
	ClassID, Index int64
}

func (u *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("jfr: constant pool entry (class %d, index %d) not found", u.ClassID, u.Index)
}

// CyclicReferenceError is returned when a
// constant-pool entry depends on itself,
// directly or through other entries.
type CyclicReferenceError struct {
	ClassID, Index int64
}

func (c *CyclicReferenceError) Error() string {
	return fmt.Sprintf("jfr: constant pool entry (class %d, index %d) references itself", c.ClassID, c.Index)
}

// ProjectionError is returned from Project
// and Unmarshal when a value cannot be stored
// into the destination type.
type ProjectionError struct {
	Type  reflect.Type // destination type
	Field string       // destination field path, if any
	Msg   string
}

func (p *ProjectionError) Error() string {
	if p.Field == "" {
		return fmt.Sprintf("jfr: cannot project into %s: %s", p.Type, p.Msg)
	}
	return fmt.Sprintf("jfr: cannot project into %s field %s: %s", p.Type, p.Field, p.Msg)
}
