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
	"math"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
)

// projectors caches struct decoders by type
var projectors sync.Map

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	valueType    = reflect.TypeOf((*Value)(nil)).Elem()
	objectType   = reflect.TypeOf((*Object)(nil))
)

// source describes where a value was read from;
// time conversions depend on the annotations
// of the field and on the chunk clock
type source struct {
	field *FieldDescriptor
	clock *Clock
}

type decodefn func(src Value, s source, dst reflect.Value) error

// Project decodes the fields of ev into a new T,
// which is typically a struct type.
// See Unmarshal for the rules that apply.
func Project[T any](ev *Event) (T, error) {
	var out T
	err := Unmarshal(ev.Value, &out)
	return out, err
}

// Unmarshal stores the value v into dst,
// which must be a non-nil pointer.
//
// Struct fields are matched to object fields by name.
// The name is taken from the `jfr` struct tag if present,
// or else is the Go field name with its first letter
// lower-cased, so that SampledThread matches sampledThread.
// A tag of "-" skips the field, and the option
// "optional" (as in `jfr:"name,optional"`) allows the
// field to be absent or null. Pointer, slice, map and
// interface fields are always optional. Fields absent
// from v are left untouched.
//
// Integers are range-checked against the destination type.
// time.Time and time.Duration destinations are converted
// using the timestamp and timespan annotations of the
// source field and the clock of its chunk.
// Destinations of type Value or *Object receive the
// decoded value itself, and `any` receives the result of Interface.
func Unmarshal(v Value, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &ProjectionError{Type: reflect.TypeOf(dst), Msg: "destination must be a non-nil pointer"}
	}
	fn, err := decoderFunc(rv.Type().Elem())
	if err != nil {
		return err
	}
	var s source
	if o, ok := v.(*Object); ok {
		s.clock = o.class.clock
	}
	return fn(v, s, rv.Elem())
}

func mismatch(t reflect.Type, src Value) error {
	if src == nil {
		return &ProjectionError{Type: t, Msg: "missing value"}
	}
	return &ProjectionError{Type: t, Msg: fmt.Sprintf("cannot store %s value", src.Kind())}
}

// optional returns whether a null
// may be stored in a value of type t
func optional(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}

// compiler holds the struct decoders built
// during one call to decoderFunc; they are
// published to projectors only once the
// whole call has succeeded
type compiler struct {
	pending map[reflect.Type]*decodefn
	done    map[reflect.Type]decodefn
}

func decoderFunc(t reflect.Type) (decodefn, error) {
	c := compiler{
		pending: make(map[reflect.Type]*decodefn),
		done:    make(map[reflect.Type]decodefn),
	}
	fn, err := c.decoder(t)
	if err != nil {
		return nil, err
	}
	for t, f := range c.done {
		projectors.LoadOrStore(t, f)
	}
	return fn, nil
}

func (c *compiler) decoder(t reflect.Type) (decodefn, error) {
	switch t {
	case timeType:
		return decodeTime, nil
	case durationType:
		return decodeDuration, nil
	case valueType:
		return func(src Value, s source, dst reflect.Value) error {
			if src != nil {
				dst.Set(reflect.ValueOf(&src).Elem())
			}
			return nil
		}, nil
	case objectType:
		return func(src Value, s source, dst reflect.Value) error {
			switch src := src.(type) {
			case *Object:
				dst.Set(reflect.ValueOf(src))
				return nil
			case Null:
				dst.Set(reflect.Zero(t))
				return nil
			}
			return mismatch(t, src)
		}, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return func(src Value, s source, dst reflect.Value) error {
			b, ok := src.(Bool)
			if !ok {
				return mismatch(t, src)
			}
			dst.SetBool(bool(b))
			return nil
		}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(src Value, s source, dst reflect.Value) error {
			n, ok := AsInt(src)
			if !ok {
				return mismatch(t, src)
			}
			if !signedFits(t.Kind(), n) {
				return &ProjectionError{Type: t, Msg: fmt.Sprintf("value %d out of range", n)}
			}
			dst.SetInt(n)
			return nil
		}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(src Value, s source, dst reflect.Value) error {
			u, ok := asUint(src, s.field)
			if !ok {
				if _, isInt := AsInt(src); isInt {
					return &ProjectionError{Type: t, Msg: fmt.Sprintf("negative value %d", mustInt(src))}
				}
				return mismatch(t, src)
			}
			if !unsignedFits(t.Kind(), u) {
				return &ProjectionError{Type: t, Msg: fmt.Sprintf("value %d out of range", u)}
			}
			dst.SetUint(u)
			return nil
		}, nil
	case reflect.Float32, reflect.Float64:
		return func(src Value, s source, dst reflect.Value) error {
			var f float64
			switch v := src.(type) {
			case Float:
				f = float64(v)
			case Double:
				f = float64(v)
			default:
				n, ok := AsInt(src)
				if !ok {
					return mismatch(t, src)
				}
				f = float64(n)
			}
			if t.Kind() == reflect.Float32 && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
				return &ProjectionError{Type: t, Msg: fmt.Sprintf("value %g out of range", f)}
			}
			dst.SetFloat(f)
			return nil
		}, nil
	case reflect.String:
		return func(src Value, s source, dst reflect.Value) error {
			switch v := src.(type) {
			case String:
				dst.SetString(string(v))
			case Char:
				dst.SetString(string(rune(v)))
			default:
				return mismatch(t, src)
			}
			return nil
		}, nil
	case reflect.Pointer:
		inner, err := c.decoder(t.Elem())
		if err != nil {
			return nil, err
		}
		return func(src Value, s source, dst reflect.Value) error {
			if _, ok := src.(Null); ok {
				dst.Set(reflect.Zero(t))
				return nil
			}
			p := reflect.New(t.Elem())
			if err := inner(src, s, p.Elem()); err != nil {
				return err
			}
			dst.Set(p)
			return nil
		}, nil
	case reflect.Slice:
		inner, err := c.decoder(t.Elem())
		if err != nil {
			return nil, err
		}
		return func(src Value, s source, dst reflect.Value) error {
			switch v := src.(type) {
			case Null:
				dst.Set(reflect.Zero(t))
				return nil
			case Array:
				out := reflect.MakeSlice(t, len(v), len(v))
				for i := range v {
					if err := inner(v[i], s, out.Index(i)); err != nil {
						return at(err, fmt.Sprintf("[%d]", i))
					}
				}
				dst.Set(out)
				return nil
			}
			return mismatch(t, src)
		}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, &ProjectionError{Type: t, Msg: "map keys must be strings"}
		}
		inner, err := c.decoder(t.Elem())
		if err != nil {
			return nil, err
		}
		return func(src Value, s source, dst reflect.Value) error {
			switch v := src.(type) {
			case Null:
				dst.Set(reflect.Zero(t))
				return nil
			case *Object:
				out := reflect.MakeMapWithSize(t, len(v.fields))
				for i := range v.fields {
					f := &v.class.Fields[i]
					elem := reflect.New(t.Elem()).Elem()
					if err := inner(v.fields[i], source{field: f, clock: v.class.clock}, elem); err != nil {
						return at(err, f.Name)
					}
					out.SetMapIndex(reflect.ValueOf(f.Name).Convert(t.Key()), elem)
				}
				dst.Set(out)
				return nil
			}
			return mismatch(t, src)
		}, nil
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return nil, &ProjectionError{Type: t, Msg: "unsupported interface type"}
		}
		return func(src Value, s source, dst reflect.Value) error {
			if out := Interface(src); out != nil {
				dst.Set(reflect.ValueOf(out))
			} else {
				dst.Set(reflect.Zero(t))
			}
			return nil
		}, nil
	case reflect.Struct:
		return c.compileStruct(t)
	}
	return nil, &ProjectionError{Type: t, Msg: "unsupported type"}
}

// at prefixes the field path of a ProjectionError
func at(err error, name string) error {
	pe, ok := err.(*ProjectionError)
	if !ok {
		return err
	}
	out := *pe
	switch {
	case out.Field == "":
		out.Field = name
	case strings.HasPrefix(out.Field, "["):
		out.Field = name + out.Field
	default:
		out.Field = name + "." + out.Field
	}
	return &out
}

func signedFits(k reflect.Kind, n int64) bool {
	switch k {
	case reflect.Int8:
		return fits[int8](n)
	case reflect.Int16:
		return fits[int16](n)
	case reflect.Int32:
		return fits[int32](n)
	case reflect.Int:
		return fits[int](n)
	}
	return true
}

func unsignedFits(k reflect.Kind, u uint64) bool {
	switch k {
	case reflect.Uint8:
		return ufits[uint8](u)
	case reflect.Uint16:
		return ufits[uint16](u)
	case reflect.Uint32:
		return ufits[uint32](u)
	case reflect.Uint:
		return ufits[uint](u)
	case reflect.Uintptr:
		return ufits[uintptr](u)
	}
	return true
}

func fits[T constraints.Signed](n int64) bool { return int64(T(n)) == n }

func ufits[T constraints.Unsigned](u uint64) bool { return uint64(T(u)) == u }

func mustInt(v Value) int64 {
	n, _ := AsInt(v)
	return n
}

// asUint converts an integer value to uint64;
// fields annotated as unsigned are reinterpreted
// at their own width
func asUint(v Value, f *FieldDescriptor) (uint64, bool) {
	unsigned := f != nil && f.Unsigned
	switch v := v.(type) {
	case Byte:
		if unsigned {
			return uint64(uint8(v)), true
		}
	case Short:
		if unsigned {
			return uint64(uint16(v)), true
		}
	case Int:
		if unsigned {
			return uint64(uint32(v)), true
		}
	case Long:
		if unsigned {
			return uint64(v), true
		}
	case Char:
		return uint64(v), true
	}
	n, ok := AsInt(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// timeOf converts n according to the timestamp
// annotation of f; ok is false when f has none
func timeOf(n int64, f *FieldDescriptor, clock *Clock) (t time.Time, ok bool) {
	if f == nil {
		return t, false
	}
	switch {
	case f.TickUnit == TickTimestamp && clock != nil:
		return clock.TicksToTime(n), true
	case f.Unit == UnitEpochNanos:
		return time.Unix(0, n).UTC(), true
	case f.Unit == UnitEpochMillis:
		return time.UnixMilli(n).UTC(), true
	case f.Unit == UnitEpochSeconds:
		return time.Unix(n, 0).UTC(), true
	}
	return t, false
}

// durationOf converts n according to the timespan
// annotation of f, treating integers without
// one as nanoseconds
func durationOf(n int64, f *FieldDescriptor, clock *Clock) time.Duration {
	if f == nil {
		return time.Duration(n)
	}
	switch {
	case f.TickUnit == TickTimespan && clock != nil:
		return clock.TicksToDuration(n)
	case f.Unit == UnitMilliseconds:
		return time.Duration(n) * time.Millisecond
	case f.Unit == UnitSeconds:
		return time.Duration(n) * time.Second
	}
	return time.Duration(n)
}

func decodeTime(src Value, s source, dst reflect.Value) error {
	n, ok := AsInt(src)
	if !ok {
		return mismatch(timeType, src)
	}
	t, ok := timeOf(n, s.field, s.clock)
	if !ok {
		return &ProjectionError{Type: timeType, Msg: "source field is not a timestamp"}
	}
	dst.Set(reflect.ValueOf(t))
	return nil
}

func decodeDuration(src Value, s source, dst reflect.Value) error {
	n, ok := AsInt(src)
	if !ok {
		return mismatch(durationType, src)
	}
	dst.SetInt(int64(durationOf(n, s.field, s.clock)))
	return nil
}

type fieldDec struct {
	index    int
	name     string
	fn       decodefn
	optional bool
}

// fieldName returns the default name
// of the object field matching a struct field
func fieldName(goname string) string {
	r, size := utf8.DecodeRuneInString(goname)
	return string(unicode.ToLower(r)) + goname[size:]
}

func (c *compiler) compileStruct(t reflect.Type) (decodefn, error) {
	if f, ok := projectors.Load(t); ok {
		return f.(decodefn), nil
	}
	if f, ok := c.done[t]; ok {
		return f, nil
	}
	if p, ok := c.pending[t]; ok {
		// recursive type; *p is set when
		// the outer compilation finishes
		return func(src Value, s source, dst reflect.Value) error {
			return (*p)(src, s, dst)
		}, nil
	}
	p := new(decodefn)
	c.pending[t] = p
	defer delete(c.pending, t)
	var decs []fieldDec
	fields := reflect.VisibleFields(t)
	for i := range fields {
		if fields[i].PkgPath != "" || len(fields[i].Index) != 1 {
			continue // unexported or promoted embedded struct field
		}
		name := fieldName(fields[i].Name)
		opt := optional(fields[i].Type)
		if val, ok := fields[i].Tag.Lookup("jfr"); ok {
			tagname, rest, _ := strings.Cut(val, ",")
			if tagname == "-" {
				continue
			}
			if tagname != "" {
				name = tagname
			}
			if rest == "optional" {
				opt = true
			}
		}
		fn, err := c.decoder(fields[i].Type)
		if err != nil {
			return nil, at(err, fields[i].Name)
		}
		decs = append(decs, fieldDec{
			index:    fields[i].Index[0],
			name:     name,
			fn:       fn,
			optional: opt,
		})
	}
	self := func(src Value, s source, dst reflect.Value) error {
		o, ok := src.(*Object)
		if !ok {
			return mismatch(t, src)
		}
		for i := range decs {
			j, ok := o.class.fieldIndex(decs[i].name)
			if !ok {
				if decs[i].optional {
					continue
				}
				return &ProjectionError{Type: t, Field: decs[i].name, Msg: "no such field in " + o.class.Name}
			}
			val := o.fields[j]
			if _, isNull := val.(Null); isNull && !optional(dst.Field(decs[i].index).Type()) {
				if decs[i].optional {
					continue
				}
				return &ProjectionError{Type: t, Field: decs[i].name, Msg: "null value for required field"}
			}
			fs := source{field: &o.class.Fields[j], clock: o.class.clock}
			if err := decs[i].fn(val, fs, dst.Field(decs[i].index)); err != nil {
				return at(err, decs[i].name)
			}
		}
		return nil
	}
	*p = self
	c.done[t] = self
	return self, nil
}
