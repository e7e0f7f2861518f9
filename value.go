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

// Kind is the variant of a Value.
type Kind uint8

const (
	NullKind Kind = iota
	BoolKind
	ByteKind
	ShortKind
	IntKind
	LongKind
	FloatKind
	DoubleKind
	CharKind
	StringKind
	ObjectKind
	ArrayKind
)

func (k Kind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BoolKind:
		return "boolean"
	case ByteKind:
		return "byte"
	case ShortKind:
		return "short"
	case IntKind:
		return "int"
	case LongKind:
		return "long"
	case FloatKind:
		return "float"
	case DoubleKind:
		return "double"
	case CharKind:
		return "char"
	case StringKind:
		return "string"
	case ObjectKind:
		return "object"
	case ArrayKind:
		return "array"
	default:
		return "invalid"
	}
}

// Integer returns whether k is one of
// the integer kinds.
func (k Kind) Integer() bool {
	switch k {
	case ByteKind, ShortKind, IntKind, LongKind:
		return true
	default:
		return false
	}
}

// Value is a decoded value.
//
// A Value is one of
//
//	Null, Bool, Byte, Short, Int, Long,
//	Float, Double, Char, String,
//	*Object, Array
//
// Values are immutable once decoded and may
// be shared between events of the same chunk.
type Value interface {
	Kind() Kind

	// used for Equal
	equal(Value) bool
}

var (
	_ Value = Null{}
	_ Value = Bool(false)
	_ Value = Byte(0)
	_ Value = Short(0)
	_ Value = Int(0)
	_ Value = Long(0)
	_ Value = Float(0)
	_ Value = Double(0)
	_ Value = Char(0)
	_ Value = String("")
	_ Value = &Object{}
	_ Value = Array(nil)
)

// Null is a null string or a missing reference.
type Null struct{}

type (
	Bool   bool
	Byte   int8
	Short  int16
	Int    int32
	Long   int64
	Float  float32
	Double float64
	Char   rune
	String string
	// Array is an ordered sequence of values.
	Array []Value
)

func (Null) Kind() Kind   { return NullKind }
func (Bool) Kind() Kind   { return BoolKind }
func (Byte) Kind() Kind   { return ByteKind }
func (Short) Kind() Kind  { return ShortKind }
func (Int) Kind() Kind    { return IntKind }
func (Long) Kind() Kind   { return LongKind }
func (Float) Kind() Kind  { return FloatKind }
func (Double) Kind() Kind { return DoubleKind }
func (Char) Kind() Kind   { return CharKind }
func (String) Kind() Kind { return StringKind }
func (Array) Kind() Kind  { return ArrayKind }

func (Null) equal(x Value) bool {
	_, ok := x.(Null)
	return ok
}

func (b Bool) equal(x Value) bool {
	b2, ok := x.(Bool)
	return ok && b == b2
}

func (c Char) equal(x Value) bool {
	c2, ok := x.(Char)
	return ok && c == c2
}

func (s String) equal(x Value) bool {
	s2, ok := x.(String)
	return ok && s == s2
}

func (f Float) equal(x Value) bool   { return floatEqual(float64(f), x) }
func (f Double) equal(x Value) bool  { return floatEqual(float64(f), x) }
func (i Byte) equal(x Value) bool    { return intEqual(int64(i), x) }
func (i Short) equal(x Value) bool   { return intEqual(int64(i), x) }
func (i Int) equal(x Value) bool     { return intEqual(int64(i), x) }
func (i Long) equal(x Value) bool    { return intEqual(int64(i), x) }
func (a Array) equal(x Value) bool   { return arrayEqual(a, x) }
func (o *Object) equal(x Value) bool { return objectEqual(o, x) }

// integers compare equal across widths
func intEqual(i int64, x Value) bool {
	n, ok := AsInt(x)
	return ok && n == i
}

func floatEqual(f float64, x Value) bool {
	switch x := x.(type) {
	case Float:
		return float64(x) == f
	case Double:
		return float64(x) == f
	default:
		return false
	}
}

func arrayEqual(a Array, x Value) bool {
	a2, ok := x.(Array)
	if !ok || len(a) != len(a2) {
		return false
	}
	for i := range a {
		if !Equal(a[i], a2[i]) {
			return false
		}
	}
	return true
}

func objectEqual(o *Object, x Value) bool {
	o2, ok := x.(*Object)
	if !ok {
		return false
	}
	if o == o2 {
		return true
	}
	if o.class.Name != o2.class.Name || len(o.fields) != len(o2.fields) {
		return false
	}
	for i := range o.fields {
		if o.class.Fields[i].Name != o2.class.Fields[i].Name {
			return false
		}
		if !Equal(o.fields[i], o2.fields[i]) {
			return false
		}
	}
	return true
}

// Equal returns whether a and b are structurally
// equal. Integers of different widths compare
// by value; objects compare by class name and
// field values, so values from different chunks
// may be equal.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.equal(b)
}

// AsInt returns the integer held in v
// if v is one of the integer kinds.
func AsInt(v Value) (int64, bool) {
	switch v := v.(type) {
	case Byte:
		return int64(v), true
	case Short:
		return int64(v), true
	case Int:
		return int64(v), true
	case Long:
		return int64(v), true
	default:
		return 0, false
	}
}

// Object is an instance of a class
// described by the chunk metadata.
// Fields are stored in declaration order.
type Object struct {
	class  *ClassDescriptor
	fields []Value
}

func (o *Object) Kind() Kind { return ObjectKind }

// Class returns the descriptor of the object's class.
func (o *Object) Class() *ClassDescriptor { return o.class }

// ClassID returns the id of the object's class.
func (o *Object) ClassID() int64 { return o.class.ID }

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.fields) }

// FieldAt returns the name and value
// of the i'th field in declaration order.
func (o *Object) FieldAt(i int) (string, Value) {
	return o.class.Fields[i].Name, o.fields[i]
}

// Field returns the value of the named field.
func (o *Object) Field(name string) (Value, bool) {
	i, ok := o.class.fieldIndex(name)
	if !ok {
		return nil, false
	}
	return o.fields[i], true
}

// Each calls fn for each field in declaration
// order until fn returns false.
func (o *Object) Each(fn func(name string, v Value) bool) {
	for i := range o.fields {
		if !fn(o.class.Fields[i].Name, o.fields[i]) {
			return
		}
	}
}

// Field returns the named field of v
// if v is an *Object.
func Field(v Value, name string) (Value, bool) {
	o, ok := v.(*Object)
	if !ok {
		return nil, false
	}
	return o.Field(name)
}

// Path follows a sequence of field names
// from v, i.e. Path(ev, "sampledThread", "osName").
func Path(v Value, names ...string) (Value, bool) {
	for _, name := range names {
		var ok bool
		v, ok = Field(v, name)
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// Interface converts v into plain Go values:
// nil, bool, int64, float64, string,
// []any and map[string]any.
func Interface(v Value) any {
	switch v := v.(type) {
	case Bool:
		return bool(v)
	case Byte, Short, Int, Long:
		n, _ := AsInt(v)
		return n
	case Float:
		return float64(v)
	case Double:
		return float64(v)
	case Char:
		return string(rune(v))
	case String:
		return string(v)
	case Array:
		out := make([]any, len(v))
		for i := range v {
			out[i] = Interface(v[i])
		}
		return out
	case *Object:
		out := make(map[string]any, len(v.fields))
		v.Each(func(name string, f Value) bool {
			out[name] = Interface(f)
			return true
		})
		return out
	default:
		return nil
	}
}
