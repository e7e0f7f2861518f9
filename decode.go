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

// maxDepth bounds the nesting of inline
// objects; a class that embeds itself inline
// would otherwise recurse without consuming input.
const maxDepth = 64

// maxEmptyElements bounds the length of arrays
// whose elements may be encoded in zero bytes.
const maxEmptyElements = 1 << 16

// resolver looks up constant-pool entries.
type resolver interface {
	resolve(c *ClassDescriptor, index int64) (Value, error)
}

// valueDecoder decodes values described by
// the metadata of one chunk.
type valueDecoder struct {
	d     *decoder
	refs  resolver
	depth int
}

// value decodes one value of class c:
// a primitive for the built-in classes,
// and an *Object otherwise.
func (v *valueDecoder) value(c *ClassDescriptor) (Value, error) {
	if c.kind != ObjectKind {
		return v.primitive(c)
	}
	if v.depth >= maxDepth {
		return nil, formatf(v.d.pos(), "class %s nested deeper than %d levels", c.Name, maxDepth)
	}
	v.depth++
	defer func() { v.depth-- }()
	o := &Object{class: c, fields: make([]Value, len(c.Fields))}
	for i := range c.Fields {
		val, err := v.field(&c.Fields[i])
		if err != nil {
			return nil, err
		}
		o.fields[i] = val
	}
	return o, nil
}

func (v *valueDecoder) field(f *FieldDescriptor) (Value, error) {
	if !f.Array {
		return v.single(f)
	}
	n, err := elements(v.d, f)
	if err != nil {
		return nil, err
	}
	// exactly n elements; never grown
	arr := make(Array, n)
	for i := range arr {
		if arr[i], err = v.single(f); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

func (v *valueDecoder) single(f *FieldDescriptor) (Value, error) {
	if f.ConstantPool {
		idx, err := v.d.i64()
		if err != nil {
			return nil, err
		}
		return v.refs.resolve(f.class, idx)
	}
	return v.value(f.class)
}

func (v *valueDecoder) primitive(c *ClassDescriptor) (Value, error) {
	d := v.d
	switch c.kind {
	case BoolKind:
		b, err := d.u8()
		return Bool(b != 0), err
	case ByteKind:
		b, err := d.i8()
		return Byte(b), err
	case ShortKind:
		i, err := d.i16()
		return Short(i), err
	case IntKind:
		i, err := d.i32()
		return Int(i), err
	case LongKind:
		i, err := d.i64()
		return Long(i), err
	case FloatKind:
		f, err := d.f32()
		return Float(f), err
	case DoubleKind:
		f, err := d.f64()
		return Double(f), err
	case CharKind:
		i, err := d.i16()
		return Char(uint16(i)), err
	case StringKind:
		s, ref, tag, err := d.str()
		if err != nil {
			return nil, err
		}
		switch tag {
		case stringNull:
			return Null{}, nil
		case stringPool:
			return v.refs.resolve(c, ref)
		default:
			return String(s), nil
		}
	default:
		return nil, formatf(d.pos(), "class %s has no primitive encoding", c.Name)
	}
}

// elements reads the length prefix of an array field
func elements(d *decoder, f *FieldDescriptor) (int, error) {
	min := 1
	if !f.ConstantPool && f.class.kind == ObjectKind && len(f.class.Fields) == 0 {
		min = 0
	}
	n, err := d.count(min, "array element")
	if err != nil {
		return 0, err
	}
	if min == 0 && n > maxEmptyElements {
		return 0, d.errorf("array of %d empty %s elements", n, f.class.Name)
	}
	return n, nil
}

// skipValue advances d past one value of class c
// without materializing it. Constant-pool references
// are skipped as plain indices.
func skipValue(d *decoder, c *ClassDescriptor, depth int) error {
	switch c.kind {
	case BoolKind, ByteKind:
		return d.skip(1)
	case ShortKind, CharKind:
		_, err := d.i16()
		return err
	case IntKind:
		_, err := d.i32()
		return err
	case LongKind:
		_, err := d.i64()
		return err
	case FloatKind:
		return d.skip(4)
	case DoubleKind:
		return d.skip(8)
	case StringKind:
		return d.skipstr()
	}
	if depth >= maxDepth {
		return formatf(d.pos(), "class %s nested deeper than %d levels", c.Name, maxDepth)
	}
	for i := range c.Fields {
		f := &c.Fields[i]
		n := 1
		if f.Array {
			var err error
			if n, err = elements(d, f); err != nil {
				return err
			}
		}
		for j := 0; j < n; j++ {
			var err error
			if f.ConstantPool {
				_, err = d.i64()
			} else {
				err = skipValue(d, f.class, depth+1)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
