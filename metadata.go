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
	"strconv"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"
)

// Unit is the unit of a numeric field,
// as declared by its annotations.
type Unit uint8

const (
	UnitNone Unit = iota
	UnitBytes
	UnitPercent
	UnitAddress
	UnitHz
	UnitNanoseconds
	UnitMilliseconds
	UnitSeconds
	UnitEpochNanos
	UnitEpochMillis
	UnitEpochSeconds
)

// TickUnit indicates that a field holds ticks
// of the chunk clock.
type TickUnit uint8

const (
	TickNone TickUnit = iota
	TickTimespan
	TickTimestamp
)

// FieldDescriptor describes one field of a class.
type FieldDescriptor struct {
	Name string
	// ClassID is the id of the field's type.
	ClassID int64
	// Array is set when the field holds
	// a length-prefixed sequence of values.
	Array bool
	// ConstantPool is set when the field
	// holds an index into the constant pool
	// of its type rather than an inline value.
	ConstantPool bool

	Label        string
	Description  string
	Experimental bool
	Unsigned     bool
	Unit         Unit
	TickUnit     TickUnit

	class *ClassDescriptor
}

// Class returns the descriptor of the field's type.
func (f *FieldDescriptor) Class() *ClassDescriptor { return f.class }

// ClassDescriptor describes a class
// declared in the metadata of a chunk.
type ClassDescriptor struct {
	ID         int64
	Name       string
	SuperType  string
	SimpleType bool
	Fields     []FieldDescriptor

	Label        string
	Description  string
	Experimental bool
	Category     []string

	kind  Kind // kind of the decoded value
	index map[string]int
	clock *Clock
}

// Primitive returns whether values of
// this class are decoded as primitives
// rather than as objects.
func (c *ClassDescriptor) Primitive() bool { return c.kind != ObjectKind }

// ValueKind returns the kind of the values
// decoded for this class.
func (c *ClassDescriptor) ValueKind() Kind { return c.kind }

func (c *ClassDescriptor) fieldIndex(name string) (int, bool) {
	if c.index != nil {
		i, ok := c.index[name]
		return i, ok
	}
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// primitive classes by name
var primitives = map[string]Kind{
	"boolean":          BoolKind,
	"byte":             ByteKind,
	"short":            ShortKind,
	"int":              IntKind,
	"long":             LongKind,
	"float":            FloatKind,
	"double":           DoubleKind,
	"char":             CharKind,
	"java.lang.String": StringKind,
}

// Metadata is the schema of one chunk.
type Metadata struct {
	id          int64
	classes     table[*ClassDescriptor]
	byName      map[string]*ClassDescriptor
	list        []*ClassDescriptor
	fingerprint uint64
}

// ID returns the metadata id recorded
// in the metadata event.
func (m *Metadata) ID() int64 { return m.id }

// ClassByID returns the class with the given id.
func (m *Metadata) ClassByID(id int64) (*ClassDescriptor, bool) {
	return m.classes.get(key{class: id})
}

// ClassByName returns the class with the given name.
func (m *Metadata) ClassByName(name string) (*ClassDescriptor, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// Classes returns all classes ordered by id.
// The returned slice must not be modified.
func (m *Metadata) Classes() []*ClassDescriptor { return m.list }

// SuperClass returns the descriptor of
// the supertype of c, if it is declared.
func (m *Metadata) SuperClass(c *ClassDescriptor) (*ClassDescriptor, bool) {
	if c.SuperType == "" {
		return nil, false
	}
	return m.ClassByName(c.SuperType)
}

// Fingerprint returns a hash of the schema.
// Chunks with identical class and field
// declarations have identical fingerprints.
func (m *Metadata) Fingerprint() uint64 { return m.fingerprint }

// element is one node of the metadata element tree
type element struct {
	name     string
	attrs    [][2]string
	children []*element
}

func (e *element) attr(name string) (string, bool) {
	for i := range e.attrs {
		if e.attrs[i][0] == name {
			return e.attrs[i][1], true
		}
	}
	return "", false
}

var elementNames = map[string]bool{
	"metadata":   true,
	"region":     true,
	"class":      true,
	"field":      true,
	"setting":    true,
	"annotation": true,
}

const maxElementDepth = 16

type metaReader struct {
	d       decoder
	strings []string
	nulls   []bool
}

func (r *metaReader) wrap(err error) error {
	return &FormatError{Offset: r.d.pos(), Msg: "malformed metadata event", Err: err}
}

func (r *metaReader) str() (string, error) {
	pos := r.d.pos()
	i, err := r.d.i32()
	if err != nil {
		return "", r.wrap(err)
	}
	if i < 0 || int(i) >= len(r.strings) {
		return "", formatf(pos, "string index %d out of range [0, %d)", i, len(r.strings))
	}
	if r.nulls[i] {
		return "", formatf(pos, "string index %d refers to a null string", i)
	}
	return r.strings[i], nil
}

func (r *metaReader) element(name string, depth int) (*element, error) {
	if depth > maxElementDepth {
		return nil, formatf(r.d.pos(), "metadata elements nested deeper than %d", maxElementDepth)
	}
	e := &element{name: name}
	n, err := r.d.count(2, "attribute")
	if err != nil {
		return nil, r.wrap(err)
	}
	e.attrs = make([][2]string, n)
	for i := range e.attrs {
		if e.attrs[i][0], err = r.str(); err != nil {
			return nil, err
		}
		if e.attrs[i][1], err = r.str(); err != nil {
			return nil, err
		}
	}
	n, err = r.d.count(2, "element")
	if err != nil {
		return nil, r.wrap(err)
	}
	e.children = make([]*element, n)
	for i := range e.children {
		pos := r.d.pos()
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		if !elementNames[name] {
			return nil, formatf(pos, "unknown metadata element %q", name)
		}
		if e.children[i], err = r.element(name, depth+1); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// parseMetadata decodes the metadata event of
// the chunk in buf, which begins at absolute
// offset base in the recording.
func parseMetadata(buf []byte, base int64, h *ChunkHeader) (*Metadata, error) {
	r := metaReader{d: decoder{buf: buf, off: int(h.MetadataOffset), base: base, varint: h.CompressedInts()}}
	start := r.d.off
	size, err := r.d.i32()
	if err != nil {
		return nil, r.wrap(err)
	}
	if size <= 0 || int64(start)+int64(size) > int64(len(buf)) {
		return nil, formatf(base+int64(start), "metadata event size %d exceeds chunk", size)
	}
	r.d.buf = buf[:start+int(size)]
	typ, err := r.d.i64()
	if err != nil {
		return nil, r.wrap(err)
	}
	if typ != typeMetadata {
		return nil, formatf(base+int64(start), "event at metadata offset has type %d", typ)
	}
	// start time, duration
	for i := 0; i < 2; i++ {
		if _, err := r.d.i64(); err != nil {
			return nil, r.wrap(err)
		}
	}
	m := &Metadata{byName: make(map[string]*ClassDescriptor)}
	if m.id, err = r.d.i64(); err != nil {
		return nil, r.wrap(err)
	}
	n, err := r.d.count(1, "string")
	if err != nil {
		return nil, r.wrap(err)
	}
	r.strings = make([]string, n)
	r.nulls = make([]bool, n)
	for i := range r.strings {
		s, _, tag, err := r.d.str()
		if err != nil {
			return nil, r.wrap(err)
		}
		if tag == stringPool {
			return nil, formatf(r.d.pos(), "constant pool string in metadata string table")
		}
		r.strings[i] = s
		r.nulls[i] = tag == stringNull
	}
	// the name of the root element is not interesting
	if _, err := r.str(); err != nil {
		return nil, err
	}
	root, err := r.element("root", 0)
	if err != nil {
		return nil, err
	}
	if r.d.off != len(r.d.buf) {
		return nil, formatf(r.d.pos(), "metadata element tree ends %d bytes before the end of the event", len(r.d.buf)-r.d.off)
	}
	clock := h.Clock()
	if err := m.declare(root, base+int64(start), &clock); err != nil {
		return nil, err
	}
	return m, nil
}

func parseBool(s string) (bool, error) { return strconv.ParseBool(s) }

func parseID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func (m *Metadata) declare(root *element, pos int64, clock *Clock) error {
	var classes []*element
	for _, c := range root.children {
		if c.name != "metadata" {
			continue
		}
		for _, cl := range c.children {
			if cl.name == "class" {
				classes = append(classes, cl)
			}
		}
	}
	m.classes.reserve(len(classes))
	m.list = make([]*ClassDescriptor, 0, len(classes))
	for _, el := range classes {
		c := &ClassDescriptor{kind: ObjectKind, clock: clock}
		for _, kv := range el.attrs {
			var err error
			switch kv[0] {
			case "id":
				c.ID, err = parseID(kv[1])
			case "name":
				c.Name = kv[1]
			case "superType":
				c.SuperType = kv[1]
			case "simpleType":
				c.SimpleType, err = parseBool(kv[1])
			}
			if err != nil {
				return formatf(pos, "class attribute %s=%q: %s", kv[0], kv[1], err)
			}
		}
		if c.Name == "" {
			return formatf(pos, "class %d has no name", c.ID)
		}
		if _, dup := m.classes.get(key{class: c.ID}); dup {
			return formatf(pos, "duplicate class id %d (%s)", c.ID, c.Name)
		}
		if k, ok := primitives[c.Name]; ok {
			c.kind = k
		}
		m.classes.put(key{class: c.ID}, c)
		m.byName[c.Name] = c
		m.list = append(m.list, c)
	}
	// fields and annotations may refer to
	// classes declared later, so these are
	// resolved in a second pass
	for i, el := range classes {
		c := m.list[i]
		for _, child := range el.children {
			switch child.name {
			case "field":
				f, err := m.field(c, child, pos)
				if err != nil {
					return err
				}
				c.Fields = append(c.Fields, f)
			case "annotation":
				m.annotateClass(c, child)
			}
		}
		if len(c.Fields) > 8 {
			c.index = make(map[string]int, len(c.Fields))
			for j := range c.Fields {
				c.index[c.Fields[j].Name] = j
			}
		}
	}
	slices.SortFunc(m.list, func(a, b *ClassDescriptor) bool {
		return a.ID < b.ID
	})
	m.fingerprint = fingerprint(m.list)
	return nil
}

func (m *Metadata) field(c *ClassDescriptor, el *element, pos int64) (FieldDescriptor, error) {
	var f FieldDescriptor
	hasClass := false
	for _, kv := range el.attrs {
		var err error
		switch kv[0] {
		case "name":
			f.Name = kv[1]
		case "class":
			f.ClassID, err = parseID(kv[1])
			hasClass = true
		case "constantPool":
			f.ConstantPool, err = parseBool(kv[1])
		case "dimension":
			var dim int64
			dim, err = parseID(kv[1])
			f.Array = dim > 0
		}
		if err != nil {
			return f, formatf(pos, "field %s.%s attribute %s=%q: %s", c.Name, f.Name, kv[0], kv[1], err)
		}
	}
	if f.Name == "" {
		return f, formatf(pos, "class %s has a field with no name", c.Name)
	}
	if !hasClass {
		return f, formatf(pos, "field %s.%s has no class", c.Name, f.Name)
	}
	fc, ok := m.ClassByID(f.ClassID)
	if !ok {
		return f, formatf(pos, "field %s.%s references unknown class %d", c.Name, f.Name, f.ClassID)
	}
	f.class = fc
	for _, child := range el.children {
		if child.name == "annotation" {
			m.annotateField(&f, child)
		}
	}
	return f, nil
}

func (m *Metadata) annotation(el *element) (string, bool) {
	s, ok := el.attr("class")
	if !ok {
		return "", false
	}
	id, err := parseID(s)
	if err != nil {
		return "", false
	}
	c, ok := m.ClassByID(id)
	if !ok {
		return "", false
	}
	return c.Name, true
}

func (m *Metadata) annotateClass(c *ClassDescriptor, el *element) {
	name, ok := m.annotation(el)
	if !ok {
		return
	}
	switch name {
	case "jdk.jfr.Label":
		c.Label, _ = el.attr("value")
	case "jdk.jfr.Description":
		c.Description, _ = el.attr("value")
	case "jdk.jfr.Experimental":
		c.Experimental = true
	case "jdk.jfr.Category":
		for i := 0; ; i++ {
			v, ok := el.attr("value-" + strconv.Itoa(i))
			if !ok {
				break
			}
			c.Category = append(c.Category, v)
		}
	}
}

func (m *Metadata) annotateField(f *FieldDescriptor, el *element) {
	name, ok := m.annotation(el)
	if !ok {
		return
	}
	value, _ := el.attr("value")
	switch name {
	case "jdk.jfr.Label":
		f.Label = value
	case "jdk.jfr.Description":
		f.Description = value
	case "jdk.jfr.Experimental":
		f.Experimental = true
	case "jdk.jfr.Unsigned":
		f.Unsigned = true
	case "jdk.jfr.MemoryAmount", "jdk.jfr.DataAmount":
		f.Unit = UnitBytes
	case "jdk.jfr.Percentage":
		f.Unit = UnitPercent
	case "jdk.jfr.MemoryAddress":
		f.Unit = UnitAddress
	case "jdk.jfr.Frequency":
		f.Unit = UnitHz
	case "jdk.jfr.Timespan":
		switch value {
		case "TICKS":
			f.TickUnit = TickTimespan
		case "NANOSECONDS":
			f.Unit = UnitNanoseconds
		case "MILLISECONDS":
			f.Unit = UnitMilliseconds
		case "SECONDS":
			f.Unit = UnitSeconds
		}
	case "jdk.jfr.Timestamp":
		switch value {
		case "TICKS":
			f.TickUnit = TickTimestamp
		case "NANOSECONDS_SINCE_EPOCH":
			f.Unit = UnitEpochNanos
		case "MILLISECONDS_SINCE_EPOCH":
			f.Unit = UnitEpochMillis
		case "SECONDS_SINCE_EPOCH":
			f.Unit = UnitEpochSeconds
		}
	}
}

var fingerprintKey = [2]uint64{0x6a66722d6d657461, 0x736368656d61}

// fingerprint hashes the declarations
// in classes, which must be sorted by id
func fingerprint(classes []*ClassDescriptor) uint64 {
	var buf []byte
	var tmp [binary.MaxVarintLen64]byte
	num := func(n int64) {
		buf = append(buf, tmp[:binary.PutVarint(tmp[:], n)]...)
	}
	str := func(s string) {
		num(int64(len(s)))
		buf = append(buf, s...)
	}
	flag := func(b bool) {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	for _, c := range classes {
		num(c.ID)
		str(c.Name)
		str(c.SuperType)
		flag(c.SimpleType)
		num(int64(len(c.Fields)))
		for i := range c.Fields {
			f := &c.Fields[i]
			str(f.Name)
			num(f.ClassID)
			flag(f.Array)
			flag(f.ConstantPool)
		}
	}
	return siphash.Hash(fingerprintKey[0], fingerprintKey[1], buf)
}
