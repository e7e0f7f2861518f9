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
	"math"
	"strconv"
)

// enc writes chunk contents in either
// integer encoding
type enc struct {
	varint bool
	buf    []byte
}

func (e *enc) u8(b byte) { e.buf = append(e.buf, b) }

func (e *enc) uvarint(u uint64) {
	for i := 0; i < 8; i++ {
		if u < 0x80 {
			e.buf = append(e.buf, byte(u))
			return
		}
		e.buf = append(e.buf, byte(u&0x7f)|0x80)
		u >>= 7
	}
	e.buf = append(e.buf, byte(u))
}

func (e *enc) i16(v int16) {
	if e.varint {
		e.uvarint(uint64(uint16(v)))
		return
	}
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

func (e *enc) i32(v int32) {
	if e.varint {
		e.uvarint(uint64(uint32(v)))
		return
	}
	e.be32(uint32(v))
}

func (e *enc) i64(v int64) {
	if e.varint {
		e.uvarint(uint64(v))
		return
	}
	e.be64(uint64(v))
}

func (e *enc) be32(u uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], u)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *enc) be64(u uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *enc) f32(f float32) { e.be32(math.Float32bits(f)) }

func (e *enc) f64(f float64) { e.be64(math.Float64bits(f)) }

func (e *enc) str(s string) {
	if s == "" {
		e.u8(stringEmpty)
		return
	}
	e.u8(stringUTF8)
	e.i32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *enc) nullstr() { e.u8(stringNull) }

func (e *enc) poolstr(index int64) {
	e.u8(stringPool)
	e.i64(index)
}

// size writes a record size in exactly four bytes;
// variable-length sizes are padded so that the
// size can be patched in after the body is written
func (e *enc) size(at, n int) {
	if !e.varint {
		binary.BigEndian.PutUint32(e.buf[at:], uint32(n))
		return
	}
	e.buf[at] = byte(n&0x7f) | 0x80
	e.buf[at+1] = byte((n>>7)&0x7f) | 0x80
	e.buf[at+2] = byte((n>>14)&0x7f) | 0x80
	e.buf[at+3] = byte((n >> 21) & 0x7f)
}

// record writes one event record
// with the given type and body
func (e *enc) record(typ int64, body func(e *enc)) {
	start := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	e.i64(typ)
	body(e)
	e.size(start, len(e.buf)-start)
}

type annotationSpec struct {
	class  int64
	values [][2]string
}

type fieldSpec struct {
	name        string
	class       int64
	array, pool bool
	annotations []annotationSpec
}

type classSpec struct {
	id          int64
	name, super string
	simple      bool
	fields      []fieldSpec
	annotations []annotationSpec
}

type poolGroup struct {
	class   int64
	entries []poolValue
}

type poolValue struct {
	index int64
	write func(e *enc)
}

type eventSpec struct {
	typ   int64
	write func(e *enc)
}

// chunkBuilder builds synthetic chunks
type chunkBuilder struct {
	varint      bool
	major       int16
	classes     []classSpec
	events      []eventSpec
	checkpoints [][]poolGroup // in file order

	startNanos     int64
	startTicks     int64
	ticksPerSecond int64

	// mutate, if set, edits the metadata element tree
	mutate func(root *node)
	// trailing bytes written after the element tree
	trailing int
}

// ids of the built-in classes
const (
	idBoolean = 4
	idChar    = 5
	idFloat   = 6
	idDouble  = 7
	idByte    = 8
	idShort   = 9
	idInt     = 10
	idLong    = 11
	idString  = 20

	idTimestamp = 30 // jdk.jfr.Timestamp
	idTimespan  = 31 // jdk.jfr.Timespan
	idLabel     = 32 // jdk.jfr.Label
	idUnsigned  = 33 // jdk.jfr.Unsigned
	idCategory  = 34 // jdk.jfr.Category
)

func builtins() []classSpec {
	return []classSpec{
		{id: idBoolean, name: "boolean"},
		{id: idChar, name: "char"},
		{id: idFloat, name: "float"},
		{id: idDouble, name: "double"},
		{id: idByte, name: "byte"},
		{id: idShort, name: "short"},
		{id: idInt, name: "int"},
		{id: idLong, name: "long"},
		{id: idString, name: "java.lang.String"},
		{id: idTimestamp, name: "jdk.jfr.Timestamp", super: "java.lang.annotation.Annotation",
			fields: []fieldSpec{{name: "value", class: idString}}},
		{id: idTimespan, name: "jdk.jfr.Timespan", super: "java.lang.annotation.Annotation",
			fields: []fieldSpec{{name: "value", class: idString}}},
		{id: idLabel, name: "jdk.jfr.Label", super: "java.lang.annotation.Annotation",
			fields: []fieldSpec{{name: "value", class: idString}}},
		{id: idUnsigned, name: "jdk.jfr.Unsigned", super: "java.lang.annotation.Annotation"},
		{id: idCategory, name: "jdk.jfr.Category", super: "java.lang.annotation.Annotation",
			fields: []fieldSpec{{name: "value", class: idString, array: true}}},
	}
}

func newBuilder(varint bool, classes ...classSpec) *chunkBuilder {
	return &chunkBuilder{
		varint:         varint,
		major:          2,
		classes:        append(builtins(), classes...),
		startNanos:     1_600_000_000_000_000_000,
		startTicks:     1000,
		ticksPerSecond: 1_000_000_000,
	}
}

func (b *chunkBuilder) event(typ int64, write func(e *enc)) *chunkBuilder {
	b.events = append(b.events, eventSpec{typ: typ, write: write})
	return b
}

func (b *chunkBuilder) checkpoint(groups ...poolGroup) *chunkBuilder {
	b.checkpoints = append(b.checkpoints, groups)
	return b
}

type node struct {
	name     string
	attrs    [][2]string
	children []*node
}

func annotationNodes(as []annotationSpec) []*node {
	var out []*node
	for _, a := range as {
		n := &node{name: "annotation", attrs: [][2]string{{"class", strconv.FormatInt(a.class, 10)}}}
		n.attrs = append(n.attrs, a.values...)
		out = append(out, n)
	}
	return out
}

func (b *chunkBuilder) tree() *node {
	meta := &node{name: "metadata"}
	for _, c := range b.classes {
		cn := &node{name: "class", attrs: [][2]string{
			{"id", strconv.FormatInt(c.id, 10)},
			{"name", c.name},
		}}
		if c.super != "" {
			cn.attrs = append(cn.attrs, [2]string{"superType", c.super})
		}
		if c.simple {
			cn.attrs = append(cn.attrs, [2]string{"simpleType", "true"})
		}
		cn.children = append(cn.children, annotationNodes(c.annotations)...)
		for _, f := range c.fields {
			fn := &node{name: "field", attrs: [][2]string{
				{"name", f.name},
				{"class", strconv.FormatInt(f.class, 10)},
			}}
			if f.pool {
				fn.attrs = append(fn.attrs, [2]string{"constantPool", "true"})
			}
			if f.array {
				fn.attrs = append(fn.attrs, [2]string{"dimension", "1"})
			}
			fn.children = annotationNodes(f.annotations)
			cn.children = append(cn.children, fn)
		}
		meta.children = append(meta.children, cn)
	}
	region := &node{name: "region", attrs: [][2]string{{"locale", "en_US"}, {"gmtOffset", "0"}}}
	return &node{name: "root", children: []*node{meta, region}}
}

func (b *chunkBuilder) metadata(e *enc) {
	root := b.tree()
	if b.mutate != nil {
		b.mutate(root)
	}
	var strs []string
	index := make(map[string]int32)
	intern := func(s string) {
		if _, ok := index[s]; !ok {
			index[s] = int32(len(strs))
			strs = append(strs, s)
		}
	}
	var walk func(n *node)
	walk = func(n *node) {
		intern(n.name)
		for _, kv := range n.attrs {
			intern(kv[0])
			intern(kv[1])
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)

	e.i64(0) // start
	e.i64(0) // duration
	e.i64(1) // metadata id
	e.i32(int32(len(strs)))
	for _, s := range strs {
		e.str(s)
	}
	var write func(n *node)
	write = func(n *node) {
		e.i32(int32(len(n.attrs)))
		for _, kv := range n.attrs {
			e.i32(index[kv[0]])
			e.i32(index[kv[1]])
		}
		e.i32(int32(len(n.children)))
		for _, c := range n.children {
			e.i32(index[c.name])
			write(c)
		}
	}
	e.i32(index[root.name])
	write(root)
	e.buf = append(e.buf, make([]byte, b.trailing)...)
}

// build returns the encoded chunk
func (b *chunkBuilder) build() []byte {
	e := &enc{varint: b.varint, buf: make([]byte, HeaderSize)}
	for _, ev := range b.events {
		e.record(ev.typ, ev.write)
	}
	metaOff := len(e.buf)
	e.record(typeMetadata, b.metadata)
	prev := 0
	for _, groups := range b.checkpoints {
		off := len(e.buf)
		delta := 0
		if prev != 0 {
			delta = prev - off
		}
		e.record(typeCheckpoint, func(e *enc) {
			e.i64(0) // start
			e.i64(0) // duration
			e.i64(int64(delta))
			e.u8(1) // flush
			e.i32(int32(len(groups)))
			for _, g := range groups {
				e.i64(g.class)
				e.i32(int32(len(g.entries)))
				for _, v := range g.entries {
					e.i64(v.index)
					v.write(e)
				}
			}
		})
		prev = off
	}
	h := e.buf[:HeaderSize]
	copy(h, Magic[:])
	binary.BigEndian.PutUint16(h[4:], uint16(b.major))
	binary.BigEndian.PutUint16(h[6:], 0)
	binary.BigEndian.PutUint64(h[8:], uint64(len(e.buf)))
	binary.BigEndian.PutUint64(h[16:], uint64(prev))
	binary.BigEndian.PutUint64(h[24:], uint64(metaOff))
	binary.BigEndian.PutUint64(h[32:], uint64(b.startNanos))
	binary.BigEndian.PutUint64(h[40:], 5_000_000_000)
	binary.BigEndian.PutUint64(h[48:], uint64(b.startTicks))
	binary.BigEndian.PutUint64(h[56:], uint64(b.ticksPerSecond))
	var features uint32
	if b.varint {
		features |= FeatureCompressedInts
	}
	binary.BigEndian.PutUint32(h[64:], features)
	return e.buf
}

// ids of the classes used by most tests
const (
	idSample      = 100
	idSampleEvent = 101
	idThread      = 102
	idNode        = 103
	idStack       = 104
	idFrame       = 105
)

var (
	ticksTimestamp = []annotationSpec{{class: idTimestamp, values: [][2]string{{"value", "TICKS"}}}}
	ticksTimespan  = []annotationSpec{{class: idTimespan, values: [][2]string{{"value", "TICKS"}}}}
)

func testClasses() []classSpec {
	return []classSpec{
		{id: idSample, name: "Sample", fields: []fieldSpec{
			{name: "name", class: idString},
			{name: "value", class: idInt},
		}},
		{id: idSampleEvent, name: "jdk.Sample", super: "jdk.jfr.Event",
			annotations: []annotationSpec{
				{class: idLabel, values: [][2]string{{"value", "Sample"}}},
				{class: idCategory, values: [][2]string{{"value-0", "Java Application"}, {"value-1", "Profiling"}}},
			},
			fields: []fieldSpec{
				{name: "startTime", class: idLong, annotations: ticksTimestamp},
				{name: "duration", class: idLong, annotations: ticksTimespan},
				{name: "sample", class: idSample, pool: true},
				{name: "thread", class: idThread, pool: true},
			}},
		{id: idThread, name: "java.lang.Thread", fields: []fieldSpec{
			{name: "osName", class: idString},
			{name: "osThreadId", class: idLong, annotations: []annotationSpec{{class: idUnsigned}}},
		}},
		{id: idNode, name: "Node", fields: []fieldSpec{
			{name: "name", class: idString},
			{name: "next", class: idNode, pool: true},
		}},
		{id: idStack, name: "jdk.ExecutionSample", fields: []fieldSpec{
			{name: "startTime", class: idLong, annotations: ticksTimestamp},
			{name: "frames", class: idFrame, array: true},
			{name: "truncated", class: idBoolean},
		}},
		{id: idFrame, name: "Frame", fields: []fieldSpec{
			{name: "method", class: idString},
			{name: "line", class: idInt},
			{name: "type", class: idByte},
		}},
	}
}

// sampleChunk returns a chunk with two
// Sample constants, one thread, and two
// jdk.Sample events referring to them
func sampleChunk(varint bool) *chunkBuilder {
	b := newBuilder(varint, testClasses()...)
	b.checkpoint(
		poolGroup{class: idSample, entries: []poolValue{
			{index: 0, write: func(e *enc) { e.str("cpu"); e.i32(42) }},
			{index: 1, write: func(e *enc) { e.poolstr(7); e.i32(-3) }},
		}},
		poolGroup{class: idString, entries: []poolValue{
			{index: 7, write: func(e *enc) { e.str("mem") }},
		}},
		poolGroup{class: idThread, entries: []poolValue{
			{index: 1, write: func(e *enc) { e.str("main"); e.i64(-1) }},
		}},
	)
	b.event(idSampleEvent, sampleEvent(2000, 500, 0))
	b.event(idSampleEvent, sampleEvent(3000, 0, 1))
	return b
}

func sampleEvent(start, duration, sample int64) func(e *enc) {
	return func(e *enc) {
		e.i64(start)
		e.i64(duration)
		e.i64(sample)
		e.i64(1) // thread
	}
}

// open builds b and opens the resulting chunk
func open(b *chunkBuilder, opts ...Option) (*Chunk, error) {
	r, err := Open(b.build(), opts...)
	if err != nil {
		return nil, err
	}
	return r.Chunks().Next()
}
