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
	"sync"
)

type entryState uint8

const (
	unresolved entryState = iota
	resolving
	resolved
)

type poolEntry struct {
	class *ClassDescriptor
	index int64
	off   int // offset of the serialized value in the chunk
	state entryState
	val   Value
	err   error
}

// ConstantPool holds the constant-pool entries
// defined by the checkpoint events of one chunk.
//
// Entries are decoded the first time they are
// looked up and memoized afterwards, so the
// byte-level decode of each entry happens at most once.
// A ConstantPool is safe for concurrent use.
type ConstantPool struct {
	mu sync.Mutex

	buf    []byte
	base   int64
	varint bool

	entries  []poolEntry
	keys     table[int32] // (class, index) -> entries
	perClass table[int]   // class -> number of entries

	nullMissing bool
	decodes     int
}

// Len returns the number of entries in the pool.
func (p *ConstantPool) Len() int { return len(p.entries) }

// ClassLen returns the number of entries
// defined for the given class.
func (p *ConstantPool) ClassLen(classID int64) int {
	n, _ := p.perClass.get(key{class: classID})
	return n
}

// Decodes returns the number of entries
// that have been decoded so far.
func (p *ConstantPool) Decodes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decodes
}

// Resolve returns the value of the entry
// with the given class id and index.
//
// Resolve returns an *UnresolvedReferenceError if
// no checkpoint defines the entry and a
// *CyclicReferenceError if the entry refers back
// to itself through other entries.
func (p *ConstantPool) Resolve(classID, index int64) (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.keys.get(key{class: classID, index: index})
	if !ok {
		return p.missing(classID, index)
	}
	e := &p.entries[slot]
	return p.lookup(e.class, index)
}

// resolve implements resolver for decoding
// event payloads
func (p *ConstantPool) resolve(c *ClassDescriptor, index int64) (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(c, index)
}

// lockedPool resolves references from
// within an entry that is being decoded
// while p.mu is already held
type lockedPool ConstantPool

func (l *lockedPool) resolve(c *ClassDescriptor, index int64) (Value, error) {
	return (*ConstantPool)(l).lookup(c, index)
}

func (p *ConstantPool) missing(classID, index int64) (Value, error) {
	if p.nullMissing {
		return Null{}, nil
	}
	return nil, &UnresolvedReferenceError{ClassID: classID, Index: index}
}

// lookup must be called with p.mu held
func (p *ConstantPool) lookup(c *ClassDescriptor, index int64) (Value, error) {
	slot, ok := p.keys.get(key{class: c.ID, index: index})
	if !ok {
		return p.missing(c.ID, index)
	}
	e := &p.entries[slot]
	switch e.state {
	case resolved:
		return e.val, e.err
	case resolving:
		return nil, &CyclicReferenceError{ClassID: c.ID, Index: index}
	}
	e.state = resolving
	p.decodes++
	d := decoder{buf: p.buf, off: e.off, base: p.base, varint: p.varint}
	vd := valueDecoder{d: &d, refs: (*lockedPool)(p)}
	val, err := vd.value(e.class)
	e.val, e.err, e.state = val, err, resolved
	return val, err
}

// buildPool indexes the checkpoint events of
// the chunk in buf, starting from the last one.
func buildPool(buf []byte, base int64, h *ChunkHeader, m *Metadata, nullMissing bool) (*ConstantPool, error) {
	p := &ConstantPool{
		buf:         buf,
		base:        base,
		varint:      h.CompressedInts(),
		nullMissing: nullMissing,
	}
	// collect the whole chain before indexing
	// anything; it is written newest first
	var chain []int64
	seen := make(map[int64]bool)
	off, delta := int64(0), h.ConstantPoolOffset
	for delta != 0 {
		off += delta
		if off < HeaderSize || off >= h.Size {
			return nil, formatf(base+off-delta, "checkpoint delta %d leads outside the chunk", delta)
		}
		if seen[off] {
			return nil, formatf(base+off, "checkpoint chain loops")
		}
		seen[off] = true
		chain = append(chain, off)
		d, err := p.checkpoint(off)
		if err != nil {
			return nil, err
		}
		if delta, err = d.i64(); err != nil {
			return nil, &FormatError{Offset: d.pos(), Msg: "malformed checkpoint event", Err: err}
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := p.index(chain[i], m); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// checkpoint returns a decoder bounded to the
// checkpoint event at off, positioned at the
// delta to the previous checkpoint
func (p *ConstantPool) checkpoint(off int64) (*decoder, error) {
	d := &decoder{buf: p.buf, off: int(off), base: p.base, varint: p.varint}
	wrap := func(err error) error {
		return &FormatError{Offset: d.pos(), Msg: "malformed checkpoint event", Err: err}
	}
	size, err := d.i32()
	if err != nil {
		return nil, wrap(err)
	}
	if size <= 0 || off+int64(size) > int64(len(p.buf)) {
		return nil, formatf(p.base+off, "checkpoint event size %d exceeds chunk", size)
	}
	d.buf = p.buf[:off+int64(size)]
	typ, err := d.i64()
	if err != nil {
		return nil, wrap(err)
	}
	if typ != typeCheckpoint {
		return nil, formatf(p.base+off, "event in checkpoint chain has type %d", typ)
	}
	// start time, duration
	for i := 0; i < 2; i++ {
		if _, err := d.i64(); err != nil {
			return nil, wrap(err)
		}
	}
	return d, nil
}

func (p *ConstantPool) index(off int64, m *Metadata) error {
	d, err := p.checkpoint(off)
	if err != nil {
		return err
	}
	wrap := func(err error) error {
		if _, ok := err.(*FormatError); ok {
			return err
		}
		return &FormatError{Offset: d.pos(), Msg: "malformed checkpoint event", Err: err}
	}
	// delta, type mask
	if _, err := d.i64(); err != nil {
		return wrap(err)
	}
	if _, err := d.u8(); err != nil {
		return wrap(err)
	}
	groups, err := d.count(2, "constant pool")
	if err != nil {
		return wrap(err)
	}
	for g := 0; g < groups; g++ {
		pos := d.pos()
		id, err := d.i64()
		if err != nil {
			return wrap(err)
		}
		c, ok := m.ClassByID(id)
		if !ok {
			return formatf(pos, "constant pool for undeclared class %d", id)
		}
		n, err := d.count(1, "constant")
		if err != nil {
			return wrap(err)
		}
		p.keys.reserve(p.keys.Len() + n)
		for i := 0; i < n; i++ {
			index, err := d.i64()
			if err != nil {
				return wrap(err)
			}
			e := poolEntry{class: c, index: index, off: d.off}
			if err := skipValue(d, c, 0); err != nil {
				return wrap(err)
			}
			k := key{class: id, index: index}
			if slot, ok := p.keys.get(k); ok {
				// later checkpoints win
				p.entries[slot] = e
				continue
			}
			p.keys.put(k, int32(len(p.entries)))
			p.entries = append(p.entries, e)
			cnt, _ := p.perClass.get(key{class: id})
			p.perClass.put(key{class: id}, cnt+1)
		}
	}
	return nil
}
