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

	"github.com/cespare/xxhash/v2"
)

// key identifies a class (index zero)
// or a constant-pool entry.
type key struct {
	class, index int64
}

// The keys are small integers produced by
// local decoding, so a fast non-cryptographic
// hash is sufficient here.
func (k key) hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k.class))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.index))
	return xxhash.Sum64(buf[:])
}

type slot[V any] struct {
	k    key
	v    V
	full bool
}

// table is an open-addressing hash table
// with linear probing. The zero value is
// an empty table ready to use.
type table[V any] struct {
	slots []slot[V]
	count int
}

func (t *table[V]) Len() int { return t.count }

func (t *table[V]) find(k key) int {
	mask := uint64(len(t.slots) - 1)
	i := k.hash() & mask
	for {
		s := &t.slots[i]
		if !s.full || s.k == k {
			return int(i)
		}
		i = (i + 1) & mask
	}
}

// get returns the value associated with k
func (t *table[V]) get(k key) (V, bool) {
	if t.count == 0 {
		var zero V
		return zero, false
	}
	s := &t.slots[t.find(k)]
	return s.v, s.full
}

// put inserts or replaces the value for k
func (t *table[V]) put(k key, v V) {
	if (t.count+1)*4 > len(t.slots)*3 {
		t.grow()
	}
	s := &t.slots[t.find(k)]
	if !s.full {
		s.full = true
		s.k = k
		t.count++
	}
	s.v = v
}

// reserve sizes the table for at least n entries
func (t *table[V]) reserve(n int) {
	size := 8
	for size*3 < n*4 {
		size <<= 1
	}
	if size > len(t.slots) {
		t.rehash(size)
	}
}

func (t *table[V]) grow() {
	size := len(t.slots) * 2
	if size == 0 {
		size = 8
	}
	t.rehash(size)
}

func (t *table[V]) rehash(size int) {
	old := t.slots
	t.slots = make([]slot[V], size)
	for i := range old {
		if old[i].full {
			t.slots[t.find(old[i].k)] = old[i]
		}
	}
}

// each calls fn on each entry in unspecified order
func (t *table[V]) each(fn func(k key, v V)) {
	for i := range t.slots {
		if t.slots[i].full {
			fn(t.slots[i].k, t.slots[i].v)
		}
	}
}
