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
	"testing"
)

func TestTable(t *testing.T) {
	var tab table[int]
	if _, ok := tab.get(key{1, 2}); ok {
		t.Fatal("found a key in an empty table")
	}
	const n = 5000
	for i := 0; i < n; i++ {
		tab.put(key{class: int64(i % 7), index: int64(i)}, i)
	}
	if tab.Len() != n {
		t.Fatalf("Len() = %d, want %d", tab.Len(), n)
	}
	for i := 0; i < n; i++ {
		v, ok := tab.get(key{class: int64(i % 7), index: int64(i)})
		if !ok || v != i {
			t.Fatalf("get(%d) = %d, %v", i, v, ok)
		}
	}
	if _, ok := tab.get(key{class: 8, index: 1}); ok {
		t.Error("found a missing key")
	}
	// replacing does not change the count
	tab.put(key{class: 0, index: 0}, -1)
	if v, _ := tab.get(key{}); v != -1 || tab.Len() != n {
		t.Errorf("replace: got %d, Len() = %d", v, tab.Len())
	}
	sum := 0
	tab.each(func(k key, v int) {
		sum++
	})
	if sum != n {
		t.Errorf("each visited %d entries", sum)
	}
}

func TestTableReserve(t *testing.T) {
	var tab table[string]
	tab.reserve(100)
	size := len(tab.slots)
	if size*3 < 100*4 {
		t.Fatalf("reserved %d slots", size)
	}
	for i := 0; i < 100; i++ {
		tab.put(key{index: int64(i)}, "x")
	}
	if len(tab.slots) != size {
		t.Errorf("table grew from %d to %d slots after reserve", size, len(tab.slots))
	}
	// reserving less never shrinks
	tab.reserve(1)
	if len(tab.slots) != size {
		t.Error("table shrank")
	}
}
