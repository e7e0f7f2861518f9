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
	"errors"
	"io"
	"testing"
	"time"
)

func collect(t *testing.T, it *EventIterator) []*Event {
	t.Helper()
	var out []*Event
	for {
		ev, err := it.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
	}
}

func TestEvents(t *testing.T) {
	for _, varint := range []bool{true, false} {
		c, err := open(sampleChunk(varint))
		if err != nil {
			t.Fatal(err)
		}
		evs := collect(t, c.Events())
		if len(evs) != 2 {
			t.Fatalf("got %d events, want 2", len(evs))
		}
		start := time.Unix(0, 1_600_000_000_000_000_000).UTC()
		want := []struct {
			ticks    int64
			time     time.Time
			duration time.Duration
			sample   string
		}{
			{2000, start.Add(1000), 500, "cpu"},
			{3000, start.Add(2000), 0, "mem"},
		}
		for i, ev := range evs {
			if ev.Class.Name != "jdk.Sample" {
				t.Errorf("event %d: class %s", i, ev.Class.Name)
			}
			if ev.Chunk() != c {
				t.Errorf("event %d: wrong chunk", i)
			}
			if ev.StartTicks != want[i].ticks {
				t.Errorf("event %d: StartTicks %d, want %d", i, ev.StartTicks, want[i].ticks)
			}
			if !ev.Time().Equal(want[i].time) {
				t.Errorf("event %d: Time() = %s, want %s", i, ev.Time(), want[i].time)
			}
			if ev.Duration() != want[i].duration {
				t.Errorf("event %d: Duration() = %s", i, ev.Duration())
			}
			if name, _ := Path(ev.Value, "sample", "name"); !Equal(name, String(want[i].sample)) {
				t.Errorf("event %d: sample name %v", i, name)
			}
			if os, _ := Path(ev.Value, "thread", "osName"); !Equal(os, String("main")) {
				t.Errorf("event %d: thread name %v", i, os)
			}
		}
		if evs[0].Offset != c.Offset+HeaderSize {
			t.Errorf("first event at offset %d", evs[0].Offset)
		}
		// both events share the memoized thread
		t0, _ := evs[0].Field("thread")
		t1, _ := evs[1].Field("thread")
		if t0.(*Object) != t1.(*Object) {
			t.Error("thread decoded twice")
		}
	}
}

func TestEventTimeUnits(t *testing.T) {
	const idMillis, idBare = 310, 311
	millis := classSpec{id: idMillis, name: "jdk.MillisEvent", fields: []fieldSpec{
		{name: "startTime", class: idLong, annotations: []annotationSpec{
			{class: idTimestamp, values: [][2]string{{"value", "MILLISECONDS_SINCE_EPOCH"}}},
		}},
		{name: "duration", class: idLong, annotations: []annotationSpec{
			{class: idTimespan, values: [][2]string{{"value", "MILLISECONDS"}}},
		}},
	}}
	bare := classSpec{id: idBare, name: "jdk.Bare", fields: []fieldSpec{
		{name: "duration", class: idLong},
	}}
	b := sampleChunk(true)
	b.classes = append(b.classes, millis, bare)
	b.events = nil
	b.ticksPerSecond = 1_000_000
	b.event(idSampleEvent, sampleEvent(1500, 250, 0))
	b.event(idMillis, func(e *enc) {
		e.i64(1_600_000_000_123)
		e.i64(5)
	})
	b.event(idBare, func(e *enc) { e.i64(7) })
	c, err := open(b)
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, c.Events())
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	start := time.Unix(0, 1_600_000_000_000_000_000).UTC()
	want := []struct {
		time     time.Time
		duration time.Duration
	}{
		// 500 ticks after the chunk start at 1MHz
		{start.Add(500 * time.Microsecond), 250 * time.Microsecond},
		{time.UnixMilli(1_600_000_000_123).UTC(), 5 * time.Millisecond},
		{time.Time{}, 7},
	}
	for i, ev := range evs {
		if !ev.Time().Equal(want[i].time) {
			t.Errorf("%s: Time() = %s, want %s", ev.Class.Name, ev.Time(), want[i].time)
		}
		if ev.Duration() != want[i].duration {
			t.Errorf("%s: Duration() = %s, want %s", ev.Class.Name, ev.Duration(), want[i].duration)
		}
	}
	type timed struct {
		StartTime time.Time
		Duration  time.Duration
	}
	out, err := Project[timed](evs[1])
	if err != nil {
		t.Fatal(err)
	}
	if !out.StartTime.Equal(evs[1].Time()) || out.Duration != evs[1].Duration() {
		t.Errorf("projected %+v, event %s %s", out, evs[1].Time(), evs[1].Duration())
	}
	if !evs[2].Time().IsZero() {
		t.Errorf("event without startTime has time %s", evs[2].Time())
	}
}

func TestUnknownTypeSkipped(t *testing.T) {
	for _, varint := range []bool{true, false} {
		b := sampleChunk(varint)
		// move the second event behind an unknown record
		second := b.events[1]
		b.events = b.events[:1]
		b.event(555, func(e *enc) {
			e.buf = append(e.buf, make([]byte, 37)...)
		})
		b.events = append(b.events, second)
		c, err := open(b)
		if err != nil {
			t.Fatal(err)
		}
		it := c.Events()
		evs := collect(t, it)
		if len(evs) != 2 {
			t.Fatalf("got %d events, want 2", len(evs))
		}
		if evs[1].StartTicks != 3000 {
			t.Errorf("second event StartTicks = %d", evs[1].StartTicks)
		}
		// the unknown record is exactly 4+type+37 bytes
		typlen := 8
		if varint {
			typlen = 2
		}
		gap := evs[1].Offset - evs[0].Offset
		d := decoder{buf: c.buf, off: int(evs[0].Offset - c.Offset), varint: varint}
		size, _ := d.i32()
		if gap != int64(size)+int64(4+typlen+37) {
			t.Errorf("gap %d between events of size %d", gap, size)
		}
		if it.Skipped() != 1 {
			t.Errorf("Skipped() = %d, want 1", it.Skipped())
		}
	}
}

func TestEventTypes(t *testing.T) {
	b := sampleChunk(true)
	b.event(idStack, stackEvent(4000, frame("main", 1, 0)))
	r, err := Open(b.build(), WithEventTypes("jdk.ExecutionSample"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := r.Chunks().Next()
	if err != nil {
		t.Fatal(err)
	}
	it := c.Events()
	evs := collect(t, it)
	if len(evs) != 1 || evs[0].Class.Name != "jdk.ExecutionSample" {
		t.Fatalf("got %d events", len(evs))
	}
	if it.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", it.Skipped())
	}
	// filtered events are never decoded
	if n := c.Pool.Decodes(); n != 0 {
		t.Errorf("%d constants decoded", n)
	}
	if got := r.EventTypes(); len(got) != 1 || got[0] != "jdk.ExecutionSample" {
		t.Errorf("EventTypes() = %v", got)
	}
}

func TestInvalidEventSize(t *testing.T) {
	buf := sampleChunk(false).build()
	first := binary.BigEndian.Uint32(buf[HeaderSize:])
	binary.BigEndian.PutUint32(buf[HeaderSize+int(first):], 1<<30)
	r, err := Open(buf)
	if err != nil {
		t.Fatal(err)
	}
	c, err := r.Chunks().Next()
	if err != nil {
		t.Fatal(err)
	}
	it := c.Events()
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	_, err = it.Next()
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("got error %v", err)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("got %v after an invalid size, want io.EOF", err)
	}
}

func TestEventErrorContinues(t *testing.T) {
	b := sampleChunk(true)
	b.events = append([]eventSpec{{typ: idSampleEvent, write: sampleEvent(1, 0, 77)}}, b.events...)
	c, err := open(b)
	if err != nil {
		t.Fatal(err)
	}
	it := c.Events()
	_, err = it.Next()
	var ue *UnresolvedReferenceError
	if !errors.As(err, &ue) || ue.Index != 77 {
		t.Fatalf("got error %v", err)
	}
	if evs := collect(t, it); len(evs) != 2 {
		t.Errorf("got %d events after the error, want 2", len(evs))
	}
}

func BenchmarkEvents(b *testing.B) {
	cb := sampleChunk(true)
	for i := 0; i < 1000; i++ {
		cb.event(idStack, stackEvent(int64(i), frame("main", 1, 0), frame("run", 2, 0)))
	}
	buf := cb.build()
	r, err := Open(buf)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it := r.Events()
		for {
			_, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}
