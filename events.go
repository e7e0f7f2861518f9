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
	"io"
	"time"
)

// Event is one decoded event record.
type Event struct {
	// Class is the class of the event.
	Class *ClassDescriptor
	// Value holds the fields of the event.
	Value *Object
	// StartTicks is the raw value of the
	// startTime field of the event, which is
	// in ticks of the chunk clock unless the
	// field is annotated otherwise, or 0 if
	// the event has no such field.
	StartTicks int64
	// Offset is the offset of the event
	// record within the recording.
	Offset int64

	chunk *Chunk
}

// Chunk returns the chunk the event was read from.
func (e *Event) Chunk() *Chunk { return e.chunk }

// Time returns the wall-clock start time of the event,
// or the zero time if the event has no startTime field.
// An unannotated startTime is read as ticks.
func (e *Event) Time() time.Time {
	n, f, ok := e.intField("startTime")
	if !ok {
		return time.Time{}
	}
	clock := e.chunk.Clock()
	if t, ok := timeOf(n, f, &clock); ok {
		return t
	}
	return clock.TicksToTime(n)
}

// Duration returns the duration of the event,
// or 0 if the event has no duration field.
// The timespan annotation of the field selects
// the unit; without one it is nanoseconds.
func (e *Event) Duration() time.Duration {
	n, f, ok := e.intField("duration")
	if !ok {
		return 0
	}
	clock := e.chunk.Clock()
	return durationOf(n, f, &clock)
}

func (e *Event) intField(name string) (int64, *FieldDescriptor, bool) {
	o := e.Value
	i, ok := o.class.fieldIndex(name)
	if !ok {
		return 0, nil, false
	}
	n, ok := AsInt(o.fields[i])
	return n, &o.class.Fields[i], ok
}

// Field returns the named field of the event.
func (e *Event) Field(name string) (Value, bool) { return e.Value.Field(name) }

// EventIterator iterates over the
// events of one chunk in file order.
type EventIterator struct {
	c       *Chunk
	off     int64 // relative to the chunk
	done    bool
	skipped int
}

// Events returns an iterator over the events of c.
func (c *Chunk) Events() *EventIterator {
	return &EventIterator{c: c, off: HeaderSize}
}

// Skipped returns the number of event records
// skipped so far because their type was unknown
// or not selected with WithEventTypes.
// Metadata and checkpoint records are not counted.
func (it *EventIterator) Skipped() int { return it.skipped }

// Next returns the next event, or io.EOF
// after the last event in the chunk.
//
// An error decoding an event is returned for
// that event, and the following call moves on
// to the next record. A record with an invalid
// size ends the iteration, since the position of
// the next record cannot be known.
func (it *EventIterator) Next() (*Event, error) {
	c := it.c
	for !it.done {
		if it.off >= c.Header.Size {
			it.finish()
			break
		}
		start := it.off
		d := decoder{buf: c.buf, off: int(start), base: c.Offset, varint: c.Header.CompressedInts()}
		size, err := d.i32()
		if err != nil {
			it.finish()
			return nil, &FormatError{Offset: d.pos(), Msg: "unreadable event size", Err: err}
		}
		if size <= 0 || start+int64(size) > c.Header.Size {
			it.finish()
			return nil, formatf(c.Offset+start, "invalid event size %d", size)
		}
		it.off = start + int64(size)
		d.buf = c.buf[:it.off]
		typ, err := d.i64()
		if err != nil {
			return nil, fmt.Errorf("event at offset %d: %w", c.Offset+start, err)
		}
		if typ == typeMetadata || typ == typeCheckpoint {
			continue
		}
		class, ok := c.Metadata.ClassByID(typ)
		if !ok || !c.reader.wants(class) {
			it.skipped++
			continue
		}
		vd := valueDecoder{d: &d, refs: c.Pool}
		v, err := vd.value(class)
		if err != nil {
			return nil, fmt.Errorf("event %s at offset %d: %w", class.Name, c.Offset+start, err)
		}
		obj, ok := v.(*Object)
		if !ok {
			return nil, formatf(c.Offset+start, "event type %s is not an object class", class.Name)
		}
		ev := &Event{
			Class:  class,
			Value:  obj,
			Offset: c.Offset + start,
			chunk:  c,
		}
		if st, ok := obj.Field("startTime"); ok {
			ev.StartTicks, _ = AsInt(st)
		}
		return ev, nil
	}
	return nil, io.EOF
}

func (it *EventIterator) finish() {
	it.done = true
	if it.skipped > 0 {
		it.c.reader.logf("chunk %d: skipped %d events", it.c.Index, it.skipped)
	}
}
