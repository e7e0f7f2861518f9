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
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

// Magic is the four-byte sequence
// that begins every chunk.
var Magic = [4]byte{'F', 'L', 'R', 0}

const (
	// HeaderSize is the size of the fixed
	// chunk header, including the magic.
	HeaderSize = 68

	// FeatureCompressedInts is the feature flag
	// selecting variable-length integer encoding
	// for the remainder of the chunk.
	FeatureCompressedInts = 1 << 0

	// reserved event type ids
	typeMetadata   = 0
	typeCheckpoint = 1
)

// Version is a chunk format version.
type Version struct {
	Major, Minor int16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Supported returns whether v is a
// version this package can decode.
func (v Version) Supported() bool {
	return v.Major == 1 || v.Major == 2
}

// ChunkHeader is the fixed-layout header
// at the beginning of each chunk.
type ChunkHeader struct {
	Version Version
	// Size is the total size of the chunk in bytes,
	// including the header.
	Size int64
	// ConstantPoolOffset is the offset from the start
	// of the chunk to the last checkpoint event.
	ConstantPoolOffset int64
	// MetadataOffset is the offset from the start
	// of the chunk to the metadata event.
	MetadataOffset int64
	StartNanos     int64
	DurationNanos  int64
	StartTicks     int64
	TicksPerSecond int64
	Features       int32
}

// CompressedInts returns whether integers
// in the chunk body use the variable-length encoding.
func (h *ChunkHeader) CompressedInts() bool {
	return h.Features&FeatureCompressedInts != 0
}

// Clock returns the clock used to convert
// tick counts recorded in this chunk.
func (h *ChunkHeader) Clock() Clock {
	return Clock{
		StartNanos:     h.StartNanos,
		StartTicks:     h.StartTicks,
		TicksPerSecond: h.TicksPerSecond,
	}
}

// StartTime returns the wall-clock time
// at which the chunk began.
func (h *ChunkHeader) StartTime() time.Time {
	return time.Unix(0, h.StartNanos).UTC()
}

// Duration returns the span of time covered by the chunk.
func (h *ChunkHeader) Duration() time.Duration {
	return time.Duration(h.DurationNanos)
}

// Clock converts tick counts into times and durations.
type Clock struct {
	StartNanos     int64
	StartTicks     int64
	TicksPerSecond int64
}

// TicksToDuration converts a number of ticks
// into a duration.
func (c Clock) TicksToDuration(ticks int64) time.Duration {
	if c.TicksPerSecond <= 0 || c.TicksPerSecond == int64(time.Second) {
		return time.Duration(ticks)
	}
	sec := ticks / c.TicksPerSecond
	rem := ticks % c.TicksPerSecond
	neg := rem < 0
	if neg {
		rem = -rem
	}
	// rem < TicksPerSecond, so the 128-bit
	// product divides without overflow
	hi, lo := bits.Mul64(uint64(rem), uint64(time.Second))
	q, _ := bits.Div64(hi, lo, uint64(c.TicksPerSecond))
	frac := time.Duration(q)
	if neg {
		frac = -frac
	}
	return time.Duration(sec)*time.Second + frac
}

// TicksToTime converts a tick timestamp into
// wall-clock time.
func (c Clock) TicksToTime(ticks int64) time.Time {
	return time.Unix(0, c.StartNanos).Add(c.TicksToDuration(ticks - c.StartTicks)).UTC()
}

// parseHeader parses the header of the chunk
// beginning at buf[off:]. The returned header is
// validated against the size of buf.
func parseHeader(buf []byte, off int64) (ChunkHeader, error) {
	var h ChunkHeader
	rest := buf[off:]
	if len(rest) < HeaderSize {
		if len(rest) >= 4 && !bytes.Equal(rest[:4], Magic[:]) {
			return h, formatf(off, "bad magic %x", rest[:4])
		}
		return h, formatf(off, "truncated chunk header (%d bytes)", len(rest))
	}
	if !bytes.Equal(rest[:4], Magic[:]) {
		return h, formatf(off, "bad magic %x", rest[:4])
	}
	be := binary.BigEndian
	h.Version.Major = int16(be.Uint16(rest[4:]))
	h.Version.Minor = int16(be.Uint16(rest[6:]))
	if !h.Version.Supported() {
		return h, formatf(off, "unsupported version %s", h.Version)
	}
	h.Size = int64(be.Uint64(rest[8:]))
	h.ConstantPoolOffset = int64(be.Uint64(rest[16:]))
	h.MetadataOffset = int64(be.Uint64(rest[24:]))
	h.StartNanos = int64(be.Uint64(rest[32:]))
	h.DurationNanos = int64(be.Uint64(rest[40:]))
	h.StartTicks = int64(be.Uint64(rest[48:]))
	h.TicksPerSecond = int64(be.Uint64(rest[56:]))
	h.Features = int32(be.Uint32(rest[64:]))

	if h.Size < HeaderSize {
		return h, formatf(off, "chunk size %d smaller than header", h.Size)
	}
	if h.Size > int64(len(rest)) {
		return h, formatf(off, "truncated chunk: size %d but only %d bytes remain", h.Size, len(rest))
	}
	if h.MetadataOffset < HeaderSize || h.MetadataOffset >= h.Size {
		return h, formatf(off, "metadata offset %d outside chunk of size %d", h.MetadataOffset, h.Size)
	}
	if h.ConstantPoolOffset != 0 && (h.ConstantPoolOffset < HeaderSize || h.ConstantPoolOffset >= h.Size) {
		return h, formatf(off, "constant pool offset %d outside chunk of size %d", h.ConstantPoolOffset, h.Size)
	}
	return h, nil
}
