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

// Package jfr reads chunked, self-describing
// flight recordings.
//
// A recording is a sequence of independent chunks.
// Each chunk carries the metadata describing the
// classes of its events and the constant pools
// those events refer to. Events are decoded into
// a generic tree of Values, which can optionally
// be projected onto Go structs with Project or Unmarshal.
package jfr

import (
	"fmt"
	"io"
	"log"

	"github.com/SnellerInc/jfr/compr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Option is an option that can be
// passed to Open, OpenFile or ReadAll.
type Option func(r *Reader)

// WithLogger is an option that
// has the Reader log diagnostic information
// about each chunk it loads.
// If no logger is set, the Reader will not
// write out any diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// WithEventTypes restricts event iteration
// to events whose class has one of the given names.
// Other events are skipped without being decoded.
func WithEventTypes(names ...string) Option {
	return func(r *Reader) {
		if r.types == nil {
			r.types = make(map[string]struct{}, len(names))
		}
		for _, n := range names {
			r.types[n] = struct{}{}
		}
	}
}

// WithNullMissingReferences makes references to
// constant-pool entries that no checkpoint defines
// decode as Null instead of failing with
// an *UnresolvedReferenceError.
func WithNullMissingReferences() Option {
	return func(r *Reader) {
		r.nullMissing = true
	}
}

// DefaultMaxDecompressedSize is the largest
// decompressed recording accepted unless
// WithMaxDecompressedSize says otherwise.
const DefaultMaxDecompressedSize = 4 << 30

// WithMaxDecompressedSize limits the size of a
// compressed recording once decompressed.
// A limit of zero or less removes the limit.
func WithMaxDecompressedSize(n int64) Option {
	return func(r *Reader) {
		r.maxSize = n
	}
}

// Reader reads the chunks of one recording.
//
// Chunks and events may be iterated more than once
// and from multiple goroutines; each call to Chunks
// or Events starts again from the beginning of the recording.
type Reader struct {
	buf     []byte
	release func() error

	logger      *log.Logger
	types       map[string]struct{}
	nullMissing bool
	maxSize     int64
}

// Open returns a Reader for the recording in buf.
// If buf holds a gzip, zstd or s2/snappy stream,
// it is decompressed into memory first.
//
// Unless buf is compressed, the Reader refers
// to buf directly; the caller must not modify it
// while the Reader is in use.
func Open(buf []byte, opts ...Option) (*Reader, error) {
	r := newReader(opts)
	out, err := r.decompress(buf)
	if err != nil {
		return nil, err
	}
	r.buf = out
	return r, nil
}

// ReadAll reads the recording from src
// and returns a Reader for it.
func ReadAll(src io.Reader, opts ...Option) (*Reader, error) {
	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("jfr: reading recording: %w", err)
	}
	return Open(buf, opts...)
}

// OpenFile opens the recording at path.
// Where supported, the file is mapped into
// memory rather than read; the mapping is
// released by Close.
func OpenFile(path string, opts ...Option) (*Reader, error) {
	buf, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	r := newReader(opts)
	out, err := r.decompress(buf)
	if err != nil {
		release()
		return nil, err
	}
	if len(buf) > 0 && len(out) > 0 && &out[0] != &buf[0] {
		// decompressed into the heap;
		// the mapping is no longer needed
		if err := release(); err != nil {
			return nil, err
		}
		release = nil
	}
	r.buf = out
	r.release = release
	r.logf("opened %s (%d bytes)", path, len(out))
	return r, nil
}

func newReader(opts []Option) *Reader {
	r := &Reader{maxSize: DefaultMaxDecompressedSize}
	for i := range opts {
		opts[i](r)
	}
	return r
}

func (r *Reader) decompress(buf []byte) ([]byte, error) {
	name := compr.Detect(buf)
	if name == "" {
		return buf, nil
	}
	out, err := compr.DecompressAll(name, buf, r.maxSize)
	if err != nil {
		return nil, fmt.Errorf("jfr: decompressing %s recording: %w", name, err)
	}
	r.logf("decompressed %s recording: %d -> %d bytes", name, len(buf), len(out))
	return out, nil
}

// Close releases the resources held by r.
// Values decoded from r remain valid after Close.
func (r *Reader) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.buf = nil
	return err
}

// Size returns the size of the (decompressed) recording.
func (r *Reader) Size() int64 { return int64(len(r.buf)) }

// EventTypes returns the sorted list of event
// type names set with WithEventTypes, or nil
// if all event types are decoded.
func (r *Reader) EventTypes() []string {
	if r.types == nil {
		return nil
	}
	names := maps.Keys(r.types)
	slices.Sort(names)
	return names
}

func (r *Reader) logf(f string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(f, args...)
	}
}

func (r *Reader) wants(c *ClassDescriptor) bool {
	if r.types == nil {
		return true
	}
	_, ok := r.types[c.Name]
	return ok
}

// Chunk is one chunk of a recording along
// with its decoded metadata and constant pool.
type Chunk struct {
	Header ChunkHeader
	// Offset is the offset of the chunk
	// within the recording.
	Offset int64
	// Index is the position of the chunk
	// in the recording, starting at 0.
	Index    int
	Metadata *Metadata
	Pool     *ConstantPool

	buf    []byte // the whole chunk, header included
	reader *Reader
}

// Clock returns the clock of the chunk.
func (c *Chunk) Clock() Clock { return c.Header.Clock() }

// framed is a chunk whose boundaries
// are known but whose contents
// have not been decoded
type framed struct {
	header ChunkHeader
	offset int64
	index  int
}

// frame parses the chunk header at off
func (r *Reader) frame(off int64, index int) (framed, error) {
	h, err := parseHeader(r.buf, off)
	if err != nil {
		return framed{}, err
	}
	return framed{header: h, offset: off, index: index}, nil
}

// load decodes the metadata and
// constant pool of a framed chunk
func (r *Reader) load(f framed) (*Chunk, error) {
	c := &Chunk{
		Header: f.header,
		Offset: f.offset,
		Index:  f.index,
		buf:    r.buf[f.offset : f.offset+f.header.Size],
		reader: r,
	}
	var err error
	c.Metadata, err = parseMetadata(c.buf, c.Offset, &c.Header)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	c.Pool, err = buildPool(c.buf, c.Offset, &c.Header, c.Metadata, r.nullMissing)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	r.logf("chunk %d at offset %d: version %s, %d bytes, %d classes, %d constants",
		c.Index, c.Offset, c.Header.Version, c.Header.Size, len(c.Metadata.Classes()), c.Pool.Len())
	return c, nil
}

// ChunkIterator iterates over the
// chunks of a recording in file order.
type ChunkIterator struct {
	r     *Reader
	off   int64
	index int
	done  bool

	fingerprint uint64
}

// Chunks returns an iterator over the chunks of r.
func (r *Reader) Chunks() *ChunkIterator {
	return &ChunkIterator{r: r}
}

// Next returns the next chunk, or io.EOF
// after the last chunk.
//
// An error in the metadata or constant pool
// of a chunk is returned for that chunk only,
// and the following call moves on to the next chunk.
// When the chunk boundaries themselves cannot be
// determined (bad magic, inconsistent or truncated
// header), the error is returned once and the
// iteration ends.
func (it *ChunkIterator) Next() (*Chunk, error) {
	if it.done || it.off >= int64(len(it.r.buf)) {
		it.done = true
		return nil, io.EOF
	}
	f, err := it.r.frame(it.off, it.index)
	if err != nil {
		it.done = true
		return nil, err
	}
	it.off += f.header.Size
	it.index++
	c, err := it.r.load(f)
	if err != nil {
		return nil, err
	}
	if fp := c.Metadata.Fingerprint(); fp != it.fingerprint {
		if it.fingerprint != 0 {
			it.r.logf("chunk %d: metadata changed (fingerprint %016x -> %016x)", c.Index, it.fingerprint, fp)
		}
		it.fingerprint = fp
	}
	return c, nil
}

// RecordingIterator iterates over the
// events of every chunk of a recording,
// in file order.
type RecordingIterator struct {
	chunks *ChunkIterator
	cur    *EventIterator
}

// Events returns an iterator over all
// of the events in r.
func (r *Reader) Events() *RecordingIterator {
	return &RecordingIterator{chunks: r.Chunks()}
}

// Next returns the next event, or io.EOF after the
// last event of the last chunk.
//
// Errors for a chunk or an event are returned as
// they are encountered; the caller may call Next
// again to continue with the following event or chunk.
func (it *RecordingIterator) Next() (*Event, error) {
	for {
		if it.cur == nil {
			c, err := it.chunks.Next()
			if err != nil {
				return nil, err
			}
			it.cur = c.Events()
		}
		ev, err := it.cur.Next()
		if err == io.EOF {
			it.cur = nil
			continue
		}
		return ev, err
	}
}

// Chunk returns the chunk of the event
// most recently returned by Next.
func (it *RecordingIterator) Chunk() *Chunk {
	if it.cur == nil {
		return nil
	}
	return it.cur.c
}
