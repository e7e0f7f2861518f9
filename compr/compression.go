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

// Package compr provides a unified interface wrapping
// third-party compression libraries.
package compr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor describes the interface
// that a compression algorithm implements.
type Compressor interface {
	// Name is the name of the compression algorithm.
	Name() string
	// Compress should append the compressed contents
	// of src to dst and return the result.
	// The output is a complete, self-identifying
	// stream that Detect recognizes.
	Compress(src, dst []byte) []byte
}

// Decompressor is the interface that
// a decompression algorithm implements.
type Decompressor interface {
	// Name is the name of the compression algorithm.
	// See also Compressor.Name.
	Name() string
	// Decompress appends the decompressed
	// contents of the stream in src to dst
	// and returns the result.
	//
	// It must be safe to make multiple
	// calls to Decompress simultaneously
	// from different goroutines.
	Decompress(src, dst []byte) ([]byte, error)
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCompressor) Name() string { return "zstd" }

var zstdDecoder *zstd.Decoder

func init() {
	// by default, concurrency is set to min(4, GOMAXPROCS);
	// we'd like it to *always* be GOMAXPROCS
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdDecompressor zstd.Decoder

func (z *zstdDecompressor) Name() string { return "zstd" }

func (z *zstdDecompressor) Decompress(src, dst []byte) ([]byte, error) {
	return (*zstd.Decoder)(z).DecodeAll(src, dst)
}

// s2 uses the framed stream format,
// which also reads snappy streams
type s2Compressor struct{}

func (s2Compressor) Name() string { return "s2" }

func (s2Compressor) Compress(src, dst []byte) []byte {
	buf := bytes.NewBuffer(dst)
	w := s2.NewWriter(buf, s2.WriterConcurrency(1))
	// writes into a bytes.Buffer cannot fail
	w.Write(src)
	w.Close()
	return buf.Bytes()
}

func (s2Compressor) Decompress(src, dst []byte) ([]byte, error) {
	return readAll(s2.NewReader(bytes.NewReader(src)), dst)
}

type gzipCompressor struct {
	level int
}

func (gzipCompressor) Name() string { return "gzip" }

func (g gzipCompressor) Compress(src, dst []byte) []byte {
	buf := bytes.NewBuffer(dst)
	w, _ := gzip.NewWriterLevel(buf, g.level)
	w.Write(src)
	w.Close()
	return buf.Bytes()
}

func (gzipCompressor) Decompress(src, dst []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return dst, err
	}
	// concatenated members are read as one stream
	return readAll(r, dst)
}

func readAll(r io.Reader, dst []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

// Compression selects a compression algorithm by name.
// The returned Compressor will return the same value
// for Compressor.Name as the specified name.
func Compression(name string) Compressor {
	switch name {
	case "zstd-better":
		z, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	case "gzip":
		return gzipCompressor{level: gzip.DefaultCompression}
	default:
		return nil
	}
}

// Decompression selects a decompression algorithm by name.
func Decompression(name string) Decompressor {
	switch name {
	case "zstd":
		return (*zstdDecompressor)(zstdDecoder)
	case "s2":
		return s2Compressor{}
	case "gzip":
		return gzipCompressor{}
	default:
		return nil
	}
}

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	s2Magic     = []byte("\xff\x06\x00\x00S2sTwO")
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// Detect returns the name of the compression
// algorithm whose stream header begins buf,
// or the empty string if buf does not look
// like a compressed stream.
func Detect(buf []byte) string {
	switch {
	case bytes.HasPrefix(buf, zstdMagic):
		return "zstd"
	case bytes.HasPrefix(buf, gzipMagic):
		return "gzip"
	case bytes.HasPrefix(buf, s2Magic), bytes.HasPrefix(buf, snappyMagic):
		return "s2"
	}
	return ""
}

// NewReader returns a reader of the decompressed
// contents of the stream in src.
func NewReader(name string, src io.Reader) (io.ReadCloser, error) {
	switch name {
	case "zstd":
		z, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return z.IOReadCloser(), nil
	case "s2":
		return io.NopCloser(s2.NewReader(src)), nil
	case "gzip":
		return gzip.NewReader(src)
	default:
		return nil, fmt.Errorf("compr: unknown compression %q", name)
	}
}

// ErrTooLarge is returned by DecompressAll
// when the output would exceed its limit.
var ErrTooLarge = errors.New("compr: decompressed size exceeds limit")

// DecompressAll decompresses the whole
// stream in src with the named algorithm.
// If limit is positive, streams that expand
// to more than limit bytes are rejected
// with ErrTooLarge.
func DecompressAll(name string, src []byte, limit int64) ([]byte, error) {
	if limit <= 0 {
		dec := Decompression(name)
		if dec == nil {
			return nil, fmt.Errorf("compr: unknown compression %q", name)
		}
		out, err := dec.Decompress(src, nil)
		if err != nil {
			return nil, fmt.Errorf("compr: %s: %w", name, err)
		}
		return out, nil
	}
	r, err := NewReader(name, bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := readAll(io.LimitReader(r, limit+1), nil)
	if err != nil {
		return nil, fmt.Errorf("compr: %s: %w", name, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return out, nil
}
