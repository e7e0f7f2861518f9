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
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EachChunk calls fn on every chunk of the
// recording, using up to parallel goroutines.
// If parallel is less than 1, it is treated as 1.
//
// Chunk boundaries are determined sequentially
// up front; decoding the metadata and constant pool
// of each chunk and the call to fn happen concurrently.
// Chunk.Index gives the position of each chunk in the file.
//
// The first error returned by fn, or encountered
// while loading a chunk, cancels the remaining work
// and is returned. If the chunk boundaries could not
// all be determined, the framing error is returned
// after every chunk before it has been processed.
func (r *Reader) EachChunk(ctx context.Context, parallel int, fn func(*Chunk) error) error {
	if parallel < 1 {
		parallel = 1
	}
	chunks, ferr := r.frameAll()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := range chunks {
		f := chunks[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := r.load(f)
			if err != nil {
				return err
			}
			return fn(c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ferr
}

// frameAll determines the boundaries of every chunk
func (r *Reader) frameAll() ([]framed, error) {
	var out []framed
	off := int64(0)
	for off < int64(len(r.buf)) {
		f, err := r.frame(off, len(out))
		if err != nil {
			return out, fmt.Errorf("chunk %d: %w", len(out), err)
		}
		out = append(out, f)
		off += f.header.Size
	}
	return out, nil
}

// ChunkCount returns the number of chunks
// in the recording, or an error if the
// chunk boundaries cannot be determined.
func (r *Reader) ChunkCount() (int, error) {
	chunks, err := r.frameAll()
	return len(chunks), err
}
