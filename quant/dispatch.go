// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quant

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
)

// defaultBufferSize is the initial capacity of a dispatch buffer.
const defaultBufferSize = 524208

// metaChunk is a run of whole cells packed back to back into a pooled
// buffer, each cell still carrying its 8-byte chunk header.
type metaChunk struct {
	firstCell int
	numCells  int
	nbytes    int
	nrec      uint64
	buf       []byte
}

// bufferPool is a fixed set of reusable dispatch buffers. The dispatcher
// takes a buffer to fill, and the worker that consumes it gives it back.
type bufferPool struct {
	size int
	free chan []byte
}

func newBufferPool(n, size int) *bufferPool {
	p := &bufferPool{size: size, free: make(chan []byte, n)}
	for i := 0; i < n; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

func (p *bufferPool) get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.free:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns b to the pool. A buffer that was grown for an oversized cell
// is replaced by one of the default size.
func (p *bufferPool) put(b []byte) {
	if len(b) != p.size {
		b = make([]byte, p.size)
	}
	select {
	case p.free <- b:
	default:
	}
}

// dispatchStats summarizes what the dispatcher queued.
type dispatchStats struct {
	cells   int
	buffers int
	bytes   int
	records uint64
}

// dispatcher reads cells from a RAD stream positioned at the first chunk
// and queues them in packed buffers.
type dispatcher struct {
	r         io.Reader
	numChunks uint64
	pool      *bufferPool
	out       chan<- metaChunk
	// keep, if non-nil, is the set of barcodes to dispatch; other cells are
	// read and dropped.
	keep   map[uint64]struct{}
	bcType rad.IntType
}

// run reads all numChunks cells. A buffer is queued when a cell that did
// not fit the default buffer size was just added, when the next cell would
// overflow it, or at the end of input. It closes d.out before returning.
func (d *dispatcher) run(ctx context.Context) (stats dispatchStats, err error) {
	defer close(d.out)
	buf, err := d.pool.get(ctx)
	if err != nil {
		return stats, err
	}
	var (
		cbytes, cells int
		crec          uint64
		firstCell     int
		forcePush     bool
		nbytes, nrec  uint32
	)
	for chunk := uint64(0); chunk <= d.numChunks; chunk++ {
		if chunk > 0 {
			if int(nbytes) > len(buf)-cbytes {
				forcePush = true
				grown := make([]byte, cbytes+int(nbytes))
				copy(grown, buf[:cbytes])
				buf = grown
			}
			cell := buf[cbytes : cbytes+int(nbytes)]
			rad.PutChunkHeader(cell, nbytes, nrec)
			if _, err = io.ReadFull(d.r, cell[rad.ChunkHeaderSize:]); err != nil {
				return stats, errors.E(err, fmt.Sprintf("reading cell %d of %d", chunk, d.numChunks))
			}
			if d.accept(cell, nrec, chunk-1) {
				cells++
				cbytes += int(nbytes)
				crec += uint64(nrec)
			} else {
				forcePush = false
			}
		}
		if chunk < d.numChunks {
			if nbytes, nrec, err = rad.ReadChunkHeader(d.r); err != nil {
				return stats, errors.E(err, fmt.Sprintf("reading header of cell %d of %d", chunk+1, d.numChunks))
			}
			if nbytes < rad.ChunkHeaderSize {
				return stats, errors.E(errors.Invalid, fmt.Sprintf("cell %d declares %d bytes, less than its header", chunk+1, nbytes))
			}
		}
		if forcePush || (cbytes+int(nbytes) > len(buf) && cells > 0) || chunk == d.numChunks {
			if cells > 0 {
				mc := metaChunk{firstCell: firstCell, numCells: cells, nbytes: cbytes, nrec: crec, buf: buf}
				select {
				case d.out <- mc:
				case <-ctx.Done():
					return stats, ctx.Err()
				}
				log.Debug.Printf("queued cells [%d, %d): %d bytes, %d records", firstCell, firstCell+cells, cbytes, crec)
				stats.cells += cells
				stats.buffers++
				stats.bytes += cbytes
				stats.records += crec
				firstCell += cells
				if chunk < d.numChunks {
					if buf, err = d.pool.get(ctx); err != nil {
						return stats, err
					}
				}
			} else if len(buf) != d.pool.size {
				buf = make([]byte, d.pool.size)
			}
			cells, cbytes, crec = 0, 0, 0
			forcePush = false
		}
	}
	return stats, nil
}

// accept reports whether the cell should be dispatched.
func (d *dispatcher) accept(cell []byte, nrec uint32, chunk uint64) bool {
	if d.keep == nil {
		return true
	}
	if nrec == 0 {
		log.Error.Printf("cell %d has no records and cannot be matched against the retain list; skipping", chunk)
		return false
	}
	bc, err := rad.PeekBarcode(cell, d.bcType)
	if err != nil {
		log.Error.Printf("cell %d: %v; skipping", chunk, err)
		return false
	}
	_, ok := d.keep[bc]
	return ok
}
