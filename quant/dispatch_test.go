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
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cellSizes are record counts per cell. With U32 barcodes and UMIs and one
// reference per record, a cell of n records takes 8+16n bytes.
var cellSizes = []int{1, 2, 10, 1, 1}

// testStream returns the chunks of a RAD file holding one cell per entry of
// sizes, with barcode 100+i for cell i.
func testStream(t *testing.T, sizes []int) []byte {
	var buf bytes.Buffer
	w := rad.NewWriter(&buf, rad.Header{RefNames: []string{"tx0"}, NumChunks: uint64(len(sizes))}, rad.U32, rad.U32, 16, 12)
	require.NoError(t, w.Err())
	start := buf.Len()
	for i, n := range sizes {
		var recs []rad.Record
		for j := 0; j < n; j++ {
			recs = append(recs, rec(uint64(100+i), uint64(j), 0))
		}
		w.WriteChunk(recs)
	}
	require.NoError(t, w.Err())
	return buf.Bytes()[start:]
}

type dispatched struct {
	mc    metaChunk
	cells [][]byte
}

// runDispatcher dispatches data through a pool of bufSize-byte buffers and
// returns every queued buffer, split into cells.
func runDispatcher(t *testing.T, data []byte, n int, bufSize int, keep map[uint64]struct{}) ([]dispatched, dispatchStats) {
	pool := newBufferPool(2, bufSize)
	out := make(chan metaChunk, 1)
	d := &dispatcher{
		r:         bytes.NewReader(data),
		numChunks: uint64(n),
		pool:      pool,
		out:       out,
		keep:      keep,
		bcType:    rad.U32,
	}
	var (
		stats dispatchStats
		err   error
	)
	done := make(chan struct{})
	go func() {
		stats, err = d.run(context.Background())
		close(done)
	}()
	var got []dispatched
	for mc := range out {
		b := append([]byte{}, mc.buf[:mc.nbytes]...)
		entry := dispatched{mc: mc}
		for off := 0; off < len(b); {
			nb := int(binary.LittleEndian.Uint32(b[off:]))
			entry.cells = append(entry.cells, b[off:off+nb])
			off += nb
		}
		got = append(got, entry)
		pool.put(mc.buf)
	}
	<-done
	require.NoError(t, err)
	return got, stats
}

func TestDispatchConservation(t *testing.T) {
	data := testStream(t, cellSizes)
	got, stats := runDispatcher(t, data, len(cellSizes), 64, nil)

	expect.EQ(t, stats.cells, len(cellSizes))
	expect.EQ(t, stats.bytes, len(data))
	expect.EQ(t, stats.records, uint64(15))
	expect.EQ(t, stats.buffers, len(got))

	var (
		cells int
		recs  uint64
		bcs   []uint64
	)
	for _, d := range got {
		expect.EQ(t, d.mc.firstCell, cells)
		expect.EQ(t, len(d.cells), d.mc.numCells)
		cells += d.mc.numCells
		recs += d.mc.nrec
		for _, cell := range d.cells {
			var c rad.Chunk
			require.NoError(t, rad.DecodeChunk(cell, rad.U32, rad.U32, &c))
			bcs = append(bcs, c.Reads[0].Barcode)
		}
	}
	expect.EQ(t, cells, len(cellSizes))
	expect.EQ(t, recs, uint64(15))
	assert.Equal(t, []uint64{100, 101, 102, 103, 104}, bcs)
}

func TestDispatchOversizedCell(t *testing.T) {
	data := testStream(t, cellSizes)
	got, _ := runDispatcher(t, data, len(cellSizes), 64, nil)
	require.Len(t, got, 3)
	expect.EQ(t, got[0].mc.numCells, 2)
	// The 168-byte cell does not fit a 64-byte buffer and is queued alone.
	expect.EQ(t, got[1].mc.firstCell, 2)
	expect.EQ(t, got[1].mc.numCells, 1)
	expect.EQ(t, got[1].mc.nbytes, 8+16*10)
	expect.EQ(t, got[1].mc.nrec, uint64(10))
	expect.EQ(t, got[2].mc.numCells, 2)
}

func TestDispatchFiltered(t *testing.T) {
	data := testStream(t, cellSizes)
	keep := map[uint64]struct{}{101: {}, 102: {}, 104: {}, 999: {}}
	got, stats := runDispatcher(t, data, len(cellSizes), 64, keep)
	expect.EQ(t, stats.cells, 3)

	var bcs []uint64
	cellNum := 0
	for _, d := range got {
		expect.EQ(t, d.mc.firstCell, cellNum)
		cellNum += d.mc.numCells
		for _, cell := range d.cells {
			bc, err := rad.PeekBarcode(cell, rad.U32)
			require.NoError(t, err)
			bcs = append(bcs, bc)
		}
	}
	assert.Equal(t, []uint64{101, 102, 104}, bcs)
}

func TestDispatchTruncated(t *testing.T) {
	data := testStream(t, cellSizes)
	pool := newBufferPool(2, 64)
	out := make(chan metaChunk, 8)
	d := &dispatcher{r: bytes.NewReader(data[:len(data)-3]), numChunks: uint64(len(cellSizes)), pool: pool, out: out, bcType: rad.U32}
	go func() {
		for mc := range out {
			pool.put(mc.buf)
		}
	}()
	_, err := d.run(context.Background())
	assert.Error(t, err)
}

func TestDispatchCanceled(t *testing.T) {
	data := testStream(t, cellSizes)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &dispatcher{r: bytes.NewReader(data), numChunks: uint64(len(cellSizes)), pool: newBufferPool(0, 64), out: make(chan metaChunk)}
	_, err := d.run(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestBufferPool(t *testing.T) {
	p := newBufferPool(1, 16)
	b, err := p.get(context.Background())
	require.NoError(t, err)
	expect.EQ(t, len(b), 16)
	p.put(make([]byte, 100))
	b, err = p.get(context.Background())
	require.NoError(t, err)
	expect.EQ(t, len(b), 16)
}
