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

package rad

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripContainer(t *testing.T) {
	var buf bytes.Buffer
	h := Header{RefNames: []string{"tx0", "tx1", "tx2"}, NumChunks: 2}
	w := NewWriter(&buf, h, U64, U32, 16, 12)
	w.WriteChunk([]Record{
		{Barcode: 7, UMI: 1, Refs: []uint32{2, 0x80000000 | 1, 1}},
		{Barcode: 7, UMI: 2, Refs: []uint32{0}},
	})
	w.WriteChunk([]Record{{Barcode: 9, UMI: 3, Refs: []uint32{1}}})
	require.NoError(t, w.Err())

	r := bytes.NewReader(buf.Bytes())
	got, err := ReadHeader(r)
	require.NoError(t, err)
	assert.False(t, got.IsPaired)
	assert.Equal(t, uint64(3), got.RefCount)
	assert.Equal(t, h.RefNames, got.RefNames)
	assert.Equal(t, uint64(2), got.NumChunks)

	fileSec, err := ReadTagSection(r)
	require.NoError(t, err)
	readSec, err := ReadTagSection(r)
	require.NoError(t, err)
	alnSec, err := ReadTagSection(r)
	require.NoError(t, err)
	assert.Len(t, alnSec.Tags, 1)
	bcType, umiType, err := readSec.RecordTypes()
	require.NoError(t, err)
	assert.Equal(t, U64, bcType)
	assert.Equal(t, U32, umiType)
	ft, err := ReadFileTags(r, fileSec)
	require.NoError(t, err)
	assert.Equal(t, uint16(16), ft.BarcodeLen)
	assert.Equal(t, uint16(12), ft.UMILen)

	nbytes, nrec, err := ReadChunkHeader(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), nrec)
	chunkBuf := make([]byte, nbytes)
	PutChunkHeader(chunkBuf, nbytes, nrec)
	_, err = r.Read(chunkBuf[ChunkHeaderSize:])
	require.NoError(t, err)

	bc, err := PeekBarcode(chunkBuf, bcType)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), bc)

	var c Chunk
	require.NoError(t, DecodeChunk(chunkBuf, bcType, umiType, &c))
	require.Len(t, c.Reads, 2)
	assert.Equal(t, []uint32{1, 2}, c.Reads[0].Refs, "orientation bit masked, sorted, deduplicated")
	assert.Equal(t, uint64(2), c.Reads[1].UMI)
	assert.Equal(t, []uint32{0}, c.Reads[1].Refs)
}

func TestDecodeChunkReusesStorage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, Header{RefNames: []string{"a"}}, U32, U32, 16, 10)
	w.WriteChunk([]Record{{Barcode: 1, UMI: 1, Refs: []uint32{0}}})
	require.NoError(t, w.Err())
	chunk := buf.Bytes()[len(buf.Bytes())-(ChunkHeaderSize+4+4+4+4):]

	c := Chunk{Reads: make([]Record, 0, 4)}
	require.NoError(t, DecodeChunk(chunk, U32, U32, &c))
	require.NoError(t, DecodeChunk(chunk, U32, U32, &c))
	assert.Len(t, c.Reads, 1)
	assert.Equal(t, 4, cap(c.Reads))
}

func TestDecodeChunkTruncated(t *testing.T) {
	buf := make([]byte, ChunkHeaderSize+4)
	PutChunkHeader(buf, uint32(len(buf)), 1)
	var c Chunk
	assert.Error(t, DecodeChunk(buf, U32, U32, &c))

	PutChunkHeader(buf, 100, 1)
	assert.Error(t, DecodeChunk(buf, U32, U32, &c))
}

func TestRecordTypesRejectsNonInteger(t *testing.T) {
	s := &TagSection{Tags: []TagDesc{{"b", TypeString}, {"u", TypeU32}}}
	_, _, err := s.RecordTypes()
	assert.Error(t, err)
	_, _, err = (&TagSection{}).RecordTypes()
	assert.Error(t, err)
}

func TestUnmappedCounts(t *testing.T) {
	in := map[uint64]uint32{1: 10, 1 << 40: 3}
	var buf bytes.Buffer
	require.NoError(t, WriteUnmappedCounts(&buf, in))
	assert.Equal(t, 8+12*2, buf.Len())
	out, err := ReadUnmappedCounts(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadUnmappedCounts(bytes.NewReader([]byte{1, 0, 0, 0, 0, 0, 0, 0, 5}))
	assert.Error(t, err)
}

func TestDecodeChunkRejectsUnalignedRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, Header{RefNames: []string{"a", "b"}}, U32, U32, 16, 10)
	w.WriteChunk([]Record{
		{Barcode: 1, UMI: 1, Refs: []uint32{0, 1}},
		{Barcode: 1, UMI: 2},
		{Barcode: 1, UMI: 3, Refs: []uint32{0}},
	})
	require.NoError(t, w.Err())
	chunk := buf.Bytes()[len(buf.Bytes())-(ChunkHeaderSize+20+12+16):]

	var c Chunk
	err := DecodeChunk(chunk, U32, U32, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1 of 3 has no alignments")
}

func TestDecodeChunkRejectsImplausibleRecordCount(t *testing.T) {
	buf := make([]byte, ChunkHeaderSize+16)
	PutChunkHeader(buf, uint32(len(buf)), 4000000000)
	var c Chunk
	err := DecodeChunk(buf, U32, U32, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4000000000 records in 24 bytes")
	assert.Nil(t, c.Reads)

	PutChunkHeader(buf, 4, 0)
	assert.Error(t, DecodeChunk(buf, U32, U32, &c))

	PutChunkHeader(buf, ChunkHeaderSize, 0)
	require.NoError(t, DecodeChunk(buf, U32, U32, &c))
	assert.Len(t, c.Reads, 0)
}
