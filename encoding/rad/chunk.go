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
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// ChunkHeaderSize is the size of the nbytes and nrec fields that open every
// chunk.
const ChunkHeaderSize = 8

// RefMask clears the orientation bit of a stored reference id.
const RefMask = 0x7fffffff

// Record is one read (or read pair) of a cell.
type Record struct {
	Barcode uint64
	UMI     uint64
	// Refs holds the distinct reference ids the read aligned to, sorted and
	// with the orientation bit cleared.
	Refs []uint32
}

// Chunk is the decoded content of one chunk.
type Chunk struct {
	NBytes uint32
	NRec   uint32
	Reads  []Record
}

// ReadChunkHeader reads the 8-byte chunk header from r.
func ReadChunkHeader(r io.Reader) (nbytes, nrec uint32, err error) {
	var hdr [ChunkHeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(hdr[:4]), binary.LittleEndian.Uint32(hdr[4:]), nil
}

// PutChunkHeader writes an 8-byte chunk header into buf.
func PutChunkHeader(buf []byte, nbytes, nrec uint32) {
	binary.LittleEndian.PutUint32(buf[:4], nbytes)
	binary.LittleEndian.PutUint32(buf[4:8], nrec)
}

// DecodeChunk decodes the chunk that starts at buf[0], including its header,
// into c. The record and reference slices already held by c are reused.
func DecodeChunk(buf []byte, bcType, umiType IntType, c *Chunk) error {
	b := byteReader{buf: buf}
	c.NBytes = b.uint32()
	c.NRec = b.uint32()
	if b.err != nil {
		return errors.Wrap(b.err, "rad: chunk header")
	}
	if int(c.NBytes) > len(buf) {
		return errors.Errorf("rad: chunk declares %d bytes, buffer holds %d", c.NBytes, len(buf))
	}
	if c.NBytes < ChunkHeaderSize {
		return errors.Errorf("rad: chunk declares %d bytes, shorter than its header", c.NBytes)
	}
	// Every record holds at least its alignment count, barcode, UMI and one
	// reference.
	minRec := uint64(4 + bcType.Size() + umiType.Size() + 4)
	if uint64(c.NRec)*minRec > uint64(c.NBytes-ChunkHeaderSize) {
		return errors.Errorf("rad: chunk declares %d records in %d bytes", c.NRec, c.NBytes)
	}
	b.buf = buf[:c.NBytes]
	if cap(c.Reads) >= int(c.NRec) {
		c.Reads = c.Reads[:c.NRec]
	} else {
		reads := make([]Record, c.NRec)
		copy(reads, c.Reads[:cap(c.Reads)])
		c.Reads = reads
	}
	for i := range c.Reads {
		rec := &c.Reads[i]
		na := b.uint32()
		rec.Barcode = b.typed(bcType)
		rec.UMI = b.typed(umiType)
		if b.err == nil && na == 0 {
			return errors.Errorf("rad: record %d of %d has no alignments", i, c.NRec)
		}
		rec.Refs = rec.Refs[:0]
		for j := uint32(0); j < na && b.err == nil; j++ {
			rec.Refs = append(rec.Refs, b.uint32()&RefMask)
		}
		if b.err != nil {
			return errors.Wrapf(b.err, "rad: record %d of %d", i, c.NRec)
		}
		rec.Refs = sortDedup(rec.Refs)
	}
	return nil
}

// PeekBarcode returns the barcode of the first record of the chunk that
// starts at buf[0], without decoding the rest of the chunk.
func PeekBarcode(buf []byte, bcType IntType) (uint64, error) {
	b := byteReader{buf: buf, off: ChunkHeaderSize + 4}
	bc := b.typed(bcType)
	if b.err != nil {
		return 0, errors.Wrap(b.err, "rad: peek barcode")
	}
	return bc, nil
}

func sortDedup(refs []uint32) []uint32 {
	if len(refs) < 2 {
		return refs
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	n := 1
	for _, r := range refs[1:] {
		if r != refs[n-1] {
			refs[n] = r
			n++
		}
	}
	return refs[:n]
}
