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
)

// Writer serializes a collated RAD container. It is used to produce small
// inputs for tools and tests. Errors are sticky: after the first failure
// every call is a no-op and Err reports it.
type Writer struct {
	w       io.Writer
	bcType  IntType
	umiType IntType
	buf     []byte
	err     error
}

// NewWriter writes the header, a tag section declaring "cblen"/"ulen"
// (u16) at file level, "b"/"u" at read level with the given widths and
// "compressed_ori_refid" (u32) at alignment level, and the file-level
// values.
func NewWriter(w io.Writer, h Header, bcType, umiType IntType, bcLen, umiLen uint16) *Writer {
	rw := &Writer{w: w, bcType: bcType, umiType: umiType}
	rw.byte(boolByte(h.IsPaired))
	rw.u64(uint64(len(h.RefNames)))
	for _, name := range h.RefNames {
		rw.str(name)
	}
	rw.u64(h.NumChunks)
	rw.tags(TagDesc{"cblen", TypeU16}, TagDesc{"ulen", TypeU16})
	rw.tags(TagDesc{"b", TagType(bcType)}, TagDesc{"u", TagType(umiType)})
	rw.tags(TagDesc{"compressed_ori_refid", TypeU32})
	rw.u16(bcLen)
	rw.u16(umiLen)
	rw.flush()
	return rw
}

// WriteChunk writes one chunk holding recs. Every record's Refs are
// written as given.
func (rw *Writer) WriteChunk(recs []Record) {
	rw.buf = append(rw.buf[:0], make([]byte, ChunkHeaderSize)...)
	for _, r := range recs {
		rw.u32(uint32(len(r.Refs)))
		rw.typed(rw.bcType, r.Barcode)
		rw.typed(rw.umiType, r.UMI)
		for _, ref := range r.Refs {
			rw.u32(ref)
		}
	}
	PutChunkHeader(rw.buf, uint32(len(rw.buf)), uint32(len(recs)))
	rw.flush()
}

// Err returns the first error encountered.
func (rw *Writer) Err() error { return rw.err }

func (rw *Writer) flush() {
	if rw.err == nil {
		_, rw.err = rw.w.Write(rw.buf)
	}
	rw.buf = rw.buf[:0]
}

func (rw *Writer) tags(descs ...TagDesc) {
	rw.u16(uint16(len(descs)))
	for _, d := range descs {
		rw.str(d.Name)
		rw.byte(uint8(d.TypeID))
	}
}

func (rw *Writer) byte(v uint8) { rw.buf = append(rw.buf, v) }

func (rw *Writer) u16(v uint16) {
	rw.buf = binary.LittleEndian.AppendUint16(rw.buf, v)
}

func (rw *Writer) u32(v uint32) {
	rw.buf = binary.LittleEndian.AppendUint32(rw.buf, v)
}

func (rw *Writer) u64(v uint64) {
	rw.buf = binary.LittleEndian.AppendUint64(rw.buf, v)
}

func (rw *Writer) str(s string) {
	rw.u16(uint16(len(s)))
	rw.buf = append(rw.buf, s...)
}

func (rw *Writer) typed(t IntType, v uint64) {
	switch t {
	case U8:
		rw.byte(uint8(v))
	case U16:
		rw.u16(uint16(v))
	case U32:
		rw.u32(uint32(v))
	default:
		rw.u64(v)
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
