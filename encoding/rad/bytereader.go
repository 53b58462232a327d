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

	"github.com/pkg/errors"
)

// byteReader is a little-endian cursor over a byte slice. The first
// underflow is latched in err, and every later read returns zero.
type byteReader struct {
	buf []byte
	off int
	err error
}

func (b *byteReader) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.off+n > len(b.buf) {
		b.err = errors.Errorf("rad: need %d bytes at offset %d, only %d available", n, b.off, len(b.buf)-b.off)
		return nil
	}
	v := b.buf[b.off : b.off+n]
	b.off += n
	return v
}

func (b *byteReader) uint8() uint8 {
	if v := b.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (b *byteReader) uint16() uint16 {
	if v := b.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (b *byteReader) uint32() uint32 {
	if v := b.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (b *byteReader) uint64() uint64 {
	if v := b.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

// typed reads an unsigned integer of the given width.
func (b *byteReader) typed(t IntType) uint64 {
	switch t {
	case U8:
		return uint64(b.uint8())
	case U16:
		return uint64(b.uint16())
	case U32:
		return uint64(b.uint32())
	case U64:
		return b.uint64()
	}
	if b.err == nil {
		b.err = errors.Errorf("rad: unsupported integer type %v", t)
	}
	return 0
}
