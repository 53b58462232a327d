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

	"github.com/pkg/errors"
)

// UnmappedCountsFile is the name, inside the input directory, of the
// per-barcode unmapped read counts written during collation.
const UnmappedCountsFile = "unmapped_bc_count_collated.bin"

// ReadUnmappedCounts parses a serialized barcode → unmapped-read-count map:
// a u64 entry count followed by (u64 barcode, u32 count) pairs.
func ReadUnmappedCounts(r io.Reader) (map[uint64]uint32, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(err, "rad: read unmapped count entries")
	}
	m := make(map[uint64]uint32, n)
	var entry [12]byte
	for i := uint64(0); i < n; i++ {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, errors.Wrapf(err, "rad: read unmapped count entry %d of %d", i, n)
		}
		m[binary.LittleEndian.Uint64(entry[:8])] = binary.LittleEndian.Uint32(entry[8:])
	}
	return m, nil
}

// WriteUnmappedCounts serializes m in the format read by ReadUnmappedCounts.
func WriteUnmappedCounts(w io.Writer, m map[uint64]uint32) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(m))); err != nil {
		return err
	}
	var entry [12]byte
	for bc, c := range m {
		binary.LittleEndian.PutUint64(entry[:8], bc)
		binary.LittleEndian.PutUint32(entry[8:], c)
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}
