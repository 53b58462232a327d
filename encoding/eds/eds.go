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

// Package eds implements the EDS sparse row encoding used for count
// matrices. Each row of G columns is stored as ceil(G/8) flag bytes, where
// bit 7-(j%8) of byte j/8 marks column j as nonzero, followed by the nonzero
// values in column order as little-endian float32.
package eds

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// FlagBytes returns the number of flag bytes in a row of numCols columns.
func FlagBytes(numCols int) int {
	return (numCols + 7) / 8
}

// AppendRow encodes counts as one EDS row and appends it to dst.
func AppendRow(dst []byte, counts []float32) []byte {
	start := len(dst)
	nflag := FlagBytes(len(counts))
	for i := 0; i < nflag; i++ {
		dst = append(dst, 0)
	}
	for j, v := range counts {
		if v == 0 {
			continue
		}
		dst[start+j/8] |= 128 >> uint(j%8)
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// DecodeRow decodes one row of numCols columns from the front of buf into
// counts, which must have length numCols. It returns the number of bytes
// consumed.
func DecodeRow(buf []byte, counts []float32) (int, error) {
	nflag := FlagBytes(len(counts))
	if len(buf) < nflag {
		return 0, errors.Errorf("eds: row needs %d flag bytes, have %d", nflag, len(buf))
	}
	flags, off := buf[:nflag], nflag
	for j := range counts {
		if flags[j/8]&(128>>uint(j%8)) == 0 {
			counts[j] = 0
			continue
		}
		if off+4 > len(buf) {
			return 0, errors.Errorf("eds: truncated value for column %d", j)
		}
		counts[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return off, nil
}
