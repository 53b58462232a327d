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

package umi

import (
	"fmt"
	"math/bits"
)

// MaxPackedLen is the longest sequence that fits in a packed uint64.
const MaxPackedLen = 32

// lowBits selects the low bit of every 2-bit base slot.
const lowBits = 0x5555555555555555

var (
	baseCode = [256]int8{}
	codeBase = [4]byte{'A', 'C', 'G', 'T'}
)

func init() {
	for i := range baseCode {
		baseCode[i] = -1
	}
	for code, b := range codeBase {
		baseCode[b] = int8(code)
		baseCode[b+'a'-'A'] = int8(code)
	}
}

// Encode packs an ACGT sequence two bits per base. The first base lands in
// the most significant occupied slot, so packed values of equal-length
// sequences sort lexicographically.
func Encode(seq string) (uint64, error) {
	if len(seq) > MaxPackedLen {
		return 0, fmt.Errorf("umi.Encode: sequence %q longer than %d bases", seq, MaxPackedLen)
	}
	var v uint64
	for i := 0; i < len(seq); i++ {
		c := baseCode[seq[i]]
		if c < 0 {
			return 0, fmt.Errorf("umi.Encode: invalid base %q in %q", seq[i], seq)
		}
		v = v<<2 | uint64(c)
	}
	return v, nil
}

// Decode unpacks a k-base sequence produced by Encode.
func Decode(packed uint64, k int) string {
	return string(AppendDecoded(nil, packed, k))
}

// AppendDecoded appends the k bases of packed to dst.
func AppendDecoded(dst []byte, packed uint64, k int) []byte {
	for i := k - 1; i >= 0; i-- {
		dst = append(dst, codeBase[(packed>>(2*uint(i)))&3])
	}
	return dst
}

// Hamming returns the number of bases at which two packed sequences of the
// same length differ.
func Hamming(a, b uint64) int {
	d := a ^ b
	return bits.OnesCount64((d | d>>1) & lowBits)
}
