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

// Package mtx accumulates sparse matrices as coordinate triplets and writes
// them in the Matrix Market coordinate format.
package mtx

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Header is the banner line of every file written by Write.
const Header = "%%MatrixMarket matrix coordinate real general"

// Triplet is one nonzero entry. Row and Col are 0-based.
type Triplet struct {
	Row, Col uint32
	Val      float32
}

// TriMat is a sparse matrix under construction. It is not safe for
// concurrent use.
type TriMat struct {
	Rows, Cols int
	Entries    []Triplet
}

// New returns an empty rows × cols matrix with room for capacity entries.
func New(rows, cols, capacity int) *TriMat {
	return &TriMat{Rows: rows, Cols: cols, Entries: make([]Triplet, 0, capacity)}
}

// Add appends an entry. Zero values are kept; callers skip them if they
// want a strictly nonzero matrix.
func (m *TriMat) Add(row, col int, v float32) {
	m.Entries = append(m.Entries, Triplet{Row: uint32(row), Col: uint32(col), Val: v})
}

// NNZ returns the number of stored entries.
func (m *TriMat) NNZ() int { return len(m.Entries) }

// SortRowMajor orders the entries by row, then column.
func (m *TriMat) SortRowMajor() {
	sort.Slice(m.Entries, func(i, j int) bool {
		a, b := m.Entries[i], m.Entries[j]
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
}

// Write writes m to w in Matrix Market coordinate format with 1-based
// indices.
func Write(w io.Writer, m *TriMat) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	if _, err := fmt.Fprintf(bw, "%s\n%d %d %d\n", Header, m.Rows, m.Cols, len(m.Entries)); err != nil {
		return err
	}
	var line []byte
	for _, e := range m.Entries {
		line = strconv.AppendUint(line[:0], uint64(e.Row)+1, 10)
		line = append(line, ' ')
		line = strconv.AppendUint(line, uint64(e.Col)+1, 10)
		line = append(line, ' ')
		line = strconv.AppendFloat(line, float64(e.Val), 'g', -1, 32)
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}
