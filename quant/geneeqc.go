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
	"encoding/binary"
	"sort"
)

// GeneEqcMap is a cell's gene-level equivalence classes: each distinct,
// sorted set of gene ids maps to the number of deduplicated molecules
// assigned to it. Classes are kept in insertion order. The map is owned by
// one worker and reset between cells.
type GeneEqcMap struct {
	index  map[string]int
	genes  []uint32
	starts []int
	counts []uint32
	keyBuf []byte
}

// NewGeneEqcMap returns an empty map.
func NewGeneEqcMap() *GeneEqcMap {
	return &GeneEqcMap{index: map[string]int{}, starts: []int{0}}
}

// Add adds n molecules to the class labelled by genes, which must be sorted
// and free of duplicates. Molecules without a gene are dropped.
func (m *GeneEqcMap) Add(genes []uint32, n uint32) {
	if len(genes) == 0 {
		return
	}
	m.keyBuf = appendLabelKey(m.keyBuf[:0], genes)
	if i, ok := m.index[string(m.keyBuf)]; ok {
		m.counts[i] += n
		return
	}
	m.index[string(m.keyBuf)] = len(m.counts)
	m.genes = append(m.genes, genes...)
	m.starts = append(m.starts, len(m.genes))
	m.counts = append(m.counts, n)
}

// Len returns the number of classes.
func (m *GeneEqcMap) Len() int { return len(m.counts) }

// Label returns the gene ids of class i.
func (m *GeneEqcMap) Label(i int) []uint32 { return m.genes[m.starts[i]:m.starts[i+1]] }

// Count returns the molecule count of class i.
func (m *GeneEqcMap) Count(i int) uint32 { return m.counts[i] }

// Counts returns the molecule counts of all classes, indexed like Label.
func (m *GeneEqcMap) Counts() []uint32 { return m.counts }

// Reset empties the map, keeping its storage.
func (m *GeneEqcMap) Reset() {
	clear(m.index)
	m.genes = m.genes[:0]
	m.starts = m.starts[:1]
	m.counts = m.counts[:0]
}

// appendLabelKey appends the little-endian encoding of a gene label, used as
// a map key and as the hash input of the global table.
func appendLabelKey(dst []byte, genes []uint32) []byte {
	for _, g := range genes {
		dst = binary.LittleEndian.AppendUint32(dst, g)
	}
	return dst
}

func sortU32(v []uint32) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}

// sortDedupU32 sorts v and drops repeated values in place.
func sortDedupU32(v []uint32) []uint32 {
	if len(v) < 2 {
		return v
	}
	sortU32(v)
	n := 1
	for _, x := range v[1:] {
		if x != v[n-1] {
			v[n] = x
			n++
		}
	}
	return v[:n]
}

func containsU32(sorted []uint32, x uint32) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= x })
	return i < len(sorted) && sorted[i] == x
}
