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

	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
)

// UMICount is a distinct UMI observed in an equivalence class, with the
// number of reads that carried it.
type UMICount struct {
	UMI   uint64
	Count uint32
}

// EqcInfo describes one transcript-level equivalence class of a cell.
type EqcInfo struct {
	// UMIs holds the distinct UMIs of the class in first-seen order. The
	// position of a UMI in this list is its rank, which names its node in
	// the UMI graph.
	UMIs []UMICount
	// EqNum is the id of the class.
	EqNum uint32
}

type umiKey struct {
	eq  uint32
	umi uint64
}

// EqMap indexes a cell's reads by the set of transcripts they aligned to.
// Class labels and the inverted transcript → class lists are both stored in
// CSR form:
//
//	labels[labelStarts[e]:labelStarts[e+1]]   transcripts of class e
//	refLabels[refOffsets[r]:refOffsets[r+1]]  classes containing transcript r
//
// An EqMap is reused across cells; call Clear between them.
type EqMap struct {
	Info []EqcInfo

	nref        int
	labels      []uint32
	labelStarts []uint32
	labelCounts []uint32
	refOffsets  []uint32
	refLabels   []uint32
	cursor      []uint32

	classIndex map[string]uint32
	umiIndex   map[umiKey]uint32
	keyBuf     []byte
}

// NewEqMap returns an empty map over nref transcripts.
func NewEqMap(nref int) *EqMap {
	return &EqMap{
		nref:        nref,
		labelStarts: []uint32{0},
		labelCounts: make([]uint32, nref),
		refOffsets:  make([]uint32, nref+1),
		classIndex:  map[string]uint32{},
		umiIndex:    map[umiKey]uint32{},
	}
}

// InitFromChunk builds the map from the reads of one cell. The map must be
// empty.
func (m *EqMap) InitFromChunk(c *rad.Chunk) {
	for i := range c.Reads {
		r := &c.Reads[i]
		m.keyBuf = m.keyBuf[:0]
		for _, ref := range r.Refs {
			m.keyBuf = binary.LittleEndian.AppendUint32(m.keyBuf, ref)
		}
		eq, ok := m.classIndex[string(m.keyBuf)]
		if !ok {
			eq = uint32(len(m.Info))
			m.classIndex[string(m.keyBuf)] = eq
			m.labels = append(m.labels, r.Refs...)
			m.labelStarts = append(m.labelStarts, uint32(len(m.labels)))
			for _, ref := range r.Refs {
				m.labelCounts[ref]++
			}
			if len(m.Info) < cap(m.Info) {
				m.Info = m.Info[:len(m.Info)+1]
				m.Info[eq].UMIs = m.Info[eq].UMIs[:0]
				m.Info[eq].EqNum = eq
			} else {
				m.Info = append(m.Info, EqcInfo{EqNum: eq})
			}
		}
		info := &m.Info[eq]
		k := umiKey{eq, r.UMI}
		if rank, ok := m.umiIndex[k]; ok {
			info.UMIs[rank].Count++
			continue
		}
		m.umiIndex[k] = uint32(len(info.UMIs))
		info.UMIs = append(info.UMIs, UMICount{UMI: r.UMI, Count: 1})
	}
	m.fillRefLabels()
}

func (m *EqMap) fillRefLabels() {
	m.refOffsets[0] = 0
	for r, n := range m.labelCounts {
		m.refOffsets[r+1] = m.refOffsets[r] + n
	}
	total := int(m.refOffsets[m.nref])
	if cap(m.refLabels) < total {
		m.refLabels = make([]uint32, total)
	}
	m.refLabels = m.refLabels[:total]
	m.cursor = append(m.cursor[:0], m.refOffsets[:m.nref]...)
	for eq := range m.Info {
		for _, ref := range m.RefsForEqc(uint32(eq)) {
			m.refLabels[m.cursor[ref]] = uint32(eq)
			m.cursor[ref]++
		}
	}
}

// Clear empties the map for the next cell, keeping its storage.
func (m *EqMap) Clear() {
	for _, ref := range m.labels {
		m.labelCounts[ref] = 0
	}
	m.Info = m.Info[:0]
	m.labels = m.labels[:0]
	m.labelStarts = m.labelStarts[:1]
	m.refLabels = m.refLabels[:0]
	for i := range m.refOffsets {
		m.refOffsets[i] = 0
	}
	clear(m.classIndex)
	clear(m.umiIndex)
}

// NumEqClasses returns the number of classes in the current cell.
func (m *EqMap) NumEqClasses() int { return len(m.Info) }

// NumRefs returns the number of transcripts the map was created for.
func (m *EqMap) NumRefs() int { return m.nref }

// RefsForEqc returns the sorted transcript ids of class eq.
func (m *EqMap) RefsForEqc(eq uint32) []uint32 {
	return m.labels[m.labelStarts[eq]:m.labelStarts[eq+1]]
}

// EqClassesContaining returns the ids, in increasing order, of the classes
// whose label contains transcript ref.
func (m *EqMap) EqClassesContaining(ref uint32) []uint32 {
	return m.refLabels[m.refOffsets[ref]:m.refOffsets[ref+1]]
}

// NumReads returns the number of reads in the current cell.
func (m *EqMap) NumReads() int {
	n := 0
	for i := range m.Info {
		for _, u := range m.Info[i].UMIs {
			n += int(u.Count)
		}
	}
	return n
}
