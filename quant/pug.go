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
	"sort"

	"github.com/jaclyn-taroni/alevin-fry/umi"
)

// EdgeType classifies the relation between two (UMI, frequency)
// observations.
type EdgeType uint8

const (
	// NoEdge: the UMIs are more than one base apart.
	NoEdge EdgeType = iota
	// BiDirected: edges in both directions.
	BiDirected
	// XToY: an edge from the first observation to the second only.
	XToY
	// YToX: an edge from the second observation to the first only.
	YToX
)

func (e EdgeType) String() string {
	switch e {
	case NoEdge:
		return "NoEdge"
	case BiDirected:
		return "BiDirected"
	case XToY:
		return "XToY"
	case YToX:
		return "YToX"
	}
	return "EdgeType(?)"
}

// ClassifyEdge returns the edge between x and y. Identical UMIs are always
// joined in both directions. UMIs one base apart are joined from the more
// frequent to the less frequent when the former has at least twice the
// reads (fx > 2fy-1), and in both directions otherwise.
func ClassifyEdge(x, y UMICount) EdgeType {
	switch umi.Hamming(x.UMI, y.UMI) {
	case 0:
		return BiDirected
	case 1:
		fx, fy := int64(x.Count), int64(y.Count)
		if fx > 2*fy-1 {
			return XToY
		}
		if fy > 2*fx-1 {
			return YToX
		}
		return BiDirected
	}
	return NoEdge
}

// Graph is the parsimonious UMI graph of one cell. Vertex
// NodeStart[e]+rank stands for the rank'th distinct UMI of equivalence
// class e. A Graph is reused across cells through Build.
type Graph struct {
	nodeStart []uint32
	out       [][]uint32
	nedges    int

	visited []bool
	touched []uint32
}

// ExtractGraph builds the UMI graph of the cell held in m.
func ExtractGraph(m *EqMap) *Graph {
	g := &Graph{}
	g.Build(m)
	return g
}

// Build replaces the content of g with the UMI graph of m. All vertices are
// created before any edge. Edges are added between the UMIs of a class, and
// between the UMIs of each pair of classes that share a transcript; every
// unordered class pair is compared once.
func (g *Graph) Build(m *EqMap) {
	neq := m.NumEqClasses()
	g.nodeStart = append(g.nodeStart[:0], 0)
	for e := 0; e < neq; e++ {
		g.nodeStart = append(g.nodeStart, g.nodeStart[e]+uint32(len(m.Info[e].UMIs)))
	}
	nv := int(g.nodeStart[neq])
	if cap(g.out) < nv {
		out := make([][]uint32, nv)
		copy(out, g.out[:cap(g.out)])
		g.out = out
	}
	g.out = g.out[:nv]
	for i := range g.out {
		g.out[i] = g.out[i][:0]
	}
	g.nedges = 0
	if cap(g.visited) < neq {
		g.visited = make([]bool, neq)
	}
	g.visited = g.visited[:neq]

	for e := 0; e < neq; e++ {
		u1 := m.Info[e].UMIs
		base := g.nodeStart[e]
		for xi := range u1 {
			for yi := xi + 1; yi < len(u1); yi++ {
				g.link(base+uint32(xi), base+uint32(yi), ClassifyEdge(u1[xi], u1[yi]))
			}
		}

		for _, e2 := range g.touched {
			g.visited[e2] = false
		}
		g.touched = g.touched[:0]

		for _, r := range m.RefsForEqc(uint32(e)) {
			for _, e2 := range m.EqClassesContaining(r) {
				if int(e2) <= e || g.visited[e2] {
					continue
				}
				g.visited[e2] = true
				g.touched = append(g.touched, e2)
				u2 := m.Info[e2].UMIs
				base2 := g.nodeStart[e2]
				for xi := range u1 {
					for yi := range u2 {
						g.link(base+uint32(xi), base2+uint32(yi), ClassifyEdge(u1[xi], u2[yi]))
					}
				}
			}
		}
	}
	for _, e2 := range g.touched {
		g.visited[e2] = false
	}
	g.touched = g.touched[:0]
}

func (g *Graph) link(x, y uint32, t EdgeType) {
	switch t {
	case BiDirected:
		g.out[x] = append(g.out[x], y)
		g.out[y] = append(g.out[y], x)
		g.nedges += 2
	case XToY:
		g.out[x] = append(g.out[x], y)
		g.nedges++
	case YToX:
		g.out[y] = append(g.out[y], x)
		g.nedges++
	}
}

// NumVertices returns the number of (class, UMI rank) vertices.
func (g *Graph) NumVertices() int { return len(g.out) }

// NumEdges returns the number of directed edges; a bidirected pair counts
// twice.
func (g *Graph) NumEdges() int { return g.nedges }

// Vertex returns the vertex of the rank'th UMI of class eq.
func (g *Graph) Vertex(eq, rank uint32) uint32 { return g.nodeStart[eq] + rank }

// Node returns the class and UMI rank of vertex v.
func (g *Graph) Node(v uint32) (eq, rank uint32) {
	e := sort.Search(len(g.nodeStart)-1, func(i int) bool { return g.nodeStart[i+1] > v })
	return uint32(e), v - g.nodeStart[e]
}

// Successors returns the targets of the edges leaving v.
func (g *Graph) Successors(v uint32) []uint32 { return g.out[v] }

// HasEdge reports whether the edge x→y exists.
func (g *Graph) HasEdge(x, y uint32) bool {
	for _, s := range g.out[x] {
		if s == y {
			return true
		}
	}
	return false
}
