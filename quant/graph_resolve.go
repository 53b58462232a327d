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

// maxParsimonyComponent is the largest connected component, in vertices,
// that is covered greedily. Larger components are resolved by UMI
// grouping.
const maxParsimonyComponent = 1000

type graphScratch struct {
	parent  []uint32
	order   []uint32 // vertices sorted by component root
	covered []bool
	mark    []uint32 // BFS epoch per vertex
	epoch   uint32
	queue   []uint32
	best    []uint32
	counts  []int // counting sort buckets
	sorted  []uint32
}

func (s *graphScratch) find(v uint32) uint32 {
	for s.parent[v] != v {
		s.parent[v] = s.parent[s.parent[v]]
		v = s.parent[v]
	}
	return v
}

func (s *graphScratch) reset(nv int) {
	if cap(s.parent) < nv {
		s.parent = make([]uint32, nv)
		s.covered = make([]bool, nv)
		s.mark = make([]uint32, nv)
		s.epoch = 0
	}
	s.parent = s.parent[:nv]
	s.covered = s.covered[:nv]
	s.mark = s.mark[:nv]
	for v := range s.parent {
		s.parent[v] = uint32(v)
		s.covered[v] = false
	}
}

// resolveGraph collapses the UMI graph into molecules and adds them to
// r.geneEqc. It reports whether any component was too large for the greedy
// cover and was resolved by UMI grouping instead.
func (r *Resolver) resolveGraph() bool {
	r.fillClassGenes()
	g, s := r.graph, &r.graphs
	nv := g.NumVertices()
	s.reset(nv)
	for v := 0; v < nv; v++ {
		for _, w := range g.Successors(uint32(v)) {
			a, b := s.find(uint32(v)), s.find(w)
			if a != b {
				s.parent[a] = b
			}
		}
	}
	s.order = s.order[:0]
	for v := 0; v < nv; v++ {
		s.parent[v] = s.find(uint32(v))
		s.order = append(s.order, uint32(v))
	}
	s.sortByRoot()

	alt := false
	for start := 0; start < len(s.order); {
		root := s.parent[s.order[start]]
		end := start
		for end < len(s.order) && s.parent[s.order[end]] == root {
			end++
		}
		comp := s.order[start:end]
		switch {
		case len(comp) == 1:
			eq, _ := g.Node(comp[0])
			r.geneEqc.Add(r.genesOfClass(eq), 1)
		case len(comp) > maxParsimonyComponent:
			alt = true
			r.groupComponent(comp)
		default:
			r.coverComponent(comp)
		}
		start = end
	}
	return alt
}

// groupComponent resolves a component by UMI grouping over its vertices.
func (r *Resolver) groupComponent(comp []uint32) {
	r.tuples = r.tuples[:0]
	for _, v := range comp {
		eq, rank := r.graph.Node(v)
		u := r.eqMap.Info[eq].UMIs[rank]
		for _, gene := range r.genesOfClass(eq) {
			r.tuples = append(r.tuples, umiGene{umi: u.UMI, gene: gene, n: u.Count})
		}
	}
	r.groupByUMI(r.tuples)
}

// coverComponent repeatedly picks the (vertex, gene) pair whose gene-
// consistent out-reach covers the most uncovered vertices, emits one
// molecule labelled with every gene of that vertex achieving the same
// reach, and removes the covered vertices.
func (r *Resolver) coverComponent(comp []uint32) {
	s := &r.graphs
	remaining := len(comp)
	for remaining > 0 {
		bestV, bestN := uint32(0), -1
		for _, v := range comp {
			if s.covered[v] {
				continue
			}
			eq, _ := r.graph.Node(v)
			for _, gene := range r.genesOfClass(eq) {
				if n := r.reach(v, gene, false); n > bestN {
					bestV, bestN = v, n
				}
			}
		}
		if bestN < 0 {
			// No uncovered vertex carries a gene label.
			for _, v := range comp {
				s.covered[v] = true
			}
			return
		}
		eq, _ := r.graph.Node(bestV)
		s.best = s.best[:0]
		for _, gene := range r.genesOfClass(eq) {
			if r.reach(bestV, gene, false) == bestN {
				s.best = append(s.best, gene)
			}
		}
		for _, gene := range s.best {
			remaining -= r.reach(bestV, gene, true)
		}
		r.geneEqc.Add(s.best, 1)
	}
}

// reach counts the uncovered vertices reachable from v along out-edges
// through vertices whose class maps to gene, v included. With cover set,
// the reached vertices are marked covered and the count of newly covered
// vertices is returned.
func (r *Resolver) reach(v, gene uint32, cover bool) int {
	s := &r.graphs
	s.epoch++
	if s.epoch == 0 {
		for i := range s.mark {
			s.mark[i] = 0
		}
		s.epoch = 1
	}
	s.queue = append(s.queue[:0], v)
	s.mark[v] = s.epoch
	n := 0
	for len(s.queue) > 0 {
		x := s.queue[len(s.queue)-1]
		s.queue = s.queue[:len(s.queue)-1]
		if !s.covered[x] {
			n++
		}
		if cover {
			s.covered[x] = true
		}
		for _, y := range r.graph.Successors(x) {
			if s.mark[y] == s.epoch || s.covered[y] {
				continue
			}
			eq, _ := r.graph.Node(y)
			if !containsU32(r.genesOfClass(eq), gene) {
				continue
			}
			s.mark[y] = s.epoch
			s.queue = append(s.queue, y)
		}
	}
	return n
}

// sortByRoot orders s.order by component root with a counting sort: roots
// are vertex ids in [0, len(s.parent)).
func (s *graphScratch) sortByRoot() {
	n := len(s.parent) + 1
	if cap(s.counts) < n {
		s.counts = make([]int, n)
	}
	counts := s.counts[:n]
	for i := range counts {
		counts[i] = 0
	}
	for _, v := range s.order {
		counts[s.parent[v]+1]++
	}
	for i := 1; i < len(counts); i++ {
		counts[i] += counts[i-1]
	}
	if cap(s.sorted) < len(s.order) {
		s.sorted = make([]uint32, len(s.order))
	}
	out := s.sorted[:len(s.order)]
	for _, v := range s.order {
		out[counts[s.parent[v]]] = v
		counts[s.parent[v]]++
	}
	copy(s.order, out)
}
