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

	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
)

// umiGene is one piece of read evidence: n reads carrying umi support gene.
type umiGene struct {
	umi  uint64
	gene uint32
	n    uint32
}

// crLikeFromReads groups the reads of c by UMI without building an EqMap
// and adds one molecule per distinct UMI to r.geneEqc.
func (r *Resolver) crLikeFromReads(c *rad.Chunk) {
	for i := range c.Reads {
		rd := &c.Reads[i]
		r.labelBuf = r.genes.genesOf(r.labelBuf, rd.Refs)
		for _, g := range r.labelBuf {
			r.tuples = append(r.tuples, umiGene{umi: rd.UMI, gene: g, n: 1})
		}
	}
	r.groupByUMI(r.tuples)
}

// crLikeFromEqMap is crLikeFromReads over the UMIs of the EqMap classes.
func (r *Resolver) crLikeFromEqMap() {
	r.fillClassGenes()
	for e := range r.eqMap.Info {
		genes := r.genesOfClass(uint32(e))
		for _, u := range r.eqMap.Info[e].UMIs {
			for _, g := range genes {
				r.tuples = append(r.tuples, umiGene{umi: u.UMI, gene: g, n: u.Count})
			}
		}
	}
	r.groupByUMI(r.tuples)
}

// groupByUMI assigns each distinct UMI in ev to the genes supported by the
// largest number of its reads; ties keep every tied gene in the label.
// Each UMI adds one molecule to r.geneEqc.
func (r *Resolver) groupByUMI(ev []umiGene) {
	sort.Slice(ev, func(i, j int) bool {
		if ev[i].umi != ev[j].umi {
			return ev[i].umi < ev[j].umi
		}
		return ev[i].gene < ev[j].gene
	})
	for start := 0; start < len(ev); {
		end := start
		for end < len(ev) && ev[end].umi == ev[start].umi {
			end++
		}
		r.labelBuf = r.labelBuf[:0]
		var best uint32
		for i := start; i < end; {
			g, n := ev[i].gene, uint32(0)
			for ; i < end && ev[i].gene == g; i++ {
				n += ev[i].n
			}
			switch {
			case n > best:
				best = n
				r.labelBuf = append(r.labelBuf[:0], g)
			case n == best:
				r.labelBuf = append(r.labelBuf, g)
			}
		}
		r.geneEqc.Add(r.labelBuf, 1)
		start = end
	}
}

// trivial counts distinct UMIs per gene over the classes that map to a
// single gene, and records the fraction of reads lost to classes that map
// to several.
func (r *Resolver) trivial() {
	r.fillClassGenes()
	var total, ambiguous uint64
	for e := range r.eqMap.Info {
		genes := r.genesOfClass(uint32(e))
		for _, u := range r.eqMap.Info[e].UMIs {
			total += uint64(u.Count)
			if len(genes) != 1 {
				ambiguous += uint64(u.Count)
				continue
			}
			r.tuples = append(r.tuples, umiGene{umi: u.UMI, gene: genes[0], n: u.Count})
		}
	}
	ev := r.tuples
	sort.Slice(ev, func(i, j int) bool {
		if ev[i].gene != ev[j].gene {
			return ev[i].gene < ev[j].gene
		}
		return ev[i].umi < ev[j].umi
	})
	for i := range ev {
		if i > 0 && ev[i].gene == ev[i-1].gene && ev[i].umi == ev[i-1].umi {
			continue
		}
		r.res.Counts[ev[i].gene]++
	}
	for g, c := range r.res.Counts {
		if c > 0 {
			r.labelBuf = append(r.labelBuf[:0], uint32(g))
			r.geneEqc.Add(r.labelBuf, uint32(c))
		}
	}
	if total > 0 {
		r.res.AmbiguityRate = float64(ambiguous) / float64(total)
	}
	r.res.HasAmbiguityRate = true
}
