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
	"github.com/grailbio/base/log"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
)

// smallCellRecords is the largest cell, in records, that the CellRanger-like
// strategies resolve from raw records instead of through the EqMap.
const smallCellRecords = 250

// CellResult is the outcome of resolving one cell. Its slices are owned by
// the Resolver that produced it and stay valid until the next call to
// Resolve or Reset.
type CellResult struct {
	Barcode uint64
	// NumReads is the number of records in the cell.
	NumReads int
	// Counts holds the estimated molecule count of every gene.
	Counts []float32
	// Bootstraps holds one vector per replicate, or the mean and variance
	// vectors in summary mode. It is empty when bootstrapping is off.
	Bootstraps [][]float32
	// AltResolved is set when graph resolution fell back to UMI grouping
	// for at least one component.
	AltResolved bool
	// AmbiguityRate is the fraction of reads discarded because they
	// mapped to several genes. Only the trivial strategy sets it.
	AmbiguityRate    float64
	HasAmbiguityRate bool
	// GeneEqc holds the gene-level equivalence classes behind Counts.
	GeneEqc *GeneEqcMap
}

// Resolver turns the reads of one cell into gene counts. It owns every
// piece of per-cell scratch state so that a worker can resolve cell after
// cell without allocating. A Resolver is not safe for concurrent use.
type Resolver struct {
	genes         *GeneMap
	strategy      ResolutionStrategy
	smallThresh   int
	numBootstraps int
	summaryStat   bool
	initUniform   bool

	eqMap   *EqMap
	graph   *Graph
	geneEqc *GeneEqcMap
	em      emScratch
	graphs  graphScratch

	labelBuf        []uint32
	classGenes      []uint32
	classGeneStarts []uint32
	tuples          []umiGene

	res  CellResult
	boot [][]float32
}

// NewResolver returns a Resolver for cells aligned to nref transcripts,
// configured by the strategy fields of opts.
func NewResolver(genes *GeneMap, nref int, opts Opts) *Resolver {
	r := &Resolver{
		genes:         genes,
		strategy:      opts.Resolution,
		smallThresh:   opts.SmallThresh,
		numBootstraps: opts.NumBootstraps,
		summaryStat:   opts.SummaryStat,
		initUniform:   opts.InitUniform,
		eqMap:         NewEqMap(nref),
		graph:         &Graph{},
		geneEqc:       NewGeneEqcMap(),
	}
	r.res.Counts = make([]float32, genes.NumGenes())
	r.res.GeneEqc = r.geneEqc
	return r
}

// Reset clears all per-cell state.
func (r *Resolver) Reset() {
	r.eqMap.Clear()
	r.geneEqc.Reset()
	for i := range r.res.Counts {
		r.res.Counts[i] = 0
	}
	r.res.Bootstraps = r.res.Bootstraps[:0]
	r.res.AltResolved = false
	r.res.AmbiguityRate = 0
	r.res.HasAmbiguityRate = false
	r.res.NumReads = 0
	r.res.Barcode = 0
	r.classGenes = r.classGenes[:0]
	r.classGeneStarts = r.classGeneStarts[:0]
	r.tuples = r.tuples[:0]
}

// Resolve computes the gene counts of the cell in c, which must hold at
// least one read.
func (r *Resolver) Resolve(c *rad.Chunk) *CellResult {
	r.Reset()
	n := len(c.Reads)
	r.res.NumReads = n
	r.res.Barcode = c.Reads[0].Barcode

	if n < r.smallThresh {
		r.resolveSmall(c)
		return &r.res
	}
	switch r.strategy {
	case CellRangerLike, CellRangerLikeEm:
		if n <= smallCellRecords {
			r.crLikeFromReads(c)
		} else {
			r.eqMap.InitFromChunk(c)
			r.crLikeFromEqMap()
		}
		r.emOptimize(r.strategy == CellRangerLike)
	case Trivial:
		r.eqMap.InitFromChunk(c)
		r.trivial()
	case Parsimony, Full:
		r.eqMap.InitFromChunk(c)
		r.graph.Build(r.eqMap)
		r.res.AltResolved = r.resolveGraph()
		r.emOptimize(r.strategy == Parsimony)
	}
	if r.numBootstraps > 0 && r.strategy != Trivial {
		r.bootstrap()
	}
	if log.At(log.Debug) {
		log.Debug.Printf("cell %x: %d reads, %d gene classes, alt=%v", r.res.Barcode, n, r.geneEqc.Len(), r.res.AltResolved)
	}
	return &r.res
}

// resolveSmall handles cells too small to be worth building an index for:
// molecules are grouped from the raw records, gene-unique molecules count
// fully, and gene-ambiguous ones are split evenly when the strategy
// distributes ambiguity and dropped otherwise.
func (r *Resolver) resolveSmall(c *rad.Chunk) {
	r.crLikeFromReads(c)
	split := r.strategy.usesEM()
	counts := r.res.Counts
	for i := 0; i < r.geneEqc.Len(); i++ {
		label, n := r.geneEqc.Label(i), float32(r.geneEqc.Count(i))
		if len(label) == 1 {
			counts[label[0]] += n
			continue
		}
		if split {
			w := n / float32(len(label))
			for _, g := range label {
				counts[g] += w
			}
		}
	}
	if r.numBootstraps == 0 {
		return
	}
	if r.summaryStat {
		r.setBootstraps(2)
		copy(r.res.Bootstraps[0], counts)
		zero(r.res.Bootstraps[1])
		return
	}
	r.setBootstraps(r.numBootstraps)
	for _, b := range r.res.Bootstraps {
		copy(b, counts)
	}
}

// setBootstraps sizes r.res.Bootstraps to n vectors of NumGenes entries.
func (r *Resolver) setBootstraps(n int) {
	ng := r.genes.NumGenes()
	for len(r.boot) < n {
		r.boot = append(r.boot, make([]float32, ng))
	}
	r.res.Bootstraps = r.boot[:n]
}

// fillClassGenes computes the sorted gene set of every transcript-level
// class in the EqMap.
func (r *Resolver) fillClassGenes() {
	r.classGenes = r.classGenes[:0]
	r.classGeneStarts = append(r.classGeneStarts[:0], 0)
	for e := 0; e < r.eqMap.NumEqClasses(); e++ {
		r.labelBuf = r.genes.genesOf(r.labelBuf, r.eqMap.RefsForEqc(uint32(e)))
		r.classGenes = append(r.classGenes, r.labelBuf...)
		r.classGeneStarts = append(r.classGeneStarts, uint32(len(r.classGenes)))
	}
}

func (r *Resolver) genesOfClass(e uint32) []uint32 {
	return r.classGenes[r.classGeneStarts[e]:r.classGeneStarts[e+1]]
}

func zero(v []float32) {
	for i := range v {
		v[i] = 0
	}
}
