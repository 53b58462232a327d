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
	"math"

	"golang.org/x/exp/rand"
)

const (
	emMinIter          = 50
	emMaxIter          = 10000
	emRelDiffTol       = 1e-2
	emAlphaCheckCutoff = 1e-2
	emMinAlpha         = 1e-8
	emInformativePrior = 0.5
)

type emScratch struct {
	alpha    []float64
	next     []float64
	involved []uint32
	seen     []bool
	counts   []float64

	// Bootstrap state.
	probs  []float64
	sample []float64
	mean   []float64
	sq     []float64
	src    rand.PCGSource
}

// emOptimize fills r.res.Counts from r.geneEqc. With onlyUnique set, only
// classes naming a single gene contribute. Otherwise gene-ambiguous
// molecules are distributed by EM.
func (r *Resolver) emOptimize(onlyUnique bool) {
	out := r.res.Counts
	s := &r.em
	s.counts = s.counts[:0]
	for _, c := range r.geneEqc.Counts() {
		s.counts = append(s.counts, float64(c))
	}
	runEM(r.geneEqc, s.counts, r.genes.NumGenes(), r.initUniform, onlyUnique, s)
	for i, a := range s.alpha {
		out[i] = float32(a)
	}
}

// runEM estimates gene abundances from the classes of eqc, weighted by
// counts (indexed like eqc), into s.alpha.
func runEM(eqc *GeneEqcMap, counts []float64, numGenes int, initUniform, onlyUnique bool, s *emScratch) {
	s.alpha = resize(s.alpha, numGenes)
	s.next = resize(s.next, numGenes)
	alpha, next := s.alpha, s.next

	// Unique evidence.
	multi := false
	for i := 0; i < eqc.Len(); i++ {
		label := eqc.Label(i)
		if len(label) == 1 {
			alpha[label[0]] += counts[i]
		} else {
			multi = true
		}
	}
	if onlyUnique || !multi {
		return
	}

	if cap(s.seen) < numGenes {
		s.seen = make([]bool, numGenes)
	}
	s.seen = s.seen[:numGenes]
	s.involved = s.involved[:0]
	for i := 0; i < eqc.Len(); i++ {
		for _, g := range eqc.Label(i) {
			if !s.seen[g] {
				s.seen[g] = true
				s.involved = append(s.involved, g)
			}
		}
	}
	for _, g := range s.involved {
		s.seen[g] = false
		if initUniform {
			alpha[g] = 1
		} else {
			alpha[g] += emInformativePrior
		}
	}

	for it := 0; it < emMaxIter; it++ {
		for _, g := range s.involved {
			next[g] = 0
		}
		for i := 0; i < eqc.Len(); i++ {
			label := eqc.Label(i)
			if len(label) == 1 {
				next[label[0]] += counts[i]
				continue
			}
			denom := 0.0
			for _, g := range label {
				denom += alpha[g]
			}
			if denom <= 0 {
				continue
			}
			scale := counts[i] / denom
			for _, g := range label {
				next[g] += alpha[g] * scale
			}
		}
		converged := true
		for _, g := range s.involved {
			if next[g] > emAlphaCheckCutoff && math.Abs(next[g]-alpha[g])/next[g] > emRelDiffTol {
				converged = false
			}
			alpha[g] = next[g]
		}
		if converged && it+1 >= emMinIter {
			break
		}
	}
	for _, g := range s.involved {
		if alpha[g] < emMinAlpha {
			alpha[g] = 0
		}
	}
}

func resize(v []float64, n int) []float64 {
	if cap(v) < n {
		return make([]float64, n)
	}
	v = v[:n]
	for i := range v {
		v[i] = 0
	}
	return v
}
