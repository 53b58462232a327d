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

	farm "github.com/dgryski/go-farm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// bootstrapSeed derives the resampling seed of a cell from its barcode, so
// replicates do not depend on which worker resolved the cell.
func bootstrapSeed(barcode uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], barcode)
	return farm.Fingerprint64(b[:])
}

// multinomial draws counts for each category of probs (which sum to one)
// from n trials, as a chain of conditional binomials.
func multinomial(src rand.Source, n float64, probs, out []float64) {
	mass := 1.0
	for i, p := range probs {
		switch {
		case n <= 0 || p <= 0:
			out[i] = 0
		case i == len(probs)-1 || p >= mass:
			out[i] = n
		default:
			out[i] = distuv.Binomial{N: n, P: p / mass, Src: src}.Rand()
		}
		n -= out[i]
		mass -= p
	}
}

// bootstrap resamples the cell's gene-level class counts and re-runs the
// estimator on each replicate. In summary mode r.res.Bootstraps holds the
// per-gene mean and variance across replicates; otherwise it holds every
// replicate.
func (r *Resolver) bootstrap() {
	ng := r.genes.NumGenes()
	nc := r.geneEqc.Len()
	s := &r.em
	if nc == 0 {
		if r.summaryStat {
			r.setBootstraps(2)
		} else {
			r.setBootstraps(r.numBootstraps)
		}
		for _, b := range r.res.Bootstraps {
			zero(b)
		}
		return
	}

	total := 0.0
	s.probs = resize(s.probs, nc)
	probs := s.probs
	for i, c := range r.geneEqc.Counts() {
		total += float64(c)
		probs[i] = float64(c)
	}
	for i := range probs {
		probs[i] /= total
	}
	s.sample = resize(s.sample, nc)
	sample := s.sample
	s.src.Seed(bootstrapSeed(r.res.Barcode))
	src := &s.src
	onlyUnique := r.strategy == CellRangerLike || r.strategy == Parsimony

	var mean, sq []float64
	if r.summaryStat {
		r.setBootstraps(2)
		s.mean, s.sq = resize(s.mean, ng), resize(s.sq, ng)
		mean, sq = s.mean, s.sq
	} else {
		r.setBootstraps(r.numBootstraps)
	}
	for rep := 0; rep < r.numBootstraps; rep++ {
		multinomial(src, total, probs, sample)
		runEM(r.geneEqc, sample, ng, r.initUniform, onlyUnique, s)
		if !r.summaryStat {
			out := r.res.Bootstraps[rep]
			for g, a := range s.alpha {
				out[g] = float32(a)
			}
			continue
		}
		for g, a := range s.alpha {
			mean[g] += a
			sq[g] += a * a
		}
	}
	if r.summaryStat {
		n := float64(r.numBootstraps)
		m, v := r.res.Bootstraps[0], r.res.Bootstraps[1]
		for g := range mean {
			mu := mean[g] / n
			variance := sq[g]/n - mu*mu
			if variance < 0 {
				variance = 0
			}
			m[g], v[g] = float32(mu), float32(variance)
		}
	}
}
