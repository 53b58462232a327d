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
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/grailbio/testutil/expect"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// tx0 and tx1 belong to gA, tx2 to gB.
func testGenes() *GeneMap {
	return &GeneMap{TxToGene: []uint32{0, 0, 1}, GeneNames: []string{"gA", "gB"}}
}

func newTestResolver(s ResolutionStrategy, smallThresh int) *Resolver {
	return NewResolver(testGenes(), 3, Opts{Resolution: s, SmallThresh: smallThresh})
}

// mixedCell holds four molecules whose UMIs are pairwise at least two bases
// apart: two gA-only, one gB-only and one shared by gA and gB.
func mixedCell() *rad.Chunk {
	return &rad.Chunk{Reads: []rad.Record{
		rec(42, 0x0, 0),
		rec(42, 0x0, 0),
		rec(42, 0x5, 2),
		rec(42, 0x50, 0, 2),
		rec(42, 0x55, 1),
	}}
}

func sum(v []float32) float64 {
	s := 0.0
	for _, x := range v {
		s += float64(x)
	}
	return s
}

func TestResolveStrategies(t *testing.T) {
	for _, tc := range []struct {
		s     ResolutionStrategy
		want  []float32
		total float64
	}{
		{Trivial, []float32{2, 1}, 3},
		{CellRangerLike, []float32{2, 1}, 3},
		{Parsimony, []float32{2, 1}, 3},
		{CellRangerLikeEm, nil, 4},
		{Full, nil, 4},
	} {
		r := newTestResolver(tc.s, 0)
		res := r.Resolve(mixedCell())
		expect.EQ(t, res.Barcode, uint64(42))
		expect.EQ(t, res.NumReads, 5)
		if tc.want != nil {
			assert.Equal(t, tc.want, res.Counts, "strategy %v", tc.s)
		}
		assert.InDelta(t, tc.total, sum(res.Counts), 1e-3, "strategy %v", tc.s)
		assert.False(t, res.AltResolved)
		assert.Equal(t, tc.s == Trivial, res.HasAmbiguityRate)
	}
}

func TestTrivialIsLowerBoundWithoutUMIErrors(t *testing.T) {
	triv := append([]float32{}, newTestResolver(Trivial, 0).Resolve(mixedCell()).Counts...)
	full := newTestResolver(Full, 0).Resolve(mixedCell()).Counts
	for g := range triv {
		assert.True(t, full[g] >= triv[g]-1e-4, "gene %d: full %v < trivial %v", g, full[g], triv[g])
	}
	assert.True(t, full[0] > full[1])
}

// Trivial counts exact UMIs, so a one-base UMI error that the graph
// collapses still counts as a second molecule.
func TestTrivialCountsExactUMIs(t *testing.T) {
	var reads []rad.Record
	for i := 0; i < 10; i++ {
		reads = append(reads, rec(6, 0x0, 0))
	}
	reads = append(reads, rec(6, 0x1, 0))
	c := &rad.Chunk{Reads: reads}

	triv := newTestResolver(Trivial, 0).Resolve(c)
	assert.Equal(t, []float32{2, 0}, triv.Counts)
	full := newTestResolver(Full, 0).Resolve(c)
	assert.Equal(t, []float32{1, 0}, full.Counts)
}

func TestTrivialAmbiguityRate(t *testing.T) {
	res := newTestResolver(Trivial, 0).Resolve(mixedCell())
	require.True(t, res.HasAmbiguityRate)
	assert.InDelta(t, 0.2, res.AmbiguityRate, 1e-9)
	// Only single-gene classes are recorded.
	for i := 0; i < res.GeneEqc.Len(); i++ {
		assert.Len(t, res.GeneEqc.Label(i), 1)
	}
}

func TestParsimonyCollapsesErrors(t *testing.T) {
	var reads []rad.Record
	for i := 0; i < 10; i++ {
		reads = append(reads, rec(7, 0, 0))
	}
	for i := 0; i < 3; i++ {
		reads = append(reads, rec(7, 1, 0))
	}
	reads = append(reads, rec(7, 5, 0))
	c := &rad.Chunk{Reads: reads}

	res := newTestResolver(Parsimony, 0).Resolve(c)
	assert.Equal(t, []float32{1, 0}, res.Counts)
	res = newTestResolver(Trivial, 0).Resolve(c)
	assert.Equal(t, []float32{3, 0}, res.Counts)
}

func TestParsimonyLargeComponent(t *testing.T) {
	n := maxParsimonyComponent + 100
	var reads []rad.Record
	for u := 0; u < n; u++ {
		reads = append(reads, rec(9, uint64(u), 0))
	}
	res := newTestResolver(Full, 0).Resolve(&rad.Chunk{Reads: reads})
	assert.True(t, res.AltResolved)
	assert.Equal(t, []float32{float32(n), 0}, res.Counts)
}

func TestResolveSmallCell(t *testing.T) {
	c := &rad.Chunk{Reads: []rad.Record{
		rec(3, 0x0, 0, 2),
		rec(3, 0x5, 0),
		rec(3, 0x50, 1),
	}}
	res := newTestResolver(Full, 10).Resolve(c)
	assert.Equal(t, []float32{2.5, 0.5}, res.Counts)
	res = newTestResolver(Parsimony, 10).Resolve(c)
	assert.Equal(t, []float32{2, 0}, res.Counts)
}

func TestResolveSkipsUnlabelledMolecules(t *testing.T) {
	var reads []rad.Record
	for i := 0; i < 12; i++ {
		reads = append(reads, rec(8, uint64(i%2)))
	}
	for _, s := range []ResolutionStrategy{Full, Parsimony} {
		done := make(chan *CellResult, 1)
		go func() { done <- newTestResolver(s, 10).Resolve(&rad.Chunk{Reads: reads}) }()
		select {
		case res := <-done:
			assert.Equal(t, []float32{0, 0}, res.Counts, "strategy %v", s)
			assert.Equal(t, 0, res.GeneEqc.Len(), "strategy %v", s)
		case <-time.After(5 * time.Second):
			t.Fatalf("strategy %v: resolution did not finish", s)
		}
	}

	reads = append(reads, rec(8, 0x10, 0), rec(8, 0x11, 0), rec(8, 0x40, 2))
	res := newTestResolver(Full, 0).Resolve(&rad.Chunk{Reads: reads})
	assert.Equal(t, []float32{1, 1}, res.Counts)
}

func TestSortByRootReusesScratch(t *testing.T) {
	var s graphScratch
	s.parent = []uint32{4, 1, 4, 1, 4, 5}
	reset := func() { s.order = append(s.order[:0], 0, 1, 2, 3, 4, 5) }
	reset()
	s.sortByRoot()
	assert.Equal(t, []uint32{1, 3, 0, 2, 4, 5}, s.order)

	allocs := testing.AllocsPerRun(10, func() {
		reset()
		s.sortByRoot()
	})
	expect.EQ(t, allocs, 0.0)
}

func geneEqcContent(m *GeneEqcMap) map[string]uint32 {
	out := map[string]uint32{}
	for i := 0; i < m.Len(); i++ {
		out[fmt.Sprint(m.Label(i))] = m.Count(i)
	}
	return out
}

func TestCRLikeReadAndEqMapPathsAgree(t *testing.T) {
	var reads []rad.Record
	for i := 0; i < 300; i++ {
		u := uint64(i % 37)
		switch i % 3 {
		case 0:
			reads = append(reads, rec(5, u, 0))
		case 1:
			reads = append(reads, rec(5, u, 0, 2))
		default:
			reads = append(reads, rec(5, u, 2))
		}
	}
	c := &rad.Chunk{Reads: reads}
	r := newTestResolver(CellRangerLike, 0)
	r.Reset()
	r.crLikeFromReads(c)
	fromReads := geneEqcContent(r.geneEqc)

	r.Reset()
	r.eqMap.InitFromChunk(c)
	r.crLikeFromEqMap()
	assert.Equal(t, fromReads, geneEqcContent(r.geneEqc))

	molecules := uint32(0)
	for _, n := range fromReads {
		molecules += n
	}
	expect.EQ(t, molecules, uint32(37))
}

func TestResolverReuse(t *testing.T) {
	r := newTestResolver(Full, 0)
	first := append([]float32{}, r.Resolve(mixedCell()).Counts...)
	r.Resolve(&rad.Chunk{Reads: []rad.Record{rec(1, 0, 2), rec(1, 5, 2)}})
	assert.Equal(t, []float32{0, 2}, r.res.Counts)
	assert.Equal(t, first, r.Resolve(mixedCell()).Counts)
}

func TestRunEM(t *testing.T) {
	eqc := NewGeneEqcMap()
	eqc.Add([]uint32{0}, 2)
	eqc.Add([]uint32{1}, 1)
	eqc.Add([]uint32{0, 1}, 1)
	counts := []float64{2, 1, 1}

	var s emScratch
	runEM(eqc, counts, 3, false, true, &s)
	assert.Equal(t, []float64{2, 1, 0}, s.alpha)

	runEM(eqc, counts, 3, false, false, &s)
	assert.InDelta(t, 4, s.alpha[0]+s.alpha[1], 1e-9)
	assert.True(t, s.alpha[0] > 2 && s.alpha[1] > 1)
	expect.EQ(t, s.alpha[2], 0.0)

	uniform := emScratch{}
	runEM(eqc, counts, 3, true, false, &uniform)
	assert.InDelta(t, s.alpha[0], uniform.alpha[0], 0.1)
}

func TestMultinomial(t *testing.T) {
	src := rand.NewSource(1)
	probs := []float64{0.5, 0, 0.25, 0.25}
	out := make([]float64, len(probs))
	for i := 0; i < 20; i++ {
		multinomial(src, 100, probs, out)
		expect.EQ(t, out[0]+out[1]+out[2]+out[3], 100.0)
		expect.EQ(t, out[1], 0.0)
		for _, x := range out {
			assert.Equal(t, math.Floor(x), x)
		}
	}
}

func TestBootstrap(t *testing.T) {
	opts := Opts{Resolution: Full, NumBootstraps: 5}
	r := NewResolver(testGenes(), 3, opts)
	res := r.Resolve(mixedCell())
	require.Len(t, res.Bootstraps, 5)
	var first [][]float32
	for _, b := range res.Bootstraps {
		require.Len(t, b, 2)
		assert.InDelta(t, 4, sum(b), 1e-3)
		first = append(first, append([]float32{}, b...))
	}
	// Replicates depend only on the barcode.
	other := NewResolver(testGenes(), 3, opts)
	res = other.Resolve(mixedCell())
	for i, b := range res.Bootstraps {
		assert.Equal(t, first[i], b)
	}
	assert.NotEqual(t, bootstrapSeed(42), bootstrapSeed(43))

	opts.SummaryStat = true
	res = NewResolver(testGenes(), 3, opts).Resolve(mixedCell())
	require.Len(t, res.Bootstraps, 2)
	assert.InDelta(t, 4, sum(res.Bootstraps[0]), 1e-3)
	for _, v := range res.Bootstraps[1] {
		assert.True(t, v >= 0)
	}
}

func TestBootstrapReusesResolver(t *testing.T) {
	opts := Opts{Resolution: Full, NumBootstraps: 4, SummaryStat: true}
	r := NewResolver(testGenes(), 3, opts)
	res := r.Resolve(mixedCell())
	want := [][]float32{
		append([]float32{}, res.Bootstraps[0]...),
		append([]float32{}, res.Bootstraps[1]...),
	}
	r.Resolve(&rad.Chunk{Reads: []rad.Record{rec(1, 0, 2), rec(1, 5, 2)}})
	res = r.Resolve(mixedCell())
	assert.Equal(t, want[0], res.Bootstraps[0])
	assert.Equal(t, want[1], res.Bootstraps[1])
}

func TestBootstrapSmallCell(t *testing.T) {
	r := NewResolver(testGenes(), 3, Opts{Resolution: Full, NumBootstraps: 3, SmallThresh: 10})
	res := r.Resolve(mixedCell())
	require.Len(t, res.Bootstraps, 3)
	for _, b := range res.Bootstraps {
		assert.Equal(t, res.Counts, b)
	}
}
