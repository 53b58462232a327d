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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/jaclyn-taroni/alevin-fry/encoding/mtx"
	"github.com/klauspost/compress/gzip"
)

const numEqcShards = 1024

type eqcShard struct {
	mu  sync.Mutex
	ids map[string]uint32
}

// eqcCount is the molecule count of one global gene-level class in a cell.
type eqcCount struct {
	id    uint32
	count uint32
}

// cellOffset records that the cell written at row contributed n entries to
// eqcTable.counts.
type cellOffset struct {
	row int
	n   int
}

// eqcTable assigns run-wide ids to gene-level equivalence classes and
// records the per-cell class counts. Label lookups go through seahash-keyed
// shards; only the append of a cell's counts takes the list lock.
type eqcTable struct {
	shards [numEqcShards]eqcShard
	next   atomic.Uint32

	mu      sync.Mutex
	counts  []eqcCount
	offsets []cellOffset
}

func newEqcTable() *eqcTable {
	t := &eqcTable{}
	for i := range t.shards {
		t.shards[i].ids = make(map[string]uint32)
	}
	return t
}

// id returns the global id of the class whose label key is key, assigning
// the next free id on first sight.
func (t *eqcTable) id(key []byte) uint32 {
	h := seahash.Sum64(key)
	shard := &t.shards[int(h%uint64(numEqcShards))]
	shard.mu.Lock()
	id, ok := shard.ids[string(key)]
	if !ok {
		id = t.next.Add(1) - 1
		shard.ids[string(key)] = id
	}
	shard.mu.Unlock()
	return id
}

// addCell records the classes of eqc for the cell at row. scratch is
// caller-owned storage reused across calls; the grown slice is returned.
func (t *eqcTable) addCell(row int, eqc *GeneEqcMap, scratch []eqcCount, key []byte) ([]eqcCount, []byte) {
	scratch = scratch[:0]
	for i := 0; i < eqc.Len(); i++ {
		key = appendLabelKey(key[:0], eqc.Label(i))
		scratch = append(scratch, eqcCount{id: t.id(key), count: eqc.Count(i)})
	}
	t.mu.Lock()
	t.counts = append(t.counts, scratch...)
	t.offsets = append(t.offsets, cellOffset{row: row, n: len(scratch)})
	t.mu.Unlock()
	return scratch, key
}

// numClasses returns the number of distinct classes seen. It is exact once
// no other goroutine uses the table.
func (t *eqcTable) numClasses() int { return int(t.next.Load()) }

// labels returns the label of every class, indexed by global id.
func (t *eqcTable) labels() [][]uint32 {
	out := make([][]uint32, t.numClasses())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, id := range s.ids {
			out[id] = decodeLabelKey(k)
		}
		s.mu.Unlock()
	}
	return out
}

func decodeLabelKey(k string) []uint32 {
	label := make([]uint32, len(k)/4)
	for i := range label {
		j := 4 * i
		label[i] = uint32(k[j]) | uint32(k[j+1])<<8 | uint32(k[j+2])<<16 | uint32(k[j+3])<<24
	}
	return label
}

// matrix returns the cells × classes count matrix.
func (t *eqcTable) matrix() *mtx.TriMat {
	m := mtx.New(len(t.offsets), t.numClasses(), len(t.counts))
	pos := 0
	for _, off := range t.offsets {
		for _, c := range t.counts[pos : pos+off.n] {
			m.Add(off.row, int(c.id), float32(c.count))
		}
		pos += off.n
	}
	m.SortRowMajor()
	return m
}

// dump writes geqc_counts.mtx and gene_eqclass.txt.gz into dir.
func (t *eqcTable) dump(ctx context.Context, dir string, numGenes int) (err error) {
	log.Printf("writing gene level equivalence classes with %d classes", t.numClasses())
	mtxPath := file.Join(dir, "geqc_counts.mtx")
	if err = writeMatrixFile(ctx, mtxPath, t.matrix()); err != nil {
		return err
	}

	path := file.Join(dir, "gene_eqclass.txt.gz")
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create eqclass file:", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := gzip.NewWriter(out.Writer(ctx))
	w := tsv.NewWriter(gz)
	w.WriteUint32(uint32(numGenes))
	if err = w.EndLine(); err != nil {
		return errors.E(err, "error writing to eqclass file:", path)
	}
	labels := t.labels()
	w.WriteUint32(uint32(len(labels)))
	if err = w.EndLine(); err != nil {
		return errors.E(err, "error writing to eqclass file:", path)
	}
	for id, label := range labels {
		for _, g := range label {
			w.WriteUint32(g)
		}
		w.WriteUint32(uint32(id))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "error writing to eqclass file:", path)
		}
	}
	if err = w.Flush(); err != nil {
		return errors.E(err, "error writing to eqclass file:", path)
	}
	if err = gz.Close(); err != nil {
		return errors.E(err, fmt.Sprintf("closing gzip stream of %s", path))
	}
	return nil
}

// writeMatrixFile writes m in Matrix Market format to path.
func writeMatrixFile(ctx context.Context, path string, m *mtx.TriMat) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create matrix file:", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = mtx.Write(out.Writer(ctx), m); err != nil {
		return errors.E(err, "error writing to matrix file:", path)
	}
	return nil
}
