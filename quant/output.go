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
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/jaclyn-taroni/alevin-fry/encoding/eds"
	"github.com/jaclyn-taroni/alevin-fry/encoding/mtx"
	"github.com/jaclyn-taroni/alevin-fry/umi"
	"github.com/klauspost/compress/gzip"
)

// Output file names, relative to the output directory.
const (
	matrixDir          = "alevin"
	rowsFile           = "alevin/quants_mat_rows.txt"
	colsFile           = "alevin/quants_mat_cols.txt"
	denseMatrixFile    = "alevin/quants_mat.gz"
	sparseMatrixFile   = "alevin/quants_mat.mtx"
	featuresFile       = "featureDump.txt"
	bootstrapsFile     = "bootstraps.eds.gz"
	bootstrapsMeanFile = "bootstraps_mean.eds.gz"
	bootstrapsVarFile  = "bootstraps_var.eds.gz"
)

// outFile is an output file together with the compressor, if any, that
// sits in front of it.
type outFile struct {
	path string
	f    file.File
	w    io.Writer
	c    io.Closer
}

func createOutFile(ctx context.Context, path string) (*outFile, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't create output file:", path)
	}
	return &outFile{path: path, f: f, w: f.Writer(ctx)}, nil
}

func (o *outFile) close(ctx context.Context) error {
	if o.c != nil {
		if err := o.c.Close(); err != nil {
			o.f.Close(ctx) // nolint: errcheck
			return errors.E(err, "error closing", o.path)
		}
	}
	return o.f.Close(ctx)
}

// rowScratch is per-worker storage for the encoded form of a cell's row,
// built before the aggregator lock is taken.
type rowScratch struct {
	barcode []byte
	dense   []byte
	boot    []byte
	mean    []byte
	vari    []byte
	eqc     []eqcCount
	key     []byte
}

// aggregator is the run-wide sink for resolved cells. Row indices are
// assigned under mu in completion order; the barcode, feature and matrix
// rows written under the same lock stay index-aligned.
type aggregator struct {
	opts     *Opts
	numGenes int
	bcLen    int
	unmapped map[uint64]uint32

	mu       sync.Mutex
	row      int
	barcodes *outFile
	rowsTSV  *tsv.Writer
	features *outFile
	featTSV  *tsv.Writer
	dense    *outFile
	sparse   *mtx.TriMat
	boot     *outFile
	bootMean *outFile
	bootVar  *outFile

	eqc *eqcTable

	altMu    sync.Mutex
	altCells []uint64

	rateMu sync.Mutex
	rates  []float64
}

// newAggregator creates the output directory tree and opens every
// per-cell output stream.
func newAggregator(ctx context.Context, opts *Opts, numCells, numGenes, bcLen int, unmapped map[uint64]uint32) (a *aggregator, err error) {
	if err := os.MkdirAll(file.Join(opts.OutputDir, matrixDir), 0755); err != nil {
		return nil, errors.E(err, "couldn't create output directory:", opts.OutputDir)
	}
	a = &aggregator{
		opts:     opts,
		numGenes: numGenes,
		bcLen:    bcLen,
		unmapped: unmapped,
	}
	defer func() {
		if err != nil {
			a.abort(ctx)
		}
	}()
	path := func(name string) string { return file.Join(opts.OutputDir, name) }

	if a.barcodes, err = createOutFile(ctx, path(rowsFile)); err != nil {
		return nil, err
	}
	a.rowsTSV = tsv.NewWriter(a.barcodes.w)
	if a.features, err = createOutFile(ctx, path(featuresFile)); err != nil {
		return nil, err
	}
	a.featTSV = tsv.NewWriter(a.features.w)
	for _, h := range FeatureHeader {
		a.featTSV.WriteString(h)
	}
	if err = a.featTSV.EndLine(); err != nil {
		return nil, errors.E(err, "error writing to feature file:", a.features.path)
	}
	// The dense file is created even when the sparse format is selected;
	// it is removed once the sparse matrix is written.
	if a.dense, err = createOutFile(ctx, path(denseMatrixFile)); err != nil {
		return nil, err
	}
	bw := bgzf.NewWriter(a.dense.w, opts.BGZFParallelism)
	a.dense.w, a.dense.c = bw, bw
	if opts.UseMtx {
		a.sparse = mtx.New(numCells, numGenes, numCells)
	}
	if opts.NumBootstraps > 0 {
		if opts.SummaryStat {
			if a.bootMean, err = createGzipFile(ctx, path(bootstrapsMeanFile)); err != nil {
				return nil, err
			}
			if a.bootVar, err = createGzipFile(ctx, path(bootstrapsVarFile)); err != nil {
				return nil, err
			}
		} else if a.boot, err = createGzipFile(ctx, path(bootstrapsFile)); err != nil {
			return nil, err
		}
	}
	if opts.DumpEqClasses {
		a.eqc = newEqcTable()
	}
	if opts.Resolution == Trivial {
		a.rates = make([]float64, numCells)
	}
	return a, nil
}

func createGzipFile(ctx context.Context, path string) (*outFile, error) {
	o, err := createOutFile(ctx, path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(o.w)
	o.w, o.c = gz, gz
	return o, nil
}

// add records a resolved cell. cellNum is the position of the cell among
// the dispatched cells. It returns the row index assigned to the cell.
func (a *aggregator) add(cellNum int, r *CellResult, s *rowScratch) (int, error) {
	s.barcode = umi.AppendDecoded(s.barcode[:0], r.Barcode, a.bcLen)
	feat := computeFeatures(r.Counts, uint64(r.NumReads), uint64(a.unmapped[r.Barcode]))
	if a.sparse == nil {
		s.dense = eds.AppendRow(s.dense[:0], r.Counts)
	}
	if len(r.Bootstraps) > 0 {
		if a.opts.SummaryStat {
			s.mean = eds.AppendRow(s.mean[:0], r.Bootstraps[0])
			s.vari = eds.AppendRow(s.vari[:0], r.Bootstraps[1])
		} else {
			s.boot = s.boot[:0]
			for _, b := range r.Bootstraps {
				s.boot = eds.AppendRow(s.boot, b)
			}
		}
	}

	row, err := a.writeRow(r, s, &feat)
	if err != nil {
		return row, err
	}

	if a.eqc != nil {
		s.eqc, s.key = a.eqc.addCell(row, r.GeneEqc, s.eqc, s.key)
	}
	if r.AltResolved {
		a.altMu.Lock()
		a.altCells = append(a.altCells, uint64(cellNum))
		a.altMu.Unlock()
	}
	if r.HasAmbiguityRate && a.rates != nil {
		a.rateMu.Lock()
		if cellNum < len(a.rates) {
			a.rates[cellNum] = r.AmbiguityRate
		}
		a.rateMu.Unlock()
	}
	return row, nil
}

func (a *aggregator) writeRow(r *CellResult, s *rowScratch, feat *CellFeatures) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.row
	a.row++

	bc := string(s.barcode)
	a.rowsTSV.WriteString(bc)
	if err := a.rowsTSV.EndLine(); err != nil {
		return row, errors.E(err, "error writing to barcode file:", a.barcodes.path)
	}
	if a.sparse == nil {
		if _, err := a.dense.w.Write(s.dense); err != nil {
			return row, errors.E(err, "error writing to matrix file:", a.dense.path)
		}
	} else {
		for g, c := range r.Counts {
			if c > 0 {
				a.sparse.Add(row, g, c)
			}
		}
	}

	t := a.featTSV
	t.WriteString(bc)
	t.WriteUint32(uint32(feat.CorrectedReads))
	t.WriteUint32(uint32(feat.MappedReads))
	t.WriteString(formatFloat(feat.DeduplicatedReads))
	t.WriteString(formatFloat(feat.MappingRate))
	t.WriteString(formatFloat(feat.DedupRate))
	t.WriteString(formatFloat(feat.MeanByMax))
	t.WriteUint32(uint32(feat.NumGenesExpressed))
	t.WriteUint32(uint32(feat.NumGenesOverMean))
	if err := t.EndLine(); err != nil {
		return row, errors.E(err, "error writing to feature file:", a.features.path)
	}

	if len(r.Bootstraps) > 0 {
		if a.opts.SummaryStat {
			if _, err := a.bootMean.w.Write(s.mean); err != nil {
				return row, errors.E(err, "error writing to bootstrap file:", a.bootMean.path)
			}
			if _, err := a.bootVar.w.Write(s.vari); err != nil {
				return row, errors.E(err, "error writing to bootstrap file:", a.bootVar.path)
			}
		} else if _, err := a.boot.w.Write(s.boot); err != nil {
			return row, errors.E(err, "error writing to bootstrap file:", a.boot.path)
		}
	}
	return row, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 32)
}

// numRows returns the number of rows written so far.
func (a *aggregator) numRows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.row
}

// close flushes and closes every stream. With the sparse format selected it
// writes the matrix-market file and removes the dense file.
func (a *aggregator) close(ctx context.Context) error {
	e := errors.Once{}
	if err := a.rowsTSV.Flush(); err != nil {
		e.Set(errors.E(err, "error writing to barcode file:", a.barcodes.path))
	}
	if err := a.featTSV.Flush(); err != nil {
		e.Set(errors.E(err, "error writing to feature file:", a.features.path))
	}
	for _, o := range []*outFile{a.barcodes, a.features, a.dense, a.boot, a.bootMean, a.bootVar} {
		if o != nil {
			e.Set(o.close(ctx))
		}
	}
	if e.Err() != nil {
		return e.Err()
	}
	if a.sparse != nil {
		if err := file.Remove(ctx, a.dense.path); err != nil {
			return errors.E(err, "couldn't remove", a.dense.path)
		}
		a.sparse.Rows = a.row
		a.sparse.SortRowMajor()
		if err := writeMatrixFile(ctx, file.Join(a.opts.OutputDir, sparseMatrixFile), a.sparse); err != nil {
			return err
		}
	}
	if a.eqc != nil {
		return a.eqc.dump(ctx, a.opts.OutputDir, a.numGenes)
	}
	return nil
}

// abort closes whatever streams are open, ignoring errors.
func (a *aggregator) abort(ctx context.Context) {
	for _, o := range []*outFile{a.barcodes, a.features, a.dense, a.boot, a.bootMean, a.bootVar} {
		if o != nil {
			o.close(ctx) // nolint: errcheck
		}
	}
}

// meanAmbiguityRate is the average of the per-cell ambiguity rates recorded
// by the trivial strategy.
func (a *aggregator) meanAmbiguityRate(numCells int) float64 {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	if numCells == 0 || len(a.rates) == 0 {
		return 0
	}
	if numCells > len(a.rates) {
		numCells = len(a.rates)
	}
	sum := 0.0
	for _, r := range a.rates[:numCells] {
		sum += r
	}
	return sum / float64(numCells)
}
