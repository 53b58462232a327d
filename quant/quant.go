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

// Package quant resolves gene-level UMI counts for every cell of a collated
// RAD file. Cells are streamed by a single dispatcher in packed buffers to a
// pool of workers; each worker resolves its cells with a private Resolver
// and hands the results to a shared, lock-protected aggregator that writes
// the count matrix and its companion files.
package quant

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/jaclyn-taroni/alevin-fry/encoding/rad"
	"golang.org/x/sync/errgroup"
)

// CollatedFile is the name of the input RAD file inside the input directory.
const CollatedFile = "map.collated.rad"

// input is the parsed preamble of the collated RAD file.
type input struct {
	in       file.File
	r        *bufio.Reader
	header   *rad.Header
	fileTags *rad.FileTags
	bcType   rad.IntType
	umiType  rad.IntType
}

func openInput(ctx context.Context, dir string) (*input, error) {
	path := file.Join(dir, CollatedFile)
	in, err := file.Open(ctx, path)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, errors.E(err, "collated RAD file not found; run collate before quant:", path)
		}
		return nil, errors.E(err, "couldn't open", path)
	}
	inp := &input{in: in, r: rad.NewReader(in.Reader(ctx))}
	br := inp.r
	fail := func(err error) (*input, error) {
		in.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, path)
	}
	if inp.header, err = rad.ReadHeader(br); err != nil {
		return fail(err)
	}
	log.Printf("paired: %v, ref_count: %d, num_chunks: %d", inp.header.IsPaired, inp.header.RefCount, inp.header.NumChunks)
	var sections [3]*rad.TagSection
	for i, level := range []string{"file", "read", "alignment"} {
		if sections[i], err = rad.ReadTagSection(br); err != nil {
			return fail(err)
		}
		log.Printf("read %d %s-level tags", len(sections[i].Tags), level)
	}
	if inp.fileTags, err = rad.ReadFileTags(br, sections[0]); err != nil {
		return fail(err)
	}
	log.Printf("file-level tag values: %v", inp.fileTags)
	if inp.bcType, inp.umiType, err = sections[1].RecordTypes(); err != nil {
		return fail(err)
	}
	return inp, nil
}

func readUnmapped(ctx context.Context, dir string) (map[uint64]uint32, error) {
	path := file.Join(dir, rad.UnmappedCountsFile)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't open unmapped barcode counts:", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	m, err := rad.ReadUnmappedCounts(rad.NewReader(in.Reader(ctx)))
	if err != nil {
		return nil, errors.E(err, path)
	}
	return m, nil
}

// Quantify runs the quantification described by opts. It returns after
// every output file has been written, or with the first error encountered
// by any stage; an error in one worker stops all the others.
func Quantify(ctx context.Context, opts Opts) (err error) {
	if err = validate(&opts); err != nil {
		return err
	}
	inp, err := openInput(ctx, opts.InputDir)
	if err != nil {
		return err
	}
	defer inp.in.Close(ctx) // nolint: errcheck

	genes, err := readGeneMapFile(ctx, opts.T2GMap, inp.header.RefNames)
	if err != nil {
		return err
	}
	unmapped, err := readUnmapped(ctx, opts.InputDir)
	if err != nil {
		return err
	}

	numCells := int(inp.header.NumChunks)
	var keep map[uint64]struct{}
	if opts.FilterList != "" {
		if keep, err = readRetainListFile(ctx, opts.FilterList, int(inp.fileTags.BarcodeLen)); err != nil {
			return err
		}
		numCells = len(keep)
		log.Printf("quantifying the %d barcodes listed in %s", numCells, opts.FilterList)
	}

	agg, err := newAggregator(ctx, &opts, numCells, genes.NumGenes(), int(inp.fileTags.BarcodeLen), unmapped)
	if err != nil {
		return err
	}
	if opts.OnStart != nil {
		opts.OnStart(numCells)
	}

	nw := numWorkers(opts.Threads)
	var remaining atomic.Int64
	remaining.Store(int64(numCells))
	queue := make(chan metaChunk, 4*nw)
	pool := newBufferPool(5*nw+1, opts.BufferSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d := &dispatcher{
			r:         inp.r,
			numChunks: inp.header.NumChunks,
			pool:      pool,
			out:       queue,
			keep:      keep,
			bcType:    inp.bcType,
		}
		stats, err := d.run(gctx)
		if err != nil {
			return err
		}
		log.Debug.Printf("dispatched %d cells in %d buffers (%d bytes, %d records)", stats.cells, stats.buffers, stats.bytes, stats.records)
		if missing := numCells - stats.cells; keep != nil && missing > 0 {
			log.Printf("%d barcodes of the filter list are not present in the input", missing)
			remaining.Add(-int64(missing))
		}
		return nil
	})
	for i := 0; i < nw; i++ {
		w := &worker{
			id:        i,
			res:       NewResolver(genes, int(inp.header.RefCount), opts),
			agg:       agg,
			pool:      pool,
			bcType:    inp.bcType,
			umiType:   inp.umiType,
			remaining: &remaining,
			progress:  opts.Progress,
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error.Printf("worker %d panicked: %v\n%s", w.id, p, debug.Stack())
					err = errors.E(fmt.Sprintf("worker %d panicked: %v", w.id, p))
				}
			}()
			return w.run(gctx, queue)
		})
	}
	if err = g.Wait(); err != nil {
		agg.abort(ctx)
		return err
	}
	if n := remaining.Load(); n != 0 {
		agg.abort(ctx)
		return errors.E(errors.Invalid, fmt.Sprintf("quantification incomplete: %d of %d cells were not processed", n, numCells))
	}

	if err = agg.close(ctx); err != nil {
		return err
	}
	if err = writeGeneNames(ctx, file.Join(opts.OutputDir, colsFile), genes.GeneNames); err != nil {
		return err
	}
	if err = writeSummary(ctx, &opts, agg); err != nil {
		return err
	}
	log.Printf("finished quantifying %d cells", agg.numRows())
	return nil
}

func writeGeneNames(ctx context.Context, path string, names []string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create gene name file:", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	for _, n := range names {
		w.WriteString(n)
		if err = w.EndLine(); err != nil {
			return errors.E(err, "error writing to gene name file:", path)
		}
	}
	return w.Flush()
}

// worker resolves the cells of the buffers it takes off the queue.
type worker struct {
	id        int
	res       *Resolver
	agg       *aggregator
	pool      *bufferPool
	bcType    rad.IntType
	umiType   rad.IntType
	remaining *atomic.Int64
	progress  func(cells int)
	chunk     rad.Chunk
	scratch   rowScratch
}

func (w *worker) run(ctx context.Context, queue <-chan metaChunk) error {
	for {
		var mc metaChunk
		var ok bool
		select {
		case mc, ok = <-queue:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := w.process(mc); err != nil {
			return err
		}
		w.pool.put(mc.buf)
		if w.progress != nil {
			w.progress(mc.numCells)
		}
	}
}

func (w *worker) process(mc metaChunk) error {
	off := 0
	for i := 0; i < mc.numCells; i++ {
		w.remaining.Add(-1)
		cellNum := mc.firstCell + i
		nbytes := int(binary.LittleEndian.Uint32(mc.buf[off:]))
		cell := mc.buf[off : off+nbytes]
		off += nbytes
		if err := rad.DecodeChunk(cell, w.bcType, w.umiType, &w.chunk); err != nil {
			return errors.E(err, fmt.Sprintf("decoding cell %d", cellNum))
		}
		if len(w.chunk.Reads) == 0 {
			log.Error.Printf("cell %d is empty (nbytes = %d, nrec = %d); skipping", cellNum, w.chunk.NBytes, w.chunk.NRec)
			continue
		}
		r := w.res.Resolve(&w.chunk)
		if _, err := w.agg.add(cellNum, r, &w.scratch); err != nil {
			return err
		}
	}
	return nil
}
