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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/jaclyn-taroni/alevin-fry/quant"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"v.io/x/lib/cmdline"
)

type quantFlags struct {
	inputDir      *string
	t2gMap        *string
	outputDir     *string
	threads       *int
	numBootstraps *int
	initUniform   *bool
	summaryStat   *bool
	dumpEqClasses *bool
	useMtx        *bool
	resolution    *string
	smallThresh   *int
	quantSubset   *string
	progress      *bool
}

func newCmdQuant() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "quant",
		Short: "Quantify gene counts per cell from a collated RAD file",
		Long: `
quant reads map.collated.rad and unmapped_bc_count_collated.bin from
--input-dir, resolves UMI and gene ambiguity in every cell, and writes
the count matrix, its row and column names, per-cell features, and
meta_info.json under --output-dir.`,
	}
	d := quant.DefaultOpts
	flags := quantFlags{
		inputDir:      cmd.Flags.String("input-dir", "", "Directory containing the collated RAD file"),
		t2gMap:        cmd.Flags.String("tg-map", "", "Transcript to gene map; two tab-separated columns"),
		outputDir:     cmd.Flags.String("output-dir", "", "Output directory"),
		threads:       cmd.Flags.Int("threads", d.Threads, "Number of threads; one is reserved for reading the input"),
		numBootstraps: cmd.Flags.Int("num-bootstraps", d.NumBootstraps, "Number of bootstrap replicates per cell"),
		initUniform:   cmd.Flags.Bool("init-uniform", d.InitUniform, "Start EM from uniform abundances instead of unique counts"),
		summaryStat:   cmd.Flags.Bool("summary-stat", d.SummaryStat, "Write bootstrap mean and variance instead of every replicate"),
		dumpEqClasses: cmd.Flags.Bool("dump-eqclasses", d.DumpEqClasses, "Write the cell by gene-level equivalence class count matrix"),
		useMtx:        cmd.Flags.Bool("use-mtx", d.UseMtx, "Write the count matrix in Matrix Market format instead of EDS"),
		resolution: cmd.Flags.String("resolution", d.Resolution.String(),
			"UMI resolution strategy; one of trivial, cr-like, cr-like-em, parsimony, full"),
		smallThresh: cmd.Flags.Int("small-thresh", d.SmallThresh, "Cells with fewer records are resolved directly from their records"),
		quantSubset: cmd.Flags.String("quant-subset", "", "File of cell barcodes to quantify; all others are skipped"),
		progress:    cmd.Flags.Bool("progress", false, "Show a progress bar on stderr"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("quant takes no positional arguments, but got %v", argv)
		}
		return runQuant(flags)
	})
	return cmd
}

func runQuant(flags quantFlags) error {
	res, err := quant.ParseResolutionStrategy(*flags.resolution)
	if err != nil {
		return err
	}
	opts := quant.DefaultOpts
	opts.InputDir = *flags.inputDir
	opts.T2GMap = *flags.t2gMap
	opts.OutputDir = *flags.outputDir
	opts.FilterList = *flags.quantSubset
	opts.Threads = *flags.threads
	opts.NumBootstraps = *flags.numBootstraps
	opts.InitUniform = *flags.initUniform
	opts.SummaryStat = *flags.summaryStat
	opts.DumpEqClasses = *flags.dumpEqClasses
	opts.UseMtx = *flags.useMtx
	opts.Resolution = res
	opts.SmallThresh = *flags.smallThresh

	var (
		pbs *mpb.Progress
		bar *mpb.Bar
	)
	if *flags.progress {
		pbs = mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
		opts.OnStart = func(cells int) {
			bar = pbs.AddBar(int64(cells),
				mpb.PrependDecorators(
					decor.Name("quantified cells: ", decor.WC{W: len("quantified cells: "), C: decor.DindentRight}),
					decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.Name("ETA: ", decor.WC{W: len("ETA: ")}),
					decor.AverageETA(decor.ET_STYLE_GO),
					decor.OnComplete(decor.Name(""), ". done"),
				),
			)
		}
		opts.Progress = func(cells int) {
			if bar != nil {
				bar.IncrBy(cells)
			}
		}
	}
	err = quant.Quantify(context.Background(), opts)
	if pbs != nil {
		if bar != nil {
			if err == nil {
				bar.SetTotal(-1, true)
			} else {
				bar.Abort(false)
			}
		}
		pbs.Wait()
	}
	return err
}
