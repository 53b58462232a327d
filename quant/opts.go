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
	"strings"
)

// ResolutionStrategy selects how UMI and gene ambiguity in a cell is turned
// into gene-level counts.
type ResolutionStrategy int

const (
	// Trivial discards every equivalence class that maps to more than one
	// gene and counts distinct UMIs in the rest.
	Trivial ResolutionStrategy = iota
	// CellRangerLike counts one molecule per distinct UMI and assigns it
	// to the genes with the most supporting reads; only gene-unique
	// molecules are reported.
	CellRangerLike
	// CellRangerLikeEm is CellRangerLike with gene-ambiguous molecules
	// distributed by EM.
	CellRangerLikeEm
	// Parsimony collapses UMIs through the parsimonious UMI graph and
	// reports gene-unique molecules.
	Parsimony
	// Full is Parsimony with gene-ambiguous molecules distributed by EM.
	Full
)

var strategyNames = []string{
	Trivial:          "trivial",
	CellRangerLike:   "cr-like",
	CellRangerLikeEm: "cr-like-em",
	Parsimony:        "parsimony",
	Full:             "full",
}

func (s ResolutionStrategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("ResolutionStrategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseResolutionStrategy parses the command-line name of a strategy.
func ParseResolutionStrategy(name string) (ResolutionStrategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return ResolutionStrategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resolution strategy %q, expected one of %s", name, strings.Join(strategyNames, ", "))
}

// usesEM reports whether the strategy distributes gene-ambiguous evidence.
func (s ResolutionStrategy) usesEM() bool {
	return s == CellRangerLikeEm || s == Full
}

// Opts configures Quantify.
type Opts struct {
	// InputDir holds map.collated.rad and the unmapped-count file.
	InputDir string
	// T2GMap is the two-column transcript → gene TSV.
	T2GMap string
	// OutputDir receives all output files; it is created if missing.
	OutputDir string
	// FilterList, if set, names a file of barcodes to quantify. All other
	// cells are skipped.
	FilterList string

	Threads       int
	NumBootstraps int
	InitUniform   bool
	SummaryStat   bool
	DumpEqClasses bool
	UseMtx        bool
	Resolution    ResolutionStrategy
	// SmallThresh is the record count below which a cell is resolved
	// directly from its records.
	SmallThresh int
	// BufferSize is the initial capacity of each dispatch buffer.
	BufferSize int
	// BGZFParallelism bounds the compressor goroutines of the count
	// matrix stream.
	BGZFParallelism int

	// Progress, if non-nil, is called by the workers with the number of
	// cells in each buffer they finish. It must be safe for concurrent use.
	Progress func(cells int)
	// OnStart, if non-nil, is called once with the number of cells that
	// will be quantified, before dispatch begins.
	OnStart func(cells int)
}

// DefaultOpts holds the default values of the command-line options.
var DefaultOpts = Opts{
	Threads:         8,
	Resolution:      Full,
	SmallThresh:     10,
	BufferSize:      defaultBufferSize,
	BGZFParallelism: 4,
}

func validate(opts *Opts) error {
	if opts.InputDir == "" {
		return fmt.Errorf("you must specify an input directory with --input-dir")
	}
	if opts.T2GMap == "" {
		return fmt.Errorf("you must specify a transcript to gene map with --tg-map")
	}
	if opts.OutputDir == "" {
		return fmt.Errorf("you must specify an output directory with --output-dir")
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.NumBootstraps < 0 {
		return fmt.Errorf("num-bootstraps must be non-negative")
	}
	if opts.NumBootstraps > 0 && !opts.Resolution.usesEM() {
		return fmt.Errorf("bootstrapping requires the %s or %s resolution, not %s", CellRangerLikeEm, Full, opts.Resolution)
	}
	if opts.SummaryStat && opts.NumBootstraps == 0 {
		return fmt.Errorf("summary-stat is set, but num-bootstraps is 0")
	}
	if opts.SmallThresh < 0 {
		return fmt.Errorf("small-thresh must be non-negative")
	}
	if opts.Resolution < Trivial || opts.Resolution > Full {
		return fmt.Errorf("invalid resolution strategy %v", opts.Resolution)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BGZFParallelism <= 0 {
		opts.BGZFParallelism = 1
	}
	return nil
}

// numWorkers is the size of the resolution worker pool: one thread is left
// for the dispatcher.
func numWorkers(threads int) int {
	if threads > 1 {
		return threads - 1
	}
	return 1
}
