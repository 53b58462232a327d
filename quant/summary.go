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
	"encoding/json"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// MetaInfo is the run summary written to meta_info.json.
type MetaInfo struct {
	ResolutionStrategy     string   `json:"resolution_strategy"`
	NumQuantifiedCells     int      `json:"num_quantified_cells"`
	NumGenes               int      `json:"num_genes"`
	DumpEq                 bool     `json:"dump_eq"`
	AltResolvedCellNumbers []uint64 `json:"alt_resolved_cell_numbers"`
	MeanAmbiguityRate      *float64 `json:"mean_ambiguity_rate,omitempty"`
}

// cmdInfo is written to cmd_info.json for readers that expect the file
// next to meta_info.json.
type cmdInfo struct {
	SalmonVersion string `json:"salmon_version"`
	AuxDir        string `json:"auxDir"`
}

func writeJSON(ctx context.Context, path string, v interface{}) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.E(err, "couldn't format", path)
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if _, err = out.Writer(ctx).Write(append(data, '\n')); err != nil {
		return errors.E(err, "error writing to", path)
	}
	return nil
}

// writeSummary writes meta_info.json and cmd_info.json into the output
// directory.
func writeSummary(ctx context.Context, opts *Opts, a *aggregator) error {
	numCells := a.numRows()
	a.altMu.Lock()
	alt := append([]uint64{}, a.altCells...)
	a.altMu.Unlock()
	sort.Slice(alt, func(i, j int) bool { return alt[i] < alt[j] })

	info := MetaInfo{
		ResolutionStrategy:     opts.Resolution.String(),
		NumQuantifiedCells:     numCells,
		NumGenes:               a.numGenes,
		DumpEq:                 opts.DumpEqClasses,
		AltResolvedCellNumbers: alt,
	}
	if opts.Resolution == Trivial {
		rate := a.meanAmbiguityRate(numCells)
		info.MeanAmbiguityRate = &rate
	}
	if err := writeJSON(ctx, file.Join(opts.OutputDir, "meta_info.json"), &info); err != nil {
		return err
	}
	return writeJSON(ctx, file.Join(opts.OutputDir, "cmd_info.json"), &cmdInfo{SalmonVersion: "1.3.0", AuxDir: "aux_info"})
}
