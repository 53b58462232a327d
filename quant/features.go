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

// CellFeatures are the per-cell diagnostics written to featureDump.txt.
type CellFeatures struct {
	// CorrectedReads counts mapped and unmapped reads of the barcode.
	CorrectedReads    uint64
	MappedReads       uint64
	DeduplicatedReads float64
	MappingRate       float64
	DedupRate         float64
	// MeanByMax is the mean count of the expressed genes over the largest
	// count.
	MeanByMax         float64
	NumGenesExpressed int
	// NumGenesOverMean counts the genes whose count exceeds the mean of
	// the expressed genes.
	NumGenesOverMean int
}

// FeatureHeader is the header row of featureDump.txt.
var FeatureHeader = []string{
	"CB", "CorrectedReads", "MappedReads", "DeduplicatedReads", "MappingRate",
	"DedupRate", "MeanByMax", "NumGenesExpressed", "NumGenesOverMean",
}

// computeFeatures derives the diagnostics of a cell from its gene counts,
// its number of mapped records and the unmapped reads recorded for its
// barcode.
func computeFeatures(counts []float32, mapped, unmapped uint64) CellFeatures {
	var (
		sum, top float64
		nexpr    int
	)
	for _, c := range counts {
		v := float64(c)
		if v > top {
			top = v
		}
		if v > 0 {
			sum += v
			nexpr++
		}
	}
	f := CellFeatures{
		CorrectedReads:    mapped + unmapped,
		MappedReads:       mapped,
		DeduplicatedReads: sum,
		NumGenesExpressed: nexpr,
	}
	if mapped > 0 {
		f.DedupRate = sum / float64(mapped)
	}
	if f.CorrectedReads > 0 {
		f.MappingRate = float64(mapped) / float64(f.CorrectedReads)
	}
	if nexpr == 0 {
		return f
	}
	mean := sum / float64(nexpr)
	f.MeanByMax = mean / top
	for _, c := range counts {
		if float64(c) > mean {
			f.NumGenesOverMean++
		}
	}
	return f
}
