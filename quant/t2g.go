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
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// GeneMap maps the transcripts of a RAD header to genes.
type GeneMap struct {
	// TxToGene[t] is the gene id of transcript t.
	TxToGene []uint32
	// GeneNames lists the genes in first-seen order; the index is the
	// gene id.
	GeneNames []string
}

// NumGenes returns the number of distinct genes.
func (m *GeneMap) NumGenes() int { return len(m.GeneNames) }

type t2gRow struct {
	Transcript string
	Gene       string
}

const unmappedGene = ^uint32(0)

// ReadGeneMap reads a headerless two-column (transcript, gene) TSV. Every
// name in refNames must be mapped exactly once. Genes are numbered in the
// order they first appear in the file, including genes whose transcripts are
// absent from refNames.
func ReadGeneMap(r io.Reader, refNames []string) (*GeneMap, error) {
	refID := make(map[string]uint32, len(refNames))
	for i, n := range refNames {
		refID[n] = uint32(i)
	}
	m := &GeneMap{TxToGene: make([]uint32, len(refNames))}
	for i := range m.TxToGene {
		m.TxToGene[i] = unmappedGene
	}
	geneID := map[string]uint32{}

	tr := tsv.NewReader(bufio.NewReaderSize(r, 64<<10))
	var (
		row   t2gRow
		found int
	)
	for line := 1; ; line++ {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err,
				fmt.Sprintf("transcript-to-gene map, line %d: expected 2 tab separated columns", line))
		}
		gid, ok := geneID[row.Gene]
		if !ok {
			gid = uint32(len(m.GeneNames))
			geneID[row.Gene] = gid
			m.GeneNames = append(m.GeneNames, row.Gene)
		}
		tid, ok := refID[row.Transcript]
		if !ok {
			continue
		}
		if m.TxToGene[tid] != unmappedGene {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("transcript-to-gene map, line %d: transcript %s is mapped more than once", line, row.Transcript))
		}
		m.TxToGene[tid] = gid
		found++
	}
	if found != len(refNames) {
		for tid, gid := range m.TxToGene {
			if gid == unmappedGene {
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("the transcript-to-gene map must contain a gene for every transcript in the header: %s (and %d others) missing",
						refNames[tid], len(refNames)-found-1))
			}
		}
	}
	log.Printf("t2g map contained %d genes mapping to %d transcripts", len(m.GeneNames), found)
	return m, nil
}

// readGeneMapFile opens path and calls ReadGeneMap.
func readGeneMapFile(ctx context.Context, path string, refNames []string) (*GeneMap, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't open transcript-to-gene map", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	m, err := ReadGeneMap(in.Reader(ctx), refNames)
	if err != nil {
		return nil, errors.E(err, path)
	}
	return m, nil
}

// genesOf writes the sorted, deduplicated gene ids of refs into dst.
func (m *GeneMap) genesOf(dst []uint32, refs []uint32) []uint32 {
	dst = dst[:0]
	for _, r := range refs {
		dst = append(dst, m.TxToGene[r])
	}
	return sortDedupU32(dst)
}
