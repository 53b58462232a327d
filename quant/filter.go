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

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/jaclyn-taroni/alevin-fry/umi"
)

// FilterListError reports a failure to read the list of barcodes to
// quantify.
type FilterListError struct {
	Path string
	Err  error
}

func (e *FilterListError) Error() string {
	return fmt.Sprintf("reading barcode filter list %s: %v", e.Path, e.Err)
}

func (e *FilterListError) Unwrap() error { return e.Err }

type retainRow struct {
	Barcode string
}

// ReadRetainList reads one barcode per line. Every barcode must be bcLen
// bases long.
func ReadRetainList(r io.Reader, bcLen int) (map[uint64]struct{}, error) {
	tr := tsv.NewReader(bufio.NewReaderSize(r, 64<<10))
	keep := map[uint64]struct{}{}
	var row retainRow
	for line := 1; ; line++ {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				return keep, nil
			}
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		if len(row.Barcode) != bcLen {
			return nil, fmt.Errorf("line %d: barcode %q has length %d, expected %d", line, row.Barcode, len(row.Barcode), bcLen)
		}
		bc, err := umi.Encode(row.Barcode)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		keep[bc] = struct{}{}
	}
}

// readRetainListFile reads the retain list at path. Every failure is
// reported as a *FilterListError.
func readRetainListFile(ctx context.Context, path string, bcLen int) (map[uint64]struct{}, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, &FilterListError{Path: path, Err: err}
	}
	defer in.Close(ctx) // nolint: errcheck
	keep, err := ReadRetainList(in.Reader(ctx), bcLen)
	if err != nil {
		return nil, &FilterListError{Path: path, Err: err}
	}
	return keep, nil
}
