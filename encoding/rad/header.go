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

package rad

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Header is the reference section at the start of a RAD file.
type Header struct {
	IsPaired  bool
	RefCount  uint64
	RefNames  []string
	NumChunks uint64
}

// ReadHeader parses the reference header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var (
		paired uint8
		h      Header
	)
	if err := binary.Read(r, binary.LittleEndian, &paired); err != nil {
		return nil, errors.Wrap(err, "rad: read paired flag")
	}
	h.IsPaired = paired != 0
	if err := binary.Read(r, binary.LittleEndian, &h.RefCount); err != nil {
		return nil, errors.Wrap(err, "rad: read reference count")
	}
	h.RefNames = make([]string, 0, h.RefCount)
	for i := uint64(0); i < h.RefCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, errors.Wrapf(err, "rad: read reference name %d", i)
		}
		h.RefNames = append(h.RefNames, name)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.NumChunks); err != nil {
		return nil, errors.Wrap(err, "rad: read chunk count")
	}
	return &h, nil
}

// readString reads a u16 length-prefixed string.
func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// NewReader wraps r in a buffered reader sized for chunk streaming.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 1<<20)
}
