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
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// TagType is the type id of a tag value as declared in a tag section.
type TagType uint8

// Tag type ids.
const (
	TypeBool TagType = iota
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeF32
	TypeF64
	TypeArray
	TypeString
)

// IntType is the width of an integer field in a record.
type IntType uint8

// Integer widths, numbered like the matching tag type ids.
const (
	U8  = IntType(TypeU8)
	U16 = IntType(TypeU16)
	U32 = IntType(TypeU32)
	U64 = IntType(TypeU64)
)

// Size returns the number of bytes an integer of this type occupies.
func (t IntType) Size() int {
	switch t {
	case U8:
		return 1
	case U16:
		return 2
	case U32:
		return 4
	case U64:
		return 8
	}
	return 0
}

func (t IntType) String() string {
	switch t {
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	}
	return fmt.Sprintf("IntType(%d)", uint8(t))
}

// DecodeIntType maps a tag type id to an integer width. It fails for
// non-integer types.
func DecodeIntType(t TagType) (IntType, error) {
	switch t {
	case TypeU8, TypeU16, TypeU32, TypeU64:
		return IntType(t), nil
	}
	return 0, errors.Errorf("rad: tag type %d is not an unsigned integer type", t)
}

// TagDesc describes one tag: its name and value type.
type TagDesc struct {
	Name   string
	TypeID TagType
}

// TagSection is the list of tags declared at one level of the file.
type TagSection struct {
	Tags []TagDesc
}

// ReadTagSection parses a u16-counted list of tag descriptors.
func ReadTagSection(r io.Reader) (*TagSection, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(err, "rad: read tag count")
	}
	s := &TagSection{Tags: make([]TagDesc, 0, n)}
	for i := uint16(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, errors.Wrapf(err, "rad: read tag name %d", i)
		}
		var typeID uint8
		if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
			return nil, errors.Wrapf(err, "rad: read type of tag %s", name)
		}
		s.Tags = append(s.Tags, TagDesc{Name: name, TypeID: TagType(typeID)})
	}
	return s, nil
}

// RecordTypes returns the barcode and UMI widths declared by the read-level
// tag section. The barcode tag comes first, the UMI tag second.
func (s *TagSection) RecordTypes() (bcType, umiType IntType, err error) {
	if len(s.Tags) < 2 {
		return 0, 0, errors.Errorf("rad: read-level tag section has %d tags, need barcode and umi", len(s.Tags))
	}
	if bcType, err = DecodeIntType(s.Tags[0].TypeID); err != nil {
		return 0, 0, errors.Wrap(err, "rad: barcode tag")
	}
	if umiType, err = DecodeIntType(s.Tags[1].TypeID); err != nil {
		return 0, 0, errors.Wrap(err, "rad: umi tag")
	}
	return bcType, umiType, nil
}

// FileTags holds the file-level tag values.
type FileTags struct {
	// Values maps the name of every numeric file-level tag to its value.
	// Floating point values are stored as their IEEE bits.
	Values map[string]uint64
	// BarcodeLen and UMILen are the lengths, in bases, of the cell barcode
	// and the UMI.
	BarcodeLen uint16
	UMILen     uint16
}

func (f FileTags) String() string {
	return fmt.Sprintf("FileTags{bclen: %d, umilen: %d}", f.BarcodeLen, f.UMILen)
}

// ReadFileTags parses the values of the tags declared in the file-level
// section. The barcode and UMI lengths are taken from the "cblen" and
// "ulen" tags, or else from the first two numeric tags.
func ReadFileTags(r io.Reader, section *TagSection) (*FileTags, error) {
	f := &FileTags{Values: map[string]uint64{}}
	var order []string
	for _, t := range section.Tags {
		var v uint64
		var err error
		switch t.TypeID {
		case TypeBool, TypeU8:
			var x uint8
			err = binary.Read(r, binary.LittleEndian, &x)
			v = uint64(x)
		case TypeU16:
			var x uint16
			err = binary.Read(r, binary.LittleEndian, &x)
			v = uint64(x)
		case TypeU32:
			var x uint32
			err = binary.Read(r, binary.LittleEndian, &x)
			v = uint64(x)
		case TypeU64:
			err = binary.Read(r, binary.LittleEndian, &v)
		case TypeF32:
			var x float32
			err = binary.Read(r, binary.LittleEndian, &x)
			v = uint64(math.Float32bits(x))
		case TypeF64:
			var x float64
			err = binary.Read(r, binary.LittleEndian, &x)
			v = math.Float64bits(x)
		case TypeString:
			_, err = readString(r)
			if err == nil {
				continue
			}
		default:
			return nil, errors.Errorf("rad: unsupported file-level tag type %d for %s", t.TypeID, t.Name)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "rad: read file-level tag %s", t.Name)
		}
		f.Values[t.Name] = v
		order = append(order, t.Name)
	}
	bc, okBC := f.Values["cblen"]
	ul, okUL := f.Values["ulen"]
	if !okBC && len(order) > 0 {
		bc, okBC = f.Values[order[0]], true
	}
	if !okUL && len(order) > 1 {
		ul, okUL = f.Values[order[1]], true
	}
	if !okBC || !okUL {
		return nil, errors.New("rad: file-level tags do not declare barcode and umi lengths")
	}
	f.BarcodeLen, f.UMILen = uint16(bc), uint16(ul)
	return f, nil
}
