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

// Package rad reads and writes the collated RAD container: a binary file
// holding a reference header, three tag-section descriptors (file, read and
// alignment level), the file-level tag values, and then one chunk per
// corrected cell barcode.
//
// A chunk is laid out as
//
//   u32 nbytes   // size of the chunk, including these 8 header bytes
//   u32 nrec     // number of records
//   nrec × record
//
// and each record as
//
//   u32 nalign
//   barcode      // integer of the read-level tag's declared width
//   umi          // integer of the read-level tag's declared width
//   nalign × u32 // reference ids; the top bit carries orientation
//
// All integers are little endian.
package rad
