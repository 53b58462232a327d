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

package main

/*
  bio-fry quantifies gene expression per cell barcode from a collated RAD
  file. See github.com/jaclyn-taroni/alevin-fry/quant/quant.go for details.
*/

import "github.com/jaclyn-taroni/alevin-fry/cmd/bio-fry/cmd"

func main() {
	cmd.Run()
}
