// Copyright 2024 The wbridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import "github.com/wbridge/wbridge/pkg/typedesc"

// WireDirective is the wire-transportable subset of a memsync directive
// (spec §3): everything except the optional custom_pack/custom_unpack
// closures, which never leave the client process.
type WireDirective struct {
	PointerPath []PathStep  `json:"pointer_path"`
	Length      Length      `json:"length_path"`
	ElementType *typedesc.T `json:"element_type"`
	Direction   Direction   `json:"direction"`
}
