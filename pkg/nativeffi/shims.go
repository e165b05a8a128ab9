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

package nativeffi

import "github.com/ebitengine/purego"

// maxShimArity bounds the fixed-arity callback shim below. Declared
// callback types in this bridge never exceed it; spec §8 boundary cases
// only exercise single/double-argument callbacks.
const maxShimArity = 9

// registerShim wraps goFunc in one shim of maxShimArity (9) arguments
// and hands it to purego.NewCallback, since purego derives a trampoline's argument count
// from the concrete Go function signature it is given rather than
// accepting a variadic one.
func registerShim(goFunc func(args []uintptr) uintptr) uintptr {
	return purego.NewCallback(func(
		a0, a1, a2, a3, a4, a5, a6, a7, a8 uintptr,
	) uintptr {
		return goFunc([]uintptr{a0, a1, a2, a3, a4, a5, a6, a7, a8})
	})
}
