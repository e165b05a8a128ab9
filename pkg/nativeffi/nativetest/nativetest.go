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

// Package nativetest provides an in-process fake of pkg/nativeffi so
// component and end-to-end tests can exercise the marshaler and the RPC
// boundary without an actual Wine-hosted DLL (spec §8 end-to-end
// scenarios 1-5).
package nativetest

import (
	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Func is a fake native routine implementation.
type Func func(args []uintptr) (r1, r2 uintptr)

// Library is an in-memory stand-in for a loaded DLL, keyed by exported
// symbol name.
type Library struct {
	Name    string
	Symbols map[string]Func
}

// Loader vends Libraries by name, mirroring the scenarios in spec §8
// (add, replace_letter_in_null_terminated_string, sum_ints,
// negate_point, apply_cb).
type Loader struct {
	Libraries map[string]*Library
}

// NewLoader constructs an empty fake loader.
func NewLoader() *Loader { return &Loader{Libraries: make(map[string]*Library)} }

// Register installs a fake library under name.
func (l *Loader) Register(lib *Library) { l.Libraries[lib.Name] = lib }

// Load returns the fake library registered under path. It returns the
// concrete *Library, so Loader does not satisfy nativeffi.Loader.
func (l *Loader) Load(path string) (*Library, error) {
	lib, ok := l.Libraries[path]
	if !ok {
		return nil, rpcerror.New(rpcerror.LoadFailed, "no fake library registered for %q", path)
	}
	return lib, nil
}

// Symbol resolves name within the library.
func (lib *Library) Symbol(name string) (Func, error) {
	fn, ok := lib.Symbols[name]
	if !ok {
		return nil, rpcerror.New(rpcerror.AttributeMissing, "symbol %q not found in %q", name, lib.Name)
	}
	return fn, nil
}

// Call invokes fn with args and returns (r1, r2, errno) in the order
// nativeffi.Caller uses, with errno always 0; it takes a Func rather than
// an address, so it does not satisfy nativeffi.Caller. A nil fn
// is a harness misuse (bad symbol wiring in the test itself), not a
// native call failure, so it panics rather than returning an errno.
func (lib *Library) Call(fn Func, args []uintptr) (uintptr, uintptr, uintptr) {
	if fn == nil {
		panic("nativetest: nil function")
	}
	r1, r2 := fn(args)
	return r1, r2, 0
}
