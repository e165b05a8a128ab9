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

// Package nativeffi wraps the guest's native FFI facility: loading a
// module, resolving a symbol, invoking it with a flat argument/return
// register list, and synthesizing a native callback trampoline. The
// default implementation is backed by github.com/ebitengine/purego,
// which dlopen/dlsym's without cgo; a server running under the
// compatibility runtime instead resolves these against its native
// loader (out of scope per spec §1, hence the interface).
package nativeffi

import (
	"github.com/ebitengine/purego"

	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Library is a loaded native module handle.
type Library interface {
	// Symbol resolves name to a callable address, failing with
	// AttributeMissing if it is not exported.
	Symbol(name string) (uintptr, error)
	// Close releases the module.
	Close() error
}

// Loader opens native modules by path (spec §4.E: "load with the
// convention-appropriate loader").
type Loader interface {
	Load(path string) (Library, error)
}

// Caller invokes a resolved symbol with a flat register-width argument
// list and returns its raw (r1, r2) result pair, the same shape
// syscall/purego calling conventions use for integer/pointer returns;
// a value returned in a floating-point register is not part of this
// result and is not surfaced. errno is the raw value SyscallN observed, returned
// unconditionally: for an arbitrary native routine errno is advisory,
// not proof of failure, so only a caller that knows the routine
// declared use_errno should treat it as meaningful (spec §3, SPEC_FULL
// §12 "use_errno/use_last_error").
type Caller interface {
	Call(fn uintptr, args []uintptr) (r1, r2 uintptr, errno uintptr)
}

// CallbackMaker synthesizes a native function pointer that, when invoked
// by guest code, calls back into goFunc. goFunc receives the raw
// argument words exactly as SyscallN would have passed them to a normal
// routine.
type CallbackMaker interface {
	NewCallback(goFunc func(args []uintptr) uintptr) uintptr
}

// pureGo is the default Loader/Caller/CallbackMaker, backed by purego.
type pureGo struct{}

// Default is the process-wide purego-backed implementation.
var Default = pureGo{}

type pureGoLibrary struct {
	handle uintptr
}

// Load dlopen's path with RTLD_NOW|RTLD_GLOBAL.
func (pureGo) Load(path string) (Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.LoadFailed, err, "dlopen %q", path)
	}
	return &pureGoLibrary{handle: handle}, nil
}

func (l *pureGoLibrary) Symbol(name string) (uintptr, error) {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0, rpcerror.Wrap(rpcerror.AttributeMissing, err, "dlsym %q", name)
	}
	return addr, nil
}

func (l *pureGoLibrary) Close() error {
	return purego.Dlclose(l.handle)
}

// Call forwards to purego.SyscallN, which accepts up to the platform's
// register-passed argument count; additional arguments spill to the
// stack exactly as the native ABI requires.
func (pureGo) Call(fn uintptr, args []uintptr) (uintptr, uintptr, uintptr) {
	return purego.SyscallN(fn, args...)
}

// NewCallback synthesizes a trampoline via purego.NewCallback. purego
// requires a concrete function value with a fixed arity/signature, so
// the bridge always registers callbacks through a single 9-argument shim
// (see registerShim in shims.go); goFunc receives all nine raw words,
// whatever the callback's declared argument count.
func (pureGo) NewCallback(goFunc func(args []uintptr) uintptr) uintptr {
	return registerShim(goFunc)
}
