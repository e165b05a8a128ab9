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

// Package registry tracks loaded libraries and attached routines within a
// session (component E): load_library is idempotent per name (I4), and
// routine attach resolves the guest symbol exactly once, lazily.
package registry

import (
	"sync"

	"github.com/google/btree"

	"github.com/wbridge/wbridge/pkg/memsync"
	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
)

// LibraryHandle is the client-visible handle returned by load_library
// (spec §3): identity is (session, name); a second load of the same name
// returns the very same *LibraryHandle (P3).
type LibraryHandle struct {
	Name         string
	Convention   typedesc.Convention
	UseErrno     bool
	UseLastError bool
	// ServerID is the guest-assigned hash id for this loaded module.
	ServerID uint64
}

func (l *LibraryHandle) Less(than btree.Item) bool {
	return l.Name < than.(*LibraryHandle).Name
}

// RoutineHandle is the client-visible handle for one attached routine
// (spec §3). ArgTypes/ReturnType/Memsync may be declared (and
// redeclared) any number of times; SetTypes replaces ArgTypes and
// ReturnType as a single atomic pair (I1).
type RoutineHandle struct {
	mu sync.Mutex

	Library *LibraryHandle
	Name    string

	argTypes   []*typedesc.T
	returnType *typedesc.T
	memsync    []memsync.Directive

	useErrno     *bool
	useLastError *bool
}

// Declared reports whether argtypes/restype have been set; an
// undeclared routine marshals only plain scalars with a default-int
// return (spec §4.E degraded mode).
func (r *RoutineHandle) Declared() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.argTypes != nil || r.returnType != nil
}

// SetTypes atomically rebinds argtypes and restype (I1, §4.E "Argument
// and return-type setters replace prior bindings atomically").
func (r *RoutineHandle) SetTypes(argTypes []*typedesc.T, returnType *typedesc.T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.argTypes = argTypes
	r.returnType = returnType
}

// Types returns the currently-bound argtypes/restype pair.
func (r *RoutineHandle) Types() ([]*typedesc.T, *typedesc.T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.argTypes, r.returnType
}

// SetMemsync validates and installs raw as the routine's memsync
// directive list (spec §8 scenario 6: a non-list value fails
// MemsyncSyntax).
func (r *RoutineHandle) SetMemsync(raw interface{}) error {
	list, err := memsync.ValidateList(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memsync = list
	return nil
}

// Memsync returns the routine's currently-installed directives.
func (r *RoutineHandle) Memsync() []memsync.Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memsync
}

// UseErrno/UseLastError resolve the routine-level override, if any, onto
// the owning library's default (original_source supplement, SPEC_FULL §12).
func (r *RoutineHandle) UseErrno() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.useErrno != nil {
		return *r.useErrno
	}
	return r.Library.UseErrno
}

func (r *RoutineHandle) UseLastError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.useLastError != nil {
		return *r.useLastError
	}
	return r.Library.UseLastError
}

// SetUseErrno/SetUseLastError install a per-routine override.
func (r *RoutineHandle) SetUseErrno(v bool)     { r.mu.Lock(); r.useErrno = &v; r.mu.Unlock() }
func (r *RoutineHandle) SetUseLastError(v bool) { r.mu.Lock(); r.useLastError = &v; r.mu.Unlock() }

// Loader resolves a library name to a guest-assigned server id, or fails
// with LoadFailed. Resolver resolves a routine's symbol against an
// already-loaded library, or fails with AttributeMissing. Both are
// supplied by the session's RPC-backed implementation; the registry
// itself only owns bookkeeping and idempotency.
type Loader func(name string, convention typedesc.Convention) (serverID uint64, err error)
type Resolver func(lib *LibraryHandle, routine string) error

// LoadParams carries the optional library-level use_errno/use_last_error
// fields (spec §3, §6 "params?"; original dll_param). Unlike Convention,
// these are never derived from the calling convention: the original
// (session_client.py load_library) defaults both to False regardless of
// cdll/windll/oledll, and a caller opts in explicitly.
type LoadParams struct {
	UseErrno     bool
	UseLastError bool
}

// Registry is the per-session library/routine table (component E).
type Registry struct {
	mu       sync.Mutex
	libs     *btree.BTree
	routines map[string]map[string]*RoutineHandle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		libs:     btree.New(8),
		routines: make(map[string]map[string]*RoutineHandle),
	}
}

// LoadLibrary loads name under the given kind (cdll/windll/oledll),
// returning the existing handle if name was already loaded in this
// session (P3, I4). load is not invoked once name is registered; the
// lock is not held across load, so concurrent first calls for the same
// name each invoke load, and only the first handle registered is kept
// and returned to all of them. params supplies the library's use_errno/use_last_error fields; a
// nil params leaves both false. kind/Convention is purely the ABI/
// marshaling selector and never feeds the errno defaults.
func (r *Registry) LoadLibrary(name, kind string, params *LoadParams, load Loader) (*LibraryHandle, error) {
	convention, err := typedesc.ConventionFromKind(kind)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing := r.libs.Get(&LibraryHandle{Name: name}); existing != nil {
		r.mu.Unlock()
		return existing.(*LibraryHandle), nil
	}
	r.mu.Unlock()

	serverID, err := load(name, convention)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.LoadFailed, err, "loading %q", name)
	}

	handle := &LibraryHandle{Name: name, Convention: convention, ServerID: serverID}
	if params != nil {
		handle.UseErrno = params.UseErrno
		handle.UseLastError = params.UseLastError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.libs.Get(&LibraryHandle{Name: name}); existing != nil {
		// Lost a race with a concurrent LoadLibrary(name, ...); keep the
		// winner so identity stays unique per (session, name) (I4).
		return existing.(*LibraryHandle), nil
	}
	r.libs.ReplaceOrInsert(handle)
	r.routines[name] = make(map[string]*RoutineHandle)
	return handle, nil
}

// Libraries returns every loaded library handle, ordered by name
// (deterministic iteration via the btree index).
func (r *Registry) Libraries() []*LibraryHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LibraryHandle, 0, r.libs.Len())
	r.libs.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*LibraryHandle))
		return true
	})
	return out
}

// Attach returns the routine handle for (lib, name), resolving the guest
// symbol via resolve on first attach only (spec §4.E: "attribute_missing
// is raised if the symbol is not found").
func (r *Registry) Attach(lib *LibraryHandle, name string, resolve Resolver) (*RoutineHandle, error) {
	r.mu.Lock()
	routines, ok := r.routines[lib.Name]
	if !ok {
		routines = make(map[string]*RoutineHandle)
		r.routines[lib.Name] = routines
	}
	if existing, ok := routines[name]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	if err := resolve(lib, name); err != nil {
		return nil, rpcerror.Wrap(rpcerror.AttributeMissing, err, "%s!%s", lib.Name, name)
	}

	handle := &RoutineHandle{Library: lib, Name: name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routines[lib.Name][name]; ok {
		return existing, nil
	}
	r.routines[lib.Name][name] = handle
	return handle, nil
}
