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

// Package callback implements the callback bridge (component F): the
// client-side factory/registry that turns a host closure into a
// function-pointer argument value, and the wire shape of the reverse
// invocation the guest's native trampoline uses to call back into it
// (spec §4.F).
package callback

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// HostFunc is a registered host closure: given the native arguments the
// guest's trampoline captured, it returns the native return value. ctx
// carries the reentrancy marker that lets the target re-enter and call
// another routine on the same session (spec §4.F) without its nested
// Routine.Call deadlocking against the outstanding forward call the
// invocation is running underneath.
type HostFunc func(ctx context.Context, args []marshal.Arg) (marshal.Arg, error)

// Registration is one entry of the callback table (spec §3 "Callback
// registration").
type Registration struct {
	ID     string
	Type   *typedesc.T // KindFunction
	Target HostFunc
}

// Registry is the per-session callback table. Callback ids are process-
// wide unique random tokens, not sequential counters, so a callback_id
// that leaks into a log or error message cannot be guessed or reused
// across sessions (spec §9: "explicit deregistration API left to the
// implementer" — Deregister below is that API).
type Registry struct {
	mu   sync.Mutex
	regs map[string]*Registration
}

// New constructs an empty callback Registry.
func New() *Registry { return &Registry{regs: make(map[string]*Registration)} }

func randomID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Register assigns a fresh callback_id to target and stores it keyed by
// id, ready to be shipped to the guest as a function-pointer argument
// value (marshal.CallbackArg).
func (r *Registry) Register(t *typedesc.T, target HostFunc) (*Registration, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	reg := &Registration{ID: id, Type: t, Target: target}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[id] = reg
	return reg, nil
}

// Lookup finds a registration by id; used by the reverse RPC handler
// that services callback_invoke.
func (r *Registry) Lookup(id string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	return reg, ok
}

// Deregister removes a callback registration. Per the open question in
// spec §9, lifetime is the caller's responsibility: deregistering a
// callback that a native routine might still invoke is a caller error,
// not one this package detects.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, id)
}

// TypeFactory is the builder returned by the client-facing
// callback_type(...) constructor (spec §6, §9 "factory function that
// returns a builder object"). Calling Bind with a host closure both
// registers the callback and returns the handle usable as a function-
// pointer argument.
type TypeFactory struct {
	Convention   typedesc.Convention
	Return       *typedesc.T
	ArgTypes     []*typedesc.T
	UseErrno     bool
	UseLastError bool
}

// NewType constructs a callback TypeFactory.
func NewType(ret *typedesc.T, argTypes []*typedesc.T, convention typedesc.Convention, useErrno, useLastError bool) TypeFactory {
	return TypeFactory{Convention: convention, Return: ret, ArgTypes: argTypes, UseErrno: useErrno, UseLastError: useLastError}
}

// FunctionType materializes the typedesc.T this factory describes.
func (f TypeFactory) FunctionType() *typedesc.T {
	return typedesc.Function(typedesc.FunctionInfo{
		Convention:   f.Convention,
		Return:       f.Return,
		Args:         f.ArgTypes,
		UseErrno:     f.UseErrno,
		UseLastError: f.UseLastError,
	})
}

// Bind registers target against reg and returns the usable callback
// handle (spec §6 "factory(host_callable) -> callback_handle").
func (f TypeFactory) Bind(reg *Registry, target HostFunc) (*Registration, error) {
	if err := typedesc.Validate(f.FunctionType()); err != nil {
		return nil, err
	}
	return reg.Register(f.FunctionType(), target)
}

// InvokeRequest is the reverse-channel request the guest's native
// trampoline sends for every invocation (spec §4.F steps 1-3).
type InvokeRequest struct {
	SessionID  string
	CallbackID string
	Payload    wire.CallPayload
}

// InvokeResponse pairs a callback's reply payload with an optional error.
// The session's reverse handler does not use it: it replies with a bare
// wire.ReturnPayload and returns a Target error through the RPC envelope.
type InvokeResponse struct {
	Payload wire.ReturnPayload
	Err     *rpcerror.Wire
}

// Invoke looks up id in r and runs its target against the unpacked
// native arguments, returning AttributeMissing for an unknown id. The
// pack/unpack around it is done by the caller via pkg/marshal, using
// reg.Type to know each argument's shape; the session's reverse handler
// calls Lookup and Target directly rather than Invoke.
func (r *Registry) Invoke(ctx context.Context, id string, args []marshal.Arg) (marshal.Arg, error) {
	reg, ok := r.Lookup(id)
	if !ok {
		return marshal.Arg{}, rpcerror.New(rpcerror.AttributeMissing, "no callback registered with id %q", id)
	}
	return reg.Target(ctx, args)
}
