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

package session

import (
	"context"

	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/memsync"
	"github.com/wbridge/wbridge/pkg/registry"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// Routine is the client-facing handle for one attached routine (spec
// §3): argtypes/restype/memsync declarations and Call.
type Routine struct {
	session *Session
	handle  *registry.RoutineHandle
}

// SetTypes declares argtypes/restype, replacing any prior declaration
// atomically (I1).
func (r *Routine) SetTypes(argTypes []*typedesc.T, returnType *typedesc.T) {
	r.handle.SetTypes(argTypes, returnType)
}

// SetMemsync installs the routine's memsync directive list, validating
// it first (spec §8 scenario 6).
func (r *Routine) SetMemsync(directives []memsync.Directive) error {
	return r.handle.SetMemsync(directives)
}

// SetUseErrno/SetUseLastError install a per-routine override onto the
// owning library's use_errno/use_last_error defaults, which come from the
// library's LoadParams (SPEC_FULL §12).
func (r *Routine) SetUseErrno(v bool)     { r.handle.SetUseErrno(v) }
func (r *Routine) SetUseLastError(v bool) { r.handle.SetUseLastError(v) }

// shippedDirective pairs a resolved memsync directive with the memblock
// index its outbound buffer was assigned, so the post-call write-back
// leg knows which inbound memblock answers it.
type shippedDirective struct {
	directive memsync.Directive
	blockIdx  int
}

// Call packs args per the routine's declared argtypes, ships any
// memsync-declared buffers alongside them, places the call, and then
// unpacks the return value and writes any in/out buffers back. The
// returned outArgs slice mirrors args with memsync/out-argument
// overwrites applied; Go has no transparent by-reference aliasing for
// arbitrary values, so callers must use outArgs rather than expect args
// to have mutated in place (spec §4.C, §4.D, §9).
func (r *Routine) Call(ctx context.Context, args []marshal.Arg) (result marshal.Arg, outArgs []marshal.Arg, err error) {
	s := r.session
	argTypes, returnType := r.handle.Types()
	if argTypes == nil && returnType == nil {
		argTypes = make([]*typedesc.T, len(args))
		for i := range argTypes {
			argTypes[i] = typedesc.CInt32
		}
		returnType = typedesc.CInt32
	}
	if len(args) != len(argTypes) {
		return marshal.Arg{}, nil, rpcerror.New(rpcerror.TypeUnsupported, "routine %q expects %d arguments, got %d", r.handle.Name, len(argTypes), len(args))
	}

	memo := map[interface{}]int{}
	var blocks []wire.MemBlock
	packed := make([]wire.PackedValue, len(args))
	for i, a := range args {
		pv, perr := marshal.Pack(argTypes[i], a, s.arch, memo, &blocks)
		if perr != nil {
			return marshal.Arg{}, nil, perr
		}
		packed[i] = pv
	}

	directives := r.handle.Memsync()
	shipped := make([]shippedDirective, 0, len(directives))
	for _, d := range directives {
		argArg, _, rerr := memsync.ResolvePointer(d, args, argTypes)
		if rerr != nil {
			return marshal.Arg{}, nil, rerr
		}

		var blk wire.MemBlock
		if d.Length.Path != nil {
			count, lerr := memsync.ResolveLength(d, args, argTypes, s.arch, argArg.Raw)
			if lerr != nil {
				return marshal.Arg{}, nil, lerr
			}
			blk, err = memsync.ShipWithLength(d, argArg, s.arch, count)
		} else {
			blk, err = memsync.Ship(d, argArg, s.arch)
		}
		if err != nil {
			return marshal.Arg{}, nil, err
		}

		idx := len(blocks)
		blocks = append(blocks, blk)
		if perr := memsync.PatchIndex(d.PointerPath, packed, argTypes, idx); perr != nil {
			return marshal.Arg{}, nil, perr
		}
		shipped = append(shipped, shippedDirective{directive: d, blockIdx: idx})
	}

	req := callRoutineRequest{
		LibraryServerID: r.handle.Library.ServerID,
		Routine:         r.handle.Name,
		ArgTypes:        argTypes,
		ReturnType:      returnType,
		UseErrno:        r.handle.UseErrno(),
		UseLastError:    r.handle.UseLastError(),
		Payload:         wire.CallPayload{Args: packed, Memblocks: blocks},
	}
	var resp callRoutineResponse
	if callErr := s.forward.Call(ctx, rpc.MethodCallRoutine, req, &resp); callErr != nil {
		return marshal.Arg{}, nil, callErr
	}

	if req.UseErrno && resp.Errno != 0 {
		s.setLastErrno(resp.Errno)
	}
	if req.UseLastError && resp.LastErr != 0 {
		s.setLastErrno(resp.LastErr)
	}

	result, err = marshal.Unpack(returnType, resp.Payload.Value, resp.Payload.Memblocks, s.arch)
	if err != nil {
		return marshal.Arg{}, nil, err
	}

	outArgs = make([]marshal.Arg, len(args))
	copy(outArgs, args)
	for _, sh := range shipped {
		if sh.directive.Direction == wire.DirIn {
			continue
		}
		argArg, _, rerr := memsync.ResolvePointer(sh.directive, outArgs, argTypes)
		if rerr != nil {
			return marshal.Arg{}, nil, rerr
		}
		if sh.blockIdx >= len(resp.Payload.Memblocks) {
			return marshal.Arg{}, nil, rpcerror.New(rpcerror.MemsyncResolve, "server returned fewer memblocks than were shipped")
		}
		if uerr := memsync.Unship(sh.directive, resp.Payload.Memblocks[sh.blockIdx], argArg); uerr != nil {
			return marshal.Arg{}, nil, uerr
		}
	}
	for i, pv := range resp.Payload.OutArgs {
		if i >= len(outArgs) || isZeroPackedValue(pv) {
			continue
		}
		a, uerr := marshal.Unpack(argTypes[i], pv, resp.Payload.Memblocks, s.arch)
		if uerr != nil {
			return marshal.Arg{}, nil, uerr
		}
		outArgs[i] = a
	}

	return result, outArgs, nil
}

func isZeroPackedValue(pv wire.PackedValue) bool {
	return pv.Scalar == nil && pv.Elements == nil && pv.Fields == nil &&
		pv.MemblockIndex == nil && pv.CallbackID == "" && !pv.IsUnit
}
