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

package main

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/wbridge/wbridge/pkg/callback"
	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/nativeffi"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// Wire shapes for the four forward methods, kept in lockstep with the
// unexported counterparts in pkg/session/types.go: the two ends never
// share a type, only a JSON contract (spec §4.A).
type loadLibraryRequest struct {
	Name       string `json:"name"`
	Convention int    `json:"convention"`
}

type loadLibraryResponse struct {
	ServerID uint64 `json:"server_id"`
}

type attachRoutineRequest struct {
	LibraryServerID uint64 `json:"library_server_id"`
	Routine         string `json:"routine"`
}

type attachRoutineResponse struct{}

type callRoutineRequest struct {
	LibraryServerID uint64           `json:"library_server_id"`
	Routine         string           `json:"routine"`
	ArgTypes        []*typedesc.T    `json:"arg_types"`
	ReturnType      *typedesc.T      `json:"return_type"`
	UseErrno        bool             `json:"use_errno"`
	UseLastError    bool             `json:"use_last_error"`
	Payload         wire.CallPayload `json:"payload"`
}

type callRoutineResponse struct {
	Payload wire.ReturnPayload `json:"payload"`
	Errno   int64              `json:"errno,omitempty"`
	LastErr int64              `json:"last_error,omitempty"`
}

// libraryEntry is one guest-side loaded module.
type libraryEntry struct {
	name       string
	convention typedesc.Convention
	handle     nativeffi.Library
}

// guestServer is the guest-side counterpart of pkg/registry: it holds
// the real native handles the host only ever sees as opaque server ids
// (spec §4.E).
type guestServer struct {
	log    *log.Logger
	arch   typedesc.Arch
	loader nativeffi.Loader
	caller nativeffi.Caller
	maker  nativeffi.CallbackMaker

	mu        sync.Mutex
	nextLibID uint64
	libraries map[uint64]*libraryEntry
	symbols   map[uint64]map[string]uintptr

	reverse *rpc.Channel
}

func newGuestServer(logger *log.Logger, arch typedesc.Arch) *guestServer {
	return &guestServer{
		log:       logger,
		arch:      arch,
		loader:    nativeffi.Default,
		caller:    nativeffi.Default,
		maker:     nativeffi.Default,
		libraries: make(map[uint64]*libraryEntry),
		symbols:   make(map[uint64]map[string]uintptr),
	}
}

func (g *guestServer) registerHandlers(ch *rpc.Channel) {
	ch.Handle(rpc.MethodLoadLibrary, g.handleLoadLibrary)
	ch.Handle(rpc.MethodAttachRoutine, g.handleAttachRoutine)
	ch.Handle(rpc.MethodCallRoutine, g.handleCallRoutine)
}

func (g *guestServer) handleLoadLibrary(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req loadLibraryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding load_library payload")
	}
	handle, err := g.loader.Load(req.Name)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.nextLibID++
	id := g.nextLibID
	g.libraries[id] = &libraryEntry{name: req.Name, convention: typedesc.Convention(req.Convention), handle: handle}
	g.symbols[id] = make(map[string]uintptr)
	g.mu.Unlock()

	g.log.Infof("loaded %q as server id %d", req.Name, id)
	return loadLibraryResponse{ServerID: id}, nil
}

func (g *guestServer) handleAttachRoutine(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req attachRoutineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding attach_routine payload")
	}
	g.mu.Lock()
	lib, ok := g.libraries[req.LibraryServerID]
	g.mu.Unlock()
	if !ok {
		return nil, rpcerror.New(rpcerror.AttributeMissing, "unknown library server id %d", req.LibraryServerID)
	}
	addr, err := lib.handle.Symbol(req.Routine)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.symbols[req.LibraryServerID][req.Routine] = addr
	g.mu.Unlock()
	return attachRoutineResponse{}, nil
}

// retainedBuffer ties a native-memory-backed buffer to the inbound
// memblock index it was built from, so the post-call leg can copy
// whatever the routine wrote back into the response at the same index
// (the host's Routine.Call matches write-backs by outbound index, spec
// §4.D "Unship").
type retainedBuffer struct {
	index int
	buf   []byte
	// isValue marks a buffer backing a structured (Value-based) memblock
	// rather than a memsync raw one, so write-back re-wraps it as a
	// PackedValue.Scalar instead of MemBlock.Raw.
	isValue bool
}

func (g *guestServer) handleCallRoutine(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req callRoutineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding call_routine payload")
	}

	g.mu.Lock()
	addr, ok := g.symbols[req.LibraryServerID][req.Routine]
	g.mu.Unlock()
	if !ok {
		return nil, rpcerror.New(rpcerror.AttributeMissing, "routine %q not attached", req.Routine)
	}
	if len(req.ArgTypes) != len(req.Payload.Args) {
		return nil, rpcerror.New(rpcerror.TypeUnsupported, "%d arg types for %d packed arguments", len(req.ArgTypes), len(req.Payload.Args))
	}

	words := make([]uintptr, len(req.ArgTypes))
	var retained []retainedBuffer
	for i, t := range req.ArgTypes {
		pv := req.Payload.Args[i]
		word, ret, err := g.buildArgWord(t, pv, req.Payload.Memblocks)
		if err != nil {
			return nil, err
		}
		words[i] = word
		if ret != nil {
			retained = append(retained, *ret)
		}
	}

	r1, _, errno := g.caller.Call(addr, words)
	// The retained buffers are only referenced by the raw pointers just
	// handed to the native call; keep them alive until it returns.
	for i := range retained {
		runtime.KeepAlive(retained[i].buf)
	}

	outBlocks := make([]wire.MemBlock, len(req.Payload.Memblocks))
	copy(outBlocks, req.Payload.Memblocks)
	for _, r := range retained {
		if r.isValue {
			outBlocks[r.index].Value = &wire.PackedValue{Scalar: append([]byte(nil), r.buf...)}
		} else {
			outBlocks[r.index].Raw = append([]byte(nil), r.buf...)
		}
	}

	var returnValue wire.PackedValue
	if req.ReturnType == nil {
		returnValue = wire.PackedValue{IsUnit: true}
	} else if req.ReturnType.IsPointer() {
		if r1 == 0 {
			returnValue = wire.PackedValue{}
		} else {
			return nil, rpcerror.New(rpcerror.TypeUnsupported, "returning a bare pointer value without a memsync directive is not supported")
		}
	} else {
		switch req.ReturnType.Kind {
		case typedesc.KindFundamental:
			b, err := marshal.EncodeScalar(req.ReturnType, marshal.Arg{Scalar: uint64(r1)}, g.arch)
			if err != nil {
				return nil, err
			}
			returnValue = wire.PackedValue{Scalar: b}
		case typedesc.KindStruct:
			return nil, rpcerror.New(rpcerror.TypeUnsupported, "returning a struct by value is not supported")
		default:
			return nil, rpcerror.New(rpcerror.TypeUnsupported, "unsupported return kind %q", req.ReturnType.Kind)
		}
	}

	resp := callRoutineResponse{
		Payload: wire.ReturnPayload{Value: returnValue, Memblocks: outBlocks},
	}
	// errno and Win32 GetLastError() are distinct sources on real Windows;
	// nativeffi.Caller only surfaces one native errno value per call, so
	// both fields are populated from it here. This is a deliberate
	// guest-side simplification, not a claim that the two coincide.
	if req.UseErrno {
		resp.Errno = int64(errno)
	}
	if req.UseLastError {
		resp.LastErr = int64(errno)
	}
	return resp, nil
}

// buildArgWord produces the native register word for one argument.
// Pointer arguments backed by a memblock are materialized as real,
// GC-pinned native memory for the duration of the call; the returned
// retainedBuffer (if non-nil) is how the caller copies any write-back
// into the response (spec §4.C, §4.D).
func (g *guestServer) buildArgWord(t *typedesc.T, pv wire.PackedValue, blocks []wire.MemBlock) (uintptr, *retainedBuffer, error) {
	switch {
	case t.Kind == typedesc.KindFunction:
		if pv.CallbackID == "" {
			return 0, nil, nil
		}
		return g.bindCallback(t, pv.CallbackID), nil, nil
	case t.IsPointer():
		if pv.MemblockIndex == nil {
			return 0, nil, nil
		}
		idx := *pv.MemblockIndex
		if idx < 0 || idx >= len(blocks) {
			return 0, nil, rpcerror.New(rpcerror.MemsyncResolve, "memblock index %d out of range", idx)
		}
		blk := blocks[idx]
		if blk.Value == nil {
			buf := append([]byte(nil), blk.Raw...)
			if len(buf) == 0 {
				buf = make([]byte, 1)
			}
			return uintptr(unsafe.Pointer(&buf[0])), &retainedBuffer{index: idx, buf: buf}, nil
		}
		pointee := pointeeType(t)
		if pointee.Kind != typedesc.KindFundamental || len(pointee.ArrayShape) > 0 || blk.Value.Scalar == nil {
			return 0, nil, rpcerror.New(rpcerror.TypeUnsupported, "pointer to a non-scalar value is not supported")
		}
		buf := append([]byte(nil), blk.Value.Scalar...)
		return uintptr(unsafe.Pointer(&buf[0])), &retainedBuffer{index: idx, buf: buf, isValue: true}, nil
	default:
		return uintptr(marshal.DecodeScalar(pv.Scalar)), nil, nil
	}
}

func pointeeType(t *typedesc.T) *typedesc.T {
	clone := *t
	clone.PointerDepth = t.PointerDepth - 1
	return &clone
}

// bindCallback synthesizes a native trampoline for a function-pointer
// argument: every invocation blocks on a reverse callback_invoke call to
// the host (component F, spec §4.F). Only scalar callback arguments and
// a scalar (or void) return are supported; anything else logs and
// answers zero, since the native calling convention offers no channel
// to propagate a marshaling error back to the caller.
func (g *guestServer) bindCallback(fnType *typedesc.T, callbackID string) uintptr {
	info := fnType.Function
	return g.maker.NewCallback(func(words []uintptr) uintptr {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		args := make([]wire.PackedValue, len(info.Args))
		for i, at := range info.Args {
			if i >= len(words) {
				break
			}
			if at.Kind != typedesc.KindFundamental || at.IsPointer() {
				g.log.Errorf("callback %q: argument %d is not a plain scalar, passing zero", callbackID, i)
				args[i] = wire.PackedValue{Scalar: make([]byte, 4)}
				continue
			}
			b, err := marshal.EncodeScalar(at, marshal.Arg{Scalar: uint64(words[i])}, g.arch)
			if err != nil {
				g.log.Errorf("callback %q: encoding argument %d: %v", callbackID, i, err)
				b = make([]byte, 4)
			}
			args[i] = wire.PackedValue{Scalar: b}
		}

		req := callback.InvokeRequest{CallbackID: callbackID, Payload: wire.CallPayload{Args: args}}
		var resp wire.ReturnPayload
		if err := g.reverse.Call(ctx, rpc.MethodCallbackInvoke, req, &resp); err != nil {
			g.log.Errorf("callback %q invoke failed: %v", callbackID, err)
			return 0
		}
		if resp.Value.IsUnit || info.Return == nil {
			return 0
		}
		return uintptr(marshal.DecodeScalar(resp.Value.Scalar))
	})
}
