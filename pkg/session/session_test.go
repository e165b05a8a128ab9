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
	"encoding/json"
	"testing"
	"time"

	"github.com/wbridge/wbridge/pkg/callback"
	"github.com/wbridge/wbridge/pkg/config"
	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/memsync"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/rpc/rpctest"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// fakeGuest wires a rpctest.Pair's server side to behave like a minimal
// guest process, just enough to exercise the Session call pipeline
// end to end without any real native code.
type fakeGuest struct {
	pair     *rpctest.Pair
	routines map[string]func(req callRoutineRequest) (callRoutineResponse, error)
}

func newFakeGuest() *fakeGuest {
	g := &fakeGuest{
		pair:     rpctest.New(),
		routines: make(map[string]func(callRoutineRequest) (callRoutineResponse, error)),
	}
	g.pair.Server.Handle(rpc.MethodLoadLibrary, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var req loadLibraryRequest
		json.Unmarshal(payload, &req)
		return loadLibraryResponse{ServerID: 1}, nil
	})
	g.pair.Server.Handle(rpc.MethodAttachRoutine, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return attachRoutineResponse{}, nil
	})
	g.pair.Server.Handle(rpc.MethodCallRoutine, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var req callRoutineRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		fn, ok := g.routines[req.Routine]
		if !ok {
			return nil, errUnknownRoutine(req.Routine)
		}
		return fn(req)
	})
	return g
}

type errUnknownRoutine string

func (e errUnknownRoutine) Error() string { return "no fake routine named " + string(e) }

func testConfig() config.Session {
	cfg := config.Default("sess-test")
	return cfg
}

func TestLoadLibraryAndCallScalarRoundTrip(t *testing.T) {
	guest := newFakeGuest()
	defer guest.pair.Close()

	guest.routines["add"] = func(req callRoutineRequest) (callRoutineResponse, error) {
		a := marshal.DecodeScalar(req.Payload.Args[0].Scalar)
		b := marshal.DecodeScalar(req.Payload.Args[1].Scalar)
		sumBuf, _ := marshal.EncodeScalar(typedesc.CInt32, marshal.Int32(int32(a+b)), typedesc.X86_64)
		return callRoutineResponse{Payload: wire.ReturnPayload{Value: wire.PackedValue{Scalar: sumBuf}}}, nil
	}

	s := NewAttached(testConfig(), guest.pair.Client, guest.pair.Client)

	lib, err := s.LoadLibrary(context.Background(), "example.dll", "cdll", nil)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	routine, err := s.AttachRoutine(context.Background(), lib, "add")
	if err != nil {
		t.Fatalf("AttachRoutine: %v", err)
	}
	routine.SetTypes([]*typedesc.T{typedesc.CInt32, typedesc.CInt32}, typedesc.CInt32)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, _, err := routine.Call(ctx, []marshal.Arg{marshal.Int32(2), marshal.Int32(3)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(result.Scalar) != 5 {
		t.Fatalf("result = %d, want 5", int32(result.Scalar))
	}
}

func TestCallRoutineMemsyncNullTerminatedInOut(t *testing.T) {
	guest := newFakeGuest()
	defer guest.pair.Close()

	guest.routines["uppercase_first"] = func(req callRoutineRequest) (callRoutineResponse, error) {
		blk := req.Payload.Memblocks[0]
		out := append([]byte(nil), blk.Raw...)
		if len(out) > 0 && out[0] >= 'a' && out[0] <= 'z' {
			out[0] -= 'a' - 'A'
		}
		return callRoutineResponse{
			Payload: wire.ReturnPayload{
				Value:     wire.PackedValue{IsUnit: true},
				Memblocks: []wire.MemBlock{{Raw: out, ElementWidth: blk.ElementWidth, ElementCount: blk.ElementCount}},
			},
		}, nil
	}

	s := NewAttached(testConfig(), guest.pair.Client, guest.pair.Client)
	lib, err := s.LoadLibrary(context.Background(), "example.dll", "cdll", nil)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	routine, err := s.AttachRoutine(context.Background(), lib, "uppercase_first")
	if err != nil {
		t.Fatalf("AttachRoutine: %v", err)
	}
	routine.SetTypes([]*typedesc.T{typedesc.Pointer(typedesc.CChar)}, nil)
	if err := routine.SetMemsync([]memsync.Directive{{
		PointerPath: []wire.PathStep{wire.Index(0)},
		Length:      wire.NullTerminatedLength(),
		ElementType: typedesc.CChar,
		Direction:   wire.DirInOut,
	}}); err != nil {
		t.Fatalf("SetMemsync: %v", err)
	}

	buf := append([]byte("hello"), 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, outArgs, err := routine.Call(ctx, []marshal.Arg{marshal.OpaquePointer(buf)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(outArgs[0].Raw); got != "Hello\x00" {
		t.Fatalf("outArgs[0].Raw = %q, want %q", got, "Hello\x00")
	}
}

func TestCallbackInvokeDuringCall(t *testing.T) {
	guest := newFakeGuest()
	defer guest.pair.Close()

	guest.routines["apply_cb"] = func(req callRoutineRequest) (callRoutineResponse, error) {
		cbID := req.Payload.Args[0].CallbackID
		a := marshal.DecodeScalar(req.Payload.Args[1].Scalar)
		b := marshal.DecodeScalar(req.Payload.Args[2].Scalar)

		invokeReq := callback.InvokeRequest{
			CallbackID: cbID,
			Payload: wire.CallPayload{
				Args: []wire.PackedValue{
					{Scalar: mustEncode(int32(a))},
					{Scalar: mustEncode(int32(b))},
				},
			},
		}
		var invokeResp wire.ReturnPayload
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := guest.pair.Server.Call(ctx, rpc.MethodCallbackInvoke, invokeReq, &invokeResp); err != nil {
			return callRoutineResponse{}, err
		}
		return callRoutineResponse{Payload: wire.ReturnPayload{Value: invokeResp.Value}}, nil
	}

	s := NewAttached(testConfig(), guest.pair.Client, guest.pair.Client)
	reg, err := callback.NewType(typedesc.CInt32, []*typedesc.T{typedesc.CInt32, typedesc.CInt32}, typedesc.CDecl, false, false).
		Bind(s.Callbacks(), func(ctx context.Context, args []marshal.Arg) (marshal.Arg, error) {
			return marshal.Int32(int32(args[0].Scalar) * int32(args[1].Scalar)), nil
		})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	lib, err := s.LoadLibrary(context.Background(), "example.dll", "cdll", nil)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	routine, err := s.AttachRoutine(context.Background(), lib, "apply_cb")
	if err != nil {
		t.Fatalf("AttachRoutine: %v", err)
	}
	routine.SetTypes([]*typedesc.T{reg.Type, typedesc.CInt32, typedesc.CInt32}, typedesc.CInt32)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, _, err := routine.Call(ctx, []marshal.Arg{marshal.CallbackArg(reg.ID), marshal.Int32(4), marshal.Int32(5)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(result.Scalar) != 20 {
		t.Fatalf("result = %d, want 20", int32(result.Scalar))
	}
}

func TestCallbackReenteringAnotherRoutineDuringInvoke(t *testing.T) {
	guest := newFakeGuest()
	defer guest.pair.Close()

	guest.routines["inner_add"] = func(req callRoutineRequest) (callRoutineResponse, error) {
		a := marshal.DecodeScalar(req.Payload.Args[0].Scalar)
		b := marshal.DecodeScalar(req.Payload.Args[1].Scalar)
		sumBuf, _ := marshal.EncodeScalar(typedesc.CInt32, marshal.Int32(int32(a+b)), typedesc.X86_64)
		return callRoutineResponse{Payload: wire.ReturnPayload{Value: wire.PackedValue{Scalar: sumBuf}}}, nil
	}
	guest.routines["apply_cb_reentrant"] = func(req callRoutineRequest) (callRoutineResponse, error) {
		cbID := req.Payload.Args[0].CallbackID
		a := marshal.DecodeScalar(req.Payload.Args[1].Scalar)

		invokeReq := callback.InvokeRequest{
			CallbackID: cbID,
			Payload:    wire.CallPayload{Args: []wire.PackedValue{{Scalar: mustEncode(int32(a))}}},
		}
		var invokeResp wire.ReturnPayload
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := guest.pair.Server.Call(ctx, rpc.MethodCallbackInvoke, invokeReq, &invokeResp); err != nil {
			return callRoutineResponse{}, err
		}
		return callRoutineResponse{Payload: wire.ReturnPayload{Value: invokeResp.Value}}, nil
	}

	s := NewAttached(testConfig(), guest.pair.Client, guest.pair.Client)

	lib, err := s.LoadLibrary(context.Background(), "example.dll", "cdll", nil)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	inner, err := s.AttachRoutine(context.Background(), lib, "inner_add")
	if err != nil {
		t.Fatalf("AttachRoutine(inner_add): %v", err)
	}
	inner.SetTypes([]*typedesc.T{typedesc.CInt32, typedesc.CInt32}, typedesc.CInt32)

	// The callback target reenters the session to invoke another routine
	// while the outer call_routine is still outstanding (spec §4.F, §8
	// "callback reentering into another DLL routine on the same
	// session"). Without a reentrancy-aware single-in-flight guard, this
	// nested Call would deadlock against the outer one.
	reg, err := callback.NewType(typedesc.CInt32, []*typedesc.T{typedesc.CInt32}, typedesc.CDecl, false, false).
		Bind(s.Callbacks(), func(ctx context.Context, args []marshal.Arg) (marshal.Arg, error) {
			result, _, err := inner.Call(ctx, []marshal.Arg{args[0], marshal.Int32(100)})
			return result, err
		})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	outer, err := s.AttachRoutine(context.Background(), lib, "apply_cb_reentrant")
	if err != nil {
		t.Fatalf("AttachRoutine(apply_cb_reentrant): %v", err)
	}
	outer.SetTypes([]*typedesc.T{reg.Type, typedesc.CInt32}, typedesc.CInt32)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, _, err := outer.Call(ctx, []marshal.Arg{marshal.CallbackArg(reg.ID), marshal.Int32(7)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(result.Scalar) != 107 {
		t.Fatalf("result = %d, want 107 (7 plus 100 via the reentrant inner_add call)", int32(result.Scalar))
	}
}

func mustEncode(v int32) []byte {
	b, err := marshal.EncodeScalar(typedesc.CInt32, marshal.Int32(v), typedesc.X86_64)
	if err != nil {
		panic(err)
	}
	return b
}
