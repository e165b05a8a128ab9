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

// Package session implements component G: session construction, the
// two-stage lifecycle (local-only, then guest-attached), library/routine
// binding, and the client-facing routine call pipeline that ties the
// marshaler, memsync engine, and callback bridge to the RPC channel
// (spec §4.G, §6).
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wbridge/wbridge/pkg/callback"
	"github.com/wbridge/wbridge/pkg/config"
	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/marshal"
	"github.com/wbridge/wbridge/pkg/registry"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/rpcerror"
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// Session is the client-facing handle spanning both lifecycle stages: it
// is fully usable in Stage 1 (config held, no guest process yet) and
// transparently promotes itself to Stage 2 on the first call that
// actually needs the guest (LoadLibrary).
type Session struct {
	cfg      config.Session
	arch     typedesc.Arch
	log      *log.Logger
	launcher Launcher

	registry  *registry.Registry
	callbacks *callback.Registry
	typeCache *typedesc.Cache

	mu      sync.Mutex
	stage   int
	forward *rpc.Channel
	reverse *rpc.Channel

	attachOnce sync.Once
	attachErr  error

	readyCh   chan struct{}
	readyOnce sync.Once

	terminateOnce sync.Once
	stopSignals   chan struct{}

	lastErrno int64
}

// New constructs a Stage 1 Session: config is validated and a callback/
// routine registry is ready, but no guest process has been started.
// launcher is consulted only once, on the first stage-2-requiring call.
func New(cfg config.Session, launcher Launcher) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	arch := typedesc.X86_64
	if cfg.Arch == "x86" {
		arch = typedesc.X86
	}
	s := &Session{
		cfg:         cfg,
		arch:        arch,
		log:         log.New(nil, log.Level(cfg.LogLevel), logrus.Fields{"session_id": cfg.ID}),
		launcher:    launcher,
		registry:    registry.New(),
		callbacks:   callback.New(),
		typeCache:   typedesc.NewCache(),
		stage:       1,
		readyCh:     make(chan struct{}),
		stopSignals: make(chan struct{}),
	}
	s.installSignalHandlers()
	return s, nil
}

// Attach forces promotion to Stage 2 without binding a library, useful
// for tooling that only needs to confirm the guest is reachable (spec
// §6 "status"/"terminate" external operations).
func (s *Session) Attach(ctx context.Context) error { return s.ensureStage2(ctx) }

// Callbacks exposes the session's callback registry so client code can
// bind host closures via callback.TypeFactory.Bind before referencing
// them as a routine argument (marshal.CallbackArg).
func (s *Session) Callbacks() *callback.Registry { return s.callbacks }

// TypeCache exposes the per-session struct-type memoization cache
// (spec §4.B, I5).
func (s *Session) TypeCache() *typedesc.Cache { return s.typeCache }

// Arch returns the session's configured guest architecture.
func (s *Session) Arch() typedesc.Arch { return s.arch }

func (s *Session) installSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			s.log.Infof("received termination signal, terminating session %q", s.cfg.ID)
			s.Terminate(context.Background())
		case <-s.stopSignals:
		}
		signal.Stop(sigCh)
	}()
}

// ensureStage2 promotes the session to Stage 2 on first use, launching
// the guest process and completing both legs of the control handshake.
// Concurrent callers block on the same attach attempt (attachOnce); a
// failed attach is not retried by a later call (spec §6 "attach is a
// one-shot promotion per session").
func (s *Session) ensureStage2(ctx context.Context) error {
	s.mu.Lock()
	already := s.stage == 2
	s.mu.Unlock()
	if already {
		return nil
	}
	s.attachOnce.Do(func() { s.attachErr = s.attach(ctx) })
	return s.attachErr
}

func (s *Session) attach(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.PortSocketUnix))
	if err != nil {
		return rpcerror.Wrap(rpcerror.TransportClosed, err, "listening for guest callback connection")
	}

	stdout, stderr, err := s.launcher.Launch(ctx, s.cfg)
	if err != nil {
		listener.Close()
		return err
	}
	go s.drainLog("stdout", stdout)
	go s.drainLog("stderr", stderr)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.TimeoutStart)
	defer cancel()

	forwardConn, err := rpc.DialReady(startCtx, "tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.PortSocketWine))
	if err != nil {
		listener.Close()
		return err
	}
	s.forward = rpc.NewChannel(forwardConn, s.log)
	go s.forward.Serve(ctx) //nolint:errcheck

	conn, err := acceptContext(startCtx, listener)
	listener.Close()
	if err != nil {
		return rpcerror.Wrap(rpcerror.TransportTimeout, err, "waiting for guest callback connection")
	}
	s.reverse = rpc.NewChannel(conn, s.log)
	s.reverse.Handle(rpc.MethodServerStatus, s.handleServerStatus)
	s.reverse.Handle(rpc.MethodCallbackInvoke, s.handleCallbackInvoke)
	go s.reverse.Serve(ctx) //nolint:errcheck

	select {
	case <-s.readyCh:
	case <-startCtx.Done():
		return rpcerror.Wrap(rpcerror.TransportTimeout, startCtx.Err(), "guest did not report server_status=up in time")
	}

	s.mu.Lock()
	s.stage = 2
	s.mu.Unlock()
	return nil
}

func acceptContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) drainLog(stream string, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debugf("guest %s: %s", stream, scanner.Text())
	}
}

func (s *Session) handleServerStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding server_status payload")
	}
	if req.Status == "up" {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	return struct{}{}, nil
}

func (s *Session) handleCallbackInvoke(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req callback.InvokeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding callback_invoke payload")
	}
	reg, ok := s.callbacks.Lookup(req.CallbackID)
	if !ok {
		return nil, rpcerror.New(rpcerror.AttributeMissing, "no callback registered with id %q", req.CallbackID)
	}

	argTypes := reg.Type.Function.Args
	if len(req.Payload.Args) != len(argTypes) {
		return nil, rpcerror.New(rpcerror.TypeUnsupported, "callback %q expects %d arguments, got %d", req.CallbackID, len(argTypes), len(req.Payload.Args))
	}
	args := make([]marshal.Arg, len(argTypes))
	for i, pv := range req.Payload.Args {
		a, err := marshal.Unpack(argTypes[i], pv, req.Payload.Memblocks, s.arch)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}

	result, err := reg.Target(ctx, args)
	if err != nil {
		return nil, err
	}

	var blocks []wire.MemBlock
	pv, err := marshal.Pack(reg.Type.Function.Return, result, s.arch, map[interface{}]int{}, &blocks)
	if err != nil {
		return nil, err
	}
	return wire.ReturnPayload{Value: pv, Memblocks: blocks}, nil
}

// LoadLibrary attaches (promoting to Stage 2 if needed) and loads name
// under the given kind (cdll/windll/oledll), returning the same handle
// on repeat calls for the same name (spec §3 P3). params carries the
// optional use_errno/use_last_error overrides (spec §6 "params?"); a nil
// params defaults both to false, matching the original's dll_param
// default rather than deriving them from the calling convention.
func (s *Session) LoadLibrary(ctx context.Context, name, kind string, params *registry.LoadParams) (*registry.LibraryHandle, error) {
	if err := s.ensureStage2(ctx); err != nil {
		return nil, err
	}
	return s.registry.LoadLibrary(name, kind, params, func(name string, convention typedesc.Convention) (uint64, error) {
		req := loadLibraryRequest{Name: name, Convention: int(convention)}
		var resp loadLibraryResponse
		if err := s.forward.Call(ctx, rpc.MethodLoadLibrary, req, &resp); err != nil {
			return 0, err
		}
		return resp.ServerID, nil
	})
}

// AttachRoutine resolves name against lib, returning a Routine ready for
// argtypes/restype/memsync declaration and calling.
func (s *Session) AttachRoutine(ctx context.Context, lib *registry.LibraryHandle, name string) (*Routine, error) {
	handle, err := s.registry.Attach(lib, name, func(lib *registry.LibraryHandle, routine string) error {
		req := attachRoutineRequest{LibraryServerID: lib.ServerID, Routine: routine}
		return s.forward.Call(ctx, rpc.MethodAttachRoutine, req, &attachRoutineResponse{})
	})
	if err != nil {
		return nil, err
	}
	return &Routine{session: s, handle: handle}, nil
}

// Terminate ends the session: if Stage 2 was ever reached, it asks the
// guest to shut down and closes both channels. Terminate is idempotent
// and safe to call from a signal handler or multiple goroutines (spec
// §6 "terminate is idempotent").
func (s *Session) Terminate(ctx context.Context) error {
	var err error
	s.terminateOnce.Do(func() {
		close(s.stopSignals)

		s.mu.Lock()
		stage := s.stage
		s.mu.Unlock()
		if stage != 2 {
			return
		}

		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.TimeoutStop)
		defer cancel()
		if callErr := s.forward.Call(stopCtx, rpc.MethodTerminate, struct{}{}, nil); callErr != nil &&
			!rpcerror.Is(callErr, rpcerror.TransportClosed) {
			err = callErr
		}
		s.forward.Close()
		s.reverse.Close()
	})
	return err
}
