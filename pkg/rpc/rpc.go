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

// Package rpc implements component A: the synchronous control channel
// between the host client and the guest server, plus the reverse
// endpoint the guest uses to invoke a registered callback while a
// forward call is still outstanding (spec §4.A). The channel is
// full-duplex and envelope-multiplexed so a nested callback_invoke can
// be serviced without blocking on the original call's reply.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Well-known methods (spec §4.A, §4.F, §6).
const (
	MethodLoadLibrary    = "load_library"
	MethodAttachRoutine  = "attach_routine"
	MethodSetTypes       = "set_types"
	MethodSetMemsync     = "set_memsync"
	MethodCallRoutine    = "call_routine"
	MethodCallbackInvoke = "callback_invoke"
	MethodServerStatus   = "server_status"
	MethodTerminate      = "terminate"
)

// envelope is the on-wire frame. Every message, request or reply, going
// either direction, uses the same shape; ID correlates a reply to the
// call that produced it and IsReply distinguishes the two.
type envelope struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	IsReply bool            `json:"is_reply,omitempty"`
	Err     *rpcerror.Wire  `json:"err,omitempty"`
}

// HandlerFunc services an incoming call (forward, on the server side, or
// reverse callback_invoke, on the client side) and returns the reply
// payload or a tagged error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// nestedCallKey marks a context as running inside a handler that dispatch
// invoked. A host callback target may itself call back into another
// routine through the same session (spec §4.F, §8 "callback reentering
// into another DLL routine on the same session"); the nested Call this
// produces must not block on sem against the outstanding forward call it
// is running underneath, or the two would deadlock each other.
type nestedCallKey struct{}

func withNestedCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, nestedCallKey{}, true)
}

func isNestedCall(ctx context.Context) bool {
	v, _ := ctx.Value(nestedCallKey{}).(bool)
	return v
}

// Channel is a full-duplex, multiplexed control connection. A single
// Channel value is used both to place forward calls and to service
// calls the peer places on it (spec §4.F "reverse channel").
type Channel struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	writeMu sync.Mutex
	nextID  uint64

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	// sem enforces the single-in-flight-forward-call rule (spec
	// "Concurrency & Resource Model": one outstanding non-reentrant
	// routine invocation per session). Reverse calls arriving while a
	// forward call is outstanding bypass sem entirely, since servicing
	// them is what lets the outstanding call complete.
	sem *semaphore.Weighted

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	log *log.Logger
}

// NewChannel wraps conn as a Channel. Serve must be run (typically in its
// own goroutine) before any Call will receive a reply.
func NewChannel(conn net.Conn, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.New(nil, log.LevelInfo, nil)
	}
	return &Channel{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		dec:      json.NewDecoder(bufio.NewReader(conn)),
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[uint64]chan envelope),
		sem:      semaphore.NewWeighted(1),
		closed:   make(chan struct{}),
		log:      logger.With(logrus.Fields{"component": "rpc"}),
	}
}

// Handle registers h to service incoming calls for method.
func (c *Channel) Handle(method string, h HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// Serve reads envelopes until the connection closes or ctx is canceled,
// dispatching replies to waiting Call invocations and incoming calls to
// their registered handler. It returns nil when the peer closes the
// connection cleanly (io.EOF); any other read failure, including one
// caused by a local Close or by ctx being canceled, is returned as a
// TransportClosed error.
func (c *Channel) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	for {
		var env envelope
		if err := c.dec.Decode(&env); err != nil {
			closeErr := rpcerror.Wrap(rpcerror.TransportClosed, err, "channel closed while reading")
			c.shutdown(closeErr)
			if err == io.EOF {
				return nil
			}
			return closeErr
		}
		if env.IsReply {
			c.deliver(env)
			continue
		}
		go c.dispatch(ctx, env)
	}
}

func (c *Channel) deliver(env envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Channel) dispatch(ctx context.Context, env envelope) {
	c.handlersMu.RLock()
	h, ok := c.handlers[env.Method]
	c.handlersMu.RUnlock()

	reply := envelope{ID: env.ID, IsReply: true}
	if !ok {
		reply.Err = toWire(rpcerror.New(rpcerror.AttributeMissing, "no handler registered for method %q", env.Method))
	} else {
		result, err := h(withNestedCall(ctx), env.Payload)
		if err != nil {
			reply.Err = toWire(err)
		} else {
			raw, merr := json.Marshal(result)
			if merr != nil {
				reply.Err = toWire(rpcerror.Wrap(rpcerror.TypeUnsupported, merr, "encoding reply for %q", env.Method))
			} else {
				reply.Payload = raw
			}
		}
	}
	if err := c.send(reply); err != nil {
		c.log.Warningf("failed to send reply for %q: %v", env.Method, err)
	}
}

func toWire(err error) *rpcerror.Wire {
	var e *rpcerror.Error
	if rpcerror.As(err, &e) {
		w := e.ToWire()
		return &w
	}
	w := rpcerror.New(rpcerror.RemoteRaised, "%v", err).ToWire()
	return &w
}

func (c *Channel) send(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(env)
}

// Call places a forward call for method with req marshaled as the
// payload, decoding the reply into resp (which may be nil). Only one
// top-level forward Call may be outstanding on a Channel at a time; a
// second concurrent top-level caller blocks on sem until the first
// completes, per the single-in-flight rule (spec "Non-goals: no
// async/parallel invocation of a single routine"). A Call made from
// within a dispatch-invoked handler (ctx carries the nested-call marker
// dispatch attaches) skips the gate entirely: it is already serialized
// behind whichever outstanding call caused the peer to invoke that
// handler in the first place, and waiting for sem here would deadlock
// against that same call.
func (c *Channel) Call(ctx context.Context, method string, req, resp interface{}) error {
	if !isNestedCall(ctx) {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return rpcerror.Wrap(rpcerror.TransportTimeout, err, "waiting to acquire call slot for %q", method)
		}
		defer c.sem.Release(1)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return rpcerror.Wrap(rpcerror.TypeUnsupported, err, "encoding request for %q", method)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(envelope{ID: id, Method: method, Payload: payload}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rpcerror.Wrap(rpcerror.TransportClosed, err, "sending call %q", method)
	}

	select {
	case env := <-ch:
		if env.Err != nil {
			return rpcerror.FromWire(*env.Err)
		}
		if resp != nil && len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, resp); err != nil {
				return rpcerror.Wrap(rpcerror.TypeUnsupported, err, "decoding reply for %q", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rpcerror.Wrap(rpcerror.TransportTimeout, ctx.Err(), "waiting for reply to %q", method)
	case <-c.closed:
		return c.closeErr
	}
}

// Close shuts the channel down, unblocking any outstanding Call and
// Serve. Calling Close more than once, or after a peer-initiated close,
// is a no-op (spec §6 "terminate is idempotent").
func (c *Channel) Close() error {
	c.shutdown(rpcerror.New(rpcerror.TransportClosed, "channel closed locally"))
	return c.conn.Close()
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// RemoteAddr reports the peer address, used for session log lines.
func (c *Channel) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return fmt.Sprintf("%s", c.conn.RemoteAddr())
}
