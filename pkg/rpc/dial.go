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

package rpc

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// dialer sets SO_REUSEADDR on the control socket so a restarted guest
// server can immediately rebind the port a previous, newly-terminated
// session held (spec §6: a session's guest process cycles through
// TIME_WAIT on every terminate/relaunch).
var dialer = net.Dialer{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	},
}

// DialReady repeatedly dials network/addr at a constant 10ms interval
// until it succeeds or ctx is canceled, used to wait out the window
// between launching the guest process and its control socket accepting
// connections (spec §6 "Stage 2: guest-attached" startup).
func DialReady(ctx context.Context, network, addr string) (net.Conn, error) {
	b := backoff.WithContext(&backoff.ConstantBackOff{Interval: 10 * time.Millisecond}, ctx)

	var conn net.Conn
	op := func() error {
		c, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TransportTimeout, err, "dialing %s %s", network, addr)
	}
	return conn, nil
}

// ReconnectLimiter paces repeated reconnection attempts after a
// mid-session transport loss so a wedged guest cannot be hammered with
// a dial-per-microsecond retry loop. One token every 50ms, five times
// the 10ms interval DialReady uses for the initial handshake.
func ReconnectLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
}

// Reconnect waits for a limiter token and then dials once. Callers loop
// on Reconnect until it succeeds or their own give-up deadline expires.
func Reconnect(ctx context.Context, limiter *rate.Limiter, network, addr string) (net.Conn, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, rpcerror.Wrap(rpcerror.TransportTimeout, err, "waiting for reconnect slot")
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.TransportClosed, err, "reconnecting to %s %s", network, addr)
	}
	return conn, nil
}
