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

// Package rpctest provides an in-memory client/server Channel pair,
// connected by net.Pipe, so component tests can exercise pkg/session's
// forward-call and reverse-callback plumbing without a real guest
// process or socket (spec §8 scenarios 1-6 are all expressed in terms
// of this pair).
package rpctest

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/rpc"
)

// Pair is a connected client/server Channel pair plus the cancellation
// for their Serve loops.
type Pair struct {
	Client *rpc.Channel
	Server *rpc.Channel

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Pair and starts both Channels' Serve loops. Call
// Close when the test is done to release the goroutines.
func New() *Pair {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pair{
		Client: rpc.NewChannel(clientConn, log.New(nil, log.LevelDebug, logrus.Fields{"side": "client"})),
		Server: rpc.NewChannel(serverConn, log.New(nil, log.LevelDebug, logrus.Fields{"side": "server"})),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.Client.Serve(ctx) //nolint:errcheck
	go func() {
		defer close(p.done)
		p.Server.Serve(ctx) //nolint:errcheck
	}()

	return p
}

// Close tears down both ends of the pair.
func (p *Pair) Close() {
	p.cancel()
	p.Client.Close()
	p.Server.Close()
	<-p.done
}
