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
	"github.com/wbridge/wbridge/pkg/callback"
	"github.com/wbridge/wbridge/pkg/config"
	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/registry"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/typedesc"
)

// NewAttached builds a Session already in Stage 2, wired directly to an
// existing forward/reverse Channel pair. It exists for component tests
// (this package's own, and pkg/rpc/rpctest-based tests elsewhere) that
// need a complete Session without a real guest process or Launcher.
func NewAttached(cfg config.Session, forward, reverse *rpc.Channel) *Session {
	arch := typedesc.X86_64
	if cfg.Arch == "x86" {
		arch = typedesc.X86
	}
	s := &Session{
		cfg:         cfg,
		arch:        arch,
		log:         log.New(nil, log.Level(cfg.LogLevel), nil),
		registry:    registry.New(),
		callbacks:   callback.New(),
		typeCache:   typedesc.NewCache(),
		stage:       2,
		forward:     forward,
		reverse:     reverse,
		readyCh:     make(chan struct{}),
		stopSignals: make(chan struct{}),
	}
	close(s.readyCh)
	reverse.Handle(rpc.MethodServerStatus, s.handleServerStatus)
	reverse.Handle(rpc.MethodCallbackInvoke, s.handleCallbackInvoke)
	return s
}
