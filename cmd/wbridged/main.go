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

// Command wbridged is the guest-side control process: it listens for the
// host's forward connection, dials back for the reverse connection,
// announces readiness, and services load_library/attach_routine/
// call_routine/terminate against the guest's real native libraries
// (spec §4.E, §4.A, §6). Guest provisioning and the Wine runtime itself
// are out of scope (spec §1 Non-goals); this binary assumes it is
// already running inside the target environment under the ports an
// external launcher (pkg/session.Launcher) chose for it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/rpc"
	"github.com/wbridge/wbridge/pkg/typedesc"
)

func main() {
	var (
		mode         string
		id           string
		portWine     int
		portUnix     int
		logLevel     int
		logWrite     bool
		arch         string
		timeoutStart int
	)
	flag.StringVar(&mode, "m", "server", "run mode (only \"server\" is implemented)")
	flag.StringVar(&id, "id", "", "session id, for log correlation only")
	flag.IntVar(&portWine, "port_socket_wine", 0, "port this process listens on for the host's forward connection")
	flag.IntVar(&portUnix, "port_socket_unix", 0, "port the host listens on for the reverse connection")
	flag.IntVar(&logLevel, "log_level", 1, "log verbosity: 0=error 1=info 2=debug")
	flag.BoolVar(&logWrite, "log_write", false, "unused here; log persistence is the launcher's concern")
	flag.StringVar(&arch, "arch", "x86_64", "guest word size: x86 or x86_64")
	flag.IntVar(&timeoutStart, "timeout_start", 30, "seconds to wait for both legs of the handshake")
	flag.Parse()

	if mode != "server" {
		fmt.Fprintf(os.Stderr, "wbridged: unsupported mode %q\n", mode)
		os.Exit(2)
	}
	if portWine == 0 || portUnix == 0 {
		fmt.Fprintln(os.Stderr, "wbridged: -port_socket_wine and -port_socket_unix are required")
		os.Exit(2)
	}

	logger := log.New(os.Stderr, log.Level(logLevel), logrus.Fields{"session_id": id, "component": "wbridged"})

	guestArch := typedesc.X86_64
	if arch == "x86" {
		guestArch = typedesc.X86
	}
	g := newGuestServer(logger, guestArch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutStart)*time.Second)
	defer cancel()

	forward, err := acceptForward(ctx, portWine, logger)
	if err != nil {
		logger.Errorf("accepting host forward connection: %v", err)
		os.Exit(1)
	}
	g.registerHandlers(forward)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go forward.Serve(runCtx) //nolint:errcheck

	forward.Handle(rpc.MethodTerminate, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		logger.Infof("received terminate, shutting down")
		go func() {
			time.Sleep(10 * time.Millisecond)
			os.Exit(0)
		}()
		return struct{}{}, nil
	})

	reverseConn, err := rpc.DialReady(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", portUnix))
	if err != nil {
		logger.Errorf("dialing host reverse listener: %v", err)
		os.Exit(1)
	}
	reverse := rpc.NewChannel(reverseConn, logger)
	g.reverse = reverse
	go reverse.Serve(runCtx) //nolint:errcheck

	status := struct {
		Status string `json:"status"`
	}{Status: "up"}
	if err := reverse.Call(ctx, rpc.MethodServerStatus, status, nil); err != nil {
		logger.Errorf("reporting server_status=up: %v", err)
		os.Exit(1)
	}
	logger.Infof("session %q up, serving on wine=%d unix=%d", id, portWine, portUnix)

	select {}
}

func acceptForward(ctx context.Context, port int, logger *log.Logger) (*rpc.Channel, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return rpc.NewChannel(r.conn, logger), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
