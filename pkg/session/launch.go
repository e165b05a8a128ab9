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
	"io"
	"path/filepath"
	"time"

	"github.com/containerd/fifo"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/wbridge/wbridge/pkg/config"
	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Launcher starts (or locates) the guest process for a session and
// returns its stdout/stderr log streams. Concrete guest provisioning --
// building or locating the Wine prefix, the interpreter, and the
// bridge's own server-side package -- is out of scope for this module;
// Launcher is the seam a real provisioner plugs into, and the command
// line it runs is the one documented for the guest entrypoint (`-m
// server --id <id> --port_socket_wine <p> --port_socket_unix <p>
// --log_level <n> --log_write <0|1> --timeout_start <secs>`).
type Launcher interface {
	Launch(ctx context.Context, cfg config.Session) (stdout, stderr io.ReadCloser, err error)
}

// FifoLauncher assumes an external provisioner has already created (or
// will create) named pipes at <Dir>/stdout and <Dir>/stderr for the
// guest process's standard streams, and opens them through
// containerd/fifo so Launch never blocks the session goroutine waiting
// for the guest to start writing. Dir also holds the provisioning lock
// file, so two sessions racing to provision the same guest directory
// serialize instead of corrupting each other's prefix.
type FifoLauncher struct {
	Dir string
}

// Launch implements Launcher.
func (l FifoLauncher) Launch(ctx context.Context, cfg config.Session) (io.ReadCloser, io.ReadCloser, error) {
	lock := flock.New(filepath.Join(l.Dir, ".provision.lock"))
	locked, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.LoadFailed, err, "locking provisioning directory %q", l.Dir)
	}
	if !locked {
		return nil, nil, rpcerror.New(rpcerror.LoadFailed, "provisioning directory %q is held by another session", l.Dir)
	}
	defer lock.Unlock()

	stdout, err := fifo.OpenFifo(ctx, filepath.Join(l.Dir, "stdout"), unix.O_RDONLY|unix.O_NONBLOCK, 0o644)
	if err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.LoadFailed, err, "opening guest stdout pipe")
	}
	stderr, err := fifo.OpenFifo(ctx, filepath.Join(l.Dir, "stderr"), unix.O_RDONLY|unix.O_NONBLOCK, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, rpcerror.Wrap(rpcerror.LoadFailed, err, "opening guest stderr pipe")
	}
	return stdout, stderr, nil
}
