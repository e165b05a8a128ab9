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

// Package config defines the on-disk session configuration schema and
// its TOML loader (spec §6 "session construction accepts... a config
// object"; the original implementation's per-session INI file is kept
// as a TOML document here).
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wbridge/wbridge/pkg/log"
	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// Session holds everything needed to provision and attach to a guest
// process for one session (spec §4.G, §6).
type Session struct {
	// ID identifies the session directory and, by extension, the guest
	// process's working directory.
	ID string `toml:"id"`
	// Arch is the target architecture ("x86" or "x86_64"), fixing
	// pointer width for typedesc.Width computations.
	Arch string `toml:"arch"`
	// GuestVersion selects which guest runtime provisioning should use,
	// mirroring the original implementation's pinned Wine/Python build.
	GuestVersion string `toml:"guest_version"`
	// LogLevel is the 0-2 verbosity scale log.Level models.
	LogLevel int `toml:"log_level"`
	// LogWrite is the log_write setting. It is loaded and defaulted here
	// but nothing reads it: the guest's stdout/stderr are always drained
	// into the session log at debug level and are not written to a file.
	LogWrite bool `toml:"log_write"`
	// TimeoutStart bounds how long Stage 2 attach waits for the guest's
	// control socket to accept connections.
	TimeoutStart time.Duration `toml:"timeout_start"`
	// TimeoutStop bounds how long terminate waits for the guest process
	// to exit after being asked to.
	TimeoutStop time.Duration `toml:"timeout_stop"`
	// PortSocketWine and PortSocketUnix are the forward and reverse
	// control ports respectively (0 selects an ephemeral port).
	PortSocketWine int `toml:"port_socket_wine"`
	PortSocketUnix int `toml:"port_socket_unix"`
}

// Default returns a Session with the original implementation's
// documented defaults (30s start timeout, 5s stop timeout, info-level
// logging, log_write disabled).
func Default(id string) Session {
	return Session{
		ID:           id,
		Arch:         "x86_64",
		LogLevel:     int(log.LevelInfo),
		LogWrite:     false,
		TimeoutStart: 30 * time.Second,
		TimeoutStop:  5 * time.Second,
	}
}

// Load parses a Session out of the TOML document at path.
func Load(path string) (Session, error) {
	var s Session
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Session{}, rpcerror.Wrap(rpcerror.LoadFailed, err, "loading session config %q", path)
	}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate rejects configurations that would not produce a workable
// session (spec §5 edge cases: "configuration error" surfaces early,
// before the guest is even provisioned).
func (s Session) Validate() error {
	if s.ID == "" {
		return rpcerror.New(rpcerror.MemsyncSyntax, "session id must not be empty")
	}
	switch s.Arch {
	case "x86", "x86_64":
	default:
		return rpcerror.New(rpcerror.TypeUnsupported, "unsupported arch %q", s.Arch)
	}
	if s.LogLevel < int(log.LevelError) || s.LogLevel > int(log.LevelDebug) {
		return rpcerror.New(rpcerror.TypeUnsupported, "log_level %d out of range", s.LogLevel)
	}
	return nil
}

// Save writes s to path as TOML, creating or truncating it.
func Save(path string, s Session) error {
	return writeTOML(path, s)
}
