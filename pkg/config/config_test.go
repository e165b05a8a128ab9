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

package config_test

import (
	"path/filepath"
	"testing"

	"github.com/wbridge/wbridge/pkg/config"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := config.Default("sess-1")
	s.PortSocketWine = 9000
	s.PortSocketUnix = 9001

	path := filepath.Join(t.TempDir(), "session.toml")
	if err := config.Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != s {
		t.Fatalf("Load() = %+v, want %+v", got, s)
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	s := config.Default("")
	if err := s.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for empty id")
	}
}

func TestValidateRejectsUnknownArch(t *testing.T) {
	s := config.Default("sess-1")
	s.Arch = "sparc"
	if err := s.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unsupported arch")
	}
}
