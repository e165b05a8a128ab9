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

package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/wbridge/wbridge/pkg/rpcerror"
)

func writeTOML(path string, s Session) error {
	f, err := os.Create(path)
	if err != nil {
		return rpcerror.Wrap(rpcerror.LoadFailed, err, "creating session config %q", path)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return rpcerror.Wrap(rpcerror.LoadFailed, err, "writing session config %q", path)
	}
	return nil
}
