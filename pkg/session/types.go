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
	"github.com/wbridge/wbridge/pkg/typedesc"
	"github.com/wbridge/wbridge/pkg/wire"
)

// loadLibraryRequest/loadLibraryResponse carry pkg/rpc.MethodLoadLibrary
// (spec §4.E): the guest loads name with the convention-appropriate
// loader and assigns it a stable per-process id.
type loadLibraryRequest struct {
	Name       string `json:"name"`
	Convention int    `json:"convention"`
}

type loadLibraryResponse struct {
	ServerID uint64 `json:"server_id"`
}

// attachRoutineRequest carries pkg/rpc.MethodAttachRoutine: the guest
// resolves Routine against the already-loaded library and fails with
// attribute_missing if it is not exported.
type attachRoutineRequest struct {
	LibraryServerID uint64 `json:"library_server_id"`
	Routine         string `json:"routine"`
}

type attachRoutineResponse struct{}

// callRoutineRequest/callRoutineResponse carry pkg/rpc.MethodCallRoutine
// (spec §4.A, §4.C). Types travel with every call rather than being
// bound server-side ahead of time, so a routine's argtypes/restype may
// be rebound between calls without any additional round trip (I1).
type callRoutineRequest struct {
	LibraryServerID uint64         `json:"library_server_id"`
	Routine         string         `json:"routine"`
	ArgTypes        []*typedesc.T  `json:"arg_types"`
	ReturnType      *typedesc.T    `json:"return_type"`
	UseErrno        bool           `json:"use_errno"`
	UseLastError    bool           `json:"use_last_error"`
	Payload         wire.CallPayload `json:"payload"`
}

type callRoutineResponse struct {
	Payload wire.ReturnPayload `json:"payload"`
	// Errno/LastErr carry the guest's raw error state after the call,
	// populated only when the routine declared use_errno/use_last_error
	// (SPEC_FULL §12).
	Errno   int64 `json:"errno,omitempty"`
	LastErr int64 `json:"last_error,omitempty"`
}
