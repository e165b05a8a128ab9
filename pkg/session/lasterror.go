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
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/wbridge/wbridge/pkg/registry"
	"github.com/wbridge/wbridge/pkg/rpcerror"
)

// setLastErrno records the most recent errno/GetLastError() value a
// use_errno/use_last_error routine call observed (SPEC_FULL §12,
// supplementing the original implementation's format_error/
// get_last_error/set_last_error/win_error family). The session
// serializes its forward calls to one in flight at a time (spec
// "Concurrency & Resource Model"), so a single value per Session -
// rather than per goroutine - is enough to mean "the last call's error".
func (s *Session) setLastErrno(code int64) { atomic.StoreInt64(&s.lastErrno, code) }

// GetLastError returns the session's current last-error value.
func (s *Session) GetLastError() int64 { return atomic.LoadInt64(&s.lastErrno) }

// SetLastError overrides the session's last-error value.
func (s *Session) SetLastError(code int64) { atomic.StoreInt64(&s.lastErrno, code) }

// FormatError renders code as a human-readable message. Win32
// FormatMessage text lives in guest-side resources this package cannot
// reach, so this is a best-effort POSIX errno rendering; callers that
// need the guest's own message should read it off the RemoteRaised
// error's Message field instead.
func (s *Session) FormatError(code int64) string {
	if code == 0 {
		return ""
	}
	msg := syscall.Errno(code).Error()
	if strings.HasPrefix(msg, "errno ") {
		return fmt.Sprintf("unknown error %d", code)
	}
	return msg
}

// WinError constructs a tagged remote_raised error carrying code (or the
// session's current last-error value, if code is nil) and its formatted
// message.
func (s *Session) WinError(code *int64) *rpcerror.Error {
	c := s.GetLastError()
	if code != nil {
		c = *code
	}
	return rpcerror.RemoteError(c, s.FormatError(c))
}

// FindLibrary is the find_library convenience wrapper (SPEC_FULL §12):
// load name as a plain cdecl module.
func (s *Session) FindLibrary(ctx context.Context, name string) (*registry.LibraryHandle, error) {
	return s.LoadLibrary(ctx, name, "cdll", nil)
}

// FindMsvcrt loads the guest's C runtime under its conventional name.
func (s *Session) FindMsvcrt(ctx context.Context) (*registry.LibraryHandle, error) {
	return s.LoadLibrary(ctx, "msvcrt", "cdll", nil)
}
