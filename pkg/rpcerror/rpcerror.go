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

// Package rpcerror defines the closed error taxonomy that crosses the
// client/server RPC boundary (spec §7). Every failure mode the core
// reports is one of these tags; none is ever silently downgraded to a
// generic error.
package rpcerror

import "fmt"

// Tag is one of the closed set of error classes that may cross the RPC
// boundary. Tags are transported as plain strings on the wire so that
// neither peer needs the other's concrete Go error types.
type Tag string

// The error taxonomy, verbatim from spec §7.
const (
	UnknownConvention Tag = "unknown_convention"
	LoadFailed        Tag = "load_failed"
	AttributeMissing  Tag = "attribute_missing"
	TypeUnsupported   Tag = "type_unsupported"
	TypeConflict      Tag = "type_conflict"
	MemsyncSyntax     Tag = "memsync_syntax"
	MemsyncResolve    Tag = "memsync_resolve"
	TransportTimeout  Tag = "transport_timeout"
	TransportClosed   Tag = "transport_closed"
	RemoteRaised      Tag = "remote_raised"
)

// Error is the concrete type carried locally for every tagged failure.
// RemoteRaised errors additionally carry the guest's native error code.
type Error struct {
	Tag     Tag
	Message string
	// Code is only meaningful for RemoteRaised: the guest's errno or
	// Win32 GetLastError() value at the point of failure.
	Code int64
	// Cause is the underlying error, if any (e.g. a transport read error
	// wrapped as TransportClosed). Not transported across the wire.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs a tagged error with no wrapped cause.
func New(tag Tag, format string, args ...interface{}) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged error around an existing error.
func Wrap(tag Tag, cause error, format string, args ...interface{}) *Error {
	return &Error{Tag: tag, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RemoteError constructs a RemoteRaised error carrying the guest's native
// error code, used by the §9 format_error/win_error family.
func RemoteError(code int64, message string) *Error {
	return &Error{Tag: RemoteRaised, Message: message, Code: code}
}

// Wire is the JSON-encodable transport shape of an Error: Cause never crosses
// the RPC boundary (spec §4.A: "remote_raised must transport an error
// taxonomy tag, not a language-specific exception object").
type Wire struct {
	Tag     Tag
	Message string
	Code    int64
}

// ToWire strips e down to its transportable fields.
func (e *Error) ToWire() Wire { return Wire{Tag: e.Tag, Message: e.Message, Code: e.Code} }

// FromWire reconstructs a local *Error from a Wire received over RPC.
func FromWire(w Wire) *Error { return &Error{Tag: w.Tag, Message: w.Message, Code: w.Code} }

// Is reports whether err is a tagged *Error with the given tag.
func Is(err error, tag Tag) bool {
	var e *Error
	return As(err, &e) && e.Tag == tag
}

// As is a thin convenience wrapper kept local so callers don't need two
// imports (errors + rpcerror) for the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
