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

// Package log provides the small logging call surface used throughout
// wbridge, backed by logrus. Every session owns one Logger instance so
// that log lines from concurrent sessions never interleave under a shared
// global logger.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the original implementation's 0-2 integer log_level, kept
// distinct from logrus.Level so session config stays wire-compatible with
// the zero/one/two verbosity scale documented in the original source.
type Level int

const (
	// LevelError only logs failures.
	LevelError Level = 0
	// LevelInfo additionally logs lifecycle transitions (stage changes,
	// library loads, routine attaches).
	LevelInfo Level = 1
	// LevelDebug additionally logs every RPC call and its payload sizes.
	LevelDebug Level = 2
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.ErrorLevel
	}
}

// Logger is the subset of logrus used across components. A Session carries
// one, pre-tagged with its session id.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger writing to w (or os.Stderr if w is nil) at the given
// level, tagged with the given fields.
func New(w io.Writer, level Level, fields logrus.Fields) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level.logrusLevel())
	return &Logger{entry: base.WithFields(fields)}
}

// With returns a child Logger with additional fields merged in.
func (l *Logger) With(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warningf logs at warn level.
func (l *Logger) Warningf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
