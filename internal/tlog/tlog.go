// Copyright The tracexec Authors.
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

// Package tlog is tracexec's own diagnostic logger: a logrus instance
// pointed at a flock-guarded file under the data directory, with an
// optional mirror to the systemd journal when running under a unit, and a
// TRACEXEC_LOGLEVEL environment override. This is strictly the tool's own
// operational log, not the traced-event output (see internal/output for
// that).
package tlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger plus the file lock guarding concurrent
// writers (e.g. a `log` run and a `tui` run sharing one data directory).
type Logger struct {
	*logrus.Logger
	lock *flock.Flock
	file *os.File
}

// Options configures Open.
type Options struct {
	// DataDir is the directory holding tracexec.log; the caller (internal/config.DataDir)
	// resolves TRACEXEC_DATA/XDG before this is called.
	DataDir string
	// JSON switches the file formatter from text to JSON lines.
	JSON bool
	// Journal mirrors every entry to the systemd journal in addition to
	// the file, when the journal is reachable.
	Journal bool
}

// Open creates (or appends to) data/tracexec.log under an exclusive
// advisory lock, so two tracexec processes sharing a data directory never
// interleave writes mid-line. The level is taken from TRACEXEC_LOGLEVEL
// (trace|debug|info|warn|error), defaulting to info.
func Open(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("tlog: create data dir %s: %w", opts.DataDir, err)
	}
	path := filepath.Join(opts.DataDir, "tracexec.log")
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("tlog: lock %s: %w", path+".lock", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("tlog: open %s: %w", path, err)
	}

	var out io.Writer = f
	l := logrus.New()
	if opts.Journal && journal.Enabled() {
		out = io.MultiWriter(f, &journalWriter{})
	}
	l.SetOutput(out)
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetLevel(levelFromEnv())

	return &Logger{Logger: l, lock: lock, file: f}, nil
}

// Close flushes the file and releases the advisory lock.
func (l *Logger) Close() error {
	err := l.file.Close()
	if uerr := l.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("TRACEXEC_LOGLEVEL")) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// journalWriter adapts the line-oriented io.Writer logrus expects to
// journal.Send, used only when a systemd journal is reachable (e.g.
// tracexec running as a unit or under a user session with one).
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(strings.TrimRight(string(p), "\n"), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}
