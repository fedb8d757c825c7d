// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts struct {
	// Command replaces %COMMAND% in the pattern.
	Command string

	// Timestamp replaces %TIMESTAMP% in the pattern.
	Timestamp time.Time
}

// Build constructs the log file path based on the given pattern. A pattern
// ending in '/' names a directory, in which a default file name is created.
func (o FileOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "viewctl.log.%TIMESTAMP%.%COMMAND%"
	}
	r := strings.NewReplacer(
		"%TIMESTAMP%", o.Timestamp.Format("20060102-150405.000000"),
		"%COMMAND%", o.Command,
	)
	return r.Replace(logPattern)
}

// OpenFile opens a log file for appending. It uses `opts` to construct the
// log file path based on the given `logPattern`. An empty pattern returns a
// nil file and no error.
func OpenFile(logPattern string, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	// Replace variables in the log pattern.
	logPath := opts.Build(logPattern)

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}

// NewEmitter returns an Emitter writing to w in the given format: "text"
// (glog style) or "json".
func NewEmitter(format string, w io.Writer) (Emitter, error) {
	switch format {
	case "text":
		return GoogleEmitter{&Writer{Next: w}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: w}}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
	}
}
