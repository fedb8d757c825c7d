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

// Package config provides basic infrastructure to set configuration settings
// for viewctl. Each setting that can be changed from the command line must
// have a corresponding flag registered by RegisterFlags, and the field must
// carry a `flag` tag naming it.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/refs"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// VCPUs is the number of vCPUs of the simulated domain.
	VCPUs int `flag:"vcpus"`

	// GuestFrames is the number of guest frames mapped by the host table.
	GuestFrames uint64 `flag:"guest-frames"`

	// Frames is the size of the table frame pool.
	Frames int `flag:"frames"`

	// FramesPerTable is the number of pool frames each translation table
	// takes.
	FramesPerTable int `flag:"frames-per-table"`

	// EventLog is the file lifecycle events are streamed to, if not empty.
	EventLog string `flag:"event-log"`

	// EventRate limits events per second written to EventLog. Zero means no
	// limit.
	EventRate float64 `flag:"event-rate"`

	// MetricsFile is the file metrics are written to on exit, if not empty.
	MetricsFile string `flag:"metrics-file"`
}

func (c *Config) validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"log-format", c.LogFormat},
		{"debug-log-format", c.DebugLogFormat},
	} {
		if f.value != "text" && f.value != "json" {
			return fmt.Errorf("invalid --%s %q, must be 'text' or 'json'", f.name, f.value)
		}
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("--vcpus must be positive, got %d", c.VCPUs)
	}
	if c.FramesPerTable <= 0 {
		return fmt.Errorf("--frames-per-table must be positive, got %d", c.FramesPerTable)
	}
	// The host table and the default view must always fit.
	if need := 2 * c.FramesPerTable; c.Frames < need {
		return fmt.Errorf("--frames must be at least %d, got %d", need, c.Frames)
	}
	if c.EventRate < 0 {
		return fmt.Errorf("--event-rate must not be negative, got %v", c.EventRate)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.fields() {
		log.Infof("\t%s: %s", f.name, f.value)
	}
}
