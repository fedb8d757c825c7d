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

// Package cmd holds implementations of the viewctl commands.
package cmd

import (
	"gvisor.dev/altp2m/pkg/machine"
	"gvisor.dev/altp2m/pkg/refs"
	"gvisor.dev/altp2m/viewctl/config"
)

// machineOpts returns the machine shape given by conf, overridden by the
// non-zero fields of sc if sc is not nil.
func machineOpts(conf *config.Config, name string, sc *Scenario) machine.Opts {
	opts := machine.Opts{
		Name:           name,
		VCPUs:          conf.VCPUs,
		GuestFrames:    conf.GuestFrames,
		Frames:         conf.Frames,
		FramesPerTable: conf.FramesPerTable,
		LogRefs:        conf.Debug && conf.ReferenceLeak != refs.NoLeakChecking,
	}
	if sc == nil {
		return opts
	}
	if sc.VCPUs != 0 {
		opts.VCPUs = sc.VCPUs
	}
	if sc.GuestFrames != 0 {
		opts.GuestFrames = sc.GuestFrames
	}
	if sc.Frames != 0 {
		opts.Frames = sc.Frames
	}
	if sc.FramesPerTable != 0 {
		opts.FramesPerTable = sc.FramesPerTable
	}
	return opts
}
