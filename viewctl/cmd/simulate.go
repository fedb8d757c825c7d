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

package cmd

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/machine"
	"gvisor.dev/altp2m/viewctl/cmd/util"
	"gvisor.dev/altp2m/viewctl/config"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run a scenario of view operations and check their outcomes"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] <scenario.yaml|scenario.toml> - run a scenario.

Each step of the scenario is an operation on the view registry of a fresh
domain, with an optional expected outcome. The command fails at the first step
whose outcome does not match.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.quiet, "quiet", false, "only report failures.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	path := f.Arg(0)

	sc, err := LoadScenario(path)
	if err != nil {
		return util.Errorf("loading scenario: %v", err)
	}
	name := sc.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	m, err := machine.New(machineOpts(conf, name, sc))
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}

	r := &Runner{M: m, Out: os.Stdout, Quiet: s.quiet}
	runErr := r.Run(ctx, sc)
	if err := m.Destroy(); err != nil {
		return util.Errorf("destroying machine: %v", err)
	}
	if runErr != nil {
		return util.Errorf("scenario %s failed: %v", name, runErr)
	}
	log.Infof("scenario %s: %d steps passed", name, len(sc.Steps))
	return subcommands.ExitSuccess
}
