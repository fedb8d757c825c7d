// Copyright 2018 The gVisor Authors.
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

// Package cli is the main entrypoint for viewctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/altp2m/pkg/eventchannel"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/metric"
	"gvisor.dev/altp2m/pkg/refs"
	"gvisor.dev/altp2m/viewctl/cmd"
	"gvisor.dev/altp2m/viewctl/cmd/util"
	"gvisor.dev/altp2m/viewctl/config"
)

// eventBurst is the burst size of the --event-rate limiter.
const eventBurst = 16

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf(err.Error())
	}

	var errorLogger io.Writer
	if conf.LogFilename != "" {
		// Several runs may share one log file, so append rather than
		// truncate.
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		errorLogger = f
	}
	util.ErrorLogger = errorLogger

	refs.SetLeakMode(conf.ReferenceLeak)

	subcommand := flag.CommandLine.Arg(0)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if errorLogger != nil {
		emitters = append(emitters, mustEmitter(conf.LogFormat, errorLogger))
	}
	if len(conf.DebugLog) > 0 {
		f, err := log.OpenFile(conf.DebugLog, log.FileOpts{
			Command:   subcommand,
			Timestamp: time.Now(),
		})
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, mustEmitter(conf.DebugLogFormat, f))
	}
	if conf.AlsoLogToStderr || len(emitters) == 0 {
		emitters = append(emitters, mustEmitter(conf.DebugLogFormat, os.Stderr))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** viewctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, UID %d, GID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: %#x (%d bytes)", hostarch.PageSize, hostarch.PageSize)
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	var events *eventchannel.RateLimitedEmitter
	if conf.EventLog != "" {
		f, err := os.OpenFile(conf.EventLog, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			util.Fatalf("error opening event log %q: %v", conf.EventLog, err)
		}
		inner := eventchannel.StreamEmitter(f)
		if conf.EventRate > 0 {
			events = eventchannel.RateLimitedEmitterFrom(inner, conf.EventRate, eventBurst)
			eventchannel.AddEmitter(events)
		} else {
			eventchannel.AddEmitter(inner)
		}
	}

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)

	// Check for leaks before os.Exit().
	refs.DoLeakCheck()
	if events != nil && events.Dropped() > 0 {
		log.Warningf("Dropped %d lifecycle events over --event-rate", events.Dropped())
	}
	if err := eventchannel.DefaultEmitter.Close(); err != nil {
		log.Warningf("Closing event log: %v", err)
	}
	if conf.MetricsFile != "" {
		if err := writeMetrics(conf.MetricsFile); err != nil {
			log.Warningf("Writing metrics to %q: %v", conf.MetricsFile, err)
			if subcmdCode == subcommands.ExitSuccess {
				subcmdCode = subcommands.ExitFailure
			}
		}
	}
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// viewctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Simulate), "")
	cb(new(cmd.Stress), "")
}

func mustEmitter(format string, w io.Writer) log.Emitter {
	e, err := log.NewEmitter(format, w)
	if err != nil {
		util.Fatalf("%v", err)
	}
	return e
}

func writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
