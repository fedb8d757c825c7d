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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/altp2m/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller and displayed to the user.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	os.Exit(128)
}

// Errorf logs the error to --log, to stderr, and to the debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
}
