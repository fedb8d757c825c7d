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

// Package errors holds the standardized error definition for altp2m.
//
// Every recoverable error carries the host errno that a hypercall returning
// it would report, so callers may match either the sentinel *Error or the
// errno with the standard errors.Is.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is reports whether target is the errno carried by e. Identity with
// another *Error is handled by errors.Is itself.
func (e *Error) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && errno == e.errno
}

// ToErrno returns the errno carried by err, or EIO if err does not carry
// one. A nil err yields zero.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.errno
		case unix.Errno:
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return unix.EIO
}
