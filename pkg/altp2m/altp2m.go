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

// Package altp2m maintains the alternate physical-memory views of a domain.
//
// A domain has MaxViews view slots. Each occupied slot holds a View: an
// alternate guest-physical to machine translation table together with the
// number of vCPUs currently bound to it. Slot 0 is the default view. It is
// never destroyed while the subsystem is enabled, and every vCPU is bound to
// it when its binding is initialized.
//
// Lock ordering:
//
//	vCPU pauses (Scheduler)
//		Domain.mu
//
// All mutations of the slot array and of vCPU bindings happen with Domain.mu
// held. A view's active vCPU count is an atomic, read without Domain.mu. Slot
// contents and vCPU bindings are read without any lock on the translation
// path, so both are stored atomically.
//
// Destroying a view and switching the domain to another view both first
// pause every vCPU other than the caller, so that no vCPU is translating
// through a view whose count is about to be inspected or changed.
package altp2m

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/altp2m/pkg/errors"
	"gvisor.dev/altp2m/pkg/hostarch"
)

// MaxViews is the number of view slots of a domain.
const MaxViews = 10

// Unbound is the binding of a vCPU that is not bound to any view.
const Unbound = ^uint32(0)

// Table is the translation table of a view.
type Table interface {
	// Translate returns the machine frame backing gfn.
	Translate(gfn hostarch.GFN) (hostarch.MFN, bool)

	// Release frees the table. It cannot fail.
	Release()
}

// TableFactory constructs view tables.
type TableFactory interface {
	// NewTable returns an empty table. An error means the table could not
	// be allocated.
	NewTable() (Table, error)
}

// TableFactoryFunc is an adapter to allow the use of ordinary functions as
// TableFactory.
type TableFactoryFunc func() (Table, error)

// NewTable implements TableFactory.NewTable.
func (f TableFactoryFunc) NewTable() (Table, error) {
	return f()
}

// Scheduler pauses and resumes the vCPUs of a domain.
//
// Pauses nest. PauseVCPU and PauseAllExcept do not return until the paused
// vCPUs have stopped running guest code.
type Scheduler interface {
	// PauseVCPU pauses a vCPU other than the caller.
	PauseVCPU(id int)

	// ResumeVCPU undoes PauseVCPU.
	ResumeVCPU(id int)

	// PauseAllExcept pauses every vCPU but self. self is sched.NoVCPU
	// when the caller is not a vCPU.
	PauseAllExcept(self int)

	// ResumeAllExcept undoes PauseAllExcept.
	ResumeAllExcept(self int)
}

// Errors returned by registry operations.
var (
	// ErrInvalidIndex is returned for a slot index outside [0, MaxViews).
	ErrInvalidIndex = errors.New(unix.EINVAL, "view index out of range")

	// ErrAlreadyExists is returned when creating a view in an occupied slot.
	ErrAlreadyExists = errors.New(unix.EEXIST, "view already exists")

	// ErrNotFound is returned when the slot holds no view.
	ErrNotFound = errors.New(unix.ENOENT, "no such view")

	// ErrNoCapacity is returned when every slot is occupied.
	ErrNoCapacity = errors.New(unix.ENOSPC, "no free view slot")

	// ErrBusy is returned when destroying the default view, or a view that
	// vCPUs are bound to.
	ErrBusy = errors.New(unix.EBUSY, "view in use")

	// ErrOutOfMemory is returned when a view table cannot be allocated.
	ErrOutOfMemory = errors.New(unix.ENOMEM, "out of memory for view table")
)

// validIndex returns true if idx names a slot.
func validIndex(idx int) bool {
	return idx >= 0 && idx < MaxViews
}
