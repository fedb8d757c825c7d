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

// Package sched provides the vCPU pause/resume primitives of a domain.
//
// A vCPU is either executing guest code (between Enter and Exit) or in the
// hypervisor. Pausing a vCPU is nestable: while its pause count is non-zero it
// cannot Enter, and PauseVCPU does not return until it has left guest mode.
// Once every pauser has returned, no paused vCPU can observe guest-visible
// state until it is resumed.
package sched

import (
	"context"
	"fmt"
	"sort"

	"gvisor.dev/altp2m/pkg/sync"
)

// NoVCPU is the identity of a caller that is not a vCPU, i.e. the control
// path.
const NoVCPU = -1

const (
	// vCPUReady is an alias for all the below clear.
	vCPUReady uint32 = 0

	// vCPUGuest indicates the vCPU is in guest mode.
	vCPUGuest uint32 = 1 << 0

	// vCPUWaiter indicates that there is a waiter.
	//
	// If this is set, then notify must be called on any state transitions.
	vCPUWaiter uint32 = 1 << 1
)

// vCPU is the scheduling state of a single vCPU.
type vCPU struct {
	// id is the vCPU id.
	id int

	// state is a bitmask of the vCPU* flags above.
	state uint32

	// paused is the nesting depth of pauses.
	paused int

	// entries is a count of guest entries (informational only).
	entries uint64

	// pauses is a count of pause requests (informational only).
	pauses uint64
}

// Scheduler holds the run state of all vCPUs of a domain.
type Scheduler struct {
	// mu protects all fields below.
	mu sync.Mutex

	// cond is notified on state transitions that have a waiter, and whenever
	// a pause count drops to zero.
	cond sync.Cond

	// vCPUs are the vCPUs, keyed by id.
	vCPUs map[int]*vCPU

	// ids are the keys of vCPUs in ascending order.
	ids []int
}

// New returns a scheduler with no vCPUs.
func New() *Scheduler {
	s := &Scheduler{
		vCPUs: make(map[int]*vCPU),
	}
	s.cond.L = &s.mu
	return s
}

// Add registers a vCPU. It starts outside of guest mode and unpaused.
//
// Precondition: no PauseAllExcept is outstanding.
func (s *Scheduler) Add(id int) {
	if id < 0 {
		panic(fmt.Sprintf("invalid vCPU id %d", id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vCPUs[id]; ok {
		panic(fmt.Sprintf("vCPU %d already registered", id))
	}
	s.vCPUs[id] = &vCPU{id: id}
	s.ids = append(s.ids, id)
	sort.Ints(s.ids)
}

// Remove unregisters a retired vCPU.
//
// Precondition: the vCPU is not in guest mode and not paused, and no
// PauseAllExcept is outstanding.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	if c.state&vCPUGuest != 0 || c.paused != 0 {
		panic(fmt.Sprintf("removing busy vCPU %d (state %#x, paused %d)", id, c.state, c.paused))
	}
	delete(s.vCPUs, id)
	i := sort.SearchInts(s.ids, id)
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
}

// get returns the vCPU with the given id.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) get(id int) *vCPU {
	c, ok := s.vCPUs[id]
	if !ok {
		panic(fmt.Sprintf("unknown vCPU %d", id))
	}
	return c
}

// notify wakes waiters if c has any.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) notify(c *vCPU) {
	if c.state&vCPUWaiter != 0 {
		c.state &^= vCPUWaiter
		s.cond.Broadcast()
	}
}

// Enter transitions the vCPU into guest mode, blocking while it is paused.
// It returns ctx.Err() if ctx is cancelled before the vCPU could enter.
func (s *Scheduler) Enter(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	if c.state&vCPUGuest != 0 {
		panic(fmt.Sprintf("vCPU %d entered guest mode twice", id))
	}
	if c.paused > 0 {
		// Cancellation must wake the wait below.
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
		for c.paused > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.cond.Wait()
		}
	}
	c.state |= vCPUGuest
	c.entries++
	return nil
}

// Exit transitions the vCPU out of guest mode.
func (s *Scheduler) Exit(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	if c.state&vCPUGuest == 0 {
		panic(fmt.Sprintf("vCPU %d exited guest mode without entering", id))
	}
	c.state &^= vCPUGuest
	s.notify(c)
}

// pauseLocked raises the pause count of c.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) pauseLocked(c *vCPU) {
	c.paused++
	c.pauses++
}

// waitLocked waits until c has left guest mode.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) waitLocked(c *vCPU) {
	for c.state&vCPUGuest != 0 {
		c.state |= vCPUWaiter
		s.cond.Wait()
	}
}

// resumeLocked drops one pause of c.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) resumeLocked(c *vCPU) {
	if c.paused == 0 {
		panic(fmt.Sprintf("vCPU %d resumed without being paused", c.id))
	}
	c.paused--
	if c.paused == 0 {
		s.cond.Broadcast()
	}
}

// PauseVCPU pauses the vCPU and waits until it has left guest mode.
//
// The caller must not be the vCPU itself: a vCPU cannot wait for its own
// exit.
func (s *Scheduler) PauseVCPU(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	s.pauseLocked(c)
	s.waitLocked(c)
}

// ResumeVCPU drops one pause of the vCPU, allowing it to enter guest mode
// once no pauses remain.
func (s *Scheduler) ResumeVCPU(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked(s.get(id))
}

// PauseAllExcept pauses every vCPU other than self, which may be NoVCPU, and
// waits until all of them have left guest mode.
//
// If self is a vCPU it must be in the hypervisor, not in guest mode. Two
// vCPUs may then pause each other concurrently without deadlock, since
// neither waits on a vCPU that is itself waiting.
func (s *Scheduler) PauseAllExcept(self int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if self != NoVCPU {
		if c := s.get(self); c.state&vCPUGuest != 0 {
			panic(fmt.Sprintf("vCPU %d pausing the domain from guest mode", self))
		}
	}
	// Raise all pause counts first so that nothing re-enters while we
	// wait for the stragglers.
	for _, id := range s.ids {
		if id != self {
			s.pauseLocked(s.vCPUs[id])
		}
	}
	for _, id := range s.ids {
		if id != self {
			s.waitLocked(s.vCPUs[id])
		}
	}
}

// ResumeAllExcept undoes PauseAllExcept(self).
//
// Precondition: no vCPU was added or removed since PauseAllExcept(self).
func (s *Scheduler) ResumeAllExcept(self int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if id != self {
			s.resumeLocked(s.vCPUs[id])
		}
	}
}

// Stats is a snapshot of the state of a vCPU.
type Stats struct {
	// InGuest is true if the vCPU is between Enter and Exit.
	InGuest bool

	// Paused is the current pause nesting depth.
	Paused int

	// Entries is the number of guest entries so far.
	Entries uint64

	// Pauses is the number of pause requests so far.
	Pauses uint64
}

// Stats returns a snapshot of the vCPU.
func (s *Scheduler) Stats(id int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	return Stats{
		InGuest: c.state&vCPUGuest != 0,
		Paused:  c.paused,
		Entries: c.entries,
		Pauses:  c.pauses,
	}
}

// IDs returns the registered vCPU ids in ascending order.
func (s *Scheduler) IDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ids...)
}
