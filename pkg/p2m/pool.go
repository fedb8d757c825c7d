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

package p2m

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/altp2m/pkg/errors"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/sync"
)

// ErrNoMemory is returned when the frame pool cannot satisfy an allocation.
var ErrNoMemory = errors.New(unix.ENOMEM, "frame pool exhausted")

// Pool is a fixed budget of machine frames from which table structures are
// allocated.
type Pool struct {
	// mu protects all fields below.
	mu sync.Mutex

	// free are frames returned by Free, reused in LIFO order.
	free []hostarch.MFN

	// next is the lowest frame never handed out.
	next hostarch.MFN

	// limit is one past the last frame of the pool.
	limit hostarch.MFN

	// allocated is the number of frames currently handed out.
	allocated int
}

// NewPool returns a pool of frames [base, base+frames).
func NewPool(base hostarch.MFN, frames int) *Pool {
	if frames < 0 {
		panic(fmt.Sprintf("negative pool size %d", frames))
	}
	return &Pool{
		next:  base,
		limit: base + hostarch.MFN(frames),
	}
}

// availableLocked returns the number of frames that can still be allocated.
//
// Preconditions: p.mu must be locked.
func (p *Pool) availableLocked() int {
	return len(p.free) + int(p.limit-p.next)
}

// Allocate returns n frames, or ErrNoMemory if fewer than n are available.
// Allocation is all or nothing.
func (p *Pool) Allocate(n int) ([]hostarch.MFN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.availableLocked() {
		return nil, ErrNoMemory
	}
	frames := make([]hostarch.MFN, 0, n)
	for len(frames) < n {
		if l := len(p.free); l > 0 {
			frames = append(frames, p.free[l-1])
			p.free = p.free[:l-1]
			continue
		}
		frames = append(frames, p.next)
		p.next++
	}
	p.allocated += n
	return frames, nil
}

// Free returns frames to the pool.
func (p *Pool) Free(frames []hostarch.MFN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(frames) > p.allocated {
		panic(fmt.Sprintf("freeing %d frames with only %d allocated", len(frames), p.allocated))
	}
	p.free = append(p.free, frames...)
	p.allocated -= len(frames)
}

// Available returns the number of frames that can still be allocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Allocated returns the number of frames currently allocated.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
