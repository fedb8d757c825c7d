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

package altp2m

import (
	"context"

	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/sched"
)

// SwitchDomainTo binds every bound vCPU of the domain to the view in slot
// idx. vCPUs already bound to it, and unbound vCPUs, are left alone.
func (d *Domain) SwitchDomainTo(ctx context.Context, idx int) error {
	if !validIndex(idx) {
		return ErrInvalidIndex
	}

	self := sched.CurrentVCPU(ctx)
	d.sched.PauseAllExcept(self)
	defer d.sched.ResumeAllExcept(self)

	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.views[idx].Load()
	if target == nil {
		return ErrNotFound
	}
	moved := 0
	for _, v := range d.vcpus {
		if d.rebind(v, target) {
			moved++
		}
	}
	domainSwitches.Increment()
	vcpuRebinds.IncrementBy(uint64(moved))
	log.Debugf("altp2m[%s]: switched to view %d, %d vCPUs moved", d.name, idx, moved)
	d.emit("switch", map[string]any{"view": idx, "moved": moved})
	return nil
}

// rebind moves a bound v to target and returns true if it moved.
//
// The target count is raised before the binding changes so that it never
// undercounts, and a concurrent unbind of v is tolerated.
//
// Preconditions: d.mu must be locked. v is paused or is the caller.
func (d *Domain) rebind(v *VCPU, target *View) bool {
	to := uint32(target.index)
	for {
		from := v.binding.Load()
		if from == Unbound || from == to {
			return false
		}
		target.incActive()
		if v.binding.CompareAndSwap(from, to) {
			d.mustView(v, int(from)).decActive()
			return true
		}
		target.decActive()
	}
}
