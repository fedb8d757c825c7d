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
	"fmt"

	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/sched"
)

// VCPU is the view binding of one virtual CPU.
type VCPU struct {
	// id is the vCPU id known to the Scheduler. Immutable.
	id int

	// binding is the slot index of the bound view, or Unbound.
	binding atomicbitops.Uint32
}

// ID returns the vCPU id.
func (v *VCPU) ID() int {
	return v.id
}

// Binding returns the slot index v is bound to, and false if v is unbound.
func (v *VCPU) Binding() (int, bool) {
	b := v.binding.Load()
	if b == Unbound {
		return 0, false
	}
	return int(b), true
}

// reset marks v unbound and returns its previous binding. It never touches a
// view's count.
func (v *VCPU) reset() uint32 {
	return v.binding.Swap(Unbound)
}

// NewVCPU registers an unbound vCPU with the domain.
func (d *Domain) NewVCPU(id int) *VCPU {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.vcpus {
		if v.id == id {
			panic(fmt.Sprintf("altp2m[%s]: duplicate vCPU %d", d.name, id))
		}
	}
	v := &VCPU{
		id:      id,
		binding: atomicbitops.FromUint32(Unbound),
	}
	d.vcpus = append(d.vcpus, v)
	return v
}

// VCPUs returns the domain's vCPUs in creation order.
func (d *Domain) VCPUs() []*VCPU {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*VCPU(nil), d.vcpus...)
}

// BoundView returns the view v is bound to, or nil if v is unbound.
func (d *Domain) BoundView(v *VCPU) *View {
	idx, ok := v.Binding()
	if !ok {
		return nil
	}
	return d.mustView(v, idx)
}

// mustView returns the view in slot idx, which v is bound to.
func (d *Domain) mustView(v *VCPU, idx int) *View {
	if !validIndex(idx) {
		panic(fmt.Sprintf("altp2m[%s]: vCPU %d bound to invalid slot %d", d.name, v.id, idx))
	}
	view := d.views[idx].Load()
	if view == nil {
		panic(fmt.Sprintf("altp2m[%s]: vCPU %d bound to empty slot %d", d.name, v.id, idx))
	}
	return view
}

// InitializeVCPUBinding binds an unbound v to the default view and returns
// true. It returns false, leaving v alone, if v is already bound or if the
// subsystem is disabled and there is no default view to bind to. v must not
// be the caller.
func (d *Domain) InitializeVCPUBinding(v *VCPU) bool {
	d.sched.PauseVCPU(v.id)
	defer d.sched.ResumeVCPU(v.id)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindDefault(v)
}

// bindDefault binds v to the default view if v is unbound and a default view
// exists. It returns true if v was bound.
//
// Preconditions: d.mu must be locked. v is paused or is the caller.
func (d *Domain) bindDefault(v *VCPU) bool {
	if _, ok := v.Binding(); ok {
		return false
	}
	view := d.views[0].Load()
	if view == nil {
		if !d.active.Load() {
			return false
		}
		panic(fmt.Sprintf("altp2m[%s]: binding vCPU %d without a default view", d.name, v.id))
	}
	view.incActive()
	v.binding.Store(0)
	log.Debugf("altp2m[%s]: vCPU %d bound to view 0", d.name, v.id)
	return true
}

// DestroyVCPUBinding unbinds v, dropping its bound view's count.
func (d *Domain) DestroyVCPUBinding(ctx context.Context, v *VCPU) {
	if sched.CurrentVCPU(ctx) != v.id {
		d.sched.PauseVCPU(v.id)
		defer d.sched.ResumeVCPU(v.id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbind(v)
}

// unbind resets v and drops the count of the view it was bound to.
//
// Preconditions: d.mu must be locked. v is paused or is the caller.
func (d *Domain) unbind(v *VCPU) {
	old := v.reset()
	if old == Unbound {
		return
	}
	d.mustView(v, int(old)).decActive()
	log.Debugf("altp2m[%s]: vCPU %d unbound from view %d", d.name, v.id, old)
}
