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
	"sync/atomic"
	"time"

	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/eventchannel"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/sched"
	"gvisor.dev/altp2m/pkg/sync"
)

// DomainOpts are the options for NewDomain.
type DomainOpts struct {
	// Name identifies the domain in logs and events.
	Name string

	// Scheduler pauses the domain's vCPUs. Required.
	Scheduler Scheduler

	// Tables constructs view tables. Required.
	Tables TableFactory

	// Events receives lifecycle events. If nil, events go to
	// eventchannel.DefaultEmitter.
	Events eventchannel.Emitter

	// LogRefs enables logging of view binding count changes when leak
	// checking is enabled.
	LogRefs bool
}

// Domain is the view registry of a single domain.
type Domain struct {
	// name identifies the domain. Immutable.
	name string

	// sched and tables are the domain's collaborators. Immutable.
	sched  Scheduler
	tables TableFactory

	// events receives lifecycle events. Immutable.
	events eventchannel.Emitter

	// logRefs is passed to views. Immutable.
	logRefs bool

	// warn rate limits warnings from failing operations.
	warn log.Logger

	// mu is the registry lock. It serializes all changes to views, vcpus
	// and vCPU bindings, and all writes to active.
	mu sync.Mutex

	// active is true while the subsystem is enabled for the domain.
	active atomicbitops.Bool

	// views are the view slots. Written with mu held; read without it.
	views [MaxViews]atomic.Pointer[View]

	// vcpus are the domain's vCPUs in creation order. Protected by mu.
	vcpus []*VCPU
}

// NewDomain returns an inactive domain with every slot empty.
func NewDomain(opts DomainOpts) *Domain {
	if opts.Scheduler == nil || opts.Tables == nil {
		panic("altp2m.NewDomain requires a Scheduler and a TableFactory")
	}
	name := opts.Name
	if name == "" {
		name = "domain"
	}
	events := opts.Events
	if events == nil {
		events = eventchannel.DefaultEmitter
	}
	return &Domain{
		name:    name,
		sched:   opts.Scheduler,
		tables:  opts.Tables,
		events:  events,
		logRefs: opts.LogRefs,
		warn:    log.BasicRateLimitedLogger(time.Second),
	}
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// Active returns true if the subsystem is enabled for the domain.
func (d *Domain) Active() bool {
	return d.active.Load()
}

// ViewAt returns the view in slot idx, or nil if the slot is empty or idx is
// out of range.
func (d *Domain) ViewAt(idx int) *View {
	if !validIndex(idx) {
		return nil
	}
	return d.views[idx].Load()
}

// Enable enables the subsystem: the default view is created if needed and
// every unbound vCPU is bound to it.
func (d *Domain) Enable(ctx context.Context) error {
	self := sched.CurrentVCPU(ctx)
	d.sched.PauseAllExcept(self)
	defer d.sched.ResumeAllExcept(self)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active.Load() {
		return nil
	}
	if d.views[0].Load() == nil {
		if err := d.createLocked(0); err != nil {
			return err
		}
	}
	d.active.Store(true)
	for _, v := range d.vcpus {
		d.bindDefault(v)
	}
	log.Infof("altp2m[%s]: enabled with %d vCPUs", d.name, len(d.vcpus))
	d.emit("enable", nil)
	return nil
}

// Disable disables the subsystem: every vCPU is unbound and every view is
// released.
func (d *Domain) Disable(ctx context.Context) {
	self := sched.CurrentVCPU(ctx)
	d.sched.PauseAllExcept(self)
	defer d.sched.ResumeAllExcept(self)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.vcpus {
		d.unbind(v)
	}
	d.active.Store(false)
	d.flushLocked()
	log.Infof("altp2m[%s]: disabled", d.name)
	d.emit("disable", nil)
}

// ViewStats describes an occupied slot.
type ViewStats struct {
	Index       int
	ActiveVCPUs int32
}

// Stats is a snapshot of a domain.
type Stats struct {
	Active bool

	// Views are the occupied slots in index order.
	Views []ViewStats

	// Bindings maps each vCPU id to its slot, or -1 if unbound.
	Bindings map[int]int
}

// Stats returns a snapshot of the domain.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Active:   d.active.Load(),
		Bindings: make(map[int]int, len(d.vcpus)),
	}
	for i := range d.views {
		if view := d.views[i].Load(); view != nil {
			s.Views = append(s.Views, ViewStats{Index: i, ActiveVCPUs: view.ActiveVCPUs()})
		}
	}
	for _, v := range d.vcpus {
		idx, ok := v.Binding()
		if !ok {
			idx = -1
		}
		s.Bindings[v.id] = idx
	}
	return s
}

// CheckInvariants verifies that every view's count equals the number of
// vCPUs bound to it, that no vCPU is bound to an empty slot, and that the
// default view exists while the subsystem is enabled.
//
// The result is only meaningful while no binding is changing, e.g. with all
// vCPUs paused.
func (d *Domain) CheckInvariants() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var bound [MaxViews]int32
	for _, v := range d.vcpus {
		idx, ok := v.Binding()
		if !ok {
			continue
		}
		if d.views[idx].Load() == nil {
			return fmt.Errorf("vCPU %d bound to empty slot %d", v.id, idx)
		}
		bound[idx]++
	}
	for i := range d.views {
		view := d.views[i].Load()
		if view == nil {
			continue
		}
		if got := view.ActiveVCPUs(); got != bound[i] {
			return fmt.Errorf("view %d has count %d but %d bound vCPUs", i, got, bound[i])
		}
	}
	if d.active.Load() && d.views[0].Load() == nil {
		return fmt.Errorf("enabled without a default view")
	}
	return nil
}
