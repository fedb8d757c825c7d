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

	"gvisor.dev/altp2m/pkg/cleanup"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/refs"
	"gvisor.dev/altp2m/pkg/sched"
)

// CreateViewAt creates a view in slot idx.
func (d *Domain) CreateViewAt(idx int) error {
	if !validIndex(idx) {
		createFailures.Increment(reasonInvalidIndex)
		return ErrInvalidIndex
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.views[idx].Load() != nil {
		createFailures.Increment(reasonAlreadyExists)
		return ErrAlreadyExists
	}
	return d.createLocked(idx)
}

// CreateNextAvailableView creates a view in the lowest empty slot and
// returns its index.
func (d *Domain) CreateNextAvailableView() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for idx := range d.views {
		if d.views[idx].Load() != nil {
			continue
		}
		if err := d.createLocked(idx); err != nil {
			return 0, err
		}
		return idx, nil
	}
	createFailures.Increment(reasonNoCapacity)
	return 0, ErrNoCapacity
}

// createLocked constructs a view and installs it in the empty slot idx. On
// failure the slot is left empty.
//
// Preconditions: d.mu must be locked.
func (d *Domain) createLocked(idx int) error {
	v := &View{
		domain: d,
		index:  idx,
	}
	refs.Register(v)
	cu := cleanup.Make(func() { refs.Unregister(v) })
	defer cu.Clean()

	t, err := d.tables.NewTable()
	if err != nil {
		createFailures.Increment(reasonOutOfMemory)
		d.warn.Warningf("altp2m[%s]: constructing view %d failed: %v", d.name, idx, err)
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	v.table = t
	d.views[idx].Store(v)
	cu.Release()

	viewsCreated.Increment()
	log.Debugf("altp2m[%s]: created view %d", d.name, idx)
	d.emit("create", map[string]any{"view": idx})
	return nil
}

// DestroyViewAt destroys the view in slot idx. The default view can never be
// destroyed, and neither can a view that any vCPU is bound to. An index
// outside the registry names no view and fails with ErrNotFound.
func (d *Domain) DestroyViewAt(ctx context.Context, idx int) error {
	if !validIndex(idx) {
		destroyFailures.Increment(reasonNotFound)
		return ErrNotFound
	}
	if idx == 0 {
		destroyFailures.Increment(reasonBusy)
		return ErrBusy
	}

	self := sched.CurrentVCPU(ctx)
	d.sched.PauseAllExcept(self)
	defer d.sched.ResumeAllExcept(self)

	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.views[idx].Load()
	if v == nil {
		destroyFailures.Increment(reasonNotFound)
		return ErrNotFound
	}
	if n := v.ActiveVCPUs(); n != 0 {
		destroyFailures.Increment(reasonBusy)
		log.Debugf("altp2m[%s]: view %d busy with %d vCPUs", d.name, idx, n)
		return ErrBusy
	}
	d.views[idx].Store(nil)
	v.release()

	viewsDestroyed.Increment()
	log.Debugf("altp2m[%s]: destroyed view %d", d.name, idx)
	d.emit("destroy", map[string]any{"view": idx})
	return nil
}

// FlushAllViews releases every view of an inactive domain.
//
// Preconditions: the subsystem is disabled and no vCPU is bound to any view.
func (d *Domain) FlushAllViews() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

// Preconditions: d.mu must be locked.
func (d *Domain) flushLocked() {
	if d.active.Load() {
		panic(fmt.Sprintf("altp2m[%s]: flushing views of an active domain", d.name))
	}
	n := 0
	for idx := range d.views {
		v := d.views[idx].Load()
		if v == nil {
			continue
		}
		if c := v.ActiveVCPUs(); c != 0 {
			panic(fmt.Sprintf("%s: flushed with %d active vCPUs", v, c))
		}
		d.views[idx].Store(nil)
		v.release()
		viewsDestroyed.Increment()
		n++
	}
	log.Debugf("altp2m[%s]: flushed %d views", d.name, n)
	d.emit("flush", map[string]any{"views": n})
}

// TeardownAllViews releases every view without taking the registry lock or
// checking counts. It may only be called when the domain is being destroyed
// and nothing else can reach it.
func (d *Domain) TeardownAllViews() {
	n := 0
	for idx := range d.views {
		v := d.views[idx].Swap(nil)
		if v == nil {
			continue
		}
		v.release()
		viewsDestroyed.Increment()
		n++
	}
	log.Debugf("altp2m[%s]: tore down %d views", d.name, n)
	d.emit("teardown", map[string]any{"views": n})
}
