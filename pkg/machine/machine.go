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

// Package machine assembles a domain: its scheduler, frame pool, host table
// and view registry, and drives vCPUs through guest memory accesses.
package machine

import (
	"context"
	"fmt"

	"gvisor.dev/altp2m/pkg/altp2m"
	"gvisor.dev/altp2m/pkg/cleanup"
	"gvisor.dev/altp2m/pkg/eventchannel"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/metric"
	"gvisor.dev/altp2m/pkg/p2m"
	"gvisor.dev/altp2m/pkg/refs"
	"gvisor.dev/altp2m/pkg/sched"
)

const (
	// tableBase is the first machine frame of the table frame pool.
	tableBase hostarch.MFN = 0x1000

	// guestBase is the machine frame backing guest frame 0.
	guestBase hostarch.MFN = 0x100000
)

var (
	translations = metric.MustCreateNewUint64Metric("/machine/translations",
		"Number of guest frame translations.")
	translationFaults = metric.MustCreateNewUint64Metric("/machine/translation_faults",
		"Number of guest frame translations that found no mapping.")
)

// Opts are the machine options.
type Opts struct {
	// Name is the domain name.
	Name string

	// VCPUs is the number of vCPUs.
	VCPUs int

	// GuestFrames is the number of guest frames mapped by the host table.
	GuestFrames uint64

	// Frames is the size of the table frame pool.
	Frames int

	// FramesPerTable is the number of pool frames charged for each table,
	// including the host table.
	FramesPerTable int

	// Events receives domain lifecycle events. Optional.
	Events eventchannel.Emitter

	// LogRefs logs view binding count changes.
	LogRefs bool
}

// Machine is a domain with its vCPUs and memory.
type Machine struct {
	name string

	// Domain is the view registry.
	Domain *altp2m.Domain

	// Sched runs the vCPUs.
	Sched *sched.Scheduler

	pool   *p2m.Pool
	host   *p2m.Table
	tables *p2m.Manager

	// vCPUs are indexed by id. Immutable after New.
	vCPUs []*altp2m.VCPU
}

// New returns a machine with an inactive domain.
func New(opts Opts) (*Machine, error) {
	if opts.VCPUs <= 0 {
		return nil, fmt.Errorf("machine needs at least one vCPU, got %d", opts.VCPUs)
	}
	if opts.FramesPerTable <= 0 {
		return nil, fmt.Errorf("tables need at least one frame, got %d", opts.FramesPerTable)
	}
	m := &Machine{
		name:  opts.Name,
		Sched: sched.New(),
		pool:  p2m.NewPool(tableBase, opts.Frames),
	}

	host, err := p2m.NewHost(m.pool, opts.FramesPerTable)
	if err != nil {
		return nil, fmt.Errorf("allocating host table: %w", err)
	}
	cu := cleanup.Make(host.Release)
	defer cu.Clean()
	host.Map(0, opts.GuestFrames, p2m.MapOpts{AccessType: hostarch.AnyAccess}, guestBase)
	m.host = host
	m.tables = p2m.NewManager(m.pool, host, opts.FramesPerTable)

	m.Domain = altp2m.NewDomain(altp2m.DomainOpts{
		Name:      opts.Name,
		Scheduler: m.Sched,
		Tables:    altp2m.TableFactoryFunc(m.newTable),
		Events:    opts.Events,
		LogRefs:   opts.LogRefs,
	})
	for id := 0; id < opts.VCPUs; id++ {
		m.Sched.Add(id)
		m.vCPUs = append(m.vCPUs, m.Domain.NewVCPU(id))
	}

	cu.Release()
	log.Infof("machine %s: %d vCPUs, %d guest frames, %d table frames", opts.Name, opts.VCPUs, opts.GuestFrames, opts.Frames)
	return m, nil
}

// newTable implements altp2m.TableFactory.
func (m *Machine) newTable() (altp2m.Table, error) {
	t, err := m.tables.NewTable()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// VCPU returns the vCPU with the given id.
func (m *Machine) VCPU(id int) *altp2m.VCPU {
	if id < 0 || id >= len(m.vCPUs) {
		panic(fmt.Sprintf("no vCPU %d", id))
	}
	return m.vCPUs[id]
}

// NumVCPUs returns the number of vCPUs.
func (m *Machine) NumVCPUs() int {
	return len(m.vCPUs)
}

// Host returns the host table.
func (m *Machine) Host() *p2m.Table {
	return m.host
}

// Pool returns the table frame pool.
func (m *Machine) Pool() *p2m.Pool {
	return m.pool
}

// ViewTable returns the translation table of the view in slot idx.
func (m *Machine) ViewTable(idx int) (*p2m.Table, bool) {
	v := m.Domain.ViewAt(idx)
	if v == nil {
		return nil, false
	}
	t, ok := v.Table().(*p2m.Table)
	return t, ok
}

// Translation is the result of one guest memory access.
type Translation struct {
	// View is the slot the vCPU was bound to, or -1 if it was unbound and
	// the host table was used.
	View int

	// MFN is the machine frame, valid iff OK.
	MFN hostarch.MFN

	// OK is false if the frame was not mapped.
	OK bool
}

// Translate performs one guest memory access of vCPU id: it enters guest
// mode, translates gfn through the vCPU's view and leaves guest mode.
func (m *Machine) Translate(ctx context.Context, id int, gfn hostarch.GFN) (Translation, error) {
	c := m.VCPU(id)
	if err := m.Sched.Enter(ctx, id); err != nil {
		return Translation{}, err
	}
	defer m.Sched.Exit(id)

	var (
		table altp2m.Table = m.host
		tr                 = Translation{View: -1}
	)
	if view := m.Domain.BoundView(c); view != nil {
		table = view.Table()
		tr.View = view.Index()
	}
	tr.MFN, tr.OK = table.Translate(gfn)
	translations.Increment()
	if !tr.OK {
		translationFaults.Increment()
	}
	return tr, nil
}

// Run drives vCPU id through the accesses produced by next until next
// returns false or ctx is done. It returns the number of accesses made.
//
// visit, if non-nil, is called with each translation outside guest mode.
func (m *Machine) Run(ctx context.Context, id int, next func() (hostarch.GFN, bool), visit func(hostarch.GFN, Translation) error) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		gfn, ok := next()
		if !ok {
			return n, nil
		}
		tr, err := m.Translate(ctx, id, gfn)
		if err != nil {
			return n, err
		}
		n++
		if visit != nil {
			if err := visit(gfn, tr); err != nil {
				return n, err
			}
		}
	}
}

// Destroy tears the machine down. All vCPUs must have stopped running.
//
// It returns an error if any view or table frame leaked.
func (m *Machine) Destroy() error {
	for _, c := range m.vCPUs {
		if s := m.Sched.Stats(c.ID()); s.InGuest || s.Paused != 0 {
			panic(fmt.Sprintf("destroying machine with vCPU %d busy: %+v", c.ID(), s))
		}
	}
	// Retire the vCPUs. A vCPU whose view was already torn down keeps its
	// stale binding.
	for _, c := range m.vCPUs {
		if idx, ok := c.Binding(); ok && m.Domain.ViewAt(idx) != nil {
			m.Domain.DestroyVCPUBinding(context.Background(), c)
		}
		m.Sched.Remove(c.ID())
	}
	m.Domain.TeardownAllViews()
	m.host.Release()

	if n := refs.DoRepeatedLeakCheck(); n != 0 {
		return fmt.Errorf("machine %s: %d objects leaked", m.name, n)
	}
	if n := m.pool.Allocated(); n != 0 {
		return fmt.Errorf("machine %s: %d table frames leaked", m.name, n)
	}
	if n := m.tables.Live(); n != 0 {
		return fmt.Errorf("machine %s: %d view tables leaked", m.name, n)
	}
	log.Infof("machine %s: destroyed", m.name)
	return nil
}
