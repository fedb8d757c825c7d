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

package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/altp2m/pkg/altp2m"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/p2m"
	"gvisor.dev/altp2m/pkg/refs"
	"gvisor.dev/altp2m/pkg/sched"
)

func TestMain(m *testing.M) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	os.Exit(m.Run())
}

func newMachine(t *testing.T, vcpus, frames int) *Machine {
	t.Helper()
	m, err := New(Opts{
		Name:           t.Name(),
		VCPUs:          vcpus,
		GuestFrames:    64,
		Frames:         frames,
		FramesPerTable: 2,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func destroy(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.Destroy(); err != nil {
		t.Errorf("Destroy failed: %v", err)
	}
}

// remap makes gfn 0 of view idx point at a frame unique to idx.
func remap(t *testing.T, m *Machine, idx int) {
	t.Helper()
	tbl, ok := m.ViewTable(idx)
	if !ok {
		t.Fatalf("no table for view %d", idx)
	}
	tbl.Map(0, 1, p2m.MapOpts{AccessType: hostarch.Read}, viewFrame(idx))
}

func viewFrame(idx int) hostarch.MFN {
	return hostarch.MFN(0x9000 + idx)
}

func TestNewValidation(t *testing.T) {
	for _, opts := range []Opts{
		{VCPUs: 0, Frames: 8, FramesPerTable: 1},
		{VCPUs: 1, Frames: 8, FramesPerTable: 0},
	} {
		if _, err := New(opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
	if _, err := New(Opts{VCPUs: 1, Frames: 1, FramesPerTable: 2}); !errors.Is(err, p2m.ErrNoMemory) {
		t.Errorf("New with tiny pool got %v, want %v", err, p2m.ErrNoMemory)
	}
}

func TestTranslateUnbound(t *testing.T) {
	m := newMachine(t, 1, 8)
	defer destroy(t, m)

	tr, err := m.Translate(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if want := (Translation{View: -1, MFN: guestBase + 3, OK: true}); tr != want {
		t.Errorf("Translate = %+v, want %+v", tr, want)
	}
	tr, err = m.Translate(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if tr.OK {
		t.Errorf("Translate of unmapped frame = %+v", tr)
	}
}

func TestTranslateThroughViews(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, 2, 16)
	defer destroy(t, m)

	if err := m.Domain.Enable(ctx); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	idx, err := m.Domain.CreateNextAvailableView()
	if err != nil {
		t.Fatalf("CreateNextAvailableView failed: %v", err)
	}
	remap(t, m, idx)

	check := func(view int, mfn hostarch.MFN) {
		t.Helper()
		for id := 0; id < m.NumVCPUs(); id++ {
			tr, err := m.Translate(ctx, id, 0)
			if err != nil {
				t.Fatalf("Translate failed: %v", err)
			}
			if want := (Translation{View: view, MFN: mfn, OK: true}); tr != want {
				t.Errorf("vCPU %d: Translate = %+v, want %+v", id, tr, want)
			}
		}
	}
	check(0, guestBase)
	if err := m.Domain.SwitchDomainTo(ctx, idx); err != nil {
		t.Fatalf("SwitchDomainTo failed: %v", err)
	}
	check(idx, viewFrame(idx))
	if err := m.Domain.SwitchDomainTo(ctx, 0); err != nil {
		t.Fatalf("SwitchDomainTo failed: %v", err)
	}
	check(0, guestBase)

	if err := m.Domain.DestroyViewAt(ctx, idx); err != nil {
		t.Fatalf("DestroyViewAt failed: %v", err)
	}
	m.Domain.Disable(ctx)
	check(-1, guestBase)
}

func TestViewsExhaustPool(t *testing.T) {
	ctx := context.Background()
	// Host table plus two views.
	m := newMachine(t, 1, 6)
	defer destroy(t, m)

	if err := m.Domain.Enable(ctx); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if _, err := m.Domain.CreateNextAvailableView(); err != nil {
		t.Fatalf("CreateNextAvailableView failed: %v", err)
	}
	_, err := m.Domain.CreateNextAvailableView()
	if !errors.Is(err, altp2m.ErrOutOfMemory) {
		t.Fatalf("CreateNextAvailableView got %v, want %v", err, altp2m.ErrOutOfMemory)
	}
	if err := m.Domain.DestroyViewAt(ctx, 1); err != nil {
		t.Fatalf("DestroyViewAt failed: %v", err)
	}
	if _, err := m.Domain.CreateNextAvailableView(); err != nil {
		t.Errorf("CreateNextAvailableView after destroy failed: %v", err)
	}
}

func TestSwitchFromVCPU(t *testing.T) {
	m := newMachine(t, 3, 32)
	defer destroy(t, m)

	// vCPU 2 issues the control operations from the hypervisor.
	ctx := sched.WithVCPU(context.Background(), 2)
	if err := m.Domain.Enable(ctx); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := m.Domain.CreateViewAt(4); err != nil {
		t.Fatalf("CreateViewAt failed: %v", err)
	}
	if err := m.Domain.SwitchDomainTo(ctx, 4); err != nil {
		t.Fatalf("SwitchDomainTo failed: %v", err)
	}
	for id := 0; id < 3; id++ {
		if s := m.Sched.Stats(id); s.Paused != 0 {
			t.Errorf("vCPU %d left paused: %+v", id, s)
		}
	}
	if got := m.Domain.ViewAt(4).ActiveVCPUs(); got != 3 {
		t.Errorf("view 4 count = %d, want 3", got)
	}
}

func TestDestroyRetiresVCPUs(t *testing.T) {
	m := newMachine(t, 3, 32)
	ctx := context.Background()
	if err := m.Domain.Enable(ctx); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := m.Domain.CreateViewAt(2); err != nil {
		t.Fatalf("CreateViewAt failed: %v", err)
	}
	if err := m.Domain.SwitchDomainTo(ctx, 2); err != nil {
		t.Fatalf("SwitchDomainTo failed: %v", err)
	}
	view := m.Domain.ViewAt(2)

	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if ids := m.Sched.IDs(); len(ids) != 0 {
		t.Errorf("vCPUs %v still scheduled after Destroy", ids)
	}
	for id := 0; id < m.NumVCPUs(); id++ {
		if _, ok := m.VCPU(id).Binding(); ok {
			t.Errorf("vCPU %d still bound after Destroy", id)
		}
	}
	if got := view.ActiveVCPUs(); got != 0 {
		t.Errorf("view 2 count = %d after Destroy, want 0", got)
	}
}

// Translations never observe a view that is being switched away from or
// destroyed, and every translation matches its view's mappings.
func TestConcurrentRun(t *testing.T) {
	const (
		vcpus    = 4
		accesses = 2000
		rounds   = 50
	)
	m := newMachine(t, vcpus, 64)
	defer destroy(t, m)

	ctx := context.Background()
	if err := m.Domain.Enable(ctx); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < vcpus; id++ {
		g.Go(func() error {
			left := accesses
			next := func() (hostarch.GFN, bool) {
				left--
				return 0, left >= 0
			}
			_, err := m.Run(gctx, id, next, func(gfn hostarch.GFN, tr Translation) error {
				want := guestBase
				if tr.View > 0 {
					want = viewFrame(tr.View)
				}
				if !tr.OK || tr.MFN != want {
					return fmt.Errorf("vCPU %d: gfn %v through view %d = %v, want %v", id, gfn, tr.View, tr.MFN, want)
				}
				return nil
			})
			return err
		})
	}
	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			idx, err := m.Domain.CreateNextAvailableView()
			if err != nil {
				return fmt.Errorf("round %d: create: %w", i, err)
			}
			tbl, _ := m.ViewTable(idx)
			tbl.Map(0, 1, p2m.MapOpts{AccessType: hostarch.Read}, viewFrame(idx))
			if err := m.Domain.SwitchDomainTo(gctx, idx); err != nil {
				return fmt.Errorf("round %d: switch: %w", i, err)
			}
			if err := m.Domain.DestroyViewAt(gctx, idx); !errors.Is(err, altp2m.ErrBusy) {
				return fmt.Errorf("round %d: destroying current view got %v", i, err)
			}
			if err := m.Domain.SwitchDomainTo(gctx, 0); err != nil {
				return fmt.Errorf("round %d: switch back: %w", i, err)
			}
			if err := m.Domain.DestroyViewAt(gctx, idx); err != nil {
				return fmt.Errorf("round %d: destroy: %w", i, err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := m.Domain.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
	m.Domain.Disable(ctx)
}
