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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/altp2m/pkg/hostarch"
)

type mapping struct {
	GFN  hostarch.GFN
	MFN  hostarch.MFN
	Opts MapOpts
}

func checkMappings(t *testing.T, tbl *Table, want []mapping) {
	t.Helper()
	var got []mapping
	tbl.Ascend(func(gfn hostarch.GFN, mfn hostarch.MFN, opts MapOpts) bool {
		got = append(got, mapping{gfn, mfn, opts})
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func newHost(t *testing.T, frames int) (*Pool, *Table) {
	t.Helper()
	pool := NewPool(0x1000, frames)
	host, err := NewHost(pool, 1)
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	return pool, host
}

var rw = MapOpts{AccessType: hostarch.ReadWrite}

func TestPoolAllocateAllOrNothing(t *testing.T) {
	p := NewPool(0, 3)
	frames, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2) failed: %v", err)
	}
	if _, err := p.Allocate(2); !errors.Is(err, ErrNoMemory) {
		t.Errorf("Allocate(2) got %v, want %v", err, ErrNoMemory)
	}
	if got := p.Available(); got != 1 {
		t.Errorf("Available = %d after failed allocation, want 1", got)
	}
	p.Free(frames)
	if got, want := p.Allocated(), 0; got != want {
		t.Errorf("Allocated = %d, want %d", got, want)
	}
	if _, err := p.Allocate(3); err != nil {
		t.Errorf("Allocate(3) after Free failed: %v", err)
	}
}

func TestNoMemoryErrno(t *testing.T) {
	if !errors.Is(ErrNoMemory, unix.ENOMEM) {
		t.Errorf("ErrNoMemory does not carry ENOMEM")
	}
}

func TestMapUnmap(t *testing.T) {
	_, host := newHost(t, 4)
	if host.Map(0x10, 3, rw, 0x100) {
		t.Errorf("first Map reported a replaced mapping")
	}
	if !host.Map(0x11, 1, MapOpts{AccessType: hostarch.Read}, 0x200) {
		t.Errorf("overlapping Map did not report a replaced mapping")
	}
	checkMappings(t, host, []mapping{
		{0x10, 0x100, rw},
		{0x11, 0x200, MapOpts{AccessType: hostarch.Read}},
		{0x12, 0x102, rw},
	})

	if !host.Unmap(0x11, 2) {
		t.Errorf("Unmap reported no mappings")
	}
	checkMappings(t, host, []mapping{
		{0x10, 0x100, rw},
	})
	if host.Unmap(0x11, 2) {
		t.Errorf("second Unmap reported mappings")
	}
}

func TestHostNoAccessUnmaps(t *testing.T) {
	_, host := newHost(t, 4)
	host.Map(0x10, 1, rw, 0x100)
	host.Map(0x10, 1, MapOpts{}, 0)
	if got := host.Len(); got != 0 {
		t.Errorf("Len = %d after no-access Map, want 0", got)
	}
}

func TestViewFallsBackToHost(t *testing.T) {
	pool, host := newHost(t, 4)
	host.Map(0x10, 4, rw, 0x100)
	m := NewManager(pool, host, 1)
	view, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	// Remap one frame, hide another.
	view.Map(0x11, 1, MapOpts{AccessType: hostarch.Read}, 0x900)
	view.Map(0x12, 1, MapOpts{}, 0)

	for _, tc := range []struct {
		gfn  hostarch.GFN
		mfn  hostarch.MFN
		ok   bool
		host hostarch.MFN
	}{
		{gfn: 0x10, mfn: 0x100, ok: true, host: 0x100},
		{gfn: 0x11, mfn: 0x900, ok: true, host: 0x101},
		{gfn: 0x12, mfn: hostarch.InvalidMFN, ok: false, host: 0x102},
		{gfn: 0x13, mfn: 0x103, ok: true, host: 0x103},
		{gfn: 0x14, mfn: hostarch.InvalidMFN, ok: false, host: hostarch.InvalidMFN},
	} {
		mfn, ok := view.Translate(tc.gfn)
		if mfn != tc.mfn || ok != tc.ok {
			t.Errorf("view.Translate(%v) = %v, %t, want %v, %t", tc.gfn, mfn, ok, tc.mfn, tc.ok)
		}
		if mfn, _ := host.Translate(tc.gfn); mfn != tc.host {
			t.Errorf("host.Translate(%v) = %v, want %v", tc.gfn, mfn, tc.host)
		}
	}

	// Dropping the override exposes the host mapping again.
	view.Unmap(0x12, 1)
	if mfn, ok := view.Translate(0x12); !ok || mfn != 0x102 {
		t.Errorf("Translate after Unmap = %v, %t, want 0x102", mfn, ok)
	}
}

func TestManagerChargesPool(t *testing.T) {
	pool, host := newHost(t, 5)
	m := NewManager(pool, host, 2)

	a, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	b, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if _, err := m.NewTable(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("NewTable on exhausted pool got %v, want %v", err, ErrNoMemory)
	}
	if got := m.Live(); got != 2 {
		t.Errorf("Live = %d, want 2", got)
	}
	if a.Name() == b.Name() {
		t.Errorf("tables share name %q", a.Name())
	}

	a.Release()
	if got := m.Live(); got != 1 {
		t.Errorf("Live after Release = %d, want 1", got)
	}
	if _, err := m.NewTable(); err != nil {
		t.Errorf("NewTable after Release failed: %v", err)
	}
}

func TestReleasedTablePanics(t *testing.T) {
	pool, host := newHost(t, 3)
	view, err := NewManager(pool, host, 1).NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	view.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("Translate on released table did not panic")
		}
	}()
	view.Translate(0)
}
