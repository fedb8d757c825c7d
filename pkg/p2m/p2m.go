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

// Package p2m provides guest-physical to machine translation tables.
//
// A Table maps guest frames to machine frames with an access type. The host
// table describes the domain's memory; view tables are created empty and
// fall back to the host table for every frame they do not map themselves,
// so a view only needs entries where it differs from the host.
package p2m

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/sync"
)

// btreeDegree is the degree of the mapping trees.
const btreeDegree = 32

// MapOpts are the options for a mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// entry is a single frame mapping.
type entry struct {
	gfn  hostarch.GFN
	mfn  hostarch.MFN
	opts MapOpts
}

func entryLess(a, b entry) bool {
	return a.gfn < b.gfn
}

// Table is a translation table.
type Table struct {
	// name identifies the table in logs.
	name string

	// host is the table consulted for frames not mapped here. It is nil
	// for the host table itself.
	host *Table

	// pool is where roots came from.
	pool *Pool

	// onRelease, if set, is called once the table is released.
	onRelease func()

	// mu protects the fields below.
	mu sync.RWMutex

	// entries are the mappings ordered by gfn.
	entries *btree.BTreeG[entry]

	// roots are the frames backing the table's root structures.
	roots []hostarch.MFN

	// released is set by Release.
	released bool
}

// newTable allocates a table with rootFrames root frames from pool.
func newTable(name string, pool *Pool, host *Table, rootFrames int) (*Table, error) {
	roots, err := pool.Allocate(rootFrames)
	if err != nil {
		return nil, err
	}
	return &Table{
		name:    name,
		host:    host,
		pool:    pool,
		entries: btree.NewG(btreeDegree, entryLess),
		roots:   roots,
	}, nil
}

// NewHost returns an empty host table.
func NewHost(pool *Pool, rootFrames int) (*Table, error) {
	return newTable("host", pool, nil, rootFrames)
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// checkLive panics if the table has been released.
//
// Preconditions: t.mu must be locked.
func (t *Table) checkLive() {
	if t.released {
		panic(fmt.Sprintf("use of released table %s", t.name))
	}
}

// Map installs mappings for n frames starting at gfn, to consecutive machine
// frames starting at mfn.
//
// On the host table, a mapping with no access is equivalent to Unmap. On a
// view table it is kept and hides the host mapping for that frame.
//
// True is returned iff an existing mapping was replaced.
func (t *Table) Map(gfn hostarch.GFN, n uint64, opts MapOpts, mfn hostarch.MFN) bool {
	if t.host == nil && !opts.AccessType.Any() {
		return t.Unmap(gfn, n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	replaced := false
	for i := uint64(0); i < n; i++ {
		e := entry{
			gfn:  gfn + hostarch.GFN(i),
			mfn:  mfn + hostarch.MFN(i),
			opts: opts,
		}
		if _, ok := t.entries.ReplaceOrInsert(e); ok {
			replaced = true
		}
	}
	return replaced
}

// Unmap removes the mappings for n frames starting at gfn. On a view table
// the host mappings become visible again.
//
// True is returned iff there was a mapping in the range.
func (t *Table) Unmap(gfn hostarch.GFN, n uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	var doomed []entry
	t.entries.AscendRange(entry{gfn: gfn}, entry{gfn: gfn + hostarch.GFN(n)}, func(e entry) bool {
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		t.entries.Delete(e)
	}
	return len(doomed) > 0
}

// Lookup returns the effective mapping of gfn, consulting the host table if
// this table does not map it.
func (t *Table) Lookup(gfn hostarch.GFN) (hostarch.MFN, MapOpts, bool) {
	t.mu.RLock()
	t.checkLive()
	e, ok := t.entries.Get(entry{gfn: gfn})
	t.mu.RUnlock()
	if ok {
		return e.mfn, e.opts, true
	}
	if t.host != nil {
		return t.host.Lookup(gfn)
	}
	return hostarch.InvalidMFN, MapOpts{}, false
}

// Translate returns the machine frame gfn maps to. It fails if the frame is
// unmapped or mapped with no access.
func (t *Table) Translate(gfn hostarch.GFN) (hostarch.MFN, bool) {
	mfn, opts, ok := t.Lookup(gfn)
	if !ok || !opts.AccessType.Any() {
		return hostarch.InvalidMFN, false
	}
	return mfn, true
}

// Len returns the number of mappings held by this table, excluding the host
// table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Len()
}

// Ascend calls fn for each mapping held by this table in gfn order until fn
// returns false.
func (t *Table) Ascend(fn func(gfn hostarch.GFN, mfn hostarch.MFN, opts MapOpts) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.entries.Ascend(func(e entry) bool {
		return fn(e.gfn, e.mfn, e.opts)
	})
}

// Release drops all mappings and returns the root frames to the pool.
//
// Precondition: the table must not be in use, and must not have been
// released.
func (t *Table) Release() {
	t.mu.Lock()
	t.checkLive()
	t.released = true
	t.entries.Clear(false)
	t.pool.Free(t.roots)
	t.roots = nil
	t.mu.Unlock()
	if t.onRelease != nil {
		t.onRelease()
	}
}
