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
	"fmt"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/sync"
)

// fakeScheduler records pause depths without running anything.
type fakeScheduler struct {
	mu     sync.Mutex
	ids    []int
	paused map[int]int
	calls  int
}

func newFakeScheduler(ids ...int) *fakeScheduler {
	return &fakeScheduler{ids: ids, paused: make(map[int]int)}
}

func (s *fakeScheduler) PauseVCPU(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[id]++
	s.calls++
}

func (s *fakeScheduler) ResumeVCPU(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused[id] == 0 {
		panic(fmt.Sprintf("vCPU %d resumed without pause", id))
	}
	s.paused[id]--
}

func (s *fakeScheduler) PauseAllExcept(self int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if id != self {
			s.paused[id]++
		}
	}
	s.calls++
}

func (s *fakeScheduler) ResumeAllExcept(self int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if id != self {
			if s.paused[id] == 0 {
				panic(fmt.Sprintf("vCPU %d resumed without pause", id))
			}
			s.paused[id]--
		}
	}
}

// outstanding returns the ids of vCPUs still paused.
func (s *fakeScheduler) outstanding() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id, n := range s.paused {
		if n != 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// pauseCalls returns the number of pause requests so far.
func (s *fakeScheduler) pauseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeTable translates every gfn to its own id.
type fakeTable struct {
	id       int
	released bool
}

func (t *fakeTable) Translate(gfn hostarch.GFN) (hostarch.MFN, bool) {
	if t.released {
		panic("translate on released table")
	}
	return hostarch.MFN(t.id), true
}

func (t *fakeTable) Release() {
	if t.released {
		panic("table released twice")
	}
	t.released = true
}

// fakeTables hands out fakeTables until its budget runs out.
type fakeTables struct {
	mu      sync.Mutex
	budget  int
	created []*fakeTable
}

func newFakeTables(budget int) *fakeTables {
	return &fakeTables{budget: budget}
}

func (f *fakeTables) NewTable() (Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budget == 0 {
		return nil, fmt.Errorf("no table budget")
	}
	f.budget--
	t := &fakeTable{id: len(f.created) + 1}
	f.created = append(f.created, t)
	return t, nil
}

// live returns the number of tables not yet released.
func (f *fakeTables) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.created {
		if !t.released {
			n++
		}
	}
	return n
}

// recordingEmitter keeps the events it is sent.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*structpb.Struct
}

func (e *recordingEmitter) Emit(msg proto.Message) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, msg.(*structpb.Struct))
	return false, nil
}

func (e *recordingEmitter) Close() error { return nil }

// names returns the event names in order.
func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for _, ev := range e.events {
		names = append(names, ev.GetFields()["event"].GetStringValue())
	}
	return names
}

// testDomain bundles a domain with its fake collaborators.
type testDomain struct {
	*Domain
	sched  *fakeScheduler
	tables *fakeTables
	events *recordingEmitter
	vcpus  []*VCPU
}

// newTestDomain returns an inactive domain with nvcpus registered vCPUs and
// room for budget tables.
func newTestDomain(nvcpus, budget int) *testDomain {
	var ids []int
	for i := 0; i < nvcpus; i++ {
		ids = append(ids, i)
	}
	td := &testDomain{
		sched:  newFakeScheduler(ids...),
		tables: newFakeTables(budget),
		events: &recordingEmitter{},
	}
	td.Domain = NewDomain(DomainOpts{
		Name:      "test",
		Scheduler: td.sched,
		Tables:    td.tables,
		Events:    td.events,
	})
	for _, id := range ids {
		td.vcpus = append(td.vcpus, td.NewVCPU(id))
	}
	return td
}
