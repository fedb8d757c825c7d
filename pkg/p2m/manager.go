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

	"gvisor.dev/altp2m/pkg/atomicbitops"
)

// Manager creates view tables backed by a shared host table and pool.
type Manager struct {
	pool       *Pool
	host       *Table
	rootFrames int

	// serial numbers table names.
	serial atomicbitops.Uint64

	// live is the number of view tables not yet released.
	live atomicbitops.Int32
}

// NewManager returns a Manager whose tables each charge rootFrames frames to
// pool.
func NewManager(pool *Pool, host *Table, rootFrames int) *Manager {
	return &Manager{
		pool:       pool,
		host:       host,
		rootFrames: rootFrames,
	}
}

// NewTable returns an empty view table. It fails with ErrNoMemory if the pool
// cannot provide the root frames.
func (m *Manager) NewTable() (*Table, error) {
	n := m.serial.Add(1)
	t, err := newTable(fmt.Sprintf("view-%d", n), m.pool, m.host, m.rootFrames)
	if err != nil {
		return nil, err
	}
	m.live.Add(1)
	t.onRelease = func() { m.live.Add(-1) }
	return t, nil
}

// Host returns the host table.
func (m *Manager) Host() *Table {
	return m.host
}

// Pool returns the frame pool.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Live returns the number of view tables not yet released.
func (m *Manager) Live() int {
	return int(m.live.Load())
}
