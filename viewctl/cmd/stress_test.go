// Copyright 2018 The gVisor Authors.
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

package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/machine"
)

func TestStress(t *testing.T) {
	for _, tc := range []struct {
		name        string
		switchEvery int
	}{
		{"control only", 0},
		{"vcpu switches", 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t, nil)
			r := &stressRun{
				Stress: &Stress{
					duration:    5 * time.Second,
					rounds:      50,
					remapped:    8,
					switchEvery: tc.switchEvery,
					seed:        1,
				},
				m: m,
			}
			err := r.run(context.Background())
			if err != nil {
				t.Errorf("run failed: %v", err)
			}
			if m.Domain.Active() {
				t.Errorf("domain still active after run")
			}
			var out bytes.Buffer
			r.report(&out, time.Second)
			if !strings.Contains(out.String(), "rounds:") {
				t.Errorf("report missing rounds:\n%s", out.String())
			}
			if err := m.Destroy(); err != nil {
				t.Errorf("Destroy failed: %v", err)
			}
			if err == nil && r.stats.rounds.Load() != 50 {
				t.Errorf("completed %d rounds, want 50", r.stats.rounds.Load())
			}
		})
	}
}

func TestStressVerify(t *testing.T) {
	m := newTestMachine(t, nil)
	defer m.Destroy()
	r := &stressRun{Stress: &Stress{remapped: 4}, m: m}

	host, _ := m.Host().Translate(2)
	for _, tc := range []struct {
		name string
		gfn  hostarch.GFN
		tr   machine.Translation
		ok   bool
	}{
		{"host", 2, machine.Translation{View: -1, MFN: host, OK: true}, true},
		{"default view", 2, machine.Translation{View: 0, MFN: host, OK: true}, true},
		{"remapped", 2, machine.Translation{View: 3, MFN: remapFrame(3, 2), OK: true}, true},
		{"other view's frame", 2, machine.Translation{View: 3, MFN: remapFrame(4, 2), OK: true}, false},
		{"not remapped", 2, machine.Translation{View: 3, MFN: host, OK: true}, false},
		{"fault", 2, machine.Translation{View: 0}, false},
	} {
		err := r.verify(0, tc.gfn, tc.tr)
		if got := err == nil; got != tc.ok {
			t.Errorf("%s: verify() = %v, want ok=%t", tc.name, err, tc.ok)
		}
	}
}
