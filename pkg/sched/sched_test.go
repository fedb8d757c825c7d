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

package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newScheduler(ids ...int) *Scheduler {
	s := New()
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func TestEnterExit(t *testing.T) {
	s := newScheduler(0)
	if err := s.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if got := s.Stats(0); !got.InGuest {
		t.Errorf("Stats after Enter: got %+v, want InGuest", got)
	}
	s.Exit(0)
	want := Stats{Entries: 1}
	if diff := cmp.Diff(want, s.Stats(0)); diff != "" {
		t.Errorf("Stats after Exit mismatch (-want +got):\n%s", diff)
	}
}

func TestPauseWaitsForExit(t *testing.T) {
	s := newScheduler(0)
	if err := s.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}

	paused := make(chan struct{})
	go func() {
		s.PauseVCPU(0)
		close(paused)
	}()

	select {
	case <-paused:
		t.Fatalf("PauseVCPU returned while vCPU was in guest mode")
	case <-time.After(50 * time.Millisecond):
	}

	s.Exit(0)
	<-paused
	if got := s.Stats(0); got.InGuest || got.Paused != 1 {
		t.Errorf("Stats after pause: got %+v", got)
	}
}

func TestEnterBlocksWhilePaused(t *testing.T) {
	s := newScheduler(0)
	s.PauseVCPU(0)
	s.PauseVCPU(0) // Nested.

	entered := make(chan error)
	go func() {
		entered <- s.Enter(context.Background(), 0)
	}()

	s.ResumeVCPU(0)
	select {
	case <-entered:
		t.Fatalf("Enter returned with one pause outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	s.ResumeVCPU(0)
	if err := <-entered; err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	s.Exit(0)
}

func TestEnterCancelled(t *testing.T) {
	s := newScheduler(0)
	s.PauseVCPU(0)
	defer s.ResumeVCPU(0)

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan error)
	go func() {
		entered <- s.Enter(ctx, 0)
	}()
	cancel()
	if err := <-entered; !errors.Is(err, context.Canceled) {
		t.Errorf("Enter got %v, want %v", err, context.Canceled)
	}
	if got := s.Stats(0); got.InGuest {
		t.Errorf("cancelled Enter left vCPU in guest mode")
	}
}

func TestPauseAllExcept(t *testing.T) {
	s := newScheduler(0, 1, 2)
	s.PauseAllExcept(1)
	for _, tc := range []struct {
		id     int
		paused int
	}{
		{0, 1},
		{1, 0},
		{2, 1},
	} {
		if got := s.Stats(tc.id).Paused; got != tc.paused {
			t.Errorf("vCPU %d paused = %d, want %d", tc.id, got, tc.paused)
		}
	}

	// The excluded vCPU may still run.
	if err := s.Enter(context.Background(), 1); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	s.Exit(1)

	s.ResumeAllExcept(1)
	for _, id := range s.IDs() {
		if got := s.Stats(id).Paused; got != 0 {
			t.Errorf("vCPU %d paused = %d after resume, want 0", id, got)
		}
	}
}

func TestPauseAllExceptControlPath(t *testing.T) {
	s := newScheduler(0, 1)
	s.PauseAllExcept(NoVCPU)
	for _, id := range s.IDs() {
		if got := s.Stats(id).Paused; got != 1 {
			t.Errorf("vCPU %d paused = %d, want 1", id, got)
		}
	}
	s.ResumeAllExcept(NoVCPU)
}

func TestMutualPause(t *testing.T) {
	s := newScheduler(0, 1)
	done := make(chan struct{}, 2)
	for _, id := range []int{0, 1} {
		go func() {
			s.PauseAllExcept(id)
			s.ResumeAllExcept(id)
			done <- struct{}{}
		}()
	}
	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("vCPUs pausing each other deadlocked")
		}
	}
}

func TestPauseFromGuestPanics(t *testing.T) {
	s := newScheduler(0, 1)
	if err := s.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("PauseAllExcept from guest mode did not panic")
		}
	}()
	s.PauseAllExcept(0)
}

func TestResumeUnpausedPanics(t *testing.T) {
	s := newScheduler(0)
	defer func() {
		if recover() == nil {
			t.Errorf("ResumeVCPU of unpaused vCPU did not panic")
		}
	}()
	s.ResumeVCPU(0)
}

func TestRemove(t *testing.T) {
	s := newScheduler(2, 0, 1)
	if diff := cmp.Diff([]int{0, 1, 2}, s.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	s.Remove(1)
	if diff := cmp.Diff([]int{0, 2}, s.IDs()); diff != "" {
		t.Errorf("IDs after Remove mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentVCPU(t *testing.T) {
	ctx := context.Background()
	if got := CurrentVCPU(ctx); got != NoVCPU {
		t.Errorf("CurrentVCPU(Background) = %d, want %d", got, NoVCPU)
	}
	if got := CurrentVCPU(WithVCPU(ctx, 3)); got != 3 {
		t.Errorf("CurrentVCPU = %d, want 3", got)
	}
}
