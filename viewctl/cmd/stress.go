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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/altp2m/pkg/altp2m"
	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/machine"
	"gvisor.dev/altp2m/pkg/p2m"
	"gvisor.dev/altp2m/pkg/sched"
	"gvisor.dev/altp2m/pkg/sync"
	"gvisor.dev/altp2m/viewctl/cmd/util"
	"gvisor.dev/altp2m/viewctl/config"
)

// remapBase is the first machine frame of stress view remappings.
const remapBase hostarch.MFN = 0x40000000

// remapFrame is the machine frame view idx maps gfn to.
func remapFrame(idx int, gfn hostarch.GFN) hostarch.MFN {
	return remapBase + hostarch.MFN(idx)<<24 + hostarch.MFN(gfn)
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	duration    time.Duration
	rounds      int
	remapped    uint64
	switchEvery int
	seed        uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run vCPUs against concurrent view creation, switching and destruction"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - exercise the view registry concurrently.

Every vCPU translates random guest frames through its bound view and checks
the result. Meanwhile the control path creates, switches to and destroys
views, and vCPU 0 switches the domain between views on its own. Destroying a
view that vCPUs are bound to is retried until they have moved away.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "duration", 10*time.Second, "maximum run time.")
	f.IntVar(&s.rounds, "rounds", 1000, "number of create/switch/destroy rounds of the control path.")
	f.Uint64Var(&s.remapped, "remapped", 16, "number of guest frames each view remaps.")
	f.IntVar(&s.switchEvery, "switch-every", 100, "accesses between view switches issued by vCPU 0; 0 disables them.")
	f.Uint64Var(&s.seed, "seed", 1, "random seed.")
}

// stressStats are the counters of a stress run.
type stressStats struct {
	accesses    atomicbitops.Uint64
	rounds      atomicbitops.Uint64
	busyRetries atomicbitops.Uint64
	vcpuSwitch  atomicbitops.Uint64
}

// readyViews are the views vCPU 0 may switch the domain to: those whose
// remappings are complete.
type readyViews struct {
	// mu is held for writing while a view is created and remapped or
	// withdrawn, and for reading while vCPU 0 picks a view and switches.
	mu    sync.RWMutex
	ready [altp2m.MaxViews]bool
}

// stressRun is the state shared by the goroutines of a stress run.
type stressRun struct {
	*Stress
	m     *machine.Machine
	stats stressStats
	views readyViews
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := machine.New(machineOpts(conf, "stress", nil))
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}
	start := time.Now()
	r := &stressRun{Stress: s, m: m}
	runErr := r.run(ctx)
	if runErr == nil {
		r.report(os.Stdout, time.Since(start))
	}
	if err := m.Destroy(); err != nil {
		return util.Errorf("destroying machine: %v", err)
	}
	if runErr != nil {
		return util.Errorf("stress failed: %v", runErr)
	}
	return subcommands.ExitSuccess
}

// run drives the machine until the control path is done or the duration
// expires, then checks the domain and disables it.
func (r *stressRun) run(ctx context.Context) error {
	m := r.m
	if err := m.Domain.Enable(ctx); err != nil {
		return fmt.Errorf("enabling views: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	vcpuCtx, stopVCPUs := context.WithCancel(gctx)
	defer stopVCPUs()
	for id := 0; id < m.NumVCPUs(); id++ {
		g.Go(func() error {
			return r.runVCPU(vcpuCtx, id)
		})
	}
	g.Go(func() error {
		defer stopVCPUs()
		return r.control(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Every vCPU has stopped.
	if err := m.Domain.CheckInvariants(); err != nil {
		return err
	}
	m.Domain.Disable(context.Background())
	return nil
}

// done returns true if err only reports the end of the run.
func done(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runVCPU translates random frames on vCPU id until ctx is done. vCPU 0 also
// switches the domain every switchEvery accesses.
func (r *stressRun) runVCPU(ctx context.Context, id int) error {
	rng := rand.New(rand.NewPCG(r.seed, uint64(id)))
	guestFrames := r.m.Host().Len()
	switching := id == 0 && r.switchEvery > 0
	for {
		left := r.switchEvery
		next := func() (hostarch.GFN, bool) {
			if switching {
				if left == 0 {
					return 0, false
				}
				left--
			}
			return hostarch.GFN(rng.IntN(guestFrames)), true
		}
		n, err := r.m.Run(ctx, id, next, func(gfn hostarch.GFN, tr machine.Translation) error {
			return r.verify(id, gfn, tr)
		})
		r.stats.accesses.Add(uint64(n))
		if err != nil {
			if done(err) {
				return nil
			}
			return err
		}
		if err := r.switchFromVCPU(ctx, id, rng); err != nil {
			return err
		}
	}
}

// switchFromVCPU switches the domain to the default view or a random ready
// view on behalf of vCPU id, which has left guest mode.
func (r *stressRun) switchFromVCPU(ctx context.Context, id int, rng *rand.Rand) error {
	r.views.mu.RLock()
	defer r.views.mu.RUnlock()
	candidates := []int{0}
	for idx, ok := range r.views.ready {
		if ok {
			candidates = append(candidates, idx)
		}
	}
	idx := candidates[rng.IntN(len(candidates))]
	if err := r.m.Domain.SwitchDomainTo(sched.WithVCPU(ctx, id), idx); err != nil {
		return fmt.Errorf("vCPU %d: switch to %d: %w", id, idx, err)
	}
	r.stats.vcpuSwitch.Add(1)
	return nil
}

// verify checks a translation of vCPU id against the tables.
func (r *stressRun) verify(id int, gfn hostarch.GFN, tr machine.Translation) error {
	want, ok := r.m.Host().Translate(gfn)
	if tr.View > 0 && uint64(gfn) < r.remapped {
		want, ok = remapFrame(tr.View, gfn), true
	}
	if tr.OK != ok || tr.MFN != want {
		return fmt.Errorf("vCPU %d: %v through view %d translated to %v, want %v", id, gfn, tr.View, tr.MFN, want)
	}
	return nil
}

// createReady creates a view, remaps its first frames and marks it ready.
func (r *stressRun) createReady() (int, error) {
	r.views.mu.Lock()
	defer r.views.mu.Unlock()
	idx, err := r.m.Domain.CreateNextAvailableView()
	if err != nil {
		return 0, err
	}
	t, ok := r.m.ViewTable(idx)
	if !ok {
		return 0, fmt.Errorf("view %d has no table", idx)
	}
	for gfn := hostarch.GFN(0); uint64(gfn) < r.remapped; gfn++ {
		t.Map(gfn, 1, p2m.MapOpts{AccessType: hostarch.ReadWrite}, remapFrame(idx, gfn))
	}
	r.views.ready[idx] = true
	return idx, nil
}

// withdraw stops vCPU 0 from switching to view idx.
func (r *stressRun) withdraw(idx int) {
	r.views.mu.Lock()
	defer r.views.mu.Unlock()
	r.views.ready[idx] = false
}

// control creates a view, switches the domain to it and back, and destroys
// it, for each round.
func (r *stressRun) control(ctx context.Context) error {
	d := r.m.Domain
	for round := 0; round < r.rounds; round++ {
		if ctx.Err() != nil {
			return nil
		}
		idx, err := r.createReady()
		if err != nil {
			return fmt.Errorf("round %d: create: %w", round, err)
		}
		if err := d.SwitchDomainTo(ctx, idx); err != nil {
			return fmt.Errorf("round %d: switch to %d: %w", round, idx, err)
		}
		if err := d.SwitchDomainTo(ctx, 0); err != nil {
			return fmt.Errorf("round %d: switch back: %w", round, err)
		}
		r.withdraw(idx)
		if err := r.destroy(ctx, idx); err != nil {
			if done(err) {
				return nil
			}
			return fmt.Errorf("round %d: destroy %d: %w", round, idx, err)
		}
		r.stats.rounds.Add(1)
	}
	return nil
}

// destroy destroys view idx, retrying while vCPU 0 keeps vCPUs bound to it.
func (r *stressRun) destroy(ctx context.Context, idx int) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	return backoff.Retry(func() error {
		err := r.m.Domain.DestroyViewAt(ctx, idx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, altp2m.ErrBusy):
			r.stats.busyRetries.Add(1)
			log.Debugf("view %d busy, retrying", idx)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
}

// report prints a summary of the run.
func (r *stressRun) report(w io.Writer, elapsed time.Duration) {
	m := r.m
	fmt.Fprintf(w, "vCPUs:          %d\n", m.NumVCPUs())
	fmt.Fprintf(w, "elapsed:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "accesses:       %d\n", r.stats.accesses.Load())
	fmt.Fprintf(w, "rounds:         %d\n", r.stats.rounds.Load())
	fmt.Fprintf(w, "vCPU switches:  %d\n", r.stats.vcpuSwitch.Load())
	fmt.Fprintf(w, "busy retries:   %d\n", r.stats.busyRetries.Load())
	for id := 0; id < m.NumVCPUs(); id++ {
		st := m.Sched.Stats(id)
		fmt.Fprintf(w, "vCPU %d: %d entries, %d pauses\n", id, st.Entries, st.Pauses)
	}
}
