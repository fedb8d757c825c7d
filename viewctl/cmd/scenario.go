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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/altp2m/pkg/altp2m"
	"gvisor.dev/altp2m/pkg/hostarch"
	"gvisor.dev/altp2m/pkg/machine"
	"gvisor.dev/altp2m/pkg/p2m"
	"gvisor.dev/altp2m/pkg/sched"
)

// Scenario is a sequence of domain operations with expected outcomes.
type Scenario struct {
	// Name is informational.
	Name string `yaml:"name" toml:"name"`

	// The fields below override the corresponding flags if non-zero.
	VCPUs          int    `yaml:"vcpus" toml:"vcpus"`
	GuestFrames    uint64 `yaml:"guest_frames" toml:"guest_frames"`
	Frames         int    `yaml:"frames" toml:"frames"`
	FramesPerTable int    `yaml:"frames_per_table" toml:"frames_per_table"`

	// Steps are run in order.
	Steps []Step `yaml:"steps" toml:"steps"`
}

// Step is a single operation.
type Step struct {
	// Op is the operation, see stepOps.
	Op string `yaml:"op" toml:"op"`

	// View is the slot operated on.
	View *int `yaml:"view" toml:"view"`

	// VCPU is the vCPU operated on.
	VCPU *int `yaml:"vcpu" toml:"vcpu"`

	// Caller, if set, is the vCPU issuing the operation. Otherwise the
	// operation comes from the control path.
	Caller *int `yaml:"caller" toml:"caller"`

	// GFN, Count, MFN and Access describe the frames of map, unmap and
	// translate.
	GFN    uint64 `yaml:"gfn" toml:"gfn"`
	Count  uint64 `yaml:"count" toml:"count"`
	MFN    uint64 `yaml:"mfn" toml:"mfn"`
	Access string `yaml:"access" toml:"access"`

	// Expect is the expected outcome.
	Expect Expect `yaml:"expect" toml:"expect"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Error is the expected error name, see errorNames. Empty means
	// success.
	Error string `yaml:"error" toml:"error"`

	// View is the slot returned by create-next, or the slot translated
	// through (-1 for the host table).
	View *int `yaml:"view" toml:"view"`

	// MFN is the machine frame a translation must produce.
	MFN *uint64 `yaml:"mfn" toml:"mfn"`

	// Fault is true if a translation must find no mapping.
	Fault bool `yaml:"fault" toml:"fault"`

	// Active is the active vCPU count of the view checked by count.
	Active *int32 `yaml:"active" toml:"active"`
}

// stepOps maps each operation to the step fields it requires.
var stepOps = map[string]struct {
	view, vcpu bool
}{
	"enable":      {},
	"disable":     {},
	"create":      {view: true},
	"create-next": {},
	"destroy":     {view: true},
	"switch":      {view: true},
	"flush":       {},
	"teardown":    {},
	"bind":        {vcpu: true},
	"unbind":      {vcpu: true},
	"map":         {},
	"unmap":       {},
	"translate":   {vcpu: true},
	"count":       {view: true},
	"check":       {},
}

// errorNames are the names of registry errors in scenarios.
var errorNames = []struct {
	err  error
	name string
}{
	{altp2m.ErrInvalidIndex, "invalid-index"},
	{altp2m.ErrAlreadyExists, "already-exists"},
	{altp2m.ErrNotFound, "not-found"},
	{altp2m.ErrNoCapacity, "no-capacity"},
	{altp2m.ErrBusy, "busy"},
	{altp2m.ErrOutOfMemory, "out-of-memory"},
}

// errorName returns the scenario name of err.
func errorName(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "unknown"
}

func validErrorName(name string) bool {
	if name == "" {
		return true
	}
	for _, e := range errorNames {
		if e.name == name {
			return true
		}
	}
	return false
}

// LoadScenario reads a scenario from a .yaml, .yml or .toml file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var format string
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	default:
		return nil, fmt.Errorf("unknown scenario format %q, want .yaml or .toml", ext)
	}
	sc, err := DecodeScenario(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// DecodeScenario decodes a scenario in the given format, "yaml" or "toml".
// Unknown keys are rejected.
func DecodeScenario(r io.Reader, format string) (*Scenario, error) {
	sc := &Scenario{}
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(sc); err != nil {
			return nil, err
		}
	case "toml":
		md, err := toml.NewDecoder(r).Decode(sc)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", format)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, st := range sc.Steps {
		op, ok := stepOps[st.Op]
		if !ok {
			return fmt.Errorf("step %d: unknown op %q", i+1, st.Op)
		}
		if op.view && st.View == nil {
			return fmt.Errorf("step %d: %s needs a view", i+1, st.Op)
		}
		if op.vcpu && st.VCPU == nil {
			return fmt.Errorf("step %d: %s needs a vcpu", i+1, st.Op)
		}
		if !validErrorName(st.Expect.Error) {
			return fmt.Errorf("step %d: unknown error %q", i+1, st.Expect.Error)
		}
		if st.Access != "" {
			if _, ok := hostarch.ParseAccessType(st.Access); !ok {
				return fmt.Errorf("step %d: invalid access %q", i+1, st.Access)
			}
		}
	}
	return nil
}

// Runner runs scenarios against a machine.
type Runner struct {
	// M is the machine operated on.
	M *machine.Machine

	// Out receives one line per step, unless Quiet.
	Out   io.Writer
	Quiet bool
}

// Run runs every step of sc and stops at the first one whose outcome does
// not match its expectation.
func (r *Runner) Run(ctx context.Context, sc *Scenario) error {
	for i := range sc.Steps {
		st := &sc.Steps[i]
		desc := st.describe()
		opErr, err := r.step(ctx, st)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, desc, err)
		}
		if got, want := errorName(opErr), st.Expect.Error; got != want {
			if want == "" {
				want = "success"
			}
			return fmt.Errorf("step %d (%s): got %v, want %s", i+1, desc, opErr, want)
		}
		if !r.Quiet {
			result := "ok"
			if opErr != nil {
				result = errorName(opErr)
			}
			fmt.Fprintf(r.Out, "step %d: %s: %s\n", i+1, desc, result)
		}
	}
	return nil
}

// describe returns a one-line summary of st.
func (st *Step) describe() string {
	var b strings.Builder
	b.WriteString(st.Op)
	if st.View != nil {
		fmt.Fprintf(&b, " view=%d", *st.View)
	}
	if st.VCPU != nil {
		fmt.Fprintf(&b, " vcpu=%d", *st.VCPU)
	}
	if st.Caller != nil {
		fmt.Fprintf(&b, " caller=%d", *st.Caller)
	}
	switch st.Op {
	case "map", "unmap", "translate":
		fmt.Fprintf(&b, " gfn=%#x", st.GFN)
	}
	return b.String()
}

// vcpu returns the vCPU named by st.
func (r *Runner) vcpu(st *Step) (*altp2m.VCPU, error) {
	id := *st.VCPU
	if id < 0 || id >= r.M.NumVCPUs() {
		return nil, fmt.Errorf("no vCPU %d", id)
	}
	return r.M.VCPU(id), nil
}

// table returns the table st maps into: a view's, or the host's if st has no
// view.
func (r *Runner) table(st *Step) (*p2m.Table, error) {
	if st.View == nil {
		return r.M.Host(), nil
	}
	t, ok := r.M.ViewTable(*st.View)
	if !ok {
		return nil, fmt.Errorf("no view %d", *st.View)
	}
	return t, nil
}

// step runs st. It returns the error of the operation itself, to be matched
// against the expectation, and an error if the step is malformed or its
// result does not match.
func (r *Runner) step(ctx context.Context, st *Step) (opErr, err error) {
	d := r.M.Domain
	if st.Caller != nil {
		ctx = sched.WithVCPU(ctx, *st.Caller)
	}
	count := st.Count
	if count == 0 {
		count = 1
	}

	switch st.Op {
	case "enable":
		return d.Enable(ctx), nil
	case "disable":
		d.Disable(ctx)
	case "create":
		return d.CreateViewAt(*st.View), nil
	case "create-next":
		idx, opErr := d.CreateNextAvailableView()
		if opErr == nil && st.Expect.View != nil && idx != *st.Expect.View {
			return nil, fmt.Errorf("created view %d, want %d", idx, *st.Expect.View)
		}
		return opErr, nil
	case "destroy":
		return d.DestroyViewAt(ctx, *st.View), nil
	case "switch":
		return d.SwitchDomainTo(ctx, *st.View), nil
	case "flush":
		d.FlushAllViews()
	case "teardown":
		d.TeardownAllViews()
	case "bind":
		v, err := r.vcpu(st)
		if err != nil {
			return nil, err
		}
		d.InitializeVCPUBinding(v)
	case "unbind":
		v, err := r.vcpu(st)
		if err != nil {
			return nil, err
		}
		d.DestroyVCPUBinding(ctx, v)
	case "map":
		t, err := r.table(st)
		if err != nil {
			return nil, err
		}
		at := hostarch.ReadWrite
		if st.Access != "" {
			at, _ = hostarch.ParseAccessType(st.Access)
		}
		t.Map(hostarch.GFN(st.GFN), count, p2m.MapOpts{AccessType: at}, hostarch.MFN(st.MFN))
	case "unmap":
		t, err := r.table(st)
		if err != nil {
			return nil, err
		}
		t.Unmap(hostarch.GFN(st.GFN), count)
	case "translate":
		if _, err := r.vcpu(st); err != nil {
			return nil, err
		}
		tr, err := r.M.Translate(ctx, *st.VCPU, hostarch.GFN(st.GFN))
		if err != nil {
			return nil, err
		}
		return nil, st.Expect.checkTranslation(tr)
	case "count":
		v := d.ViewAt(*st.View)
		if v == nil {
			return nil, fmt.Errorf("no view %d", *st.View)
		}
		if want := st.Expect.Active; want != nil && v.ActiveVCPUs() != *want {
			return nil, fmt.Errorf("view %d has %d active vCPUs, want %d", *st.View, v.ActiveVCPUs(), *want)
		}
	case "check":
		return nil, d.CheckInvariants()
	default:
		return nil, fmt.Errorf("unknown op %q", st.Op)
	}
	return nil, nil
}

// checkTranslation compares tr against e.
func (e *Expect) checkTranslation(tr machine.Translation) error {
	if e.Fault {
		if tr.OK {
			return fmt.Errorf("translated to %v, want a fault", tr.MFN)
		}
		return nil
	}
	if !tr.OK {
		return fmt.Errorf("translation faulted through view %d", tr.View)
	}
	if e.View != nil && tr.View != *e.View {
		return fmt.Errorf("translated through view %d, want %d", tr.View, *e.View)
	}
	if e.MFN != nil && tr.MFN != hostarch.MFN(*e.MFN) {
		return fmt.Errorf("translated to %v, want %v", tr.MFN, hostarch.MFN(*e.MFN))
	}
	return nil
}
