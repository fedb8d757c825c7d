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

	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/refs"
)

// View is an alternate view of guest physical memory.
type View struct {
	// domain owns the view. Immutable.
	domain *Domain

	// index is the slot holding the view. Immutable.
	index int

	// table is the translation table. It is set before the view is
	// published and immutable afterwards.
	table Table

	// activeVCPUs is the number of vCPUs bound to this view.
	activeVCPUs atomicbitops.Int32
}

// Index returns the slot index of v.
func (v *View) Index() int {
	return v.index
}

// Table returns the translation table of v.
func (v *View) Table() Table {
	return v.table
}

// ActiveVCPUs returns the number of vCPUs bound to v.
func (v *View) ActiveVCPUs() int32 {
	return v.activeVCPUs.Load()
}

// incActive records a vCPU binding to v.
func (v *View) incActive() {
	n := v.activeVCPUs.Add(1)
	if v.LogRefs() {
		refs.LogIncRef(v, int64(n))
	}
}

// decActive records a vCPU unbinding from v.
func (v *View) decActive() {
	if !v.activeVCPUs.DecUnlessZero() {
		panic(fmt.Sprintf("%s: active vCPU count underflow", v))
	}
	if v.LogRefs() {
		refs.LogDecRef(v, int64(v.activeVCPUs.Load()))
	}
}

// release frees the view's table. The view must already be unpublished.
func (v *View) release() {
	if v.table != nil {
		v.table.Release()
	}
	refs.Unregister(v)
}

// String implements fmt.Stringer.String.
func (v *View) String() string {
	return fmt.Sprintf("%s/view-%d", v.domain.name, v.index)
}

// RefType implements refs.CheckedObject.RefType.
func (v *View) RefType() string {
	return "altp2m.View"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (v *View) LeakMessage() string {
	return fmt.Sprintf("[%s %p] view was never released (%d active vCPUs)", v, v, v.ActiveVCPUs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (v *View) LogRefs() bool {
	return v.domain.logRefs
}
