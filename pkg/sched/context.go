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
)

// contextID is the sched package's type for context.Context.Value keys.
type contextID int

const (
	// CtxVCPU is a Context.Value key for the id of the calling vCPU.
	CtxVCPU contextID = iota
)

// WithVCPU returns a context identifying the caller as vCPU id.
func WithVCPU(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, CtxVCPU, id)
}

// CurrentVCPU returns the id of the calling vCPU, or NoVCPU if the caller
// is the control path.
func CurrentVCPU(ctx context.Context) int {
	if id, ok := ctx.Value(CtxVCPU).(int); ok {
		return id
	}
	return NoVCPU
}
