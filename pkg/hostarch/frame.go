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

// Package hostarch describes guest and machine frames and the access they
// may be mapped with.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the frame size.
	PageShift = 12

	// PageSize is the frame size in bytes.
	PageSize = 1 << PageShift
)

// GFN is a guest frame number.
type GFN uint64

// MFN is a machine frame number.
type MFN uint64

// InvalidMFN is never a valid machine frame.
const InvalidMFN = ^MFN(0)

// Addr returns the guest physical address of the first byte of the frame.
func (g GFN) Addr() uint64 { return uint64(g) << PageShift }

// GFNOf returns the guest frame containing the guest physical address.
func GFNOf(addr uint64) GFN { return GFN(addr >> PageShift) }

// String implements fmt.Stringer.String.
func (g GFN) String() string { return fmt.Sprintf("gfn:%#x", uint64(g)) }

// String implements fmt.Stringer.String.
func (m MFN) String() string {
	if m == InvalidMFN {
		return "mfn:invalid"
	}
	return fmt.Sprintf("mfn:%#x", uint64(m))
}
