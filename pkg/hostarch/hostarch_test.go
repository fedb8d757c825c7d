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

package hostarch

import "testing"

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{NoAccess, "---"},
		{Read, "r--"},
		{ReadWrite, "rw-"},
		{ReadExec, "r-x"},
		{AnyAccess, "rwx"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.at, got, tc.want)
		}
		got, ok := ParseAccessType(tc.want)
		if !ok || got != tc.at {
			t.Errorf("ParseAccessType(%q) = %+v, %t, want %+v", tc.want, got, ok, tc.at)
		}
	}
}

func TestParseAccessTypeInvalid(t *testing.T) {
	for _, s := range []string{"", "rw", "wrx", "rwxx", "r?x"} {
		if _, ok := ParseAccessType(s); ok {
			t.Errorf("ParseAccessType(%q) succeeded", s)
		}
	}
}

func TestSupersetOf(t *testing.T) {
	if !AnyAccess.SupersetOf(ReadWrite) {
		t.Errorf("rwx is not a superset of rw-")
	}
	if Read.SupersetOf(ReadWrite) {
		t.Errorf("r-- is a superset of rw-")
	}
	if got := ReadWrite.Intersect(ReadExec); got != Read {
		t.Errorf("rw- & r-x = %v, want r--", got)
	}
}

func TestGFN(t *testing.T) {
	g := GFNOf(0x12345)
	if g != 0x12 {
		t.Errorf("GFNOf(0x12345) = %v, want gfn:0x12", g)
	}
	if got := g.Addr(); got != 0x12000 {
		t.Errorf("Addr = %#x, want 0x12000", got)
	}
	if got := InvalidMFN.String(); got != "mfn:invalid" {
		t.Errorf("InvalidMFN.String() = %q", got)
	}
}
