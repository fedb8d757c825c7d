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
	"google.golang.org/protobuf/types/known/structpb"
)

// emit sends a lifecycle event. Failures are logged and otherwise ignored.
func (d *Domain) emit(event string, fields map[string]any) {
	m := map[string]any{
		"domain": d.name,
		"event":  event,
	}
	for k, v := range fields {
		m[k] = v
	}
	msg, err := structpb.NewStruct(m)
	if err != nil {
		d.warn.Warningf("altp2m[%s]: building %s event: %v", d.name, event, err)
		return
	}
	if _, err := d.events.Emit(msg); err != nil {
		d.warn.Warningf("altp2m[%s]: emitting %s event: %v", d.name, event, err)
	}
}
