// Copyright 2019 The gVisor Authors.
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

package eventchannel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gvisor.dev/altp2m/pkg/sync"
)

// testEmitter is an emitter that can be used in tests. It records all events
// emitted, and whether it has been closed.
type testEmitter struct {
	// mu protects all fields below.
	mu sync.Mutex

	// events contains all emitted events.
	events []proto.Message

	// closed records whether Close() was called.
	closed bool
}

// Emit implements Emitter.Emit.
func (te *testEmitter) Emit(msg proto.Message) (bool, error) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.events = append(te.events, msg)
	return false, nil
}

// Close implements Emitter.Close.
func (te *testEmitter) Close() error {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return fmt.Errorf("closed called twice")
	}
	te.closed = true
	return nil
}

func event(t *testing.T, name string) *structpb.Struct {
	s, err := structpb.NewStruct(map[string]any{"op": name})
	if err != nil {
		t.Fatalf("structpb.NewStruct failed: %v", err)
	}
	return s
}

func TestMultiEmitter(t *testing.T) {
	// Create three testEmitters, tied together in a multiEmitter.
	me := &multiEmitter{}
	var emitters []*testEmitter
	for i := 0; i < 3; i++ {
		te := &testEmitter{}
		emitters = append(emitters, te)
		me.AddEmitter(te)
	}

	// Emit three messages to multiEmitter.
	names := []string{"create", "switch", "destroy"}
	for _, name := range names {
		m := event(t, name)
		if _, err := me.Emit(m); err != nil {
			t.Fatalf("me.Emit(%v) failed: %v", m, err)
		}
	}

	// All three emitters should have all three events.
	for _, te := range emitters {
		if got, want := len(te.events), len(names); got != want {
			t.Fatalf("emitter got %d events, want %d", got, want)
		}
		for i, name := range names {
			if got := te.events[i].(*structpb.Struct).GetFields()["op"].GetStringValue(); got != name {
				t.Errorf("emitter got message with op %q, want %q", got, name)
			}
		}
	}

	// Close multiEmitter.
	if err := me.Close(); err != nil {
		t.Fatalf("me.Close() failed: %v", err)
	}

	// All testEmitters should be closed.
	for _, te := range emitters {
		if !te.closed {
			t.Errorf("te.closed got false, want true")
		}
	}
}

func TestRateLimitedEmitter(t *testing.T) {
	te := &testEmitter{}
	rle := RateLimitedEmitterFrom(te, 0.001 /* effectively never refill */, 10)

	// Send 50 messages in one shot.
	for i := 0; i < 50; i++ {
		if _, err := rle.Emit(event(t, "switch")); err != nil {
			t.Fatalf("rle.Emit failed: %v", err)
		}
	}

	// We should have received only 10 messages.
	if got, want := len(te.events), 10; got != want {
		t.Errorf("got %d events, want %d", got, want)
	}
	if got, want := rle.Dropped(), uint64(40); got != want {
		t.Errorf("Dropped() = %d, want %d", got, want)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func TestStreamEmitterWireFormat(t *testing.T) {
	var buf bytes.Buffer
	se := StreamEmitter(nopCloser{&buf})
	names := []string{"create", "flush"}
	for _, name := range names {
		if _, err := se.Emit(event(t, name)); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for _, name := range names {
		msg, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var s structpb.Struct
		if err := msg.UnmarshalTo(&s); err != nil {
			t.Fatalf("UnmarshalTo failed: %v", err)
		}
		if got := s.GetFields()["op"].GetStringValue(); got != name {
			t.Errorf("op = %q, want %q", got, name)
		}
	}
	if _, err := ReadMessage(r); err != io.EOF {
		t.Errorf("ReadMessage at end = %v, want EOF", err)
	}
}
