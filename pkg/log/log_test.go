// Copyright 2018 Google LLC
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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Errorf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	l.Warningf("shown %d", 2)
	if got, want := buf.String(), "shown 1\nshown 2\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "view %d busy", 3)
	got := buf.String()
	if !strings.HasPrefix(got, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("missing caller in %q", got)
	}
	if !strings.HasSuffix(got, "] view 3 busy\n") {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	m.Emit(0, Info, time.Now(), "hello")
	if a.String() != "hello\n" || b.String() != "hello\n" {
		t.Errorf("got %q and %q, want both %q", a.String(), b.String(), "hello\n")
	}
}
