// Copyright 2020 The gVisor Authors.
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

// Package refs tracks live reference-counted objects so that objects which
// outlive their owner can be reported.
package refs

import (
	"fmt"
	"sort"

	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/sync"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indidcates that a panic should be issued when leaks are found.
	LeaksPanic
)

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (l *LeakMode) Get() any {
	return *l
}

// String implements flag.Value.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log-names"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
}

// leakMode stores the current mode for the reference leak checker.
var leakMode atomicbitops.Uint32

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

var (
	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	if _, ok := liveObjects[obj]; ok {
		liveObjectsMu.Unlock()
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "registered")
	}
}

// Unregister removes obj from the live object map.
//
// Objects registered before leak checking was enabled are silently ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	delete(liveObjects, obj)
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("IncRef to %d", refs))
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("DecRef to %d", refs))
	}
}

// logEvent logs a message for the given reference-counted object.
//
// obj.LogRefs() should be checked before calling logEvent, in order to avoid
// calling any text processing needed to evaluate msg.
func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %p] %s", obj.RefType(), obj, msg)
}

// Live returns the leak messages of all live objects, sorted.
func Live() []string {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	msgs := make([]string, 0, len(liveObjects))
	for obj := range liveObjects {
		msgs = append(msgs, obj.LeakMessage())
	}
	sort.Strings(msgs)
	return msgs
}

// DoRepeatedLeakCheck iterates through the live object map and reports each
// object. It should be called when no reference-counted objects are reachable
// anymore, at which point anything left in the map is considered a leak. It
// returns the number of leaked objects.
func DoRepeatedLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	leaked := Live()
	if len(leaked) == 0 {
		return 0
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n", len(leaked))
	for _, m := range leaked {
		msg += m + "\n"
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
	return len(leaked)
}

// checkOnce makes sure that leak checking is only done once.
var checkOnce sync.Once

// DoLeakCheck is the same as DoRepeatedLeakCheck, except that only the first
// call performs the check.
func DoLeakCheck() {
	checkOnce.Do(func() { DoRepeatedLeakCheck() })
}
