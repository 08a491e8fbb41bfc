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

package refs

import (
	"fmt"
	"strings"

	"github.com/google/btree"
	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/sync"
)

// liveObject is an entry in liveObjects.
type liveObject struct {
	obj CheckedObject

	// stack is where obj was registered, in LeaksLogTraces mode.
	stack []uintptr
}

func liveObjectLess(a, b liveObject) bool {
	return a.obj.ID() < b.obj.ID()
}

var (
	// liveObjects is a global set of reference-counted objects ordered by
	// ID, so leak reports list objects in creation order. Objects are
	// inserted when leak check is enabled, and they are removed when they
	// are deallocated. It is protected by liveObjectsMu.
	liveObjects   = btree.NewG[liveObject](2, liveObjectLess)
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// ID uniquely identifies the object.
	ID() uint64

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
	mode := GetLeakMode()
	return mode != NoLeakChecking
}

// leakCheckPanicEnabled returns whether DoLeakCheck() should panic when leaks
// are detected.
func leakCheckPanicEnabled() bool {
	return GetLeakMode() == LeaksPanic
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if LeakCheckEnabled() {
		entry := liveObject{obj: obj}
		if GetLeakMode() == LeaksLogTraces {
			entry.stack = RecordStack()
		}
		liveObjectsMu.Lock()
		if _, ok := liveObjects.ReplaceOrInsert(entry); ok {
			liveObjectsMu.Unlock()
			panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %d already added", obj.ID()))
		}
		liveObjectsMu.Unlock()
		if obj.LogRefs() {
			logEvent(obj, "registered")
		}
	}
}

// Unregister removes obj from the live object map.
//
// Objects created before leak checking was enabled were never registered,
// and are ignored.
func Unregister(obj CheckedObject) {
	if LeakCheckEnabled() {
		liveObjectsMu.Lock()
		_, ok := liveObjects.Delete(liveObject{obj: obj})
		liveObjectsMu.Unlock()
		if ok && obj.LogRefs() {
			logEvent(obj, "unregistered")
		}
	}
}

// logEvent logs a message for the given reference-counted object.
//
// obj.LogRefs() should be checked before calling logEvent, in order to avoid
// calling any text processing needed to evaluate msg.
func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %d] %s:\n%s", obj.RefType(), obj.ID(), msg, FormatStack(RecordStack()))
}

// checkOnce makes sure that leak checking is only done once. DoLeakCheck is
// called from multiple places (which may overlap) to cover different exit
// paths.
var checkOnce sync.Once

// DoLeakCheck iterates through the live object map and logs a message for each
// object. It should be called when no reference-counted objects are reachable
// anymore, at which point anything left in the map is considered a leak. On
// multiple calls, only the first call will perform the leak check.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(doLeakCheck)
	}
}

// DoRepeatedLeakCheck is the same as DoLeakCheck except that it can be called
// multiple times by the caller to incrementally perform leak checking.
func DoRepeatedLeakCheck() {
	if LeakCheckEnabled() {
		doLeakCheck()
	}
}

type leakCheckDisabled interface {
	LeakCheckDisabled() bool
}

// CleanupSync is used to wait for async cleanup actions.
var CleanupSync sync.WaitGroup

// LeakedObjects returns the number of registered objects that have not been
// deallocated, skipping objects that opted out of leak checking.
func LeakedObjects() int {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	n := 0
	liveObjects.Ascend(func(e liveObject) bool {
		if o, ok := e.obj.(leakCheckDisabled); !ok || !o.LeakCheckDisabled() {
			n++
		}
		return true
	})
	return n
}

func doLeakCheck() {
	CleanupSync.Wait()
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if liveObjects.Len() == 0 {
		return
	}
	n := 0
	var msg strings.Builder
	liveObjects.Ascend(func(e liveObject) bool {
		if o, ok := e.obj.(leakCheckDisabled); ok && o.LeakCheckDisabled() {
			log.Debugf(e.obj.LeakMessage())
			return true
		}
		msg.WriteString(e.obj.LeakMessage())
		msg.WriteString("\n")
		if e.stack != nil {
			fmt.Fprintf(&msg, "Registered at:\n%s", FormatStack(e.stack))
		}
		n++
		return true
	})
	if n == 0 {
		return
	}
	report := fmt.Sprintf("Leak checking detected %d leaked objects:\n%s", n, msg.String())
	if leakCheckPanicEnabled() {
		panic(report)
	}
	log.Warningf(report)
}
