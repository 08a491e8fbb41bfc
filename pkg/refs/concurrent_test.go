// Copyright 2024 The gVisor Authors.
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
	"runtime"
	"sync"
	"testing"
)

const (
	stressGoroutines = 8
	stressIterations = 1000
)

func runConcurrently(n int, f func(g int)) {
	var wg sync.WaitGroup
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			f(g)
		}(g)
	}
	wg.Wait()
}

func TestRetainReleaseStorm(t *testing.T) {
	for _, withSideTable := range []bool{false, true} {
		name := "inline"
		if withSideTable {
			name = "side table"
		}
		t.Run(name, func(t *testing.T) {
			var l testLifecycle
			o := NewObject(nil, &l)
			var w *WeakRef
			if withSideTable {
				w = o.FormWeak()
			}

			runConcurrently(stressGoroutines, func(int) {
				for i := 0; i < stressIterations; i++ {
					o.Retain()
					// This goroutine and the test each hold a reference.
					if o.IsUniquelyReferenced() {
						t.Errorf("IsUniquelyReferenced got true with two references held")
					}
					if i%7 == 0 {
						runtime.Gosched()
					}
					o.Release()
				}
			})

			if got := o.StrongRefCount(); got != 1 {
				t.Errorf("StrongRefCount got %d want 1", got)
			}
			l.check(t, 0, 0)
			o.Release()
			if w != nil {
				l.check(t, 1, 0)
				w.Release()
			}
			l.check(t, 1, 1)
		})
	}
}

func TestConcurrentFormWeak(t *testing.T) {
	liveBefore := LiveSideTables()
	for i := 0; i < 200; i++ {
		var l testLifecycle
		o := NewObject(nil, &l)
		refs := make([]*WeakRef, stressGoroutines)
		// Every goroutine races to install the side table; exactly one wins
		// and the spares go back to the arena.
		runConcurrently(stressGoroutines, func(g int) {
			o.Retain()
			refs[g] = o.FormWeak()
			o.Release()
		})
		checkCounts(t, o, Counts{Strong: 1, Unowned: 1, Weak: stressGoroutines, SideTable: true})
		o.Release()
		for _, w := range refs {
			w.Release()
		}
		l.check(t, 1, 1)
	}
	if got := LiveSideTables(); got != liveBefore {
		t.Errorf("LiveSideTables got %d want %d", got, liveBefore)
	}
}

// TestConcurrentDrain releases the last strong, unowned and weak references
// from three goroutines at once.
func TestConcurrentDrain(t *testing.T) {
	for i := 0; i < 1000; i++ {
		var l testLifecycle
		o := NewObject(nil, &l)
		o.RetainUnowned()
		w := o.FormWeak()
		runConcurrently(3, func(g int) {
			switch g {
			case 0:
				o.Release()
			case 1:
				o.ReleaseUnowned()
			case 2:
				w.Release()
			}
		})
		l.check(t, 1, 1)
	}
}

// TestConcurrentWeakLoads has many goroutines loading through copies of one
// weak reference while the owner releases the object.
func TestConcurrentWeakLoads(t *testing.T) {
	for i := 0; i < 100; i++ {
		var l testLifecycle
		o := NewObject(nil, &l)
		w := o.FormWeak()
		copies := make([]*WeakRef, stressGoroutines)
		for g := range copies {
			copies[g] = w.Copy()
		}
		w.Release()

		runConcurrently(stressGoroutines+1, func(g int) {
			if g == stressGoroutines {
				o.Release()
				return
			}
			for j := 0; j < 50; j++ {
				got, ok := copies[g].Load()
				if !ok {
					break
				}
				if n := l.deinits.Load(); n != 0 {
					t.Errorf("Load succeeded on object with %d deinits", n)
				}
				got.Release()
			}
			copies[g].Release()
		})
		l.check(t, 1, 1)
	}
}
