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

package handle

import (
	"errors"
	"sync"
	"testing"

	"gvisor.dev/refcounts/pkg/refs"
)

type callbacks struct {
	deinits, deallocs int
}

func (c *callbacks) lifecycle() refs.Lifecycle {
	return refs.LifecycleFuncs{
		DeinitFunc:  func(*refs.Object) { c.deinits++ },
		DeallocFunc: func(*refs.Object) { c.deallocs++ },
	}
}

func TestDuallyReferencedScenario(t *testing.T) {
	var c callbacks
	before := Live()
	h := New("payload", c.lifecycle())
	if h == 0 {
		t.Fatalf("New returned the empty handle")
	}
	if got := Live(); got != before+1 {
		t.Errorf("Live got %d want %d", got, before+1)
	}

	Retain(h)
	if got := StrongRefCount(h); got != 2 {
		t.Errorf("StrongRefCount got %d want 2", got)
	}
	if got := IsDuallyReferenced(h); got != 1 {
		t.Errorf("IsDuallyReferenced got %d want 1", got)
	}
	RetainUnowned(h)

	Release(h)
	if got := IsDuallyReferenced(h); got != 0 {
		t.Errorf("IsDuallyReferenced got %d want 0", got)
	}
	if !IsUniquelyReferenced(h) {
		t.Errorf("IsUniquelyReferenced got false want true")
	}

	Release(h)
	if c.deinits != 1 || c.deallocs != 0 {
		t.Errorf("after last release got deinits=%d deallocs=%d want 1, 0", c.deinits, c.deallocs)
	}
	ReleaseUnowned(h)
	if c.deinits != 1 || c.deallocs != 1 {
		t.Errorf("after unowned release got deinits=%d deallocs=%d want 1, 1", c.deinits, c.deallocs)
	}
	if _, ok := Lookup(h); ok {
		t.Errorf("Lookup of deallocated handle succeeded")
	}
	if got := Live(); got != before {
		t.Errorf("Live got %d want %d", got, before)
	}
}

func TestWeakScenario(t *testing.T) {
	var c callbacks
	h := New(nil, c.lifecycle())
	w := FormWeak(h)

	loaded := LoadWeak(w)
	if loaded != h {
		t.Fatalf("LoadWeak got %d want %d", loaded, h)
	}
	Release(loaded)

	Release(h)
	if c.deinits != 1 || c.deallocs != 0 {
		t.Errorf("after last release got deinits=%d deallocs=%d want 1, 0", c.deinits, c.deallocs)
	}
	if got := LoadWeak(w); got != 0 {
		t.Errorf("LoadWeak of deinited object got %d want 0", got)
	}
	ReleaseWeak(w)
	if c.deallocs != 1 {
		t.Errorf("after weak release got deallocs=%d want 1", c.deallocs)
	}
}

func TestInvalidHandle(t *testing.T) {
	if !refs.ChecksEnabled {
		t.Skip("invalid handles are not checked in this build")
	}
	for _, test := range []struct {
		name string
		f    func()
	}{
		{"empty", func() { Retain(0) }},
		{"released", func() {
			h := New(nil, nil)
			Release(h)
			Release(h)
		}},
		{"weak", func() { ReleaseWeak(WeakHandle(1 << 62)) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				err, ok := recover().(error)
				if !ok || !errors.Is(err, ErrInvalidHandle) {
					t.Errorf("got panic %v, want %v", err, ErrInvalidHandle)
				}
			}()
			test.f()
		})
	}
}

func TestConcurrentHandles(t *testing.T) {
	before := Live()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := New(i, nil)
				w := FormWeak(h)
				Retain(h)
				Release(h)
				if got := LoadWeak(w); got != h {
					t.Errorf("LoadWeak got %d want %d", got, h)
					return
				}
				Release(h)
				Release(h)
				ReleaseWeak(w)
			}
		}()
	}
	wg.Wait()
	if got := Live(); got != before {
		t.Errorf("Live got %d want %d", got, before)
	}
}

func TestSharedHandleWithChurn(t *testing.T) {
	var c callbacks
	before := Live()
	h := New("shared", c.lifecycle())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				Retain(h)
				Release(h)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				Release(New(i, nil))
			}
		}()
	}
	wg.Wait()

	if got := StrongRefCount(h); got != 1 {
		t.Errorf("StrongRefCount got %d want 1", got)
	}
	if got := Live(); got != before+1 {
		t.Errorf("Live got %d want %d", got, before+1)
	}
	Release(h)
	if c.deinits != 1 || c.deallocs != 1 {
		t.Errorf("got %d deinits and %d deallocs want 1 and 1", c.deinits, c.deallocs)
	}
	if _, ok := Lookup(h); ok {
		t.Errorf("Lookup of a deallocated handle succeeded")
	}
}
