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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testLifecycle counts lifecycle callbacks.
type testLifecycle struct {
	deinits  atomic.Int32
	deallocs atomic.Int32

	// onDeinit, if set, is called from Deinit.
	onDeinit func(*Object)
}

func (l *testLifecycle) Deinit(o *Object) {
	if n := l.deinits.Add(1); n != 1 {
		panic(fmt.Sprintf("Deinit called %d times", n))
	}
	if l.onDeinit != nil {
		l.onDeinit(o)
	}
}

func (l *testLifecycle) Dealloc(o *Object) {
	if l.deinits.Load() != 1 {
		panic("Dealloc called before Deinit")
	}
	if n := l.deallocs.Add(1); n != 1 {
		panic(fmt.Sprintf("Dealloc called %d times", n))
	}
}

func (l *testLifecycle) check(t *testing.T, deinits, deallocs int32) {
	t.Helper()
	if got := l.deinits.Load(); got != deinits {
		t.Errorf("deinits got %d want %d", got, deinits)
	}
	if got := l.deallocs.Load(); got != deallocs {
		t.Errorf("deallocs got %d want %d", got, deallocs)
	}
}

func checkCounts(t *testing.T, o *Object, want Counts) {
	t.Helper()
	if diff := cmp.Diff(want, o.Counts()); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}
}

// expectViolation runs f and checks that it panics with a ConsistencyViolation
// wrapping want.
func expectViolation(t *testing.T, op string, want error, f func()) {
	t.Helper()
	before := consistencyViolations.Value(op)
	func() {
		defer func() {
			r := recover()
			v, ok := r.(*ConsistencyViolation)
			if !ok {
				t.Fatalf("got panic %v (%T), want *ConsistencyViolation", r, r)
			}
			if !errors.Is(v, want) {
				t.Errorf("got violation %v, want %v", v, want)
			}
			if v.Op != op {
				t.Errorf("got violation op %q, want %q", v.Op, op)
			}
		}()
		f()
	}()
	if got := consistencyViolations.Value(op); got != before+1 {
		t.Errorf("consistency_violations{op=%q} got %d want %d", op, got, before+1)
	}
}

func TestInitialCounts(t *testing.T) {
	o := NewObject("payload", nil)
	checkCounts(t, o, Counts{Strong: 1, Unowned: 1})
	if got := o.State(); got != Live {
		t.Errorf("State got %v want %v", got, Live)
	}
	if got := o.Payload(); got != "payload" {
		t.Errorf("Payload got %v want payload", got)
	}
	if o.ID() == 0 {
		t.Errorf("ID got 0")
	}
	if other := NewObject(nil, nil); other.ID() == o.ID() {
		t.Errorf("two objects have ID %d", o.ID())
	}
}

func TestDuallyReferencedScenario(t *testing.T) {
	var l testLifecycle
	o := NewObject(nil, &l)

	o.Retain()
	checkCounts(t, o, Counts{Strong: 2, Unowned: 1})
	if !o.IsDuallyReferenced() {
		t.Errorf("IsDuallyReferenced got false want true")
	}
	if o.IsUniquelyReferenced() {
		t.Errorf("IsUniquelyReferenced got true want false")
	}

	// An unowned reference outlives the strong ones.
	o.RetainUnowned()

	o.Release()
	if o.IsDuallyReferenced() {
		t.Errorf("IsDuallyReferenced got true want false")
	}
	if !o.IsUniquelyReferenced() {
		t.Errorf("IsUniquelyReferenced got false want true")
	}
	if got := o.StrongRefCount(); got != 1 {
		t.Errorf("StrongRefCount got %d want 1", got)
	}

	o.Release()
	l.check(t, 1, 0)
	checkCounts(t, o, Counts{Unowned: 1, Deiniting: true})
	if got := o.State(); got != Draining {
		t.Errorf("State got %v want %v", got, Draining)
	}

	o.ReleaseUnowned()
	l.check(t, 1, 1)
	if got := o.State(); got != Deallocated {
		t.Errorf("State got %v want %v", got, Deallocated)
	}
}

func TestReleaseWithoutUnownedDeallocates(t *testing.T) {
	var l testLifecycle
	o := NewObject(nil, &l)
	o.Release()
	l.check(t, 1, 1)
	if got := o.State(); got != Deallocated {
		t.Errorf("State got %v want %v", got, Deallocated)
	}
}

func TestRetainReleaseCounts(t *testing.T) {
	for _, test := range []struct{ n, m int }{
		{0, 0},
		{1, 0},
		{1, 1},
		{5, 3},
		{10, 10},
		{100, 1},
	} {
		t.Run(fmt.Sprintf("N=%d,M=%d", test.n, test.m), func(t *testing.T) {
			var l testLifecycle
			o := NewObject(nil, &l)
			for i := 0; i < test.n; i++ {
				o.Retain()
			}
			for i := 0; i < test.m; i++ {
				o.Release()
			}
			want := uint32(1 + test.n - test.m)
			if got := o.StrongRefCount(); got != want {
				t.Errorf("StrongRefCount got %d want %d", got, want)
			}
			if got := o.IsDuallyReferenced(); got != (want == 2) {
				t.Errorf("IsDuallyReferenced got %t with %d references", got, want)
			}
			if got := o.IsUniquelyReferenced(); got != (want == 1) {
				t.Errorf("IsUniquelyReferenced got %t with %d references", got, want)
			}
			for i := want; i > 0; i-- {
				l.check(t, 0, 0)
				o.Release()
			}
			l.check(t, 1, 1)
		})
	}
}

func TestTryRetain(t *testing.T) {
	var l testLifecycle
	o := NewObject(nil, &l)
	if !o.TryRetain() {
		t.Fatalf("TryRetain on live object got false")
	}
	if got := o.StrongRefCount(); got != 2 {
		t.Errorf("StrongRefCount got %d want 2", got)
	}
	o.Release()
	o.RetainUnowned()
	o.Release()
	if o.TryRetain() {
		t.Errorf("TryRetain on deinited object got true")
	}
	checkCounts(t, o, Counts{Unowned: 1, Deiniting: true})
	o.ReleaseUnowned()
	l.check(t, 1, 1)
}

func TestRetainFromUnowned(t *testing.T) {
	var l testLifecycle
	o := NewObject(nil, &l)
	o.RetainUnowned()
	o.RetainFromUnowned()
	checkCounts(t, o, Counts{Strong: 2, Unowned: 2})
	o.Release()
	o.Release()
	l.check(t, 1, 0)
	o.ReleaseUnowned()
	l.check(t, 1, 1)
}

func TestDeinitReentrancy(t *testing.T) {
	var child testLifecycle
	c := NewObject("child", &child)

	var weakInDeinit *WeakRef
	parent := testLifecycle{
		onDeinit: func(o *Object) {
			// Deinit may release other objects, and may not form weak
			// references to itself.
			c.Release()
			weakInDeinit = o.FormWeak()
			if o.TryRetain() {
				t.Errorf("TryRetain from Deinit got true")
			}
			if got := o.State(); got != Deiniting {
				t.Errorf("State from Deinit got %v want %v", got, Deiniting)
			}
		},
	}
	p := NewObject("parent", &parent)
	p.Release()

	child.check(t, 1, 1)
	parent.check(t, 1, 1)
	if !weakInDeinit.Empty() {
		t.Errorf("FormWeak from Deinit returned non-empty reference")
	}
	if _, ok := weakInDeinit.Load(); ok {
		t.Errorf("Load of weak reference formed in Deinit succeeded")
	}
	weakInDeinit.Release()
}

func TestImmortal(t *testing.T) {
	var l testLifecycle
	o := NewObject(nil, &l)
	o.SetImmortal()
	for i := 0; i < 10; i++ {
		o.Retain()
	}
	for i := 0; i < 20; i++ {
		o.Release()
	}
	l.check(t, 0, 0)
	checkCounts(t, o, Counts{Strong: 1, Unowned: 1, Immortal: true})
	if o.IsUniquelyReferenced() {
		t.Errorf("IsUniquelyReferenced on immortal object got true")
	}
	if !o.LeakCheckDisabled() {
		t.Errorf("LeakCheckDisabled on immortal object got false")
	}
	w := o.FormWeak()
	got, ok := w.Load()
	if !ok || got != o {
		t.Errorf("Load of immortal object got (%v, %t)", got, ok)
	}
	w.Release()
	l.check(t, 0, 0)
}

func TestViolations(t *testing.T) {
	if !ChecksEnabled {
		t.Skip("violations are not checked in this build")
	}

	t.Run("retain after deinit", func(t *testing.T) {
		o := NewObject(nil, nil)
		o.RetainUnowned()
		o.Release()
		expectViolation(t, OpRetain, ErrInvalidRetain, o.Retain)
		checkCounts(t, o, Counts{Unowned: 1, Deiniting: true})
		o.ReleaseUnowned()
	})

	t.Run("over release", func(t *testing.T) {
		o := NewObject(nil, nil)
		o.RetainUnowned()
		o.Release()
		expectViolation(t, OpRelease, ErrOverRelease, o.Release)
		checkCounts(t, o, Counts{Unowned: 1, Deiniting: true})
		o.ReleaseUnowned()
	})

	t.Run("implicit unowned", func(t *testing.T) {
		o := NewObject(nil, nil)
		expectViolation(t, OpReleaseUnowned, ErrUnownedUnderflow, o.ReleaseUnowned)
		checkCounts(t, o, Counts{Strong: 1, Unowned: 1})
		o.Release()
	})

	t.Run("strong from unowned after deinit", func(t *testing.T) {
		o := NewObject(nil, nil)
		o.RetainUnowned()
		o.Release()
		expectViolation(t, OpRetainFromUnowned, ErrDeinited, o.RetainFromUnowned)
		o.ReleaseUnowned()
	})

	t.Run("weak released twice", func(t *testing.T) {
		o := NewObject(nil, nil)
		w := o.FormWeak()
		w.Release()
		expectViolation(t, OpReleaseWeak, ErrWeakUnderflow, w.Release)
		o.Release()
	})

	t.Run("stale weak", func(t *testing.T) {
		o := NewObject(nil, nil)
		w := o.FormWeak()
		stale := *w
		o.Release()
		w.Release()
		expectViolation(t, OpLoadWeak, ErrStaleWeak, func() { stale.Load() })
	})

	t.Run("release after dealloc with reused side table", func(t *testing.T) {
		a := NewObject(nil, nil)
		a.FormWeak().Release()
		a.Release()
		if got := a.State(); got != Deallocated {
			t.Fatalf("State got %v want %v", got, Deallocated)
		}

		b := NewObject(nil, nil)
		wb := b.FormWeak()
		b.Retain()
		expectViolation(t, OpRelease, ErrOverRelease, a.Release)
		expectViolation(t, OpRetain, ErrInvalidRetain, a.Retain)
		checkCounts(t, a, Counts{Deiniting: true})
		if a.IsUniquelyReferenced() {
			t.Errorf("IsUniquelyReferenced of a deallocated object got true")
		}
		checkCounts(t, b, Counts{Strong: 2, Unowned: 1, Weak: 1, SideTable: true})
		b.Release()
		b.Release()
		wb.Release()
	})

	t.Run("side table violation", func(t *testing.T) {
		o := NewObject(nil, nil)
		w := o.FormWeak()
		o.RetainUnowned()
		o.Release()
		expectViolation(t, OpRetain, ErrInvalidRetain, o.Retain)
		checkCounts(t, o, Counts{Unowned: 1, Weak: 1, Deiniting: true, SideTable: true})
		o.ReleaseUnowned()
		w.Release()
	})
}

func TestUncheckedViolationsAreNoops(t *testing.T) {
	if ChecksEnabled {
		t.Skip("violations panic in this build")
	}
	o := NewObject(nil, nil)
	o.RetainUnowned()
	o.Release()
	o.Retain()
	o.Release()
	checkCounts(t, o, Counts{Unowned: 1, Deiniting: true})
	o.ReleaseUnowned()
}

func TestOverflowAlwaysPanics(t *testing.T) {
	o := NewObject(nil, nil)
	o.refCounts.Store(uint64(bits(MaxStrong)<<strongShift | 1))
	expectViolation(t, OpRetain, ErrOverflow, o.Retain)
	if got := o.StrongRefCount(); got != MaxStrong {
		t.Errorf("StrongRefCount got %d want %d", got, MaxStrong)
	}
}

func TestMetrics(t *testing.T) {
	created, deinited, deallocated := objectsCreated.Value(), deinits.Value(), deallocs.Value()
	o := NewObject(nil, nil)
	o.RetainUnowned()
	o.Release()
	if got := objectsCreated.Value(); got != created+1 {
		t.Errorf("objects_created got %d want %d", got, created+1)
	}
	if got := deinits.Value(); got != deinited+1 {
		t.Errorf("deinits got %d want %d", got, deinited+1)
	}
	if got := deallocs.Value(); got != deallocated {
		t.Errorf("deallocs got %d want %d", got, deallocated)
	}
	o.ReleaseUnowned()
	if got := deallocs.Value(); got != deallocated+1 {
		t.Errorf("deallocs got %d want %d", got, deallocated+1)
	}
}

func TestCountsString(t *testing.T) {
	for _, test := range []struct {
		c    Counts
		want string
	}{
		{Counts{Strong: 1, Unowned: 1}, "strong=1 unowned=1 weak=0"},
		{Counts{Unowned: 1, Weak: 2, Deiniting: true, SideTable: true}, "strong=0 unowned=1 weak=2 [deiniting,side-table]"},
	} {
		if got := test.c.String(); got != test.want {
			t.Errorf("%#v.String() got %q want %q", test.c, got, test.want)
		}
	}
}
