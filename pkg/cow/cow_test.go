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

package cow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/refcounts/pkg/refs"
)

func seq(lo, hi int) []int {
	var s []int
	for i := lo; i < hi; i++ {
		s = append(s, i)
	}
	return s
}

// checkLeaks fails t if the test leaves storage allocated.
func checkLeaks(t *testing.T) {
	t.Helper()
	old := refs.GetLeakMode()
	refs.SetLeakMode(refs.LeaksLogWarning)
	before := refs.LeakedObjects()
	t.Cleanup(func() {
		if got := refs.LeakedObjects(); got != before {
			t.Errorf("%d storage objects leaked", got-before)
		}
		refs.SetLeakMode(old)
	})
}

func TestScramble(t *testing.T) {
	checkLeaks(t)
	before := Reallocations()
	a := NewArray(seq(0, 500)...)
	defer a.Release()

	var sc Scrambler[int]
	if got := sc.Scramble(a); got != 0 {
		t.Errorf("Scramble got %d reallocations want 0", got)
	}
	if got := Reallocations() - before; got != 0 {
		t.Errorf("/cow/reallocations grew by %d want 0", got)
	}
	if diff := cmp.Diff(seq(0, 500), a.Elements()); diff == "" {
		t.Errorf("Scramble left the array unchanged")
	}
}

func TestScrambleInterference(t *testing.T) {
	checkLeaks(t)
	want := NewArray(seq(0, 500)...)
	defer want.Release()
	var baseline Scrambler[int]
	baseline.Scramble(want)

	a := NewArray(seq(0, 500)...)
	sc := Scrambler[int]{Interfere: true}
	reallocs := sc.Scramble(a)
	sc.Release()
	if diff := cmp.Diff(want.Elements(), a.Elements()); diff != "" {
		t.Errorf("Scramble with interference mismatch (-want +got):\n%s", diff)
	}
	a.Release()
	if reallocs == 0 {
		t.Errorf("Scramble with interference got 0 reallocations")
	}
}

func TestSliceAppendReplace(t *testing.T) {
	checkLeaks(t)
	b := NewArray(seq(0, 10)...)
	defer b.Release()

	b.Mutate(9, 10, func(sl *Slice[int]) { sl.Append(10) })
	if diff := cmp.Diff(seq(0, 11), b.Elements()); diff != "" {
		t.Errorf("after Append mismatch (-want +got):\n%s", diff)
	}

	b.Mutate(3, 4, func(sl *Slice[int]) {
		sl.Append(66, 67, 68)
		if got, want := sl.EndIndex(), 7; got != want {
			t.Errorf("EndIndex got %d want %d", got, want)
		}
	})
	want := append(append(seq(0, 4), seq(66, 69)...), seq(4, 11)...)
	if diff := cmp.Diff(want, b.Elements()); diff != "" {
		t.Errorf("after second Append mismatch (-want +got):\n%s", diff)
	}

	b.Mutate(0, 4, func(sl *Slice[int]) { sl.ReplaceRange(1, 3, -1) })
	want = append([]int{0, -1, 3}, want[4:]...)
	if diff := cmp.Diff(want, b.Elements()); diff != "" {
		t.Errorf("after ReplaceRange mismatch (-want +got):\n%s", diff)
	}
}

func TestNestedAppend(t *testing.T) {
	checkLeaks(t)
	a := NewArray(seq(0, 8)...)
	defer a.Release()
	a.Mutate(0, 4, func(sl *Slice[int]) {
		sl.Mutate(2, 4, func(c *Slice[int]) { c.Append(100, 101) })
		if got, want := sl.EndIndex(), 6; got != want {
			t.Errorf("parent EndIndex got %d want %d", got, want)
		}
		sl.Set(5, 200)
	})
	want := []int{0, 1, 2, 3, 100, 200, 4, 5, 6, 7}
	if diff := cmp.Diff(want, a.Elements()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestClone(t *testing.T) {
	checkLeaks(t)
	a := NewArray(1, 2, 3)
	b := a.Clone()
	if a.Storage() != b.Storage() {
		t.Errorf("Clone does not share storage")
	}
	if a.IsUnique() || b.IsUnique() {
		t.Errorf("cloned arrays report unique storage")
	}

	before := Reallocations()
	b.Set(0, 10)
	if got := Reallocations() - before; got != 1 {
		t.Errorf("/cow/reallocations grew by %d want 1", got)
	}
	if a.Storage() == b.Storage() {
		t.Errorf("Set did not separate storage")
	}
	if !a.IsUnique() || !b.IsUnique() {
		t.Errorf("arrays do not report unique storage after Set")
	}
	if diff := cmp.Diff([]int{1, 2, 3}, a.Elements()); diff != "" {
		t.Errorf("original mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{10, 2, 3}, b.Elements()); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}
	a.Release()
	b.Release()
}

func TestMutateSharedArray(t *testing.T) {
	checkLeaks(t)
	a := NewArray(seq(0, 6)...)
	b := a.Clone()
	a.Mutate(0, 3, func(sl *Slice[int]) { sl.SwapAt(0, 2) })
	if diff := cmp.Diff([]int{2, 1, 0, 3, 4, 5}, a.Elements()); diff != "" {
		t.Errorf("mutated array mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(seq(0, 6), b.Elements()); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}
	a.Release()
	b.Release()
}

func TestEscapedSlice(t *testing.T) {
	checkLeaks(t)
	a := NewArray(seq(0, 6)...)
	defer a.Release()

	var escaped *Slice[int]
	before := Reallocations()
	a.Mutate(2, 5, func(sl *Slice[int]) {
		storage := sl.Storage()
		if storage != a.Storage() {
			t.Errorf("borrowed slice does not share the array's storage")
		}
		escaped = sl.Copy()
		sl.Set(2, 20)
		if sl.Storage() == storage {
			t.Errorf("Set of escaped slice did not copy")
		}
		sl.Append(50)
	})
	// The slice copied its window, and the write back copied the array,
	// whose storage the escaped slice still shares.
	if got := Reallocations() - before; got != 2 {
		t.Errorf("/cow/reallocations grew by %d want 2", got)
	}
	if diff := cmp.Diff([]int{0, 1, 20, 3, 4, 50, 5}, a.Elements()); diff != "" {
		t.Errorf("array mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, escaped.Elements()); diff != "" {
		t.Errorf("escaped slice mismatch (-want +got):\n%s", diff)
	}
	escaped.Release()
}

func TestBorrowRules(t *testing.T) {
	for _, test := range []struct {
		name string
		f    func()
	}{
		{"mutate lender", func() {
			a := NewArray(1, 2)
			a.Mutate(0, 1, func(*Slice[int]) { a.Set(0, 0) })
		}},
		{"release borrowed", func() {
			a := NewArray(1, 2)
			a.Mutate(0, 1, func(sl *Slice[int]) { sl.Release() })
		}},
		{"use moved parent", func() {
			a := NewArray(1, 2, 3, 4)
			a.Mutate(0, 4, func(sl *Slice[int]) {
				sl.Mutate(0, 2, func(*Slice[int]) { sl.Set(3, 0) })
			})
		}},
		{"out of bounds", func() {
			a := NewArray(1, 2)
			a.Mutate(0, 2, func(sl *Slice[int]) { sl.At(2) })
		}},
		{"use after release", func() {
			a := NewArray(1)
			a.Release()
			a.Len()
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("got no panic")
				}
			}()
			test.f()
		})
	}
}
