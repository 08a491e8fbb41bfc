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
	"slices"
)

// Array is a copy-on-write array. Its zero value is not usable; create
// arrays with NewArray.
//
// An Array is not safe for concurrent mutation, but distinct Arrays sharing
// storage may be used from different goroutines.
type Array[T any] struct {
	s *storage[T]

	// lent is set while a slice borrowed by Mutate is outstanding.
	lent bool
}

// NewArray returns an array holding a copy of elems.
func NewArray[T any](elems ...T) *Array[T] {
	return &Array[T]{s: newStorage(0, slices.Clone(elems))}
}

func (a *Array[T]) mustHold() {
	if a.s == nil {
		panic("cow: use of released Array")
	}
}

func (a *Array[T]) mustOwn() {
	a.mustHold()
	if a.lent {
		panic("cow: Array mutated while one of its slices is borrowed")
	}
}

// makeUnique ensures that a holds the only reference to its storage.
func (a *Array[T]) makeUnique() {
	a.mustOwn()
	if a.s.obj.IsUniquelyReferenced() {
		return
	}
	old := a.s
	a.s = newStorage(0, slices.Clone(old.elems))
	old.obj.Release()
	reallocations.Increment()
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	a.mustHold()
	return len(a.s.elems)
}

// At returns element i.
func (a *Array[T]) At(i int) T {
	a.mustHold()
	checkIndex(i, 0, len(a.s.elems))
	return a.s.elems[i]
}

// Elements returns a copy of all elements.
func (a *Array[T]) Elements() []T {
	a.mustHold()
	return slices.Clone(a.s.elems)
}

// Set sets element i to v.
func (a *Array[T]) Set(i int, v T) {
	a.makeUnique()
	checkIndex(i, 0, len(a.s.elems))
	a.s.elems[i] = v
}

// SwapAt swaps elements i and j.
func (a *Array[T]) SwapAt(i, j int) {
	a.makeUnique()
	checkIndex(i, 0, len(a.s.elems))
	checkIndex(j, 0, len(a.s.elems))
	a.s.elems[i], a.s.elems[j] = a.s.elems[j], a.s.elems[i]
}

// Append appends vs.
func (a *Array[T]) Append(vs ...T) {
	a.makeUnique()
	a.s.elems = append(a.s.elems, vs...)
}

// ReplaceRange replaces elements [lo, hi) with vs.
func (a *Array[T]) ReplaceRange(lo, hi int, vs ...T) {
	a.makeUnique()
	checkRange(lo, hi, 0, len(a.s.elems))
	a.s.elems = slices.Replace(a.s.elems, lo, hi, vs...)
}

// Clone returns an array sharing a's storage.
func (a *Array[T]) Clone() *Array[T] {
	a.mustHold()
	a.s.obj.Retain()
	return &Array[T]{s: a.s}
}

// Release drops a's reference to its storage. a may not be used afterwards.
func (a *Array[T]) Release() {
	a.mustOwn()
	a.s.obj.Release()
	a.s = nil
}

// IsUnique returns true if no other array or slice shares a's storage.
func (a *Array[T]) IsUnique() bool {
	a.mustHold()
	return a.s.obj.IsUniquelyReferenced()
}

// Storage identifies a's storage. Arrays and slices sharing storage return
// the same value.
func (a *Array[T]) Storage() uint64 {
	a.mustHold()
	return a.s.obj.ID()
}

// Mutate calls f with a borrowed slice of elements [lo, hi). The slice may
// only be used during f, and a may not be used until f returns.
//
// Writes through the borrowed slice land directly in a's storage unless
// the slice has been copied, in which case they are written back into a
// after f returns.
func (a *Array[T]) Mutate(lo, hi int, f func(*Slice[T])) {
	a.makeUnique()
	checkRange(lo, hi, 0, len(a.s.elems))

	// The slice's reference.
	a.s.obj.Retain()
	sl := &Slice[T]{
		s:         a.s,
		lo:        lo,
		hi:        hi,
		origin:    a.s,
		originLo:  lo,
		originHi:  hi,
		borrowed:  true,
		exclusive: true,
	}
	a.lent = true
	f(sl)
	a.lent = false

	sl.endBorrow()
	if sl.s == a.s {
		sl.s.obj.Release()
		sl.s = nil
		return
	}
	// The slice copied its window; it still holds the reference it was
	// lent.
	a.s.obj.Release()
	a.ReplaceRange(sl.originLo, sl.originHi, sl.s.window(sl.lo, sl.hi)...)
	sl.s.obj.Release()
	sl.s = nil
}
