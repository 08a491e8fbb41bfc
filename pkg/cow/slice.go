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

// Slice is a window [StartIndex, EndIndex) of an array. Indices are those of
// the array the slice was taken from.
type Slice[T any] struct {
	s      *storage[T]
	lo, hi int

	// origin is the storage the slice was lent by Mutate. If the slice copies
	// its window, it keeps holding the lent reference, and [originLo,
	// originHi) is the window it covered in origin at that point.
	origin             *storage[T]
	originLo, originHi int

	// borrowed is set until the Mutate call that lent the slice returns.
	borrowed bool

	// exclusive is set if the lender holds the only other reference to
	// origin, so that origin being dually referenced proves no one else can
	// observe a write.
	exclusive bool
}

func (sl *Slice[T]) mustHold() {
	if sl.s == nil {
		panic("cow: use of released or moved Slice")
	}
}

// canMutateInPlace returns true if no one but sl can observe a write to its
// storage.
func (sl *Slice[T]) canMutateInPlace() bool {
	obj := sl.s.obj
	if obj.IsUniquelyReferenced() {
		return true
	}
	return sl.exclusive && sl.s == sl.origin && obj.IsDuallyReferenced()
}

// makeUnique ensures that writes to sl's storage are not observable through
// any other array or slice, copying sl's window if necessary.
func (sl *Slice[T]) makeUnique() {
	sl.mustHold()
	if sl.canMutateInPlace() {
		return
	}
	old := sl.s
	sl.s = newStorage(sl.lo, slices.Clone(old.window(sl.lo, sl.hi)))
	if old == sl.origin {
		sl.originLo, sl.originHi = sl.lo, sl.hi
	} else {
		old.obj.Release()
	}
	reallocations.Increment()
}

// endBorrow is called by the lender when the borrow ends.
func (sl *Slice[T]) endBorrow() {
	if sl.s == sl.origin {
		sl.originLo, sl.originHi = sl.lo, sl.hi
	}
	sl.borrowed = false
	sl.exclusive = false
}

// StartIndex returns the index of the first element.
func (sl *Slice[T]) StartIndex() int {
	return sl.lo
}

// EndIndex returns the index past the last element.
func (sl *Slice[T]) EndIndex() int {
	return sl.hi
}

// Len returns the number of elements.
func (sl *Slice[T]) Len() int {
	return sl.hi - sl.lo
}

// At returns element i.
func (sl *Slice[T]) At(i int) T {
	sl.mustHold()
	checkIndex(i, sl.lo, sl.hi)
	return sl.s.elems[i-sl.s.off]
}

// Elements returns a copy of the slice's elements.
func (sl *Slice[T]) Elements() []T {
	sl.mustHold()
	return slices.Clone(sl.s.window(sl.lo, sl.hi))
}

// Set sets element i to v.
func (sl *Slice[T]) Set(i int, v T) {
	sl.makeUnique()
	checkIndex(i, sl.lo, sl.hi)
	sl.s.elems[i-sl.s.off] = v
}

// SwapAt swaps elements i and j.
func (sl *Slice[T]) SwapAt(i, j int) {
	sl.makeUnique()
	checkIndex(i, sl.lo, sl.hi)
	checkIndex(j, sl.lo, sl.hi)
	e, off := sl.s.elems, sl.s.off
	e[i-off], e[j-off] = e[j-off], e[i-off]
}

// Append inserts vs after the slice's last element. If the slice shares
// its array's storage, the array's following elements move up.
func (sl *Slice[T]) Append(vs ...T) {
	sl.makeUnique()
	sl.s.elems = slices.Insert(sl.s.elems, sl.hi-sl.s.off, vs...)
	sl.hi += len(vs)
}

// ReplaceRange replaces elements [lo, hi) with vs.
func (sl *Slice[T]) ReplaceRange(lo, hi int, vs ...T) {
	sl.makeUnique()
	checkRange(lo, hi, sl.lo, sl.hi)
	sl.s.elems = slices.Replace(sl.s.elems, lo-sl.s.off, hi-sl.s.off, vs...)
	sl.hi += len(vs) - (hi - lo)
}

// Copy returns a slice sharing sl's storage. The copy is never borrowed and
// must be released with Release.
func (sl *Slice[T]) Copy() *Slice[T] {
	sl.mustHold()
	sl.s.obj.Retain()
	return &Slice[T]{s: sl.s, lo: sl.lo, hi: sl.hi}
}

// Release drops sl's reference to its storage. Borrowed slices are released
// by their lender.
func (sl *Slice[T]) Release() {
	sl.mustHold()
	if sl.borrowed {
		panic("cow: Release of borrowed Slice")
	}
	sl.s.obj.Release()
	sl.s = nil
}

// Storage identifies sl's storage. See Array.Storage.
func (sl *Slice[T]) Storage() uint64 {
	sl.mustHold()
	return sl.s.obj.ID()
}

// Mutate calls f with a borrowed slice of elements [lo, hi) of sl. sl's
// reference to its storage moves to the borrowed slice until f returns, so
// sl may not be used during f.
func (sl *Slice[T]) Mutate(lo, hi int, f func(*Slice[T])) {
	sl.makeUnique()
	checkRange(lo, hi, sl.lo, sl.hi)

	s := sl.s
	child := &Slice[T]{
		s:         s,
		lo:        lo,
		hi:        hi,
		origin:    s,
		originLo:  lo,
		originHi:  hi,
		borrowed:  true,
		exclusive: sl.exclusive && s == sl.origin,
	}
	sl.s = nil
	f(child)
	child.endBorrow()

	// Take the lent reference back.
	sl.s = s
	// In-place appends and replacements moved sl's end.
	sl.hi += (child.originHi - child.originLo) - (hi - lo)
	if child.s != s {
		sl.ReplaceRange(child.originLo, child.originHi, child.s.window(child.lo, child.hi)...)
		child.s.obj.Release()
	}
	child.s = nil
}
