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

// Package cow provides copy-on-write arrays whose storage is shared through
// reference counted objects.
//
// Copies of an Array or Slice share storage until one of them is mutated. A
// mutation proceeds in place if the mutator holds the only strong reference
// to the storage, and copies the storage otherwise.
//
// Array.Mutate lends a Slice that shares the array's storage. While the
// slice is borrowed the storage is held by exactly the array and the slice,
// so a storage that is dually referenced can still be written in place: the
// array cannot observe the write until the borrow ends. Escaping a borrowed
// slice with Slice.Copy adds a third reference and forces the next write to
// copy, which is then written back into the array when the borrow ends.
package cow

import (
	"fmt"

	"gvisor.dev/refcounts/pkg/metric"
	"gvisor.dev/refcounts/pkg/refs"
)

var reallocations = metric.MustCreateNewUint64Metric("/cow/reallocations", "Number of storage copies made because a mutated array or slice was shared.")

// Reallocations returns the number of storage copies made so far.
func Reallocations() uint64 {
	return reallocations.Value()
}

// storage holds elements [off, off+len(elems)) of an array.
type storage[T any] struct {
	obj   *refs.Object
	off   int
	elems []T
}

// newStorage returns storage holding one strong reference.
func newStorage[T any](off int, elems []T) *storage[T] {
	s := &storage[T]{off: off, elems: elems}
	s.obj = refs.NewObject(s, refs.LifecycleFuncs{
		DeallocFunc: func(*refs.Object) { s.elems = nil },
	})
	return s
}

// window returns the elements at [lo, hi).
func (s *storage[T]) window(lo, hi int) []T {
	return s.elems[lo-s.off : hi-s.off]
}

func checkRange(lo, hi, start, end int) {
	if lo < start || hi < lo || hi > end {
		panic(fmt.Sprintf("cow: range [%d, %d) out of bounds [%d, %d)", lo, hi, start, end))
	}
}

func checkIndex(i, start, end int) {
	if i < start || i >= end {
		panic(fmt.Sprintf("cow: index %d out of bounds [%d, %d)", i, start, end))
	}
}
