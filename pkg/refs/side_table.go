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
	"sync/atomic"

	"gvisor.dev/refcounts/pkg/atomicbitops"
)

// sideTable holds the authoritative counts of an object that has had a weak
// reference taken.
//
// A side table is owned jointly by the object's strong references (through
// the implicit unowned reference), its unowned references and its weak
// references. It is returned to the arena by whichever drain path first
// observes all three at zero.
type sideTable struct {
	// counts has the layout of an inline count word, without the side table
	// bit.
	counts atomicbitops.Uint64

	// weak is the number of live WeakRefs.
	weak atomicbitops.Uint32

	// gen is incremented every time the table is freed, so a WeakRef can
	// detect that its table was reused.
	gen atomicbitops.Uint32

	// retired is set by the single goroutine that retires the object.
	retired atomicbitops.Bool

	// obj points back to the object. It is cleared when the object is
	// retired.
	obj atomic.Pointer[Object]

	// index is this table's arena index. It is immutable.
	index uint32

	// nextFree links free tables in the arena, as index+1 (0 ends the list).
	nextFree atomicbitops.Uint32
}

// init prepares a freshly allocated table for obj, whose inline counts are
// currently b.
func (t *sideTable) init(obj *Object, b bits) {
	t.counts.Store(uint64(b))
	t.weak.Store(0)
	t.retired.Store(false)
	t.obj.Store(obj)
}

// snapshot returns the table's counts.
func (t *sideTable) snapshot() Counts {
	return countsOf(bits(t.counts.Load()), t.weak.Load(), true)
}

// tryRetire returns true if the caller is the one goroutine that should
// retire the object owning t. It must only be called after observing every
// count at zero.
func (t *sideTable) tryRetire() bool {
	return t.retired.CompareAndSwap(false, true)
}

// weakDrained returns true if there are no weak references left. Callers
// check it after draining the counts word.
//
// The unowned drain path stores the counts word and then loads weak, while
// the weak drain path stores weak and then loads the counts word. Since Go
// atomics are sequentially consistent, at least one of them observes both at
// zero; tryRetire picks one if both do.
func (t *sideTable) weakDrained() bool {
	return t.weak.Load() == 0
}

func (t *sideTable) countsDrained() bool {
	return bits(t.counts.Load()).drained()
}
