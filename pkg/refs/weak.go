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
	"fmt"
	"math"
)

// WeakRef is a weak reference.
//
// A weak reference neither keeps the object's payload alive nor delays its
// Deinit. It does delay the object's Dealloc, so the side table it points to
// stays valid until the reference is released.
//
// A WeakRef belongs to a single holder: concurrent use of the same WeakRef
// requires external synchronization. Use Copy to hand a weak reference to
// another goroutine.
type WeakRef struct {
	// table is nil for an empty weak reference, and after Release.
	table *sideTable

	// gen is the table's generation when the reference was formed.
	gen uint32

	// id is the object's ID, for diagnostics.
	id uint64

	released bool
}

// FormWeak returns a new weak reference to o, installing a side table first
// if o doesn't have one yet.
//
// If o has started deiniting the returned reference is empty: Load always
// fails.
//
// Precondition: the caller holds a strong reference, or is o's Deinit.
func (o *Object) FormWeak() *WeakRef {
	t, err := o.installSideTable()
	if err != nil {
		violation(OpFormWeak, o.id, o.Counts(), err)
		return &WeakRef{id: o.id}
	}
	if t == nil {
		return &WeakRef{id: o.id}
	}
	if err := incWeak(t); err != nil {
		o.violation(OpFormWeak, bits(t.counts.Load()), t, err)
		return &WeakRef{id: o.id}
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("FormWeak to %d", t.weak.Load()))
	}
	return &WeakRef{table: t, gen: t.gen.Load(), id: o.id}
}

// installSideTable returns o's side table, installing one if needed. It
// returns nil if o is deiniting.
//
// A new table is filled with a copy of the inline counts and then swapped in
// with a single compare-and-swap against the copied value, so no update is
// lost. If the swap fails the table is refilled, or given back if another
// goroutine installed its own.
func (o *Object) installSideTable() (*sideTable, error) {
	var spare *sideTable
	defer func() {
		if spare != nil {
			sideTables.release(spare)
		}
	}()
	for {
		b := bits(o.refCounts.Load())
		if b.usesSideTable() {
			t := sideTables.lookup(b.sideTableIndex())
			if bits(t.counts.Load()).deiniting() {
				return nil, nil
			}
			return t, nil
		}
		if b.deiniting() {
			return nil, nil
		}
		if spare == nil {
			t, err := sideTables.alloc()
			if err != nil {
				return nil, err
			}
			spare = t
		}
		spare.init(o, b)
		if o.refCounts.CompareAndSwap(uint64(b), uint64(redirect(spare.index))) {
			t := spare
			spare = nil
			sideTablesAllocated.Increment()
			return t, nil
		}
	}
}

func incWeak(t *sideTable) error {
	for {
		w := t.weak.Load()
		if w == math.MaxUint32 {
			return ErrOverflow
		}
		if t.weak.CompareAndSwap(w, w+1) {
			return nil
		}
	}
}

// get returns w's table, or nil if w is empty. Stale references are
// violations.
func (w *WeakRef) get(op string) *sideTable {
	if w == nil || w.table == nil {
		return nil
	}
	if checksEnabled && w.table.gen.Load() != w.gen {
		violation(op, w.id, Counts{}, ErrStaleWeak)
		return nil
	}
	return w.table
}

// Empty returns true if w can never load its object: it was formed on a
// deiniting object, or has been released.
func (w *WeakRef) Empty() bool {
	return w == nil || w.table == nil
}

// Load returns a new strong reference to the object, or false if it has
// started deiniting. The caller must Release the returned object.
//
// Load never resurrects an object: the strong count is only incremented by
// a compare-and-swap from a non-zero, non-deiniting value.
func (w *WeakRef) Load() (*Object, bool) {
	t := w.get(OpLoadWeak)
	if t == nil {
		weakLoadFailures.Increment()
		return nil, false
	}
	_, next, err := updateWord(&t.counts, tryIncStrong)
	if err != nil {
		if err != errNotLive {
			violation(OpLoadWeak, w.id, t.snapshot(), err)
		}
		weakLoadFailures.Increment()
		return nil, false
	}
	// A strong reference is held, so the object can't be retired.
	o := t.obj.Load()
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("LoadWeak to %d", next.strong()))
	}
	return o, true
}

// Copy returns another weak reference to the same object. Copying an empty
// reference returns an empty reference.
func (w *WeakRef) Copy() *WeakRef {
	t := w.get(OpCopyWeak)
	if t == nil {
		var id uint64
		if w != nil {
			id = w.id
		}
		return &WeakRef{id: id}
	}
	if err := incWeak(t); err != nil {
		violation(OpCopyWeak, w.id, t.snapshot(), err)
	}
	return &WeakRef{table: t, gen: w.gen, id: w.id}
}

// Release drops the weak reference. If it was the last reference of any kind
// to a deinited object, the object is retired and its side table freed.
func (w *WeakRef) Release() {
	if w == nil {
		return
	}
	if w.released {
		violation(OpReleaseWeak, w.id, Counts{}, ErrWeakUnderflow)
		return
	}
	t := w.get(OpReleaseWeak)
	w.released = true
	w.table = nil
	if t == nil {
		return
	}
	n, ok := t.weak.DecUnlessZero()
	if !ok {
		violation(OpReleaseWeak, w.id, t.snapshot(), ErrWeakUnderflow)
		return
	}
	if n == 0 && t.countsDrained() && t.tryRetire() {
		t.obj.Load().retire(t)
	}
}
