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

	"gvisor.dev/refcounts/pkg/atomicbitops"
)

// Stage is the position of an object in its lifecycle.
type Stage uint32

// Lifecycle stages. An object only ever moves forward through them.
const (
	// Live objects have at least one strong reference.
	Live Stage = iota

	// Deiniting objects have no strong references left and their Deinit
	// callback is running.
	Deiniting

	// Draining objects have been deinited and are waiting for their unowned
	// and weak references to be released.
	Draining

	// Deallocated objects have been retired and their Dealloc callback has
	// run. The object must no longer be used.
	Deallocated
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case Live:
		return "live"
	case Deiniting:
		return "deiniting"
	case Draining:
		return "draining"
	case Deallocated:
		return "deallocated"
	default:
		return fmt.Sprintf("Stage(%d)", uint32(s))
	}
}

// Lifecycle is supplied by the owner of an object's payload.
type Lifecycle interface {
	// Deinit is called exactly once, by the goroutine that released the last
	// strong reference. The payload must not be used after it returns.
	// Deinit may retain and release other objects.
	Deinit(obj *Object)

	// Dealloc is called exactly once, after Deinit has returned and the
	// object's unowned and weak references have all been released.
	Dealloc(obj *Object)
}

// LifecycleFuncs adapts a pair of functions to Lifecycle. Nil functions are
// skipped.
type LifecycleFuncs struct {
	DeinitFunc  func(*Object)
	DeallocFunc func(*Object)
}

// Deinit implements Lifecycle.Deinit.
func (f LifecycleFuncs) Deinit(obj *Object) {
	if f.DeinitFunc != nil {
		f.DeinitFunc(obj)
	}
}

// Dealloc implements Lifecycle.Dealloc.
func (f LifecycleFuncs) Dealloc(obj *Object) {
	if f.DeallocFunc != nil {
		f.DeallocFunc(obj)
	}
}

// lastObjectID is the ID of the most recently created object.
var lastObjectID atomicbitops.Uint64

// Object is a reference counted object.
//
// Objects are created with one strong reference, owned by the caller of
// NewObject, and one unowned reference, held implicitly on behalf of all
// strong references and dropped after Deinit.
type Object struct {
	// refCounts is the inline count word. See bits.go for its layout. Once
	// the side table bit is set, it only changes again at retirement, when
	// it is replaced by a drained deiniting word.
	refCounts atomicbitops.Uint64

	// stage is a Stage.
	stage atomicbitops.Uint32

	// id uniquely identifies the object. It is immutable.
	id uint64

	// payload is the object's contents. It is immutable.
	payload any

	// lifecycle is immutable.
	lifecycle Lifecycle
}

// NewObject returns a live object with strong=1, unowned=1 and weak=0.
//
// lifecycle may be nil if the payload needs no teardown.
func NewObject(payload any, lifecycle Lifecycle) *Object {
	if lifecycle == nil {
		lifecycle = LifecycleFuncs{}
	}
	o := &Object{
		id:        lastObjectID.Add(1),
		payload:   payload,
		lifecycle: lifecycle,
	}
	o.refCounts.Store(uint64(initialCounts))
	objectsCreated.Increment()
	Register(o)
	return o
}

// ID returns the object's unique ID. IDs are never zero.
func (o *Object) ID() uint64 {
	return o.id
}

// Payload returns the payload passed to NewObject.
func (o *Object) Payload() any {
	return o.payload
}

// State returns the object's lifecycle stage.
func (o *Object) State() Stage {
	return Stage(o.stage.Load())
}

// load returns the authoritative count word and the side table holding it,
// if any.
//
// Once the inline word redirects to a side table it only changes again when
// the object is retired, so the second load is as good as a single load of
// the authoritative word for any caller holding a reference.
func (o *Object) load() (bits, *sideTable) {
	b := bits(o.refCounts.Load())
	if !b.usesSideTable() {
		return b, nil
	}
	t := sideTables.lookup(b.sideTableIndex())
	return bits(t.counts.Load()), t
}

// Counts returns a snapshot of o's counts. It is inherently racy and is only
// meant for diagnostics.
func (o *Object) Counts() Counts {
	b, t := o.load()
	if t == nil {
		return countsOf(b, 0, false)
	}
	return countsOf(b, t.weak.Load(), true)
}

// IsUniquelyReferenced returns true if o has exactly one strong reference and
// is not immortal. If the caller holds a strong reference and this returns
// true, no other strong reference exists and none can be created except by
// the caller.
func (o *Object) IsUniquelyReferenced() bool {
	b, _ := o.load()
	return b.strong() == 1 && !b.immortal()
}

// IsDuallyReferenced returns true if o has exactly two strong references.
//
// The result is diagnostic: unless the caller controls both references it
// may be stale by the time it is returned.
func (o *Object) IsDuallyReferenced() bool {
	b, _ := o.load()
	return b.strong() == 2
}

// StrongRefCount returns the current strong count. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (o *Object) StrongRefCount() uint32 {
	b, _ := o.load()
	return b.strong()
}

// countOp computes a new count word from old. Returning old and a nil error
// means there is nothing to store.
type countOp func(old bits) (bits, error)

// errNotLive is returned by tryIncStrong for objects that are deiniting. It is
// not a violation.
var errNotLive = errors.New("object is not live")

func incStrong(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.strong() == 0 || b.deiniting():
		return b, ErrInvalidRetain
	case b.strong() == MaxStrong:
		return b, ErrOverflow
	}
	return b + strongOne, nil
}

func tryIncStrong(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.strong() == 0 || b.deiniting():
		return b, errNotLive
	case b.strong() == MaxStrong:
		return b, ErrOverflow
	}
	return b + strongOne, nil
}

// decStrong sets deiniting in the same update that takes strong to zero, so
// exactly one caller observes the transition.
func decStrong(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.strong() == 0:
		return b, ErrOverRelease
	}
	b -= strongOne
	if b.strong() == 0 {
		b |= deinitingFlag
	}
	return b, nil
}

func incStrongFromUnowned(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.unowned() == 0:
		return b, ErrInvalidRetain
	case b.strong() == 0 || b.deiniting():
		return b, ErrDeinited
	case b.strong() == MaxStrong:
		return b, ErrOverflow
	}
	return b + strongOne, nil
}

func incUnowned(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.unowned() == 0:
		return b, ErrInvalidRetain
	case b.unowned() == MaxUnowned:
		return b, ErrOverflow
	}
	return b + 1, nil
}

// decUnowned refuses to drop the implicit unowned reference while strong
// references remain.
func decUnowned(b bits) (bits, error) {
	switch {
	case b.immortal():
		return b, nil
	case b.unowned() == 0:
		return b, ErrUnownedUnderflow
	case b.unowned() == 1 && !b.deiniting():
		return b, ErrUnownedUnderflow
	}
	return b - 1, nil
}

func setImmortal(b bits) (bits, error) {
	if b.strong() == 0 || b.deiniting() {
		return b, ErrDeinited
	}
	return b | immortalFlag, nil
}

// updateWord applies op to w until it sticks.
func updateWord(w *atomicbitops.Uint64, op countOp) (old, next bits, err error) {
	for {
		old = bits(w.Load())
		next, err = op(old)
		if err != nil || next == old {
			return old, old, err
		}
		if w.CompareAndSwap(uint64(old), uint64(next)) {
			return old, next, nil
		}
	}
}

// update applies op to o's authoritative count word, following the redirect
// to the side table if there is one. t is the side table, or nil.
func (o *Object) update(op countOp) (old, next bits, t *sideTable, err error) {
	for {
		old = bits(o.refCounts.Load())
		if old.usesSideTable() {
			t = sideTables.lookup(old.sideTableIndex())
			old, next, err = updateWord(&t.counts, op)
			return old, next, t, err
		}
		next, err = op(old)
		if err != nil || next == old {
			return old, old, nil, err
		}
		if o.refCounts.CompareAndSwap(uint64(old), uint64(next)) {
			return old, next, nil, nil
		}
		// Lost a race, possibly against a side table being installed.
	}
}

// violation reports a violation by op on o, given the count word b observed
// by op.
func (o *Object) violation(op string, b bits, t *sideTable, err error) {
	c := countsOf(b, 0, t != nil)
	if t != nil {
		c.Weak = t.weak.Load()
	}
	violation(op, o.id, c, err)
}

// Retain takes a new strong reference.
//
// Precondition: the caller holds a strong reference.
func (o *Object) Retain() {
	_, next, t, err := o.update(incStrong)
	if err != nil {
		o.violation(OpRetain, next, t, err)
		return
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("Retain to %d", next.strong()))
	}
}

// TryRetain takes a new strong reference unless o has started deiniting, in
// which case it returns false.
//
// The caller must guarantee that o has not been deallocated, by holding an
// unowned or weak reference.
func (o *Object) TryRetain() bool {
	_, next, t, err := o.update(tryIncStrong)
	switch {
	case err == errNotLive:
		return false
	case err != nil:
		o.violation(OpTryRetain, next, t, err)
		return false
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("TryRetain to %d", next.strong()))
	}
	return true
}

// Release drops a strong reference. Releasing the last one deinits the
// object, and retires it if no unowned or weak references remain.
func (o *Object) Release() {
	old, next, t, err := o.update(decStrong)
	if err != nil {
		o.violation(OpRelease, old, t, err)
		return
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("Release to %d", next.strong()))
	}
	if old != next && next.strong() == 0 {
		o.deinit()
	}
}

// RetainUnowned takes a new unowned reference.
//
// Precondition: the caller holds a strong or unowned reference.
func (o *Object) RetainUnowned() {
	_, next, t, err := o.update(incUnowned)
	if err != nil {
		o.violation(OpRetainUnowned, next, t, err)
		return
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("RetainUnowned to %d", next.unowned()))
	}
}

// ReleaseUnowned drops an unowned reference. Releasing the last one after
// deinit retires the object if no weak references remain.
func (o *Object) ReleaseUnowned() {
	o.releaseUnowned(OpReleaseUnowned)
}

// RetainFromUnowned turns an unowned reference into a new strong reference.
// The unowned reference is kept. Using an unowned reference after the object
// started deiniting is a violation.
func (o *Object) RetainFromUnowned() {
	_, next, t, err := o.update(incStrongFromUnowned)
	if err != nil {
		o.violation(OpRetainFromUnowned, next, t, err)
		return
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("RetainFromUnowned to %d", next.strong()))
	}
}

// SetImmortal makes o immortal: retains and releases become no-ops, it is
// never uniquely referenced and it is never deinited.
//
// Precondition: the caller holds a strong reference.
func (o *Object) SetImmortal() {
	if _, next, t, err := o.update(setImmortal); err != nil {
		o.violation(OpSetImmortal, next, t, err)
	}
}

// deinit runs Deinit and then drops the implicit unowned reference.
//
// Precondition: the caller's release took strong to zero.
func (o *Object) deinit() {
	o.stage.Store(uint32(Deiniting))
	deinits.Increment()
	if o.LogRefs() {
		logEvent(o, "deinit")
	}
	o.lifecycle.Deinit(o)
	o.stage.Store(uint32(Draining))
	o.releaseUnowned(OpRelease)
}

func (o *Object) releaseUnowned(op string) {
	old, next, t, err := o.update(decUnowned)
	if err != nil {
		o.violation(op, old, t, err)
		return
	}
	if o.LogRefs() {
		logEvent(o, fmt.Sprintf("ReleaseUnowned to %d", next.unowned()))
	}
	if old == next || !next.drained() {
		return
	}
	if t == nil {
		// Inline counts can't be incremented from zero unowned, so this is
		// the only caller to see them drain.
		o.retire(nil)
		return
	}
	if t.weakDrained() && t.tryRetire() {
		o.retire(t)
	}
}

// retire deallocates o. It is called exactly once, after every count
// drained.
func (o *Object) retire(t *sideTable) {
	Unregister(o)
	if o.LogRefs() {
		logEvent(o, "dealloc")
	}
	o.lifecycle.Dealloc(o)
	deallocs.Increment()
	if t != nil {
		// Drop the redirect before the table can be reused, so a late
		// operation on o trips over the drained inline word instead of
		// another object's counts.
		o.refCounts.Store(uint64(deinitingFlag))
		sideTables.release(t)
		sideTablesFreed.Increment()
	}
	o.stage.Store(uint32(Deallocated))
}

// RefType implements CheckedObject.RefType.
func (o *Object) RefType() string {
	if o.payload == nil {
		return "refs.Object"
	}
	return fmt.Sprintf("%T", o.payload)
}

// LeakMessage implements CheckedObject.LeakMessage.
func (o *Object) LeakMessage() string {
	return fmt.Sprintf("[%s %d] %v, %v instead of deallocated", o.RefType(), o.id, o.Counts(), o.State())
}

// LogRefs implements CheckedObject.LogRefs.
func (o *Object) LogRefs() bool {
	return GetLeakMode() == LeaksLogTraces
}

// LeakCheckDisabled skips immortal objects, which are never deallocated.
func (o *Object) LeakCheckDisabled() bool {
	return o.Counts().Immortal
}
