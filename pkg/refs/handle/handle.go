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

// Package handle exposes reference counted objects through opaque integer
// handles, for collaborators that can't hold Go pointers.
//
// A Handle stays valid from New until the object's Dealloc has run. Weak
// handles stay valid until ReleaseWeak.
package handle

import (
	"errors"
	"time"

	"gvisor.dev/refcounts/pkg/atomicbitops"
	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/refs"
	"gvisor.dev/refcounts/pkg/sync"
)

// Handle is an opaque reference to an object. The zero Handle is empty.
type Handle uint64

// WeakHandle is an opaque weak reference. The zero WeakHandle is empty.
type WeakHandle uint64

// ErrInvalidHandle indicates use of a handle that was never issued or whose
// object has been deallocated.
var ErrInvalidHandle = errors.New("invalid handle")

// Operation names for ConsistencyViolation.Op.
const (
	opLookup = "lookup"
	opWeak   = "weak_lookup"
)

const numShards = 64

type weakShard struct {
	mu   sync.Mutex
	refs map[WeakHandle]*refs.WeakRef
}

var (
	// objects maps Handle to *refs.Object. Lookups on the retain and release
	// path don't lock.
	objects sync.Map

	weaks [numShards]weakShard

	// lastWeak is the most recently issued weak handle.
	lastWeak atomicbitops.Uint64

	// live is the number of registered objects.
	live atomicbitops.Int64

	invalidLog = log.BasicRateLimitedLogger(time.Second)
)

func init() {
	for i := range weaks {
		weaks[i].refs = make(map[WeakHandle]*refs.WeakRef)
	}
}

func (w WeakHandle) shard() *weakShard {
	return &weaks[uint64(w)%numShards]
}

// invalid reports use of an unknown handle.
func invalid(op string, id uint64) {
	v := &refs.ConsistencyViolation{Op: op, ObjectID: id, Err: ErrInvalidHandle}
	if refs.ChecksEnabled {
		panic(v)
	}
	invalidLog.Warningf("%v, ignored", v)
}

// unregistering removes the handle once the object is deallocated.
type unregistering struct {
	refs.Lifecycle
}

// Dealloc implements refs.Lifecycle.Dealloc.
func (u unregistering) Dealloc(obj *refs.Object) {
	u.Lifecycle.Dealloc(obj)
	objects.Delete(Handle(obj.ID()))
	live.Add(-1)
}

// New creates an object and returns a handle holding its one strong
// reference.
func New(payload any, lifecycle refs.Lifecycle) Handle {
	if lifecycle == nil {
		lifecycle = refs.LifecycleFuncs{}
	}
	obj := refs.NewObject(payload, unregistering{lifecycle})
	h := Handle(obj.ID())
	objects.Store(h, obj)
	live.Add(1)
	return h
}

// Lookup returns the object behind h.
func Lookup(h Handle) (*refs.Object, bool) {
	v, ok := objects.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*refs.Object), true
}

func mustLookup(h Handle) *refs.Object {
	obj, ok := Lookup(h)
	if !ok {
		invalid(opLookup, uint64(h))
	}
	return obj
}

// Live returns the number of objects that have not been deallocated.
func Live() int {
	return int(live.Load())
}

// Retain takes a new strong reference.
func Retain(h Handle) {
	if obj := mustLookup(h); obj != nil {
		obj.Retain()
	}
}

// Release drops a strong reference. It may run the object's Deinit and
// Dealloc callbacks.
func Release(h Handle) {
	if obj := mustLookup(h); obj != nil {
		obj.Release()
	}
}

// RetainUnowned takes a new unowned reference.
func RetainUnowned(h Handle) {
	if obj := mustLookup(h); obj != nil {
		obj.RetainUnowned()
	}
}

// ReleaseUnowned drops an unowned reference.
func ReleaseUnowned(h Handle) {
	if obj := mustLookup(h); obj != nil {
		obj.ReleaseUnowned()
	}
}

// IsUniquelyReferenced returns true if h's object has exactly one strong
// reference.
func IsUniquelyReferenced(h Handle) bool {
	if obj := mustLookup(h); obj != nil {
		return obj.IsUniquelyReferenced()
	}
	return false
}

// IsDuallyReferenced returns 1 if h's object has exactly two strong
// references, and 0 otherwise. The result is diagnostic only.
func IsDuallyReferenced(h Handle) uint8 {
	if obj := mustLookup(h); obj != nil && obj.IsDuallyReferenced() {
		return 1
	}
	return 0
}

// StrongRefCount returns h's object's strong count. The result is
// diagnostic only.
func StrongRefCount(h Handle) uint32 {
	if obj := mustLookup(h); obj != nil {
		return obj.StrongRefCount()
	}
	return 0
}

// FormWeak returns a new weak handle to h's object.
func FormWeak(h Handle) WeakHandle {
	obj := mustLookup(h)
	if obj == nil {
		return 0
	}
	ref := obj.FormWeak()
	w := WeakHandle(lastWeak.Add(1))
	s := w.shard()
	s.mu.Lock()
	s.refs[w] = ref
	s.mu.Unlock()
	return w
}

// LoadWeak returns a handle holding a new strong reference to w's object, or
// the empty Handle if the object has started deiniting.
func LoadWeak(w WeakHandle) Handle {
	s := w.shard()
	s.mu.Lock()
	ref, ok := s.refs[w]
	var obj *refs.Object
	if ok {
		// WeakRefs are single-holder, so Load happens under the lock.
		obj, ok = ref.Load()
		s.mu.Unlock()
		if !ok {
			return 0
		}
		return Handle(obj.ID())
	}
	s.mu.Unlock()
	invalid(opWeak, uint64(w))
	return 0
}

// ReleaseWeak drops the weak handle. w must not be used afterwards.
func ReleaseWeak(w WeakHandle) {
	s := w.shard()
	s.mu.Lock()
	ref, ok := s.refs[w]
	delete(s.refs, w)
	s.mu.Unlock()
	if !ok {
		invalid(opWeak, uint64(w))
		return
	}
	ref.Release()
}
