// Copyright 2018 The gVisor Authors.
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

// Package refs implements lock-free strong, unowned and weak reference
// counting for shared objects.
//
// Every Object carries a single 64-bit word holding its strong and unowned
// counts and its status flags. The first weak reference moves the counts
// out-of-line into a side table, allocated from an arena and referenced by
// index, and the inline word becomes a redirect to it. All counter updates are
// atomic compare-and-swap loops; no lock is ever taken on the retain/release
// path, so retain and release may be called from Deinit callbacks.
//
// An object's lifetime is split in two phases. When the strong count reaches
// zero the object's Lifecycle.Deinit runs exactly once. The object's storage
// is retired, and Lifecycle.Dealloc runs exactly once, when the unowned and
// weak counts have drained as well.
package refs

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// Retain increments the strong reference count on the object.
	Retain()

	// Release decrements the strong reference count on the object.
	Release()
}

// TryRefCounter is like RefCounter but allow the ref increment to be tried.
type TryRefCounter interface {
	RefCounter

	// TryRetain attempts to increase the reference count on the object, but
	// may fail if all references have already been dropped, in which case it
	// returns false. If true is returned, then a valid reference is now held
	// on the object.
	TryRetain() bool
}

var _ TryRefCounter = (*Object)(nil)
