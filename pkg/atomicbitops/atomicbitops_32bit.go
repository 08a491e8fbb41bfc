// Copyright 2021 The gVisor Authors.
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

// Package atomicbitops provides extensions to the sync/atomic package used by
// the reference counting core.
package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/refcounts/pkg/sync"
)

// Uint32 is an atomic uint32. The zero value is zero.
//
// Don't add fields to this struct. It is important that it remain the same
// size as its builtin analogue.
type Uint32 struct {
	_     sync.NoCopy
	value atomic.Uint32
}

// Load is analogous to atomic.LoadUint32.
func (u *Uint32) Load() uint32 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint32.
func (u *Uint32) Store(v uint32) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint32.
func (u *Uint32) Add(v uint32) uint32 {
	return u.value.Add(v)
}

// Swap is analogous to atomic.SwapUint32.
func (u *Uint32) Swap(v uint32) uint32 {
	return u.value.Swap(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint32.
func (u *Uint32) CompareAndSwap(oldVal, newVal uint32) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}

// DecUnlessZero decrements u and returns the new value and true, unless u is
// zero, in which case it is left unmodified and (0, false) is returned.
func (u *Uint32) DecUnlessZero() (uint32, bool) {
	for {
		v := u.value.Load()
		if v == 0 {
			return 0, false
		}
		if u.value.CompareAndSwap(v, v-1) {
			return v - 1, true
		}
	}
}
