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
	"gvisor.dev/refcounts/pkg/sync"
)

const (
	// sideTableChunkSize is the number of side tables allocated at once.
	sideTableChunkSize = 256

	// DefaultSideTableLimit is the default maximum number of side tables
	// that may be allocated at once. Arena indices are stored as index+1 in
	// 32 bits.
	DefaultSideTableLimit = 1<<32 - 1
)

type sideTableChunk [sideTableChunkSize]sideTable

// sideTableArena allocates side tables from fixed-size chunks and hands them
// out by index. Tables never move once allocated, so an index resolves to
// the same table for the life of the process.
//
// Freed tables are kept on a lock-free stack. mu is only taken to carve a
// table that has never been used.
type sideTableArena struct {
	// chunks is replaced, never modified, when the arena grows.
	chunks atomic.Pointer[[]*sideTableChunk]

	// free is the head of the free stack:
	//
	//	[32-bit version]:[32-bit index+1]
	//
	// The version is bumped on every update so that a concurrent pop can't
	// be fooled by a table that was popped and pushed back (ABA).
	free atomicbitops.Uint64

	// limit is the maximum number of tables carved from the arena.
	limit atomicbitops.Uint32

	// live is the number of tables currently handed out.
	live atomicbitops.Int64

	// mu protects carved.
	mu sync.Mutex

	// carved is the number of tables ever handed out for the first time.
	carved uint32
}

func newSideTableArena(limit uint32) *sideTableArena {
	a := &sideTableArena{}
	a.limit.Store(limit)
	return a
}

// sideTables is the arena used by every Object.
var sideTables = newSideTableArena(DefaultSideTableLimit)

// SetSideTableLimit bounds the number of side tables that may exist at once.
// Forming a weak reference that needs a table beyond the limit panics with
// ErrOutOfMemory. Lowering the limit below the number of tables already
// carved does not free them; they remain available for reuse.
func SetSideTableLimit(limit uint32) {
	sideTables.limit.Store(limit)
}

// SideTableLimit returns the current side table limit.
func SideTableLimit() uint32 {
	return sideTables.limit.Load()
}

// LiveSideTables returns the number of side tables currently in use.
func LiveSideTables() int64 {
	return sideTables.live.Load()
}

// lookup returns the table with the given index.
//
// Precondition: index was returned by alloc.
func (a *sideTableArena) lookup(index uint32) *sideTable {
	chunks := *a.chunks.Load()
	return &chunks[index/sideTableChunkSize][index%sideTableChunkSize]
}

// alloc returns an unused table, or ErrOutOfMemory if the limit is reached.
func (a *sideTableArena) alloc() (*sideTable, error) {
	if t := a.pop(); t != nil {
		a.live.Add(1)
		return t, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.carved >= a.limit.Load() {
		return nil, ErrOutOfMemory
	}
	var chunks []*sideTableChunk
	if p := a.chunks.Load(); p != nil {
		chunks = *p
	}
	index := a.carved
	if c := int(index / sideTableChunkSize); c == len(chunks) {
		grown := make([]*sideTableChunk, c+1)
		copy(grown, chunks)
		grown[c] = new(sideTableChunk)
		a.chunks.Store(&grown)
		chunks = grown
	}
	t := &chunks[index/sideTableChunkSize][index%sideTableChunkSize]
	t.index = index
	a.carved++
	a.live.Add(1)
	return t, nil
}

// release returns t to the arena. Its generation is bumped first so that
// stale weak references can no longer match it.
func (a *sideTableArena) release(t *sideTable) {
	t.obj.Store(nil)
	t.gen.Add(1)
	a.live.Add(-1)
	for {
		head := a.free.Load()
		t.nextFree.Store(uint32(head))
		if a.free.CompareAndSwap(head, nextFreeHead(head, t.index+1)) {
			return
		}
	}
}

// pop takes a table off the free stack, or returns nil if it is empty.
func (a *sideTableArena) pop() *sideTable {
	for {
		head := a.free.Load()
		top := uint32(head)
		if top == 0 {
			return nil
		}
		t := a.lookup(top - 1)
		if a.free.CompareAndSwap(head, nextFreeHead(head, t.nextFree.Load())) {
			return t
		}
	}
}

func nextFreeHead(head uint64, top uint32) uint64 {
	return (head>>32+1)<<32 | uint64(top)
}
