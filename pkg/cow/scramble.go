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

// Scrambler permutes an array by divide and conquer: windows shorter than
// four elements swap their ends, longer ones recurse into both halves
// through borrowed slices. Every window is mutated through a slice borrowed
// from its parent, so no storage is copied unless Interfere is set.
type Scrambler[T any] struct {
	// Interfere makes every window of even length write through a copy of
	// itself, and every window of odd length escape a copy of itself that
	// stays alive until the next escape. Neither changes the result.
	Interfere bool

	escaped *Slice[T]
}

// Scramble scrambles a and returns the number of windows whose storage was
// not their parent's when they were scrambled.
func (sc *Scrambler[T]) Scramble(a *Array[T]) int {
	n := a.Len()
	if n < 1 {
		return 0
	}
	if n < 4 {
		a.SwapAt(0, n-1)
		return 0
	}
	footprint := a.Storage()
	m := n / 2
	var r int
	a.Mutate(0, m, func(sl *Slice[T]) { r += sc.scramble(sl, footprint) })
	a.Mutate(m, n, func(sl *Slice[T]) { r += sc.scramble(sl, footprint) })
	return r
}

func (sc *Scrambler[T]) scramble(sl *Slice[T], footprint uint64) int {
	var r int
	own := sl.Storage()
	if own != footprint {
		r++
	}
	n := sl.Len()
	if n < 1 {
		return r
	}

	if sc.Interfere && n > 1 {
		if n%2 == 0 {
			x := sl.Copy()
			x.Set(x.StartIndex(), x.At(x.StartIndex()+1))
			x.Release()
		} else {
			sc.Release()
			sc.escaped = sl.Copy()
		}
	}

	lo, hi := sl.StartIndex(), sl.EndIndex()
	if n < 4 {
		sl.SwapAt(lo, hi-1)
		return r
	}
	m := (lo + hi) / 2
	sl.Mutate(lo, m, func(c *Slice[T]) { r += sc.scramble(c, own) })
	sl.Mutate(m, hi, func(c *Slice[T]) { r += sc.scramble(c, own) })
	return r
}

// Release releases the last escaped copy, if any.
func (sc *Scrambler[T]) Release() {
	if sc.escaped != nil {
		sc.escaped.Release()
		sc.escaped = nil
	}
}
