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
	"strings"
)

// A count word is laid out as:
//
//	[63 side table][62 immortal][61 deiniting][60..31 strong][30..0 unowned]
//
// When the side table bit is set, the low 32 bits hold the side table's
// arena index and every other field is meaningless. Side table count words
// use the same layout with bit 63 always clear.
const (
	unownedBits = 31
	strongBits  = 30

	strongShift = unownedBits

	unownedMask = 1<<unownedBits - 1
	strongMask  = (1<<strongBits - 1) << strongShift

	strongOne = 1 << strongShift

	deinitingFlag = 1 << 61
	immortalFlag  = 1 << 62
	sideTableFlag = 1 << 63

	sideTableIndexMask = 1<<32 - 1

	// MaxStrong is the largest strong count an object can hold.
	MaxStrong = 1<<strongBits - 1

	// MaxUnowned is the largest unowned count an object can hold.
	MaxUnowned = unownedMask
)

// initialCounts is strong=1, unowned=1: the creator's strong reference plus
// the implicit unowned hold that strong references collectively own.
const initialCounts bits = strongOne | 1

// bits is a count word.
type bits uint64

func (b bits) strong() uint32 {
	return uint32((b & strongMask) >> strongShift)
}

func (b bits) unowned() uint32 {
	return uint32(b & unownedMask)
}

func (b bits) deiniting() bool {
	return b&deinitingFlag != 0
}

func (b bits) immortal() bool {
	return b&immortalFlag != 0
}

func (b bits) usesSideTable() bool {
	return b&sideTableFlag != 0
}

func (b bits) sideTableIndex() uint32 {
	return uint32(b & sideTableIndexMask)
}

// drained returns true if b describes an object with no references left of
// any count kept in the word.
func (b bits) drained() bool {
	return b.deiniting() && b.strong() == 0 && b.unowned() == 0
}

func redirect(index uint32) bits {
	return sideTableFlag | bits(index)
}

// Counts is a snapshot of an object's reference counts.
//
// A Counts value is inherently racy: it is a consistent view of the counts
// at one instant, which may be stale by the time it is inspected.
type Counts struct {
	Strong    uint32
	Unowned   uint32
	Weak      uint32
	Deiniting bool
	Immortal  bool
	SideTable bool
}

func countsOf(b bits, weak uint32, sideTable bool) Counts {
	return Counts{
		Strong:    b.strong(),
		Unowned:   b.unowned(),
		Weak:      weak,
		Deiniting: b.deiniting(),
		Immortal:  b.immortal(),
		SideTable: sideTable,
	}
}

// String implements fmt.Stringer.
func (c Counts) String() string {
	var flags []string
	if c.Deiniting {
		flags = append(flags, "deiniting")
	}
	if c.Immortal {
		flags = append(flags, "immortal")
	}
	if c.SideTable {
		flags = append(flags, "side-table")
	}
	s := fmt.Sprintf("strong=%d unowned=%d weak=%d", c.Strong, c.Unowned, c.Weak)
	if len(flags) > 0 {
		s += " [" + strings.Join(flags, ",") + "]"
	}
	return s
}
