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

package cmd

import (
	"context"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/refcounts/pkg/cow"
	"gvisor.dev/refcounts/refstress/cmd/util"
	"gvisor.dev/refcounts/refstress/flag"
)

// scrambleResult summarizes runScramble.
type scrambleResult struct {
	elements      []int
	reallocations int
	copies        uint64
}

// runScramble scrambles the integers [0, n) in a copy-on-write array.
func runScramble(n int, interfere bool) scrambleResult {
	before := cow.Reallocations()
	ints := make([]int, n)
	for i := range ints {
		ints[i] = i
	}
	a := cow.NewArray(ints...)
	defer a.Release()

	sc := cow.Scrambler[int]{Interfere: interfere}
	defer sc.Release()
	r := sc.Scramble(a)
	return scrambleResult{
		elements:      a.Elements(),
		reallocations: r,
		copies:        cow.Reallocations() - before,
	}
}

// Scramble implements subcommands.Command for the "scramble" command.
type Scramble struct {
	n           int
	interfere   bool
	printResult bool
}

// Name implements subcommands.Command.Name.
func (*Scramble) Name() string {
	return "scramble"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scramble) Synopsis() string {
	return "scramble a copy-on-write array in place through borrowed slices"
}

// Usage implements subcommands.Command.Usage.
func (*Scramble) Usage() string {
	return `scramble [-n=N] [-interference] - scrambles [0, N) by divide and conquer and reports how many windows had to copy their storage
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scramble) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.n, "n", 500, "number of elements.")
	f.BoolVar(&s.interfere, "interference", false, "escape and mutate copies of the borrowed slices.")
	f.BoolVar(&s.printResult, "print", false, "print the scrambled elements.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scramble) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if s.n < 0 {
		return util.Errorf("-n must not be negative, got %d", s.n)
	}
	res := runScramble(s.n, s.interfere)
	if s.printResult {
		fmt.Println(res.elements)
	}
	util.Infof("%d elements, %d reallocated windows, %d storage copies", s.n, res.reallocations, res.copies)
	if !s.interfere && res.reallocations != 0 {
		return util.Errorf("scramble without interference reallocated %d windows", res.reallocations)
	}
	return subcommands.ExitSuccess
}
