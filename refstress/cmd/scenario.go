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
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	"gvisor.dev/refcounts/pkg/atomicbitops"
	"gvisor.dev/refcounts/pkg/refs"
	"gvisor.dev/refcounts/pkg/refs/handle"
	"gvisor.dev/refcounts/refstress/cmd/util"
	"gvisor.dev/refcounts/refstress/flag"
)

// countingLifecycle counts Deinit and Dealloc calls.
type countingLifecycle struct {
	deinits  atomicbitops.Uint32
	deallocs atomicbitops.Uint32
}

// Deinit implements refs.Lifecycle.Deinit.
func (c *countingLifecycle) Deinit(*refs.Object) {
	c.deinits.Add(1)
}

// Dealloc implements refs.Lifecycle.Dealloc.
func (c *countingLifecycle) Dealloc(*refs.Object) {
	c.deallocs.Add(1)
}

// scenarioRun prints the steps of a scenario and collects deviations from
// the expected behavior.
type scenarioRun struct {
	w    io.Writer
	errs []error
}

func (r *scenarioRun) step(format string, args ...any) {
	fmt.Fprintf(r.w, "  "+format+"\n", args...)
}

func (r *scenarioRun) expect(what string, got, want any) {
	if got != want {
		err := fmt.Errorf("%s: got %v, want %v", what, got, want)
		fmt.Fprintf(r.w, "    FAIL %v\n", err)
		r.errs = append(r.errs, err)
	}
}

func (r *scenarioRun) expectCallbacks(l *countingLifecycle, deinits, deallocs uint32) {
	r.expect("deinit calls", l.deinits.Load(), deinits)
	r.expect("dealloc calls", l.deallocs.Load(), deallocs)
}

// scenarios maps scenario names to their implementations.
var scenarios = map[string]func(r *scenarioRun){
	"basic":        basicScenario,
	"weak":         weakScenario,
	"basic-handle": basicHandleScenario,
	"weak-handle":  weakHandleScenario,
}

// basicScenario walks one object through retain, release, deinit and
// dealloc, checking the uniqueness queries on the way.
func basicScenario(r *scenarioRun) {
	var l countingLifecycle
	o := refs.NewObject(nil, &l)
	r.step("create object %d: %v", o.ID(), o.Counts())
	o.RetainUnowned()
	r.step("retain unowned: %v", o.Counts())

	o.Retain()
	r.step("retain: %v", o.Counts())
	r.expect("strong count", o.StrongRefCount(), uint32(2))
	r.expect("dually referenced", o.IsDuallyReferenced(), true)

	o.Release()
	r.step("release: %v", o.Counts())
	r.expect("strong count", o.StrongRefCount(), uint32(1))
	r.expect("dually referenced", o.IsDuallyReferenced(), false)
	r.expect("uniquely referenced", o.IsUniquelyReferenced(), true)

	o.Release()
	r.step("release: %v, stage %v", o.Counts(), o.State())
	r.expectCallbacks(&l, 1, 0)

	o.ReleaseUnowned()
	r.step("release unowned: stage %v", o.State())
	r.expectCallbacks(&l, 1, 1)
	r.expect("stage", o.State(), refs.Deallocated)
}

// weakScenario forms a weak reference, lets the object deinit, and checks
// that the weak reference then loads empty and frees the side table.
func weakScenario(r *scenarioRun) {
	tables := refs.LiveSideTables()
	var l countingLifecycle
	o := refs.NewObject(nil, &l)
	r.step("create object %d: %v", o.ID(), o.Counts())

	w := o.FormWeak()
	r.step("form weak: %v", o.Counts())
	r.expect("live side tables", refs.LiveSideTables(), tables+1)
	if got, ok := w.Load(); ok {
		r.step("load weak: %v", o.Counts())
		r.expect("loaded object", got, o)
		got.Release()
	} else {
		r.expect("load of live object", ok, true)
	}

	o.Release()
	r.step("release: %v, stage %v", o.Counts(), o.State())
	r.expectCallbacks(&l, 1, 0)

	got, ok := w.Load()
	r.step("load weak: ok=%t", ok)
	r.expect("load of deinited object", ok, false)
	r.expect("loaded object", got, (*refs.Object)(nil))

	w.Release()
	r.step("release weak: stage %v", o.State())
	r.expectCallbacks(&l, 1, 1)
	r.expect("live side tables", refs.LiveSideTables(), tables)
}

// basicHandleScenario is basicScenario through the handle API.
func basicHandleScenario(r *scenarioRun) {
	var l countingLifecycle
	h := handle.New(nil, &l)
	r.step("create handle %d", h)
	handle.RetainUnowned(h)

	handle.Retain(h)
	r.step("retain")
	r.expect("strong count", handle.StrongRefCount(h), uint32(2))
	r.expect("dually referenced", handle.IsDuallyReferenced(h), uint8(1))

	handle.Release(h)
	r.step("release")
	r.expect("dually referenced", handle.IsDuallyReferenced(h), uint8(0))
	r.expect("uniquely referenced", handle.IsUniquelyReferenced(h), true)

	handle.Release(h)
	r.step("release")
	r.expectCallbacks(&l, 1, 0)

	handle.ReleaseUnowned(h)
	r.step("release unowned")
	r.expectCallbacks(&l, 1, 1)
	_, ok := handle.Lookup(h)
	r.expect("handle registered", ok, false)
}

// weakHandleScenario is weakScenario through the handle API.
func weakHandleScenario(r *scenarioRun) {
	var l countingLifecycle
	h := handle.New(nil, &l)
	w := handle.FormWeak(h)
	r.step("create handle %d, weak handle %d", h, w)

	loaded := handle.LoadWeak(w)
	r.step("load weak: %d", loaded)
	r.expect("loaded handle", loaded, h)
	if loaded != 0 {
		handle.Release(loaded)
	}

	handle.Release(h)
	r.step("release")
	r.expectCallbacks(&l, 1, 0)

	loaded = handle.LoadWeak(w)
	r.step("load weak: %d", loaded)
	r.expect("loaded handle", loaded, handle.Handle(0))

	handle.ReleaseWeak(w)
	r.step("release weak")
	r.expectCallbacks(&l, 1, 1)
}

// runScenarios runs the named scenarios, or all of them for "all", writing
// their steps to w.
func runScenarios(w io.Writer, name string) error {
	var names []string
	if name == "all" {
		for n := range scenarios {
			names = append(names, n)
		}
		sort.Strings(names)
	} else {
		if _, ok := scenarios[name]; !ok {
			return fmt.Errorf("unknown scenario %q", name)
		}
		names = []string{name}
	}

	var errs []error
	for _, n := range names {
		fmt.Fprintf(w, "scenario %s:\n", n)
		r := &scenarioRun{w: w}
		scenarios[n](r)
		if err := errors.Join(r.errs...); err != nil {
			errs = append(errs, fmt.Errorf("scenario %s: %w", n, err))
			continue
		}
		fmt.Fprintf(w, "  PASS\n")
	}
	return errors.Join(errs...)
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	name string
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "walk objects through the reference counting lifecycle step by step"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [-name=<basic|weak|basic-handle|weak-handle|all>] - prints each step of a scenario and fails on any deviation
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.name, "name", "all", "scenario to run: basic, weak, basic-handle, weak-handle or all.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := runScenarios(os.Stdout, s.name); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
