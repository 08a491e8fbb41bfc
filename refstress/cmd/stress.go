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
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/refs"
	"gvisor.dev/refcounts/refstress/cmd/util"
	"gvisor.dev/refcounts/refstress/flag"
)

// stressOpts configures runStress.
type stressOpts struct {
	goroutines int
	iterations int
	objects    int
}

// stressResult summarizes a runStress run.
type stressResult struct {
	ops          uint64
	weakLoads    uint64
	failedLoads  uint64
	elapsed      time.Duration
	leakedBefore int
	leakedAfter  int
}

type stressObject struct {
	obj  *refs.Object
	weak *refs.WeakRef
	l    countingLifecycle
}

// stressRound runs one round of traffic against s. The caller holds no
// reference of its own to s.obj, but s.obj is kept alive by the driver
// until every goroutine is done.
func stressRound(s *stressObject, i int) (ops, loads, failed uint64, err error) {
	o := s.obj
	o.Retain()
	ops++
	if o.IsUniquelyReferenced() {
		err = fmt.Errorf("object %d uniquely referenced with two strong references held: %v", o.ID(), o.Counts())
	}

	switch i % 4 {
	case 0:
		o.RetainUnowned()
		o.RetainFromUnowned()
		o.Release()
		o.ReleaseUnowned()
		ops += 4
	case 1:
		w := s.weak.Copy()
		got, ok := w.Load()
		loads++
		if ok {
			got.Release()
		} else {
			failed++
		}
		w.Release()
		ops += 3
	case 2:
		w := o.FormWeak()
		w.Release()
		ops += 2
	default:
		if o.TryRetain() {
			o.Release()
			ops++
		}
		ops++
	}
	if i%16 == 0 {
		runtime.Gosched()
	}

	o.Release()
	ops++
	return ops, loads, failed, err
}

// runStress runs opts.goroutines goroutines of opts.iterations rounds each
// over opts.objects shared objects, then releases the objects and checks
// that each was deinited and deallocated exactly once.
func runStress(ctx context.Context, opts stressOpts) (stressResult, error) {
	res := stressResult{leakedBefore: refs.LeakedObjects()}
	objs := make([]*stressObject, opts.objects)
	for i := range objs {
		s := &stressObject{}
		s.obj = refs.NewObject(i, &s.l)
		s.weak = s.obj.FormWeak()
		objs[i] = s
	}

	type counts struct {
		ops, loads, failed uint64
	}
	perGoroutine := make([]counts, opts.goroutines)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for n := 0; n < opts.goroutines; n++ {
		g.Go(func() error {
			c := &perGoroutine[n]
			for i := 0; i < opts.iterations; i++ {
				if i%64 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				ops, loads, failed, err := stressRound(objs[(n+i)%len(objs)], n+i)
				c.ops += ops
				c.loads += loads
				c.failed += failed
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	for _, c := range perGoroutine {
		res.ops += c.ops
		res.weakLoads += c.loads
		res.failedLoads += c.failed
	}

	for _, s := range objs {
		s.obj.Release()
		s.weak.Release()
	}
	if err != nil {
		return res, err
	}
	if res.failedLoads != 0 {
		return res, fmt.Errorf("%d weak loads of live objects failed", res.failedLoads)
	}
	for _, s := range objs {
		if d, a := s.l.deinits.Load(), s.l.deallocs.Load(); d != 1 || a != 1 {
			return res, fmt.Errorf("object %d: got %d deinits and %d deallocs, want 1 and 1", s.obj.ID(), d, a)
		}
	}
	res.leakedAfter = refs.LeakedObjects()
	if res.leakedAfter != res.leakedBefore {
		return res, fmt.Errorf("%d objects leaked", res.leakedAfter-res.leakedBefore)
	}
	return res, nil
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer shared objects with concurrent reference traffic"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-goroutines=N] [-iterations=N] [-objects=N] - runs concurrent retain, release, unowned and weak traffic and verifies every object is deinited and deallocated exactly once
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.goroutines, "goroutines", runtime.GOMAXPROCS(0), "number of goroutines generating traffic.")
	f.IntVar(&s.opts.iterations, "iterations", 100000, "number of rounds per goroutine.")
	f.IntVar(&s.opts.objects, "objects", 4, "number of shared objects.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.goroutines < 1 || s.opts.iterations < 0 || s.opts.objects < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	log.Infof("Stressing %d objects with %d goroutines x %d iterations", s.opts.objects, s.opts.goroutines, s.opts.iterations)
	res, err := runStress(ctx, s.opts)
	if err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	util.Infof("%d operations (%d weak loads) in %v", res.ops, res.weakLoads, res.elapsed)
	return subcommands.ExitSuccess
}
