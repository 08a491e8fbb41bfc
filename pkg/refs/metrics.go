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
	"gvisor.dev/refcounts/pkg/metric"
)

// Lifecycle metrics. Retain and release are deliberately not counted.
var (
	objectsCreated        = metric.MustCreateNewUint64Metric("/refs/objects_created", "Number of reference counted objects created.")
	deinits               = metric.MustCreateNewUint64Metric("/refs/deinits", "Number of objects whose strong count reached zero.")
	deallocs              = metric.MustCreateNewUint64Metric("/refs/deallocs", "Number of objects retired after all counts drained.")
	sideTablesAllocated   = metric.MustCreateNewUint64Metric("/refs/side_tables_allocated", "Number of side tables installed by a first weak reference.")
	sideTablesFreed       = metric.MustCreateNewUint64Metric("/refs/side_tables_freed", "Number of side tables returned to the arena.")
	weakLoadFailures      = metric.MustCreateNewUint64Metric("/refs/weak_load_failures", "Number of weak loads that found the object deinited.")
	consistencyViolations = metric.MustCreateNewUint64Metric("/refs/consistency_violations", "Number of detected reference counting protocol violations.", metric.NewField("op", allOps))
)

func init() {
	metric.MustRegisterCustomUint64Metric("/refs/side_tables_live", false /* cumulative */, "Number of side tables currently in use.", func(...string) uint64 {
		return uint64(LiveSideTables())
	})
}
