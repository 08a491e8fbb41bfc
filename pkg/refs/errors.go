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
	"errors"
	"fmt"
	"time"

	"gvisor.dev/refcounts/pkg/log"
)

// Errors carried by a ConsistencyViolation. They describe misuse of the
// counting protocol by the caller.
var (
	// ErrInvalidRetain indicates a strong or unowned retain on an object
	// whose corresponding count was already zero.
	ErrInvalidRetain = errors.New("retain of an object with no strong references")

	// ErrOverRelease indicates a strong release that would take the strong
	// count below zero.
	ErrOverRelease = errors.New("release of an object with no strong references")

	// ErrUnownedUnderflow indicates an unowned release that would take the
	// unowned count below zero, or drop the implicit unowned reference held
	// on behalf of live strong references.
	ErrUnownedUnderflow = errors.New("unowned reference count underflow")

	// ErrWeakUnderflow indicates a weak release that would take the weak
	// count below zero, or a weak reference released twice.
	ErrWeakUnderflow = errors.New("weak reference count underflow")

	// ErrOverflow indicates that a count would exceed its field width. It is
	// fatal in every build.
	ErrOverflow = errors.New("reference count overflow")

	// ErrDeinited indicates a strong reference taken from an unowned
	// reference after the object started deiniting.
	ErrDeinited = errors.New("object is deinited")

	// ErrStaleWeak indicates use of a weak reference whose side table has
	// since been freed and reused.
	ErrStaleWeak = errors.New("stale weak reference")

	// ErrOutOfMemory indicates that no side table could be allocated. It is
	// fatal in every build: counting cannot proceed without the table.
	ErrOutOfMemory = errors.New("side table allocation failed")
)

// Operation names reported in ConsistencyViolation.Op.
const (
	OpRetain            = "retain"
	OpRelease           = "release"
	OpTryRetain         = "try_retain"
	OpRetainUnowned     = "retain_unowned"
	OpReleaseUnowned    = "release_unowned"
	OpRetainFromUnowned = "retain_from_unowned"
	OpFormWeak          = "form_weak"
	OpLoadWeak          = "load_weak"
	OpCopyWeak          = "copy_weak"
	OpReleaseWeak       = "release_weak"
	OpSetImmortal       = "set_immortal"
)

var allOps = []string{
	OpRetain,
	OpRelease,
	OpTryRetain,
	OpRetainUnowned,
	OpReleaseUnowned,
	OpRetainFromUnowned,
	OpFormWeak,
	OpLoadWeak,
	OpCopyWeak,
	OpReleaseWeak,
	OpSetImmortal,
}

// ConsistencyViolation is the panic value raised when a counting operation
// detects misuse.
type ConsistencyViolation struct {
	// Op is the operation that detected the violation.
	Op string

	// ObjectID is the ID of the object the operation was applied to.
	ObjectID uint64

	// Counts are the object's counts when the violation was detected.
	Counts Counts

	// Err is one of the sentinel errors above.
	Err error
}

// Error implements error.Error.
func (v *ConsistencyViolation) Error() string {
	return fmt.Sprintf("refs: %s on object %d (%v): %v", v.Op, v.ObjectID, v.Counts, v.Err)
}

// Unwrap returns the sentinel error.
func (v *ConsistencyViolation) Unwrap() error {
	return v.Err
}

// violationLog reports violations in builds without checks.
var violationLog = log.BasicRateLimitedLogger(time.Second)

// fatal returns true for errors that are fatal regardless of build mode.
func fatal(err error) bool {
	return err == ErrOverflow || err == ErrOutOfMemory
}

// violation reports a violation detected by op. In checked builds, and for
// fatal errors, it panics; otherwise the operation was a no-op and a warning
// is logged.
func violation(op string, id uint64, c Counts, err error) {
	consistencyViolations.Increment(op)
	v := &ConsistencyViolation{Op: op, ObjectID: id, Counts: c, Err: err}
	if checksEnabled || fatal(err) {
		panic(v)
	}
	violationLog.Warningf("%v, ignored", v)
}

// ChecksEnabled reports whether this build panics on protocol violations.
// Builds with the refs_nochecks tag only log them.
const ChecksEnabled = checksEnabled
