// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package clock provides the single monotonic nanosecond time source used
// throughout emeter. Every sample timestamp and every sampling-interval
// deadline is produced by this package so that block chains from
// different drivers remain comparable.
package clock

import "time"

// epoch is captured once, at package init, as the zero point that all
// Now() readings are measured from. Go's time.Now() already carries a
// monotonic reading internally on every platform the toolchain supports,
// so there is no need to probe between CLOCK_MONOTONIC/CLOCK_MONOTONIC_RAW/
// CLOCK_REALTIME the way a C implementation would; subtracting two
// time.Time values uses the monotonic component automatically.
var epoch = time.Now()

// Now returns the current time as nanoseconds elapsed since the package
// was loaded. The absolute value is meaningless; only differences between
// two Now() calls are significant.
func Now() uint64 {
	return uint64(time.Since(epoch).Nanoseconds())
}

// Deadline computes the absolute clock.Now() value that is interval
// nanoseconds after the given reading. Monitor's sampling loop sleeps to
// this absolute value rather than sleeping a fixed relative duration each
// iteration, so that per-iteration scheduling jitter never accumulates
// into long-run drift.
func Deadline(from uint64, interval time.Duration) uint64 {
	return from + uint64(interval.Nanoseconds())
}

// SleepUntil blocks the calling goroutine until clock.Now() reaches
// deadline, or returns immediately if the deadline has already passed.
func SleepUntil(deadline uint64) {
	now := Now()
	if deadline <= now {
		return
	}
	time.Sleep(time.Duration(deadline-now) * time.Nanosecond)
}
