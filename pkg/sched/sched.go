// Copyright 2024 The fdbridge Authors.
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

// Package sched exposes the scheduler collaborator surface consumed by the
// descriptor layer: tick-based time, and binary/counting semaphores with an
// interrupt-safe give convention. The preemption algorithm itself is not
// modeled; tasks are goroutines and the wait primitives map onto channels.
package sched

import (
	"time"
)

// Ticks is the scheduler's discrete time unit. One tick is one millisecond
// on the real clock; test clocks advance ticks manually.
type Ticks int64

// TickDuration is the real-time length of one tick.
const TickDuration = time.Millisecond

// InfiniteTimeout is the distinguished timeout value that blocks until
// readiness or cancellation.
const InfiniteTimeout Ticks = -1

// DurationToTicks converts a real duration to ticks, rounding up so that a
// nonzero duration never becomes a zero (non-blocking) timeout.
func DurationToTicks(d time.Duration) Ticks {
	if d < 0 {
		return InfiniteTimeout
	}
	return Ticks((d + TickDuration - 1) / TickDuration)
}

// TicksToDuration converts ticks to a real duration.
func TicksToDuration(t Ticks) time.Duration {
	return time.Duration(t) * TickDuration
}

// Clock provides the current tick count and one-shot timers. Blocking paths
// convert a relative timeout to an absolute deadline exactly once at entry
// and derive each wait from the deadline, so that spurious wakeups and
// multi-object polls do not stretch the total wait.
type Clock interface {
	// Now returns the current tick count.
	Now() Ticks

	// After returns a channel that receives a single value once d ticks
	// have elapsed, and a stop function that releases the timer. The
	// stop function is idempotent.
	After(d Ticks) (<-chan struct{}, func())
}

// RealClock implements Clock on the runtime's monotonic clock.
type RealClock struct {
	epoch time.Time
}

// NewRealClock returns a Clock ticking from the moment of the call.
func NewRealClock() *RealClock {
	return &RealClock{epoch: time.Now()}
}

// Now implements Clock.Now.
func (c *RealClock) Now() Ticks {
	return Ticks(time.Since(c.epoch) / TickDuration)
}

// After implements Clock.After.
func (c *RealClock) After(d Ticks) (<-chan struct{}, func()) {
	if d < 0 {
		// Negative deadlines fire immediately; callers are expected
		// to have handled InfiniteTimeout before reaching a timer.
		d = 0
	}
	ch := make(chan struct{}, 1)
	t := time.AfterFunc(TicksToDuration(d), func() {
		ch <- struct{}{}
	})
	return ch, func() { t.Stop() }
}
