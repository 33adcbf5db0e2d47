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

// Package schedtest provides a manually-advanced clock for tests that need
// deterministic control over tick time.
package schedtest

import (
	"sync"

	"fdbridge.dev/fdbridge/pkg/sched"
)

// ManualClock implements sched.Clock. Time only moves when Advance is
// called.
type ManualClock struct {
	mu     sync.Mutex
	now    sched.Ticks
	timers map[*manualTimer]struct{}
}

type manualTimer struct {
	when sched.Ticks
	ch   chan struct{}
}

// NewManualClock creates a new ManualClock at tick zero.
func NewManualClock() *ManualClock {
	return &ManualClock{timers: make(map[*manualTimer]struct{})}
}

// Now implements sched.Clock.Now.
func (c *ManualClock) Now() sched.Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After implements sched.Clock.After.
func (c *ManualClock) After(d sched.Ticks) (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{when: c.now + d, ch: make(chan struct{}, 1)}
	if d <= 0 {
		t.ch <- struct{}{}
		return t.ch, func() {}
	}
	c.timers[t] = struct{}{}
	return t.ch, func() {
		c.mu.Lock()
		delete(c.timers, t)
		c.mu.Unlock()
	}
}

// Advance moves the clock forward by d ticks, firing any timers that come
// due.
func (c *ManualClock) Advance(d sched.Ticks) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now += d
	for t := range c.timers {
		if t.when <= c.now {
			t.ch <- struct{}{}
			delete(c.timers, t)
		}
	}
}
