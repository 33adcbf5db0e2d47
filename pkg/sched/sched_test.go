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

package sched

import (
	"testing"
	"time"
)

func TestDurationToTicks(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want Ticks
	}{
		{0, 0},
		{time.Millisecond, 1},
		{time.Millisecond + 1, 2},
		{500 * time.Microsecond, 1},
		{10 * time.Millisecond, 10},
		{-time.Second, InfiniteTimeout},
	} {
		if got := DurationToTicks(tc.d); got != tc.want {
			t.Errorf("DurationToTicks(%v): got %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestBinarySemaphore(t *testing.T) {
	s := NewBinarySemaphore()

	if s.TryTake() {
		t.Fatalf("TryTake on a fresh binary semaphore succeeded")
	}
	if !s.Give() {
		t.Fatalf("Give on an empty semaphore failed")
	}
	// Binary: a second give is rejected, not queued.
	if s.Give() {
		t.Fatalf("Give beyond the maximum count succeeded")
	}
	if !s.TryTake() {
		t.Fatalf("TryTake failed after Give")
	}
	if s.TryTake() {
		t.Fatalf("TryTake succeeded twice off one token")
	}
}

func TestCountingSemaphore(t *testing.T) {
	s := NewCountingSemaphore(3, 2)
	for i := 0; i < 2; i++ {
		if !s.TryTake() {
			t.Fatalf("TryTake %d failed with initial tokens available", i)
		}
	}
	if s.TryTake() {
		t.Fatalf("TryTake succeeded past the initial count")
	}
}

func TestGiveFromISR(t *testing.T) {
	s := NewBinarySemaphore()

	var woken bool
	s.GiveFromISR(&woken)
	if !woken {
		t.Errorf("GiveFromISR deposited a token without setting the wake flag")
	}

	// A full semaphore leaves the flag untouched so that the caller's
	// accumulated value survives.
	woken = false
	s.GiveFromISR(&woken)
	if woken {
		t.Errorf("GiveFromISR on a full semaphore set the wake flag")
	}

	// nil is allowed for callers that do not track the flag.
	s.Drain()
	s.GiveFromISR(nil)
	if !s.TryTake() {
		t.Errorf("GiveFromISR(nil) did not deposit a token")
	}
}

func TestDrain(t *testing.T) {
	s := NewCountingSemaphore(4, 4)
	s.Drain()
	if s.TryTake() {
		t.Fatalf("TryTake succeeded after Drain")
	}
}

func TestRealClockAfter(t *testing.T) {
	c := NewRealClock()
	ch, stop := c.After(1)
	defer stop()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestRealClockAfterStop(t *testing.T) {
	c := NewRealClock()
	ch, stop := c.After(50)
	stop()
	stop() // idempotent
	select {
	case <-ch:
		t.Fatalf("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
