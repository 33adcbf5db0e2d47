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

// Semaphore is a binary or counting semaphore in the scheduler's
// take/give/give-from-ISR convention. It is a thin wrapper around a buffered
// channel so that takers can select on it together with timers and
// cancellation.
type Semaphore struct {
	ch chan struct{}
}

// NewBinarySemaphore creates a binary semaphore with no token available.
func NewBinarySemaphore() *Semaphore {
	return NewCountingSemaphore(1, 0)
}

// NewCountingSemaphore creates a counting semaphore holding initial tokens
// out of a maximum of max.
func NewCountingSemaphore(max, initial int) *Semaphore {
	if max <= 0 || initial < 0 || initial > max {
		panic("invalid semaphore bounds")
	}
	s := &Semaphore{ch: make(chan struct{}, max)}
	for i := 0; i < initial; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Take blocks until a token is available and consumes it. Callers that need
// timeouts or cancellation should select on C() instead.
func (s *Semaphore) Take() {
	<-s.ch
}

// TryTake consumes a token if one is immediately available.
func (s *Semaphore) TryTake() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Give deposits a token, returning false if the semaphore is already at its
// maximum count. It never blocks.
func (s *Semaphore) Give() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// GiveFromISR deposits a token from interrupt context. It never blocks or
// allocates. If a token was deposited, *higherPriorityWoken is set so the
// caller can request a scheduling pass after the interrupt epilogue; it is
// left untouched otherwise, allowing one flag to accumulate across several
// gives in a single handler.
func (s *Semaphore) GiveFromISR(higherPriorityWoken *bool) {
	if s.Give() && higherPriorityWoken != nil {
		*higherPriorityWoken = true
	}
}

// C exposes the token channel for use in select statements. Receiving from
// the channel is equivalent to Take.
func (s *Semaphore) C() <-chan struct{} {
	return s.ch
}

// Drain discards any available tokens. It is used by waiters that reuse one
// semaphore across independent waits and must not observe stale wakeups.
func (s *Semaphore) Drain() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}
