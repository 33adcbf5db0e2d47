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

package waiter

import (
	"sync/atomic"
)

// State couples a latched readiness bitmask with a wait queue. Objects whose
// readiness is driven by asynchronous producers (device interrupts, network
// engine callbacks) embed a State: producers latch conditions as they become
// true, consumers clear them as they drain the object, and pollers read the
// latched mask without calling into the backend.
//
// The zero value is an empty state with no conditions latched.
type State struct {
	// ready is the set of currently-true conditions. Accessed atomically
	// so that Readiness never takes the queue lock.
	ready uint32

	q Queue
}

// Readiness returns the latched conditions intersected with mask.
func (s *State) Readiness(mask EventMask) EventMask {
	return EventMask(atomic.LoadUint32(&s.ready)) & mask
}

// EventRegister implements Waitable.EventRegister.
func (s *State) EventRegister(e *Entry, mask EventMask) {
	s.q.EventRegister(e, mask)
}

// EventUnregister implements Waitable.EventUnregister.
func (s *State) EventUnregister(e *Entry) {
	s.q.EventUnregister(e)
}

// Notify latches the given conditions and notifies matching waiters. It may
// only be called from task context: waiter callbacks run under the queue
// lock but are otherwise unrestricted here.
func (s *State) Notify(events EventMask) {
	s.or(events)
	s.q.Notify(events)
}

// Clear narrows the latched conditions, e.g. when a receive queue has been
// fully drained. No waiters are woken; a condition going false never makes
// progress possible.
func (s *State) Clear(events EventMask) {
	for {
		old := atomic.LoadUint32(&s.ready)
		if atomic.CompareAndSwapUint32(&s.ready, old, old&^uint32(events)) {
			return
		}
	}
}

// NotifyFromInterrupt latches the given conditions and marks matching
// waiters ready, without blocking or allocating. It returns true if at least
// one waiter was woken; the caller must treat that as a "higher-priority
// task woken" indication and trigger a scheduling pass after the interrupt
// epilogue. No scheduling happens here.
//
// Only entries whose callbacks are non-blocking and allocation-free (such as
// those from NewChannelEntry) may be registered on a State that is notified
// from interrupt context.
func (s *State) NotifyFromInterrupt(events EventMask) bool {
	s.or(events)

	woken := false
	s.q.mu.RLock()
	for it := s.q.list.Front(); it != nil; it = it.Next() {
		e := it.(*Entry)
		if events&e.mask != 0 {
			e.Callback.Callback(e)
			woken = true
		}
	}
	s.q.mu.RUnlock()
	return woken
}

func (s *State) or(events EventMask) {
	for {
		old := atomic.LoadUint32(&s.ready)
		if atomic.CompareAndSwapUint32(&s.ready, old, old|uint32(events)) {
			return
		}
	}
}
