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

package kernel

import (
	"context"
	"sync/atomic"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// Task represents a schedulable task. All blocking descriptor operations run
// on behalf of a Task; the task provides the wakeup primitive and the
// cooperative-cancellation flag used to abort a blocked call.
type Task struct {
	id   int64
	name string

	// wake is the task's wakeup semaphore. Waiter entries created by
	// WakeEntry give it when an awaited condition latches.
	wake *sched.Semaphore

	// interruptPending is the one-shot interruption flag. It is the
	// source of truth; tokens on interruptCh are only wakeups.
	interruptPending uint32

	// interruptCh wakes a blocked task when an interruption arrives. It
	// is never drained except by the select in block, so a stale token
	// can remain after the flag was consumed; block treats a token with
	// a clear flag as spurious.
	interruptCh chan struct{}
}

func newTask(id int64, name string) *Task {
	return &Task{
		id:          id,
		name:        name,
		wake:        sched.NewBinarySemaphore(),
		interruptCh: make(chan struct{}, 1),
	}
}

// ID returns the task's identifier.
func (t *Task) ID() int64 { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// semWakeCallback gives a semaphore when notified. Give is a non-blocking
// channel send, so entries carrying it may be registered on queues that are
// notified from interrupt context.
type semWakeCallback struct {
	s *sched.Semaphore
}

// Callback implements waiter.EntryCallback.Callback.
func (c *semWakeCallback) Callback(*waiter.Entry) {
	c.s.Give()
}

// PrepareWait discards stale wakeups left over from a previous wait. It must
// be called before registering any WakeEntry for a new wait, so that a token
// given between registration and Block is not mistaken for a leftover.
func (t *Task) PrepareWait() {
	t.wake.Drain()
}

// WakeEntry returns a waiter entry that wakes this task when notified.
// Multi-object waits may register any number of such entries; they all give
// the same semaphore and Block returns on the first.
func (t *Task) WakeEntry() waiter.Entry {
	return waiter.Entry{Callback: &semWakeCallback{s: t.wake}}
}

// Block suspends the task until a registered WakeEntry is notified or the
// task is interrupted. It returns nil on wakeup and ErrInterrupted on
// interruption.
//
// If an interruption is already pending, Block returns ErrInterrupted
// immediately without suspending; the caller must not have applied any side
// effect yet.
func (t *Task) Block() error {
	return t.block(nil)
}

// BlockWithDeadline is like Block, but additionally returns ErrTimeout once
// clock reaches deadline. The deadline is absolute; callers convert their
// relative timeout exactly once at entry so that wait/recheck cycles do not
// extend the total wait.
func (t *Task) BlockWithDeadline(clock sched.Clock, deadline sched.Ticks) error {
	remaining := deadline - clock.Now()
	if remaining <= 0 {
		// Consume a pending interruption first: an aborted wait must
		// report the interruption, not the timeout.
		if atomic.SwapUint32(&t.interruptPending, 0) == 1 {
			return posixerr.ErrInterrupted
		}
		return posixerr.ErrTimeout
	}
	timerCh, stop := clock.After(remaining)
	defer stop()
	return t.block(timerCh)
}

// block is the common suspension path. Entering it arms the task's
// cancellable-wait window; leaving it disarms it.
func (t *Task) block(timerCh <-chan struct{}) error {
	// An already-pending interruption aborts before we suspend.
	if atomic.SwapUint32(&t.interruptPending, 0) == 1 {
		return posixerr.ErrInterrupted
	}

	for {
		select {
		case <-t.wake.C():
			return nil
		case <-timerCh:
			return posixerr.ErrTimeout
		case <-t.interruptCh:
			if atomic.SwapUint32(&t.interruptPending, 0) == 1 {
				return posixerr.ErrInterrupted
			}
			// Stale token from an interruption that was already
			// consumed by a pre-block check. Keep waiting.
		}
	}
}

// Interrupt requests cooperative cancellation of the task's current or next
// blockable wait. It is safe to call from any goroutine, including the
// deferred-work path of an interrupt handler: it only sets a flag and
// performs a non-blocking send.
//
// The flag is one-shot: the wait that observes it clears it, and a
// subsequent wait is unaffected.
func (t *Task) Interrupt() {
	if atomic.CompareAndSwapUint32(&t.interruptPending, 0, 1) {
		select {
		case t.interruptCh <- struct{}{}:
		default:
		}
	}
}

// Interrupted reports whether an interruption is pending without consuming
// it.
func (t *Task) Interrupted() bool {
	return atomic.LoadUint32(&t.interruptPending) == 1
}

// contextKey is the type of the context key for the current task.
type contextKey struct{}

// TaskFromContext returns the task associated with ctx, or nil.
func TaskFromContext(ctx context.Context) *Task {
	if t, ok := ctx.Value(contextKey{}).(*Task); ok {
		return t
	}
	return nil
}

// ContextWithTask returns a copy of ctx carrying t as the current task.
func ContextWithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}
