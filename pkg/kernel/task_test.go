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
	"testing"
	"time"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/sched/schedtest"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

func TestBlockWakesOnNotify(t *testing.T) {
	task := newTask(1, "blocker")
	var q waiter.Queue

	task.PrepareWait()
	e := task.WakeEntry()
	q.EventRegister(&e, waiter.EventIn)
	defer q.EventUnregister(&e)

	go q.Notify(waiter.EventIn)
	if err := task.Block(); err != nil {
		t.Fatalf("Block: %v", err)
	}
}

func TestPendingInterruptAbortsImmediately(t *testing.T) {
	task := newTask(1, "blocker")
	task.Interrupt()
	if !task.Interrupted() {
		t.Fatalf("Interrupted() = false after Interrupt")
	}

	// Block must not suspend: nothing will ever wake this task.
	if err := task.Block(); err != posixerr.ErrInterrupted {
		t.Fatalf("Block: got %v, want ErrInterrupted", err)
	}

	// The flag is consumed by the aborted wait.
	if task.Interrupted() {
		t.Fatalf("interruption still pending after it was delivered")
	}
}

func TestInterruptWhileBlocked(t *testing.T) {
	task := newTask(1, "blocker")
	var q waiter.Queue

	task.PrepareWait()
	e := task.WakeEntry()
	q.EventRegister(&e, waiter.EventIn)
	defer q.EventUnregister(&e)

	go func() {
		time.Sleep(time.Millisecond)
		task.Interrupt()
	}()
	if err := task.Block(); err != posixerr.ErrInterrupted {
		t.Fatalf("Block: got %v, want ErrInterrupted", err)
	}

	// One-shot: the next wait proceeds normally.
	task.PrepareWait()
	go q.Notify(waiter.EventIn)
	if err := task.Block(); err != nil {
		t.Fatalf("Block after interruption: %v", err)
	}
}

func TestBlockWithDeadlineTimesOut(t *testing.T) {
	task := newTask(1, "blocker")
	clock := schedtest.NewManualClock()

	task.PrepareWait()
	done := make(chan error, 1)
	go func() {
		done <- task.BlockWithDeadline(clock, clock.Now()+10)
	}()

	// Whether the blocker has armed its timer yet or not, moving time past
	// the deadline produces a timeout.
	for {
		select {
		case err := <-done:
			if err != posixerr.ErrTimeout {
				t.Fatalf("BlockWithDeadline: got %v, want ErrTimeout", err)
			}
			return
		default:
			clock.Advance(10)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestExpiredDeadlineReportsInterruptFirst(t *testing.T) {
	task := newTask(1, "blocker")
	clock := schedtest.NewManualClock()
	clock.Advance(100)

	if err := task.BlockWithDeadline(clock, 50); err != posixerr.ErrTimeout {
		t.Fatalf("BlockWithDeadline(past): got %v, want ErrTimeout", err)
	}

	task.Interrupt()
	if err := task.BlockWithDeadline(clock, 50); err != posixerr.ErrInterrupted {
		t.Fatalf("BlockWithDeadline(past, interrupted): got %v, want ErrInterrupted", err)
	}
}

func TestPrepareWaitDiscardsStaleWakeups(t *testing.T) {
	task := newTask(1, "blocker")
	clock := schedtest.NewManualClock()
	var q waiter.Queue

	// Leave a wakeup token behind from an abandoned wait.
	e := task.WakeEntry()
	q.EventRegister(&e, waiter.EventIn)
	q.Notify(waiter.EventIn)
	q.EventUnregister(&e)

	task.PrepareWait()
	done := make(chan error, 1)
	go func() {
		done <- task.BlockWithDeadline(clock, clock.Now()+5)
	}()
	for {
		select {
		case err := <-done:
			// A leftover token would have produced a nil return.
			if err != posixerr.ErrTimeout {
				t.Fatalf("BlockWithDeadline: got %v, want ErrTimeout", err)
			}
			return
		default:
			clock.Advance(5)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTaskContext(t *testing.T) {
	k := New(Config{})
	task, ctx := k.NewTask("worker")
	if got := TaskFromContext(ctx); got != task {
		t.Fatalf("TaskFromContext: got %v, want %v", got, task)
	}
	if got := TaskFromContext(context.Background()); got != nil {
		t.Fatalf("TaskFromContext(background): got %v, want nil", got)
	}
	if k.TaskByID(task.ID()) != task {
		t.Fatalf("TaskByID(%d) did not return the task", task.ID())
	}
	k.DropTask(task)
	if k.TaskByID(task.ID()) != nil {
		t.Fatalf("task still registered after DropTask")
	}
}
