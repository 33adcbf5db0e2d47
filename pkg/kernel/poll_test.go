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
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/sched/schedtest"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/dev"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// pollFixture is a kernel with a console device at /dev/tty on a manual
// clock, plus a task context and the tty fd open read/write.
type pollFixture struct {
	k     *Kernel
	clock *schedtest.ManualClock
	tty   *dev.TTY
	task  *Task
	ctx   context.Context
	fd    int
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()

	clock := schedtest.NewManualClock()
	k := New(Config{Clock: clock})
	registry := dev.New()
	tty := dev.NewTTY()
	registry.Register("tty", tty)
	if err := k.Mount("/dev", registry); err != nil {
		t.Fatalf("Mount(/dev): %v", err)
	}

	task, ctx := k.NewTask("poller")
	fd, err := k.Open(ctx, "/dev/tty", vfs.FileFlags{Read: true, Write: true})
	if err != nil {
		t.Fatalf("Open(/dev/tty): %v", err)
	}

	t.Cleanup(func() { k.Release(ctx) })
	return &pollFixture{k: k, clock: clock, tty: tty, task: task, ctx: ctx, fd: fd}
}

func TestPollZeroTimeoutNeverSuspends(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	n, err := f.k.Poll(f.ctx, descs, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 0 || descs[0].Revents != 0 {
		t.Fatalf("Poll on idle tty: n=%d revents=%v", n, descs[0].Revents)
	}

	f.tty.InjectInput([]byte("x"))
	n, err = f.k.Poll(f.ctx, descs, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 || descs[0].Revents&waiter.EventIn == 0 {
		t.Fatalf("Poll on readable tty: n=%d revents=%v", n, descs[0].Revents)
	}
}

func TestPollAlreadyReady(t *testing.T) {
	f := newPollFixture(t)

	// Output readiness is latched, so even an infinite-timeout poll
	// returns without suspending.
	descs := []PollDesc{
		{FD: f.fd, Events: waiter.EventIn},
		{FD: f.fd, Events: waiter.EventOut},
	}
	n, err := f.k.Poll(f.ctx, descs, sched.InfiniteTimeout)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll: n=%d, want 1", n)
	}
	if descs[0].Revents != 0 {
		t.Fatalf("read interest satisfied on idle tty: %v", descs[0].Revents)
	}
	if descs[1].Revents&waiter.EventOut == 0 {
		t.Fatalf("write interest not satisfied: %v", descs[1].Revents)
	}
}

func TestPollBadFD(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{
		{FD: f.fd, Events: waiter.EventIn},
		{FD: 99, Events: waiter.EventIn},
	}
	if _, err := f.k.Poll(f.ctx, descs, 0); err != posixerr.EBADF {
		t.Fatalf("Poll with bad fd: got %v, want EBADF", err)
	}
}

func TestPollWakesOnInput(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	go func() {
		time.Sleep(time.Millisecond)
		f.tty.InjectInput([]byte("ok"))
	}()
	n, err := f.k.Poll(f.ctx, descs, sched.InfiniteTimeout)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 || descs[0].Revents&waiter.EventIn == 0 {
		t.Fatalf("Poll: n=%d revents=%v", n, descs[0].Revents)
	}
}

func TestPollInterruptNotification(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	go func() {
		time.Sleep(time.Millisecond)
		if !f.tty.InjectInputFromInterrupt([]byte("irq")) {
			t.Error("InjectInputFromInterrupt woke nobody")
		}
	}()
	n, err := f.k.Poll(f.ctx, descs, sched.InfiniteTimeout)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 || descs[0].Revents&waiter.EventIn == 0 {
		t.Fatalf("Poll: n=%d revents=%v", n, descs[0].Revents)
	}
}

func TestPollTimeout(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = f.k.Poll(f.ctx, descs, 10)
		close(done)
	}()
	for {
		select {
		case <-done:
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if n != 0 {
				t.Fatalf("Poll after timeout: n=%d, want 0", n)
			}
			return
		default:
			f.clock.Advance(10)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPollInterrupted(t *testing.T) {
	f := newPollFixture(t)

	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	go func() {
		time.Sleep(time.Millisecond)
		f.task.Interrupt()
	}()
	if _, err := f.k.Poll(f.ctx, descs, sched.InfiniteTimeout); err != posixerr.EINTR {
		t.Fatalf("Poll: got %v, want EINTR", err)
	}
}

func TestPollWithoutTask(t *testing.T) {
	f := newPollFixture(t)

	// Callers with no task get the zero-timeout behavior regardless of
	// the requested timeout.
	descs := []PollDesc{{FD: f.fd, Events: waiter.EventIn}}
	n, err := f.k.Poll(context.Background(), descs, sched.InfiniteTimeout)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("Poll: n=%d, want 0", n)
	}
}
