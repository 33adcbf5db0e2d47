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

// Package kernel ties the descriptor table, the mount table, tasks and the
// network engine together and exposes the blocking call surface that
// application code uses.
package kernel

import (
	"context"
	"sync"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/log"
	"fdbridge.dev/fdbridge/pkg/netengine"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// Config configures a Kernel.
type Config struct {
	// Engine is the network engine backing sockets. May be nil if
	// sockets are never created.
	Engine netengine.Engine

	// Clock provides timeouts. Defaults to sched.NewRealClock().
	Clock sched.Clock

	// MaxFDs bounds the descriptor table. Defaults to DefaultMaxFDs.
	MaxFDs int
}

// Kernel is the process-wide state: one mount namespace, one descriptor
// table shared by all tasks, and the task registry.
type Kernel struct {
	vfs    *vfs.VirtualFilesystem
	fds    *FDTable
	engine netengine.Engine
	clock  sched.Clock

	taskMu   sync.Mutex
	tasks    map[int64]*Task
	nextTask int64
}

// New creates a Kernel.
func New(cfg Config) *Kernel {
	clock := cfg.Clock
	if clock == nil {
		clock = sched.NewRealClock()
	}
	return &Kernel{
		vfs:    vfs.New(),
		fds:    NewFDTable(cfg.MaxFDs),
		engine: cfg.Engine,
		clock:  clock,
		tasks:  make(map[int64]*Task),
	}
}

// VFS returns the kernel's mount namespace.
func (k *Kernel) VFS() *vfs.VirtualFilesystem { return k.vfs }

// FDTable returns the kernel's descriptor table.
func (k *Kernel) FDTable() *FDTable { return k.fds }

// Clock returns the kernel's clock.
func (k *Kernel) Clock() sched.Clock { return k.clock }

// NewTask registers a new task and returns a context carrying it. Blocking
// calls made with the returned context can be aborted with Task.Interrupt.
func (k *Kernel) NewTask(name string) (*Task, context.Context) {
	k.taskMu.Lock()
	k.nextTask++
	t := newTask(k.nextTask, name)
	k.tasks[t.id] = t
	k.taskMu.Unlock()
	log.Debugf("task %d (%s) created", t.id, name)
	return t, ContextWithTask(context.Background(), t)
}

// TaskByID returns the registered task with the given id, or nil.
func (k *Kernel) TaskByID(id int64) *Task {
	k.taskMu.Lock()
	defer k.taskMu.Unlock()
	return k.tasks[id]
}

// DropTask unregisters a task. Its in-flight calls finish normally.
func (k *Kernel) DropTask(t *Task) {
	k.taskMu.Lock()
	defer k.taskMu.Unlock()
	delete(k.tasks, t.id)
}

// Mount registers backend at point in the kernel's namespace.
func (k *Kernel) Mount(point string, backend vfs.Backend) error {
	return k.vfs.Mount(point, backend)
}

// Unmount removes the mount at point.
func (k *Kernel) Unmount(point string) error {
	return k.vfs.Unmount(point)
}

// SetupStdStreams opens path three times and installs the results as
// descriptors 0, 1 and 2. Called once during bring-up, typically with the
// console device.
func (k *Kernel) SetupStdStreams(ctx context.Context, path string) error {
	for fd := 0; fd < firstUserFD; fd++ {
		flags := vfs.FileFlags{Read: fd == 0, Write: fd != 0}
		file, err := k.vfs.OpenAt(ctx, path, flags)
		if err != nil {
			return err
		}
		if err := k.fds.InstallAt(ctx, fd, file); err != nil {
			return err
		}
	}
	return nil
}

// Release tears down the descriptor table and all mounts.
func (k *Kernel) Release(ctx context.Context) {
	k.fds.Release(ctx)
	k.vfs.Release()
}

// deadlineFor converts a relative timeout in ticks to an absolute deadline,
// once, at wait entry. sched.InfiniteTimeout stays infinite.
func (k *Kernel) deadlineFor(timeout sched.Ticks) sched.Ticks {
	if timeout == sched.InfiniteTimeout {
		return sched.InfiniteTimeout
	}
	return k.clock.Now() + timeout
}

// blockOn suspends the current task until w reports an event in mask, the
// absolute deadline passes, or the task is interrupted. The caller must
// recheck its condition after a nil return; wakeups may be spurious.
//
// A deadline of sched.InfiniteTimeout waits indefinitely.
func (k *Kernel) blockOn(ctx context.Context, w waiter.Waitable, mask waiter.EventMask, deadline sched.Ticks) error {
	t := TaskFromContext(ctx)
	if t == nil {
		return posixerr.EAGAIN
	}

	t.PrepareWait()
	e := t.WakeEntry()
	w.EventRegister(&e, mask)
	defer w.EventUnregister(&e)

	// The condition may have latched between the caller's check and the
	// registration above.
	if w.Readiness(mask) != 0 {
		return nil
	}
	if deadline == sched.InfiniteTimeout {
		return t.Block()
	}
	return t.BlockWithDeadline(k.clock, deadline)
}
