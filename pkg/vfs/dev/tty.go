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

package dev

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// TTY is a console device. Input arrives asynchronously, typically from a
// UART receive interrupt, and is buffered until a reader drains it. Output
// goes to a configurable sink.
//
// All opens of the device share the same input buffer.
type TTY struct {
	state waiter.State

	mu    sync.Mutex
	input []byte
	out   io.Writer
}

var _ Device = (*TTY)(nil)

// NewTTY creates a TTY discarding its output.
func NewTTY() *TTY {
	t := &TTY{out: io.Discard}
	// Output never backpressures, so the condition is latched once and
	// stays true.
	t.state.Notify(waiter.EventOut)
	return t
}

// SetOutput redirects the device's output to w. w must not block
// indefinitely.
func (t *TTY) SetOutput(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = w
}

// NewFileOperations implements Device.NewFileOperations.
func (t *TTY) NewFileOperations(flags vfs.FileFlags) (vfs.FileOperations, error) {
	return &ttyFileOperations{t: t}, nil
}

// InjectInput appends b to the input buffer and wakes readers. Task context
// only.
func (t *TTY) InjectInput(b []byte) {
	t.mu.Lock()
	t.input = append(t.input, b...)
	t.mu.Unlock()
	t.state.Notify(waiter.EventIn)
}

// InjectInputFromInterrupt appends b to the input buffer and marks readers
// ready. It returns true if a waiter was woken; the caller must request a
// scheduling pass after the interrupt epilogue in that case.
//
// Holders of t.mu never block while holding it, so the acquisition here
// cannot deadlock against a preempted task.
func (t *TTY) InjectInputFromInterrupt(b []byte) bool {
	t.mu.Lock()
	t.input = append(t.input, b...)
	t.mu.Unlock()
	return t.state.NotifyFromInterrupt(waiter.EventIn)
}

// ttyFileOperations is the per-open view of a TTY.
type ttyFileOperations struct {
	fsutil.FileNoSeek
	fsutil.FileNotDirReaddir
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoTruncate
	fsutil.FileNoMMap

	t *TTY
}

var _ vfs.FileOperations = (*ttyFileOperations)(nil)

// Readiness implements waiter.Waitable.Readiness.
func (f *ttyFileOperations) Readiness(mask waiter.EventMask) waiter.EventMask {
	return f.t.state.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (f *ttyFileOperations) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.t.state.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (f *ttyFileOperations) EventUnregister(e *waiter.Entry) {
	f.t.state.EventUnregister(e)
}

// Read implements vfs.FileOperations.Read.
func (f *ttyFileOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	f.t.mu.Lock()
	defer f.t.mu.Unlock()

	if len(f.t.input) == 0 {
		return 0, posixerr.ErrWouldBlock
	}
	n := copy(dst, f.t.input)
	f.t.input = f.t.input[n:]
	if len(f.t.input) == 0 {
		f.t.state.Clear(waiter.EventIn)
	}
	return n, nil
}

// Write implements vfs.FileOperations.Write.
func (f *ttyFileOperations) Write(ctx context.Context, file *vfs.File, src []byte, offset int64) (int, error) {
	f.t.mu.Lock()
	out := f.t.out
	f.t.mu.Unlock()
	return out.Write(src)
}

// Fstat implements vfs.FileOperations.Fstat.
func (f *ttyFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.CharDevice, Mode: 0o620}, nil
}

// Ioctl implements vfs.FileOperations.Ioctl.
func (f *ttyFileOperations) Ioctl(ctx context.Context, file *vfs.File, req uint64, arg []byte) (int, error) {
	switch req {
	case unix.TIOCINQ: // FIONREAD
		f.t.mu.Lock()
		n := len(f.t.input)
		f.t.mu.Unlock()
		if len(arg) < 4 {
			return 0, posixerr.EINVAL
		}
		binary.LittleEndian.PutUint32(arg, uint32(n))
		return 0, nil
	case unix.TIOCGWINSZ:
		// Fixed geometry; there is no display to measure.
		if len(arg) < 8 {
			return 0, posixerr.EINVAL
		}
		binary.LittleEndian.PutUint16(arg[0:], 24)
		binary.LittleEndian.PutUint16(arg[2:], 80)
		binary.LittleEndian.PutUint16(arg[4:], 0)
		binary.LittleEndian.PutUint16(arg[6:], 0)
		return 0, nil
	case unix.TCFLSH:
		f.t.mu.Lock()
		f.t.input = nil
		f.t.state.Clear(waiter.EventIn)
		f.t.mu.Unlock()
		return 0, nil
	default:
		return 0, posixerr.ENOTTY
	}
}

// IsTTY implements vfs.FileOperations.IsTTY.
func (*ttyFileOperations) IsTTY(ctx context.Context, file *vfs.File) bool {
	return true
}
