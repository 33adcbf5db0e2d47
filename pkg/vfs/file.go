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

package vfs

import (
	"context"
	"sync"
	"sync/atomic"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/log"
	"fdbridge.dev/fdbridge/pkg/refs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// uniqueCounter provides File.UniqueID values.
var uniqueCounter uint64

// File is an open descriptor object. It is reference counted: the descriptor
// table holds one reference per slot, and every operation on the file pins
// it for the duration of the call. The file is destroyed exactly once, when
// the count reaches zero, which runs the backend's Release.
//
// A File is backend-agnostic; its behavior is the FileOperations it was
// constructed with, selected once at open time and never re-inspected.
type File struct {
	refs.AtomicRefCount

	// UniqueID is a unique identifier, immutable.
	UniqueID uint64

	// ftype is the file's type, immutable.
	ftype FileType

	// mount is the mount the file was opened through; it holds one mount
	// pin for the file's lifetime. It is nil for anonymous files
	// (sockets).
	mount *Mount

	// ops implements the file's behavior, immutable.
	ops FileOperations

	// flagsMu protects flags.
	flagsMu sync.Mutex
	flags   FileFlags

	// offsetMu serializes offset updates. The offset itself is read and
	// written atomically so Offset stays callable from FileOperations
	// running under the lock.
	offsetMu sync.Mutex
	offset   int64
}

// NewFile creates a new file. It takes ownership of one reference on mount
// (which may be nil) and returns a file with a single reference held by the
// caller.
func NewFile(ftype FileType, mount *Mount, flags FileFlags, ops FileOperations) *File {
	return &File{
		UniqueID: atomic.AddUint64(&uniqueCounter, 1),
		ftype:    ftype,
		mount:    mount,
		ops:      ops,
		flags:    flags,
	}
}

// Type returns the file's type.
func (f *File) Type() FileType { return f.ftype }

// Mount returns the mount the file was opened through, without acquiring a
// reference. It may be nil.
func (f *File) Mount() *Mount { return f.mount }

// FileOperations returns the file's backend operations. Callers must not
// retain the result past their pin on f.
func (f *File) FileOperations() FileOperations { return f.ops }

// Flags returns the file's current flags.
func (f *File) Flags() FileFlags {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	return f.flags
}

// SetNonBlocking sets the file's non-blocking flag; the access mode bits are
// fixed at open.
func (f *File) SetNonBlocking(nonBlocking bool) {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	f.flags.NonBlocking = nonBlocking
}

// DecRef drops a reference, destroying the file when the last one is gone.
func (f *File) DecRef(ctx context.Context) {
	f.DecRefWithDestructor(func() {
		if err := f.ops.Flush(ctx, f); err != nil {
			log.Warningf("flush on close of %s file %d: %v", f.ftype, f.UniqueID, err)
		}
		f.ops.Release(ctx)
		if f.mount != nil {
			f.mount.DecRef()
		}
	})
}

// Readiness implements waiter.Waitable.Readiness.
func (f *File) Readiness(mask waiter.EventMask) waiter.EventMask {
	return f.ops.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (f *File) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.ops.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (f *File) EventUnregister(e *waiter.Entry) {
	f.ops.EventUnregister(e)
}

// Read reads into dst at the file's offset, advancing it by the amount read.
// It does not block; posixerr.ErrWouldBlock propagates from the backend.
func (f *File) Read(ctx context.Context, dst []byte) (int, error) {
	if !f.Flags().Read {
		return 0, posixerr.EBADF
	}
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	offset := atomic.LoadInt64(&f.offset)
	n, err := f.ops.Read(ctx, f, dst, offset)
	if n > 0 {
		atomic.StoreInt64(&f.offset, offset+int64(n))
	}
	return n, err
}

// Pread reads into dst at the given offset, leaving the file offset alone.
func (f *File) Pread(ctx context.Context, dst []byte, offset int64) (int, error) {
	if !f.Flags().Read {
		return 0, posixerr.EBADF
	}
	if offset < 0 {
		return 0, posixerr.EINVAL
	}
	return f.ops.Read(ctx, f, dst, offset)
}

// Write writes src at the file's offset (or the end in append mode),
// advancing it by the amount written.
func (f *File) Write(ctx context.Context, src []byte) (int, error) {
	flags := f.Flags()
	if !flags.Write {
		return 0, posixerr.EBADF
	}
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	offset := atomic.LoadInt64(&f.offset)
	if flags.Append {
		end, err := f.ops.Seek(ctx, f, SeekEnd, 0)
		if err == nil {
			offset = end
		}
	}
	n, err := f.ops.Write(ctx, f, src, offset)
	if n > 0 {
		atomic.StoreInt64(&f.offset, offset+int64(n))
	}
	return n, err
}

// Pwrite writes src at the given offset, leaving the file offset alone.
func (f *File) Pwrite(ctx context.Context, src []byte, offset int64) (int, error) {
	if !f.Flags().Write {
		return 0, posixerr.EBADF
	}
	if offset < 0 {
		return 0, posixerr.EINVAL
	}
	return f.ops.Write(ctx, f, src, offset)
}

// Seek moves the file offset.
func (f *File) Seek(ctx context.Context, whence SeekWhence, offset int64) (int64, error) {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	newOffset, err := f.ops.Seek(ctx, f, whence, offset)
	if err != nil {
		return atomic.LoadInt64(&f.offset), err
	}
	atomic.StoreInt64(&f.offset, newOffset)
	return newOffset, nil
}

// Offset returns the current file offset. It does not take offsetMu, so
// FileOperations may call it while an operation on the file is in flight.
func (f *File) Offset() int64 {
	return atomic.LoadInt64(&f.offset)
}

// Readdir serializes the entries of a directory file from the current
// offset, advancing it.
func (f *File) Readdir(ctx context.Context, serializer DentrySerializer) error {
	if f.ftype != Directory {
		return posixerr.ENOTDIR
	}
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	offset, err := f.ops.Readdir(ctx, f, serializer)
	atomic.StoreInt64(&f.offset, offset)
	return err
}

// Rewinddir resets directory iteration to the beginning. Backends whose
// iteration state lives outside the offset reset it in Seek.
func (f *File) Rewinddir(ctx context.Context) error {
	if f.ftype != Directory {
		return posixerr.ENOTDIR
	}
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	if _, err := f.ops.Seek(ctx, f, SeekSet, 0); err != nil {
		return err
	}
	atomic.StoreInt64(&f.offset, 0)
	return nil
}

// Fsync flushes the file to backing storage.
func (f *File) Fsync(ctx context.Context) error {
	return f.ops.Fsync(ctx, f)
}

// Truncate changes the file's size.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if !f.Flags().Write {
		return posixerr.EBADF
	}
	if size < 0 {
		return posixerr.EINVAL
	}
	return f.ops.Truncate(ctx, f, size)
}

// Fstat returns the file's attributes.
func (f *File) Fstat(ctx context.Context) (Stat, error) {
	return f.ops.Fstat(ctx, f)
}

// Ioctl dispatches a device-specific request.
func (f *File) Ioctl(ctx context.Context, req uint64, arg []byte) (int, error) {
	return f.ops.Ioctl(ctx, f, req, arg)
}

// Mmap maps the file's pages.
func (f *File) Mmap(ctx context.Context, offset int64, length int, writable bool) ([]byte, error) {
	if writable && !f.Flags().Write {
		return nil, posixerr.EBADF
	}
	return f.ops.Mmap(ctx, f, offset, length, writable)
}

// Munmap releases a mapping returned by Mmap.
func (f *File) Munmap(ctx context.Context, mapping []byte) error {
	return f.ops.Munmap(ctx, f, mapping)
}

// IsTTY returns true if the file refers to a terminal.
func (f *File) IsTTY(ctx context.Context) bool {
	return f.ops.IsTTY(ctx, f)
}
