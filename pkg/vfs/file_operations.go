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

	"fdbridge.dev/fdbridge/pkg/waiter"
)

// FileOperations is the per-open half of a backend's capability set. Every
// method is optional: backends embed the fsutil defaults for operations they
// do not provide, which return ENOTSUP (or a sensible no-op where POSIX
// requires one).
//
// Operations must not block the calling task. An operation that cannot make
// progress returns posixerr.ErrWouldBlock; the syscall layer turns that into
// a wait on the file's readiness queue.
//
// Operations that take a *File may use only the following:
//
//   - File.UniqueID: read only.
//   - File.Flags(): may change between calls.
//   - File.Offset(): the offset as of the operation's entry.
//
// The file offset is managed by *File; Read/Write receive the resolved
// offset and must not touch it.
type FileOperations interface {
	// Release releases resources held by the FileOperations. It is
	// called exactly once, when the last reference to the file is
	// dropped, and never from interrupt context.
	Release(ctx context.Context)

	// Waitable defines how this file is waited on for readiness. Files
	// whose readiness never changes embed waiter.AlwaysReady.
	waiter.Waitable

	// Seek returns the new offset, or no change in the offset and an
	// error.
	Seek(ctx context.Context, file *File, whence SeekWhence, offset int64) (int64, error)

	// Read reads from the file into dst at offset and returns the number
	// of bytes read. Backends without positioned reads (devices,
	// sockets) ignore the offset. Read returns 0, nil only at
	// end-of-stream.
	Read(ctx context.Context, file *File, dst []byte, offset int64) (int, error)

	// Write writes src to the file at offset and returns the number of
	// bytes written. A short write must be paired with an error
	// explaining why (e.g. posixerr.ErrWouldBlock).
	Write(ctx context.Context, file *File, src []byte, offset int64) (int, error)

	// Readdir serializes the directory entries of file starting at the
	// file's current offset and returns the new offset.
	Readdir(ctx context.Context, file *File, serializer DentrySerializer) (int64, error)

	// Fsync flushes buffered modifications to backing storage.
	Fsync(ctx context.Context, file *File) error

	// Flush is called on every close of a descriptor referencing the
	// file, before Release.
	Flush(ctx context.Context, file *File) error

	// Truncate changes the file size.
	Truncate(ctx context.Context, file *File, size int64) error

	// Fstat returns the file's attributes.
	Fstat(ctx context.Context, file *File) (Stat, error)

	// Ioctl performs a device-specific operation. arg is both input and
	// output; the return value is the operation's result word.
	Ioctl(ctx context.Context, file *File, req uint64, arg []byte) (int, error)

	// Mmap returns a byte slice backed by the file's pages for the given
	// range. Backends that cannot share memory return ENODEV.
	Mmap(ctx context.Context, file *File, offset int64, length int, writable bool) ([]byte, error)

	// Munmap releases a mapping previously returned by Mmap. The mapping
	// must not be used afterwards.
	Munmap(ctx context.Context, file *File, mapping []byte) error

	// IsTTY returns true if the file refers to a terminal.
	IsTTY(ctx context.Context, file *File) bool
}
