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

// Package fsutil provides embeddable default implementations of the
// optional members of the backend capability interfaces. A backend declares
// which operations it does not support by embedding the corresponding
// types; absence is then a checkable ENOTSUP (or the POSIX-mandated errno),
// never a nil method.
package fsutil

import (
	"context"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
)

// FileNoSeek implements vfs.FileOperations.Seek for files that are not
// seekable.
type FileNoSeek struct{}

// Seek implements vfs.FileOperations.Seek.
func (FileNoSeek) Seek(context.Context, *vfs.File, vfs.SeekWhence, int64) (int64, error) {
	return 0, posixerr.ENOTSUP
}

// FilePipeSeek implements vfs.FileOperations.Seek for stream-like files
// (sockets, pipes, terminals), on which seeking is an ESPIPE.
type FilePipeSeek struct{}

// Seek implements vfs.FileOperations.Seek.
func (FilePipeSeek) Seek(context.Context, *vfs.File, vfs.SeekWhence, int64) (int64, error) {
	return 0, posixerr.ESPIPE
}

// FileGenericSeek implements vfs.FileOperations.Seek for files where only
// the offset arithmetic matters. SeekEnd requires knowledge of the size and
// must be implemented by the backend.
type FileGenericSeek struct{}

// Seek implements vfs.FileOperations.Seek.
func (FileGenericSeek) Seek(ctx context.Context, file *vfs.File, whence vfs.SeekWhence, offset int64) (int64, error) {
	var newOffset int64
	switch whence {
	case vfs.SeekSet:
		newOffset = offset
	case vfs.SeekCurrent:
		newOffset = file.Offset() + offset
	default:
		return 0, posixerr.EINVAL
	}
	if newOffset < 0 {
		return 0, posixerr.EINVAL
	}
	return newOffset, nil
}

// FileNoRead implements vfs.FileOperations.Read for files without a read
// capability.
type FileNoRead struct{}

// Read implements vfs.FileOperations.Read.
func (FileNoRead) Read(context.Context, *vfs.File, []byte, int64) (int, error) {
	return 0, posixerr.ENOTSUP
}

// FileNoWrite implements vfs.FileOperations.Write for files without a write
// capability.
type FileNoWrite struct{}

// Write implements vfs.FileOperations.Write.
func (FileNoWrite) Write(context.Context, *vfs.File, []byte, int64) (int, error) {
	return 0, posixerr.ENOTSUP
}

// FileNoopWrite implements vfs.FileOperations.Write by accepting everything
// (the /dev/null behavior).
type FileNoopWrite struct{}

// Write implements vfs.FileOperations.Write.
func (FileNoopWrite) Write(_ context.Context, _ *vfs.File, src []byte, _ int64) (int, error) {
	return len(src), nil
}

// FileNotDirReaddir implements vfs.FileOperations.Readdir for files that
// are not directories.
type FileNotDirReaddir struct{}

// Readdir implements vfs.FileOperations.Readdir.
func (FileNotDirReaddir) Readdir(_ context.Context, file *vfs.File, _ vfs.DentrySerializer) (int64, error) {
	return file.Offset(), posixerr.ENOTDIR
}

// FileNoFsync implements vfs.FileOperations.Fsync for files that cannot be
// synced.
type FileNoFsync struct{}

// Fsync implements vfs.FileOperations.Fsync.
func (FileNoFsync) Fsync(context.Context, *vfs.File) error {
	return posixerr.EINVAL
}

// FileNoopFsync implements vfs.FileOperations.Fsync for files with nothing
// to sync.
type FileNoopFsync struct{}

// Fsync implements vfs.FileOperations.Fsync.
func (FileNoopFsync) Fsync(context.Context, *vfs.File) error {
	return nil
}

// FileNoopFlush implements vfs.FileOperations.Flush as a no-op.
type FileNoopFlush struct{}

// Flush implements vfs.FileOperations.Flush.
func (FileNoopFlush) Flush(context.Context, *vfs.File) error {
	return nil
}

// FileNoopRelease implements vfs.FileOperations.Release as a no-op.
type FileNoopRelease struct{}

// Release implements vfs.FileOperations.Release.
func (FileNoopRelease) Release(context.Context) {}

// FileNoTruncate implements vfs.FileOperations.Truncate for files without a
// truncate capability.
type FileNoTruncate struct{}

// Truncate implements vfs.FileOperations.Truncate.
func (FileNoTruncate) Truncate(context.Context, *vfs.File, int64) error {
	return posixerr.ENOTSUP
}

// FileNoIoctl implements vfs.FileOperations.Ioctl for files that do not
// accept device requests.
type FileNoIoctl struct{}

// Ioctl implements vfs.FileOperations.Ioctl.
func (FileNoIoctl) Ioctl(context.Context, *vfs.File, uint64, []byte) (int, error) {
	return 0, posixerr.ENOTTY
}

// FileNoMMap implements vfs.FileOperations.Mmap for files that cannot be
// memory-mapped.
type FileNoMMap struct{}

// Mmap implements vfs.FileOperations.Mmap.
func (FileNoMMap) Mmap(context.Context, *vfs.File, int64, int, bool) ([]byte, error) {
	return nil, posixerr.ENODEV
}

// Munmap implements vfs.FileOperations.Munmap.
func (FileNoMMap) Munmap(context.Context, *vfs.File, []byte) error {
	return posixerr.EINVAL
}

// FileNotTTY implements vfs.FileOperations.IsTTY for files that are not
// terminals.
type FileNotTTY struct{}

// IsTTY implements vfs.FileOperations.IsTTY.
func (FileNotTTY) IsTTY(context.Context, *vfs.File) bool {
	return false
}
