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

	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// recvTimeouter and sendTimeouter are implemented by descriptor backends
// with per-object blocking timeouts (sockets). Plain files block
// indefinitely.
type recvTimeouter interface {
	RecvTimeout() sched.Ticks
}

type sendTimeouter interface {
	SendTimeout() sched.Ticks
}

// syscallErr maps the internal blocking sentinels to the errors the call
// surface exposes.
func syscallErr(err error) error {
	switch err {
	case posixerr.ErrWouldBlock:
		return posixerr.EAGAIN
	case posixerr.ErrInterrupted:
		return posixerr.EINTR
	case posixerr.ErrTimeout:
		// Bounded descriptor waits time out the way SO_RCVTIMEO does.
		return posixerr.EAGAIN
	default:
		return err
	}
}

// Open opens path and installs the result in the lowest free descriptor
// slot.
func (k *Kernel) Open(ctx context.Context, path string, flags vfs.FileFlags) (int, error) {
	file, err := k.vfs.OpenAt(ctx, path, flags)
	if err != nil {
		return -1, err
	}
	return k.fds.Install(ctx, file)
}

// Close removes fd from the table and drops its reference. The file is
// destroyed when the last pin is gone.
func (k *Kernel) Close(ctx context.Context, fd int) error {
	file, err := k.fds.Remove(fd)
	if err != nil {
		return err
	}
	file.DecRef(ctx)
	return nil
}

// Dup installs a second descriptor for fd's file.
func (k *Kernel) Dup(ctx context.Context, fd int) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	// The Get pin becomes the new slot's reference.
	return k.fds.Install(ctx, file)
}

// Dup2 installs fd's file at newfd, closing any prior occupant.
func (k *Kernel) Dup2(ctx context.Context, fd, newfd int) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	if fd == newfd {
		file.DecRef(ctx)
		return newfd, nil
	}
	if err := k.fds.InstallAt(ctx, newfd, file); err != nil {
		return -1, err
	}
	return newfd, nil
}

// readDeadline resolves the absolute deadline for a blocking read of file,
// converting the per-object timeout exactly once. The boolean is false when
// the object is in zero-timeout (polling) mode.
func (k *Kernel) readDeadline(file *vfs.File) (sched.Ticks, bool) {
	if rt, ok := file.FileOperations().(recvTimeouter); ok {
		switch t := rt.RecvTimeout(); t {
		case sched.InfiniteTimeout:
		case 0:
			return 0, false
		default:
			return k.deadlineFor(t), true
		}
	}
	return sched.InfiniteTimeout, true
}

func (k *Kernel) writeDeadline(file *vfs.File) (sched.Ticks, bool) {
	if st, ok := file.FileOperations().(sendTimeouter); ok {
		switch t := st.SendTimeout(); t {
		case sched.InfiniteTimeout:
		case 0:
			return 0, false
		default:
			return k.deadlineFor(t), true
		}
	}
	return sched.InfiniteTimeout, true
}

// Read reads from fd into dst, blocking until at least one byte (or end of
// stream) is available.
func (k *Kernel) Read(ctx context.Context, fd int, dst []byte) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.readDeadline(file)
	for {
		n, err := file.Read(ctx, dst)
		if !posixerr.IsWouldBlock(err) {
			return n, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventIn|waiter.EventHUp|waiter.EventErr, deadline); err != nil {
			return 0, syscallErr(err)
		}
	}
}

// Pread reads from fd at offset without moving the file offset.
func (k *Kernel) Pread(ctx context.Context, fd int, dst []byte, offset int64) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.readDeadline(file)
	for {
		n, err := file.Pread(ctx, dst, offset)
		if !posixerr.IsWouldBlock(err) {
			return n, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventIn|waiter.EventHUp|waiter.EventErr, deadline); err != nil {
			return 0, syscallErr(err)
		}
	}
}

// Write writes src to fd, blocking until the backend accepts at least one
// byte. Partial writes are reported accurately.
func (k *Kernel) Write(ctx context.Context, fd int, src []byte) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.writeDeadline(file)
	for {
		n, err := file.Write(ctx, src)
		if !posixerr.IsWouldBlock(err) {
			return n, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventOut|waiter.EventErr, deadline); err != nil {
			return 0, syscallErr(err)
		}
	}
}

// Pwrite writes src to fd at offset without moving the file offset.
func (k *Kernel) Pwrite(ctx context.Context, fd int, src []byte, offset int64) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.writeDeadline(file)
	for {
		n, err := file.Pwrite(ctx, src, offset)
		if !posixerr.IsWouldBlock(err) {
			return n, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventOut|waiter.EventErr, deadline); err != nil {
			return 0, syscallErr(err)
		}
	}
}

// Lseek moves fd's offset.
func (k *Kernel) Lseek(ctx context.Context, fd int, whence vfs.SeekWhence, offset int64) (int64, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)
	return file.Seek(ctx, whence, offset)
}

// Fcntl gets and sets descriptor flags. Only F_GETFL and F_SETFL are
// supported, and only the O_NONBLOCK bit is mutable.
func (k *Kernel) Fcntl(ctx context.Context, fd int, cmd int, arg int) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	switch cmd {
	case unix.F_GETFL:
		flags := file.Flags()
		ret := 0
		switch {
		case flags.Read && flags.Write:
			ret |= unix.O_RDWR
		case flags.Write:
			ret |= unix.O_WRONLY
		}
		if flags.Append {
			ret |= unix.O_APPEND
		}
		if flags.NonBlocking {
			ret |= unix.O_NONBLOCK
		}
		return ret, nil
	case unix.F_SETFL:
		file.SetNonBlocking(arg&unix.O_NONBLOCK != 0)
		return 0, nil
	default:
		return 0, posixerr.EINVAL
	}
}

// Ioctl dispatches a device-specific request on fd.
func (k *Kernel) Ioctl(ctx context.Context, fd int, req uint64, arg []byte) (int, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)
	return file.Ioctl(ctx, req, arg)
}

// Fstat returns the attributes of fd's file.
func (k *Kernel) Fstat(ctx context.Context, fd int) (vfs.Stat, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return vfs.Stat{}, err
	}
	defer file.DecRef(ctx)
	return file.Fstat(ctx)
}

// Stat returns the attributes of the file at path.
func (k *Kernel) Stat(ctx context.Context, path string) (vfs.Stat, error) {
	return k.vfs.StatAt(ctx, path)
}

// StatFS returns attributes of the filesystem containing path.
func (k *Kernel) StatFS(ctx context.Context, path string) (vfs.StatFS, error) {
	return k.vfs.StatFSAt(ctx, path)
}

// FstatFS returns attributes of the filesystem containing fd's file.
func (k *Kernel) FstatFS(ctx context.Context, fd int) (vfs.StatFS, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return vfs.StatFS{}, err
	}
	defer file.DecRef(ctx)

	mount := file.Mount()
	if mount == nil {
		return vfs.StatFS{}, posixerr.ENOTSUP
	}
	return mount.Backend().StatFS(ctx, mount)
}

// Mkdir creates a directory at path.
func (k *Kernel) Mkdir(ctx context.Context, path string, mode uint16) error {
	return k.vfs.MkdirAt(ctx, path, mode)
}

// Rename moves oldPath to newPath. Paths on different mounts fail with
// EXDEV; no partial move is attempted.
func (k *Kernel) Rename(ctx context.Context, oldPath, newPath string) error {
	return k.vfs.RenameAt(ctx, oldPath, newPath)
}

// direntCollector accumulates directory entries.
type direntCollector struct {
	dirents []vfs.Dirent
}

// Serialize implements vfs.DentrySerializer.Serialize.
func (c *direntCollector) Serialize(d vfs.Dirent) error {
	c.dirents = append(c.dirents, d)
	return nil
}

// ReadDir returns the remaining entries of the directory open at fd,
// advancing its position past them.
func (k *Kernel) ReadDir(ctx context.Context, fd int) ([]vfs.Dirent, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	defer file.DecRef(ctx)

	var c direntCollector
	if err := file.Readdir(ctx, &c); err != nil {
		return nil, err
	}
	return c.dirents, nil
}

// RewindDir resets the directory open at fd to its first entry.
func (k *Kernel) RewindDir(ctx context.Context, fd int) error {
	file, err := k.fds.Get(fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return file.Rewinddir(ctx)
}

// Fsync flushes fd's file to backing storage.
func (k *Kernel) Fsync(ctx context.Context, fd int) error {
	file, err := k.fds.Get(fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return file.Fsync(ctx)
}

// Ftruncate changes the size of fd's file.
func (k *Kernel) Ftruncate(ctx context.Context, fd int, size int64) error {
	file, err := k.fds.Get(fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return file.Truncate(ctx, size)
}

// Mmap maps length bytes of fd's file starting at offset and returns the
// mapping.
func (k *Kernel) Mmap(ctx context.Context, fd int, offset int64, length int, writable bool) ([]byte, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	defer file.DecRef(ctx)
	return file.Mmap(ctx, offset, length, writable)
}

// Munmap releases a mapping of fd's file returned by Mmap. Backends whose
// mappings are real pages (the host) unmap them; in-memory backends have
// nothing to tear down.
func (k *Kernel) Munmap(ctx context.Context, fd int, mapping []byte) error {
	file, err := k.fds.Get(fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return file.Munmap(ctx, mapping)
}

// Isatty returns true if fd refers to a terminal.
func (k *Kernel) Isatty(ctx context.Context, fd int) (bool, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return false, err
	}
	defer file.DecRef(ctx)
	return file.IsTTY(ctx), nil
}
