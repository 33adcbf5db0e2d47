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

//go:build linux

// Package host implements a backend over a host filesystem directory, for
// running the descriptor layer hosted on a development machine.
package host

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// Filesystem is a backend rooted at a host directory.
type Filesystem struct {
	fsutil.BackendNoopRelease

	root string
}

var _ vfs.Backend = (*Filesystem)(nil)

// New creates a backend exposing the host directory root.
func New(root string) *Filesystem {
	return &Filesystem{root: root}
}

// Name implements vfs.Backend.Name.
func (*Filesystem) Name() string { return "hostfs" }

// hostPath maps a backend-relative path under the root. Paths attempting to
// walk out of the root are rejected.
func (fs *Filesystem) hostPath(path string) (string, error) {
	for _, c := range strings.Split(path, "/") {
		if c == ".." {
			return "", posixerr.EPERM
		}
	}
	return filepath.Join(fs.root, path), nil
}

// wrapError converts a host errno into the matching descriptor-layer error.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		if errno == unix.EAGAIN {
			return posixerr.ErrWouldBlock
		}
		return posixerr.FromErrno(errno)
	}
	return posixerr.EIO
}

// Open implements vfs.Backend.Open.
func (fs *Filesystem) Open(ctx context.Context, mount *vfs.Mount, path string, flags vfs.FileFlags) (*vfs.File, error) {
	hp, err := fs.hostPath(path)
	if err != nil {
		return nil, err
	}

	oflags := 0
	switch {
	case flags.Read && flags.Write:
		oflags = unix.O_RDWR
	case flags.Write:
		oflags = unix.O_WRONLY
	default:
		oflags = unix.O_RDONLY
	}
	if flags.Create {
		oflags |= unix.O_CREAT
	}
	if flags.Truncate {
		oflags |= unix.O_TRUNC
	}
	if flags.Append {
		oflags |= unix.O_APPEND
	}

	fd, err := unix.Open(hp, oflags, 0o644)
	if err != nil {
		return nil, wrapError(err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, wrapError(err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		unix.Close(fd)
		return nil, posixerr.EISDIR
	}
	return vfs.NewFile(fileTypeOf(st.Mode), mount, flags, &fileOperations{fd: fd}), nil
}

// OpenDirectory implements vfs.Backend.OpenDirectory.
func (fs *Filesystem) OpenDirectory(ctx context.Context, mount *vfs.Mount, path string) (*vfs.File, error) {
	hp, err := fs.hostPath(path)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(hp, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, wrapError(err)
	}
	return vfs.NewFile(vfs.Directory, mount, vfs.FileFlags{Read: true, Directory: true}, &dirFileOperations{fd: fd}), nil
}

// Stat implements vfs.Backend.Stat.
func (fs *Filesystem) Stat(ctx context.Context, mount *vfs.Mount, path string) (vfs.Stat, error) {
	hp, err := fs.hostPath(path)
	if err != nil {
		return vfs.Stat{}, err
	}
	var st unix.Stat_t
	if err := unix.Stat(hp, &st); err != nil {
		return vfs.Stat{}, wrapError(err)
	}
	return statFromHost(st), nil
}

// Mkdir implements vfs.Backend.Mkdir.
func (fs *Filesystem) Mkdir(ctx context.Context, mount *vfs.Mount, path string, mode uint16) error {
	hp, err := fs.hostPath(path)
	if err != nil {
		return err
	}
	return wrapError(unix.Mkdir(hp, uint32(mode)))
}

// Rename implements vfs.Backend.Rename.
func (fs *Filesystem) Rename(ctx context.Context, mount *vfs.Mount, oldPath, newPath string) error {
	op, err := fs.hostPath(oldPath)
	if err != nil {
		return err
	}
	np, err := fs.hostPath(newPath)
	if err != nil {
		return err
	}
	return wrapError(unix.Rename(op, np))
}

// StatFS implements vfs.Backend.StatFS.
func (fs *Filesystem) StatFS(ctx context.Context, mount *vfs.Mount) (vfs.StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.root, &st); err != nil {
		return vfs.StatFS{}, wrapError(err)
	}
	return vfs.StatFS{
		BlockSize:  uint64(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		MaxNameLen: uint64(st.Namelen),
	}, nil
}

func fileTypeOf(mode uint32) vfs.FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return vfs.Directory
	case unix.S_IFCHR:
		return vfs.CharDevice
	case unix.S_IFSOCK:
		return vfs.Socket
	default:
		return vfs.RegularFile
	}
}

func statFromHost(st unix.Stat_t) vfs.Stat {
	return vfs.Stat{
		Type: fileTypeOf(st.Mode),
		Size: st.Size,
		Mode: uint16(st.Mode & 0o7777),
		Ino:  st.Ino,
	}
}

// fileOperations operates on a host file descriptor.
type fileOperations struct {
	waiter.AlwaysReady
	fsutil.FileNotDirReaddir
	fsutil.FileNoopFlush

	fd int
}

var _ vfs.FileOperations = (*fileOperations)(nil)

// Release implements vfs.FileOperations.Release.
func (f *fileOperations) Release(ctx context.Context) {
	unix.Close(f.fd)
}

// Seek implements vfs.FileOperations.Seek.
func (f *fileOperations) Seek(ctx context.Context, file *vfs.File, whence vfs.SeekWhence, offset int64) (int64, error) {
	var hostWhence int
	switch whence {
	case vfs.SeekSet:
		hostWhence = unix.SEEK_SET
	case vfs.SeekCurrent:
		// The host fd's offset is not used; resolve against ours.
		return file.Offset() + offset, nil
	case vfs.SeekEnd:
		hostWhence = unix.SEEK_END
	default:
		return 0, posixerr.EINVAL
	}
	n, err := unix.Seek(f.fd, offset, hostWhence)
	if err != nil {
		return 0, wrapError(err)
	}
	return n, nil
}

// Read implements vfs.FileOperations.Read.
func (f *fileOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	n, err := unix.Pread(f.fd, dst, offset)
	if err != nil {
		return 0, wrapError(err)
	}
	return n, nil
}

// Write implements vfs.FileOperations.Write.
func (f *fileOperations) Write(ctx context.Context, file *vfs.File, src []byte, offset int64) (int, error) {
	n, err := unix.Pwrite(f.fd, src, offset)
	if err != nil {
		return 0, wrapError(err)
	}
	return n, nil
}

// Fsync implements vfs.FileOperations.Fsync.
func (f *fileOperations) Fsync(ctx context.Context, file *vfs.File) error {
	return wrapError(unix.Fsync(f.fd))
}

// Truncate implements vfs.FileOperations.Truncate.
func (f *fileOperations) Truncate(ctx context.Context, file *vfs.File, size int64) error {
	return wrapError(unix.Ftruncate(f.fd, size))
}

// Fstat implements vfs.FileOperations.Fstat.
func (f *fileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return vfs.Stat{}, wrapError(err)
	}
	return statFromHost(st), nil
}

// Ioctl implements vfs.FileOperations.Ioctl.
func (f *fileOperations) Ioctl(ctx context.Context, file *vfs.File, req uint64, arg []byte) (int, error) {
	return 0, posixerr.ENOTTY
}

// Mmap implements vfs.FileOperations.Mmap.
func (f *fileOperations) Mmap(ctx context.Context, file *vfs.File, offset int64, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(f.fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapError(err)
	}
	return b, nil
}

// Munmap implements vfs.FileOperations.Munmap.
func (f *fileOperations) Munmap(ctx context.Context, file *vfs.File, mapping []byte) error {
	if err := unix.Munmap(mapping); err != nil {
		return wrapError(err)
	}
	return nil
}

// IsTTY implements vfs.FileOperations.IsTTY.
func (f *fileOperations) IsTTY(ctx context.Context, file *vfs.File) bool {
	_, err := unix.IoctlGetTermios(f.fd, unix.TCGETS)
	return err == nil
}

// dirFileOperations iterates a host directory.
type dirFileOperations struct {
	waiter.AlwaysReady
	fsutil.FileNoRead
	fsutil.FileNoWrite
	fsutil.FileNoTruncate
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoIoctl
	fsutil.FileNoMMap
	fsutil.FileNotTTY

	fd int
}

var _ vfs.FileOperations = (*dirFileOperations)(nil)

// Release implements vfs.FileOperations.Release.
func (d *dirFileOperations) Release(ctx context.Context) {
	unix.Close(d.fd)
}

// Seek implements vfs.FileOperations.Seek. Only a rewind is supported; host
// directory cookies are not stable offsets.
func (d *dirFileOperations) Seek(ctx context.Context, file *vfs.File, whence vfs.SeekWhence, offset int64) (int64, error) {
	if whence != vfs.SeekSet || offset != 0 {
		return 0, posixerr.EINVAL
	}
	if _, err := unix.Seek(d.fd, 0, unix.SEEK_SET); err != nil {
		return 0, wrapError(err)
	}
	return 0, nil
}

// Readdir implements vfs.FileOperations.Readdir. The host fd's own position
// tracks iteration; the vfs offset only counts entries already returned.
func (d *dirFileOperations) Readdir(ctx context.Context, file *vfs.File, serializer vfs.DentrySerializer) (int64, error) {
	offset := file.Offset()
	buf := make([]byte, 8192)
	for {
		n, err := unix.ReadDirent(d.fd, buf)
		if err != nil {
			return offset, wrapError(err)
		}
		if n == 0 {
			return offset, nil
		}
		var names []string
		_, _, names = unix.ParseDirent(buf[:n], -1, nil)
		for _, name := range names {
			var st unix.Stat_t
			dirent := vfs.Dirent{Name: name, Type: vfs.RegularFile}
			if err := unix.Fstatat(d.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
				dirent.Type = fileTypeOf(st.Mode)
				dirent.Ino = st.Ino
			}
			if err := serializer.Serialize(dirent); err != nil {
				return offset, err
			}
			offset++
		}
	}
}

// Fstat implements vfs.FileOperations.Fstat.
func (d *dirFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return vfs.Stat{}, wrapError(err)
	}
	return statFromHost(st), nil
}
