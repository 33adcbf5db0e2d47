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

// Package ramfs implements an entirely in-memory backend. It provides the
// full path-level capability set and is used for bootstrap and testing.
package ramfs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// Filesystem is an in-memory tree of files and directories.
type Filesystem struct {
	fsutil.BackendNoopRelease

	mu      sync.Mutex
	root    *node
	nextIno uint64
}

var _ vfs.Backend = (*Filesystem)(nil)

type node struct {
	fs       *Filesystem
	ftype    vfs.FileType
	ino      uint64
	mode     uint16
	data     []byte
	children map[string]*node
}

// New creates an empty filesystem.
func New() *Filesystem {
	fs := &Filesystem{nextIno: 1}
	fs.root = fs.newNode(vfs.Directory, 0o755)
	return fs
}

func (fs *Filesystem) newNode(ftype vfs.FileType, mode uint16) *node {
	n := &node{fs: fs, ftype: ftype, ino: fs.nextIno, mode: mode}
	fs.nextIno++
	if ftype == vfs.Directory {
		n.children = make(map[string]*node)
	}
	return n
}

// Name implements vfs.Backend.Name.
func (*Filesystem) Name() string { return "ramfs" }

// walk resolves path to a node. path is backend-relative; "" is the root.
// fs.mu must be held.
func (fs *Filesystem) walk(path string) (*node, error) {
	n := fs.root
	if path == "" {
		return n, nil
	}
	for _, c := range strings.Split(path, "/") {
		if n.ftype != vfs.Directory {
			return nil, posixerr.ENOTDIR
		}
		next, ok := n.children[c]
		if !ok {
			return nil, posixerr.ENOENT
		}
		n = next
	}
	return n, nil
}

// walkParent resolves the parent directory of path and the final component.
// fs.mu must be held.
func (fs *Filesystem) walkParent(path string) (*node, string, error) {
	if path == "" {
		return nil, "", posixerr.EINVAL
	}
	dir, name := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir, name = path[:i], path[i+1:]
	}
	parent, err := fs.walk(dir)
	if err != nil {
		return nil, "", err
	}
	if parent.ftype != vfs.Directory {
		return nil, "", posixerr.ENOTDIR
	}
	return parent, name, nil
}

// Open implements vfs.Backend.Open.
func (fs *Filesystem) Open(ctx context.Context, mount *vfs.Mount, path string, flags vfs.FileFlags) (*vfs.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err == posixerr.ENOENT && flags.Create && flags.Write {
		parent, name, perr := fs.walkParent(path)
		if perr != nil {
			return nil, perr
		}
		n = fs.newNode(vfs.RegularFile, 0o644)
		parent.children[name] = n
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if n.ftype == vfs.Directory {
		return nil, posixerr.EISDIR
	}
	if flags.Truncate && flags.Write {
		n.data = nil
	}
	return vfs.NewFile(n.ftype, mount, flags, &fileOperations{n: n}), nil
}

// OpenDirectory implements vfs.Backend.OpenDirectory.
func (fs *Filesystem) OpenDirectory(ctx context.Context, mount *vfs.Mount, path string) (*vfs.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return nil, err
	}
	if n.ftype != vfs.Directory {
		return nil, posixerr.ENOTDIR
	}
	return vfs.NewFile(vfs.Directory, mount, vfs.FileFlags{Read: true, Directory: true}, &dirFileOperations{n: n}), nil
}

// Stat implements vfs.Backend.Stat.
func (fs *Filesystem) Stat(ctx context.Context, mount *vfs.Mount, path string) (vfs.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return vfs.Stat{}, err
	}
	return n.stat(), nil
}

// Mkdir implements vfs.Backend.Mkdir.
func (fs *Filesystem) Mkdir(ctx context.Context, mount *vfs.Mount, path string, mode uint16) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.walkParent(path)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return posixerr.EEXIST
	}
	parent.children[name] = fs.newNode(vfs.Directory, mode)
	return nil
}

// Rename implements vfs.Backend.Rename.
func (fs *Filesystem) Rename(ctx context.Context, mount *vfs.Mount, oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent, oldName, err := fs.walkParent(oldPath)
	if err != nil {
		return err
	}
	n, ok := oldParent.children[oldName]
	if !ok {
		return posixerr.ENOENT
	}
	newParent, newName, err := fs.walkParent(newPath)
	if err != nil {
		return err
	}
	if existing, ok := newParent.children[newName]; ok {
		// Directories may only replace empty directories.
		if existing.ftype == vfs.Directory && len(existing.children) > 0 {
			return posixerr.ENOTEMPTY
		}
	}
	delete(oldParent.children, oldName)
	newParent.children[newName] = n
	return nil
}

// StatFS implements vfs.Backend.StatFS.
func (fs *Filesystem) StatFS(ctx context.Context, mount *vfs.Mount) (vfs.StatFS, error) {
	return vfs.StatFS{
		BlockSize:  4096,
		MaxNameLen: vfs.MaxPathLen,
	}, nil
}

func (n *node) stat() vfs.Stat {
	return vfs.Stat{
		Type: n.ftype,
		Size: int64(len(n.data)),
		Mode: n.mode,
		Ino:  n.ino,
	}
}

// fileOperations implements vfs.FileOperations for regular ramfs files.
type fileOperations struct {
	waiter.AlwaysReady
	fsutil.FileNotDirReaddir
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoIoctl
	fsutil.FileNotTTY

	n *node
}

var _ vfs.FileOperations = (*fileOperations)(nil)

// Seek implements vfs.FileOperations.Seek.
func (f *fileOperations) Seek(ctx context.Context, file *vfs.File, whence vfs.SeekWhence, offset int64) (int64, error) {
	f.n.fs.mu.Lock()
	size := int64(len(f.n.data))
	f.n.fs.mu.Unlock()

	var newOffset int64
	switch whence {
	case vfs.SeekSet:
		newOffset = offset
	case vfs.SeekCurrent:
		newOffset = file.Offset() + offset
	case vfs.SeekEnd:
		newOffset = size + offset
	default:
		return 0, posixerr.EINVAL
	}
	if newOffset < 0 {
		return 0, posixerr.EINVAL
	}
	return newOffset, nil
}

// Read implements vfs.FileOperations.Read.
func (f *fileOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	f.n.fs.mu.Lock()
	defer f.n.fs.mu.Unlock()

	if offset >= int64(len(f.n.data)) {
		return 0, nil
	}
	return copy(dst, f.n.data[offset:]), nil
}

// Write implements vfs.FileOperations.Write.
func (f *fileOperations) Write(ctx context.Context, file *vfs.File, src []byte, offset int64) (int, error) {
	f.n.fs.mu.Lock()
	defer f.n.fs.mu.Unlock()

	end := offset + int64(len(src))
	if end > int64(len(f.n.data)) {
		grown := make([]byte, end)
		copy(grown, f.n.data)
		f.n.data = grown
	}
	return copy(f.n.data[offset:end], src), nil
}

// Truncate implements vfs.FileOperations.Truncate.
func (f *fileOperations) Truncate(ctx context.Context, file *vfs.File, size int64) error {
	f.n.fs.mu.Lock()
	defer f.n.fs.mu.Unlock()

	switch {
	case size < int64(len(f.n.data)):
		f.n.data = f.n.data[:size]
	case size > int64(len(f.n.data)):
		grown := make([]byte, size)
		copy(grown, f.n.data)
		f.n.data = grown
	}
	return nil
}

// Fstat implements vfs.FileOperations.Fstat.
func (f *fileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	f.n.fs.mu.Lock()
	defer f.n.fs.mu.Unlock()
	return f.n.stat(), nil
}

// Mmap implements vfs.FileOperations.Mmap by handing out the backing bytes
// directly; ramfs pages are ordinary memory.
func (f *fileOperations) Mmap(ctx context.Context, file *vfs.File, offset int64, length int, writable bool) ([]byte, error) {
	f.n.fs.mu.Lock()
	defer f.n.fs.mu.Unlock()

	if offset < 0 || length < 0 || offset+int64(length) > int64(len(f.n.data)) {
		return nil, posixerr.EINVAL
	}
	return f.n.data[offset : offset+int64(length)], nil
}

// Munmap implements vfs.FileOperations.Munmap. The mapping aliases the
// inode's memory, so dropping the slice is the whole teardown.
func (f *fileOperations) Munmap(ctx context.Context, file *vfs.File, mapping []byte) error {
	return nil
}

// dirFileOperations implements vfs.FileOperations for ramfs directories.
type dirFileOperations struct {
	waiter.AlwaysReady
	fsutil.FileNoRead
	fsutil.FileNoWrite
	fsutil.FileNoTruncate
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoIoctl
	fsutil.FileNoMMap
	fsutil.FileNotTTY

	n *node
}

var _ vfs.FileOperations = (*dirFileOperations)(nil)

// Seek implements vfs.FileOperations.Seek. Only rewinding to the start is
// meaningful for directories.
func (d *dirFileOperations) Seek(ctx context.Context, file *vfs.File, whence vfs.SeekWhence, offset int64) (int64, error) {
	if whence != vfs.SeekSet || offset != 0 {
		return 0, posixerr.EINVAL
	}
	return 0, nil
}

// Readdir implements vfs.FileOperations.Readdir.
func (d *dirFileOperations) Readdir(ctx context.Context, file *vfs.File, serializer vfs.DentrySerializer) (int64, error) {
	d.n.fs.mu.Lock()
	names := make([]string, 0, len(d.n.children))
	for name := range d.n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	offset := file.Offset()
	type entry struct {
		name string
		d    vfs.Dirent
	}
	var pending []entry
	for i := int(offset); i < len(names); i++ {
		c := d.n.children[names[i]]
		pending = append(pending, entry{names[i], vfs.Dirent{Name: names[i], Type: c.ftype, Ino: c.ino}})
	}
	d.n.fs.mu.Unlock()

	for _, e := range pending {
		if err := serializer.Serialize(e.d); err != nil {
			return offset, err
		}
		offset++
	}
	return offset, nil
}

// Fstat implements vfs.FileOperations.Fstat.
func (d *dirFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	d.n.fs.mu.Lock()
	defer d.n.fs.mu.Unlock()
	return d.n.stat(), nil
}
