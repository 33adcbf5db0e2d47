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

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
)

// VirtualFilesystem is the path-operation surface over the mount table. All
// methods resolve the path, pin the mount for the duration of the call, and
// release it on every exit path.
type VirtualFilesystem struct {
	mounts *MountTable
}

// New creates an empty VirtualFilesystem.
func New() *VirtualFilesystem {
	return &VirtualFilesystem{mounts: NewMountTable()}
}

// Mount registers backend at point.
func (vfs *VirtualFilesystem) Mount(point string, backend Backend) error {
	return vfs.mounts.Mount(point, backend)
}

// Unmount removes the registration at point.
func (vfs *VirtualFilesystem) Unmount(point string) error {
	return vfs.mounts.Unmount(point)
}

// Release unmounts everything. Called once at shutdown.
func (vfs *VirtualFilesystem) Release() {
	vfs.mounts.UnmountAll()
}

// FindMount resolves path to a pinned mount and remainder. Most callers
// want the higher-level operations below instead.
func (vfs *VirtualFilesystem) FindMount(path string) (*Mount, string, error) {
	return vfs.mounts.FindMount(path)
}

// OpenAt opens the file at path.
//
// The directory policy: unless directory semantics were explicitly
// requested, the backend's regular Open is tried first. If that fails
// because the target is a directory (or because the backend has no regular
// Open at all), OpenDirectory is tried, provided the open is not for
// writing. A backend lacking the needed capability surfaces ENOTSUP; it is
// never a crash.
func (vfs *VirtualFilesystem) OpenAt(ctx context.Context, path string, flags FileFlags) (*File, error) {
	m, remainder, err := vfs.mounts.FindMount(path)
	if err != nil {
		return nil, err
	}
	// The file takes over the resolution pin on success; every error
	// path must drop it.

	if flags.Directory {
		f, err := m.Backend().OpenDirectory(ctx, m, remainder)
		if err != nil {
			m.DecRef()
			return nil, err
		}
		return f, nil
	}

	f, err := m.Backend().Open(ctx, m, remainder, flags)
	if (err == posixerr.EISDIR || err == posixerr.ENOTSUP) && !flags.Write {
		dirErr := err
		f, err = m.Backend().OpenDirectory(ctx, m, remainder)
		if err == posixerr.ENOTSUP && dirErr == posixerr.EISDIR {
			// Directory target, but no directory-open capability.
			err = posixerr.ENOTSUP
		}
	}
	if err != nil {
		m.DecRef()
		return nil, err
	}
	return f, nil
}

// StatAt returns the attributes of the file at path.
func (vfs *VirtualFilesystem) StatAt(ctx context.Context, path string) (Stat, error) {
	m, remainder, err := vfs.mounts.FindMount(path)
	if err != nil {
		return Stat{}, err
	}
	defer m.DecRef()
	return m.Backend().Stat(ctx, m, remainder)
}

// MkdirAt creates a directory at path.
func (vfs *VirtualFilesystem) MkdirAt(ctx context.Context, path string, mode uint16) error {
	m, remainder, err := vfs.mounts.FindMount(path)
	if err != nil {
		return err
	}
	defer m.DecRef()
	return m.Backend().Mkdir(ctx, m, remainder, mode)
}

// RenameAt moves oldPath to newPath. If the two paths resolve to different
// mounts the rename fails with EXDEV unconditionally; no partial move is
// attempted and the destination is not examined.
func (vfs *VirtualFilesystem) RenameAt(ctx context.Context, oldPath, newPath string) error {
	oldM, oldRem, err := vfs.mounts.FindMount(oldPath)
	if err != nil {
		return err
	}
	defer oldM.DecRef()

	newM, newRem, err := vfs.mounts.FindMount(newPath)
	if err != nil {
		return err
	}
	defer newM.DecRef()

	if oldM != newM {
		return posixerr.EXDEV
	}
	return oldM.Backend().Rename(ctx, oldM, oldRem, newRem)
}

// StatFSAt returns the attributes of the backend containing path.
func (vfs *VirtualFilesystem) StatFSAt(ctx context.Context, path string) (StatFS, error) {
	m, _, err := vfs.mounts.FindMount(path)
	if err != nil {
		return StatFS{}, err
	}
	defer m.DecRef()
	return m.Backend().StatFS(ctx, m)
}
