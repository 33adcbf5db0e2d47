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

// Package dev provides a backend hosting character devices. The standard
// devices (null, zero, tty) are registered by default; drivers may register
// additional ones.
package dev

import (
	"context"
	"sort"
	"sync"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// A Device instantiates per-open file operations for a registered device.
type Device interface {
	// NewFileOperations returns the operations backing a fresh open of
	// the device.
	NewFileOperations(flags vfs.FileFlags) (vfs.FileOperations, error)
}

// Registry is a backend exposing a flat namespace of character devices.
type Registry struct {
	fsutil.BackendNoMkdir
	fsutil.BackendNoRename
	fsutil.BackendNoopRelease

	mu      sync.Mutex
	devices map[string]Device
	nextIno uint64
	inos    map[string]uint64
}

var _ vfs.Backend = (*Registry)(nil)

// New creates a Registry with the standard devices registered.
func New() *Registry {
	r := &Registry{
		devices: make(map[string]Device),
		inos:    make(map[string]uint64),
		nextIno: 1,
	}
	r.Register("null", &nullDevice{})
	r.Register("zero", &zeroDevice{})
	r.Register("tty", NewTTY())
	return r
}

// Register adds a device under name, replacing any existing registration.
func (r *Registry) Register(name string, d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = d
	if _, ok := r.inos[name]; !ok {
		r.inos[name] = r.nextIno
		r.nextIno++
	}
}

// Lookup returns the device registered under name, if any.
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	return d, ok
}

// Name implements vfs.Backend.Name.
func (*Registry) Name() string { return "devfs" }

// Open implements vfs.Backend.Open.
func (r *Registry) Open(ctx context.Context, mount *vfs.Mount, path string, flags vfs.FileFlags) (*vfs.File, error) {
	if path == "" {
		return nil, posixerr.EISDIR
	}
	d, ok := r.Lookup(path)
	if !ok {
		return nil, posixerr.ENOENT
	}
	ops, err := d.NewFileOperations(flags)
	if err != nil {
		return nil, err
	}
	return vfs.NewFile(vfs.CharDevice, mount, flags, ops), nil
}

// OpenDirectory implements vfs.Backend.OpenDirectory. Only the root is a
// directory.
func (r *Registry) OpenDirectory(ctx context.Context, mount *vfs.Mount, path string) (*vfs.File, error) {
	if path != "" {
		if _, ok := r.Lookup(path); ok {
			return nil, posixerr.ENOTDIR
		}
		return nil, posixerr.ENOENT
	}
	return vfs.NewFile(vfs.Directory, mount, vfs.FileFlags{Read: true, Directory: true}, &rootFileOperations{r: r}), nil
}

// Stat implements vfs.Backend.Stat.
func (r *Registry) Stat(ctx context.Context, mount *vfs.Mount, path string) (vfs.Stat, error) {
	if path == "" {
		return vfs.Stat{Type: vfs.Directory, Mode: 0o755}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[path]; !ok {
		return vfs.Stat{}, posixerr.ENOENT
	}
	return vfs.Stat{Type: vfs.CharDevice, Mode: 0o666, Ino: r.inos[path]}, nil
}

// StatFS implements vfs.Backend.StatFS.
func (r *Registry) StatFS(ctx context.Context, mount *vfs.Mount) (vfs.StatFS, error) {
	return vfs.StatFS{MaxNameLen: vfs.MaxPathLen}, nil
}

// rootFileOperations lists the registered devices.
type rootFileOperations struct {
	waiter.AlwaysReady
	fsutil.FileGenericSeek
	fsutil.FileNoRead
	fsutil.FileNoWrite
	fsutil.FileNoTruncate
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoIoctl
	fsutil.FileNoMMap
	fsutil.FileNotTTY

	r *Registry
}

var _ vfs.FileOperations = (*rootFileOperations)(nil)

// Readdir implements vfs.FileOperations.Readdir.
func (f *rootFileOperations) Readdir(ctx context.Context, file *vfs.File, serializer vfs.DentrySerializer) (int64, error) {
	f.r.mu.Lock()
	names := make([]string, 0, len(f.r.devices))
	for name := range f.r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	dirents := make([]vfs.Dirent, 0, len(names))
	for _, name := range names {
		dirents = append(dirents, vfs.Dirent{Name: name, Type: vfs.CharDevice, Ino: f.r.inos[name]})
	}
	f.r.mu.Unlock()

	offset := file.Offset()
	for i := int(offset); i < len(dirents); i++ {
		if err := serializer.Serialize(dirents[i]); err != nil {
			return offset, err
		}
		offset++
	}
	return offset, nil
}

// Fstat implements vfs.FileOperations.Fstat.
func (f *rootFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.Directory, Mode: 0o755}, nil
}
