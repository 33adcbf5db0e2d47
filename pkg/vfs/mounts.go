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
	"strings"
	"sync"

	"github.com/google/btree"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/log"
	"fdbridge.dev/fdbridge/pkg/refs"
)

// Mount is a backend instance registered at a path prefix. It is reference
// counted: the mount table holds one reference while the mount is
// registered, every open file holds one, and path resolution pins the mount
// for the duration of the operation. The backend's Release runs exactly
// once, when the mount has been unregistered and the last pin dropped.
type Mount struct {
	refs.AtomicRefCount

	// point is the absolute mount point, immutable.
	point string

	// backend is the mounted backend, immutable.
	backend Backend
}

// Point returns the mount's absolute mount point.
func (m *Mount) Point() string { return m.point }

// Backend returns the mounted backend.
func (m *Mount) Backend() Backend { return m.backend }

// DecRef drops a pin on the mount.
func (m *Mount) DecRef() {
	m.DecRefWithDestructor(func() {
		m.backend.Release(context.Background())
	})
}

// mountItem adapts a Mount to the btree ordering (by mount point).
type mountItem struct {
	point string
	mount *Mount
}

// Less implements btree.Item.Less.
func (i mountItem) Less(other btree.Item) bool {
	return i.point < other.(mountItem).point
}

// mountTreeDegree is the btree branching factor. The mount table is tiny;
// the btree is used for its ordered descent, not its scale.
const mountTreeDegree = 4

// MountTable maps path prefixes to backends. Resolution takes the longest
// registered prefix that matches on a component boundary.
type MountTable struct {
	mu     sync.RWMutex
	mounts *btree.BTree
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{mounts: btree.New(mountTreeDegree)}
}

// Mount registers backend at the given absolute path prefix. The table takes
// one reference on the new mount.
func (mt *MountTable) Mount(point string, backend Backend) error {
	point, err := normalizePath(point)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.mounts.Has(mountItem{point: point}) {
		return posixerr.EEXIST
	}
	m := &Mount{point: point, backend: backend}
	mt.mounts.ReplaceOrInsert(mountItem{point: point, mount: m})
	log.Infof("mounted %s at %s", backend.Name(), point)
	return nil
}

// Unmount removes the registration at point and drops the table's reference.
// Concurrent resolutions that already pinned the mount keep it alive; the
// backend is released when the last pin is gone.
func (mt *MountTable) Unmount(point string) error {
	point, err := normalizePath(point)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	item := mt.mounts.Delete(mountItem{point: point})
	mt.mu.Unlock()

	if item == nil {
		return posixerr.ENOENT
	}
	item.(mountItem).mount.DecRef()
	return nil
}

// FindMount resolves path to the mount with the longest matching registered
// prefix and the backend-relative remainder. The returned mount is pinned;
// the caller must DecRef it. A remainder longer than MaxPathLen is an error,
// never a silent truncation.
func (mt *MountTable) FindMount(path string) (*Mount, string, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, "", err
	}

	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var found *Mount
	// Walk backwards from the first item not after path. Every candidate
	// at or before path in tree order either is a prefix of path or is
	// unrelated; the first prefix match on a component boundary is the
	// longest one.
	mt.mounts.DescendLessOrEqual(mountItem{point: path}, func(i btree.Item) bool {
		it := i.(mountItem)
		if !strings.HasPrefix(path, it.point) {
			// Items sharing no prefix with path cannot be
			// followed by a match; items sharing some prefix may
			// be. Keep descending either way: the table is small.
			return true
		}
		if it.point == "/" || len(path) == len(it.point) || path[len(it.point)] == '/' {
			found = it.mount
			return false
		}
		return true
	})
	if found == nil {
		return nil, "", posixerr.ENOENT
	}

	remainder := strings.TrimPrefix(path[len(found.point):], "/")
	if found.point == "/" {
		remainder = strings.TrimPrefix(path, "/")
	}
	if len(remainder) > MaxPathLen {
		return nil, "", posixerr.ENAMETOOLONG
	}

	// The table's reference makes IncRef safe here: the mount cannot
	// reach zero references while still registered, and the table lock
	// is held.
	found.IncRef()
	return found, remainder, nil
}

// UnmountAll removes every registration and drops the table's references.
// Called once at shutdown.
func (mt *MountTable) UnmountAll() {
	mt.mu.Lock()
	ms := make([]*Mount, 0, mt.mounts.Len())
	mt.mounts.Ascend(func(i btree.Item) bool {
		ms = append(ms, i.(mountItem).mount)
		return true
	})
	mt.mounts.Clear(false)
	mt.mu.Unlock()

	for _, m := range ms {
		m.DecRef()
	}
}

// allMounts returns a snapshot of registered mounts, unpinned.
func (mt *MountTable) allMounts() []*Mount {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	var ms []*Mount
	mt.mounts.Ascend(func(i btree.Item) bool {
		ms = append(ms, i.(mountItem).mount)
		return true
	})
	return ms
}
