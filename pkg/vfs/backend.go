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
)

// Backend is the path-level half of a backend's capability set: the
// operations a mounted backend may provide on paths below its mount point.
// Paths passed in are backend-relative (no leading slash; "" is the
// backend's root) and already bounded by MaxPathLen.
//
// Every method except Name is optional; backends embed the fsutil defaults
// for operations they do not provide, which return ENOTSUP.
type Backend interface {
	// Name identifies the backend type ("ramfs", "host", ...).
	Name() string

	// Open opens a regular (non-directory) file. It returns EISDIR if
	// the target is a directory, which makes the caller retry through
	// OpenDirectory.
	Open(ctx context.Context, mount *Mount, path string, flags FileFlags) (*File, error)

	// OpenDirectory opens a directory for iteration.
	OpenDirectory(ctx context.Context, mount *Mount, path string) (*File, error)

	// Stat returns the attributes of the file at path without opening
	// it.
	Stat(ctx context.Context, mount *Mount, path string) (Stat, error)

	// Mkdir creates a directory at path.
	Mkdir(ctx context.Context, mount *Mount, path string, mode uint16) error

	// Rename moves oldPath to newPath. Both paths are relative to the
	// same mount; cross-mount renames are rejected before the backend is
	// consulted.
	Rename(ctx context.Context, mount *Mount, oldPath, newPath string) error

	// StatFS returns attributes of the backend as a whole.
	StatFS(ctx context.Context, mount *Mount) (StatFS, error)

	// Release is called exactly once, when the mount has been unmounted
	// and its last pin dropped. It never runs in interrupt context.
	Release(ctx context.Context)
}
