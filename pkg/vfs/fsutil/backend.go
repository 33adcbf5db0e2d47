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

package fsutil

import (
	"context"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
)

// BackendNoOpen implements vfs.Backend.Open for backends without a
// regular-open capability.
type BackendNoOpen struct{}

// Open implements vfs.Backend.Open.
func (BackendNoOpen) Open(context.Context, *vfs.Mount, string, vfs.FileFlags) (*vfs.File, error) {
	return nil, posixerr.ENOTSUP
}

// BackendNoOpenDirectory implements vfs.Backend.OpenDirectory for backends
// without a directory-open capability.
type BackendNoOpenDirectory struct{}

// OpenDirectory implements vfs.Backend.OpenDirectory.
func (BackendNoOpenDirectory) OpenDirectory(context.Context, *vfs.Mount, string) (*vfs.File, error) {
	return nil, posixerr.ENOTSUP
}

// BackendNoStat implements vfs.Backend.Stat for backends without a stat
// capability.
type BackendNoStat struct{}

// Stat implements vfs.Backend.Stat.
func (BackendNoStat) Stat(context.Context, *vfs.Mount, string) (vfs.Stat, error) {
	return vfs.Stat{}, posixerr.ENOTSUP
}

// BackendNoMkdir implements vfs.Backend.Mkdir for backends without a mkdir
// capability.
type BackendNoMkdir struct{}

// Mkdir implements vfs.Backend.Mkdir.
func (BackendNoMkdir) Mkdir(context.Context, *vfs.Mount, string, uint16) error {
	return posixerr.ENOTSUP
}

// BackendNoRename implements vfs.Backend.Rename for backends without a
// rename capability.
type BackendNoRename struct{}

// Rename implements vfs.Backend.Rename.
func (BackendNoRename) Rename(context.Context, *vfs.Mount, string, string) error {
	return posixerr.ENOTSUP
}

// BackendNoStatFS implements vfs.Backend.StatFS for backends without
// filesystem-level attributes.
type BackendNoStatFS struct{}

// StatFS implements vfs.Backend.StatFS.
func (BackendNoStatFS) StatFS(context.Context, *vfs.Mount) (vfs.StatFS, error) {
	return vfs.StatFS{}, posixerr.ENOTSUP
}

// BackendNoopRelease implements vfs.Backend.Release as a no-op.
type BackendNoopRelease struct{}

// Release implements vfs.Backend.Release.
func (BackendNoopRelease) Release(context.Context) {}
