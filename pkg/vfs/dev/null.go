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

package dev

import (
	"context"

	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

type nullDevice struct{}

func (*nullDevice) NewFileOperations(flags vfs.FileFlags) (vfs.FileOperations, error) {
	return &nullFileOperations{}, nil
}

// nullFileOperations swallows writes and reports end-of-stream on reads.
type nullFileOperations struct {
	waiter.AlwaysReady
	fsutil.FileGenericSeek
	fsutil.FileNoopWrite
	fsutil.FileNotDirReaddir
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoTruncate
	fsutil.FileNoIoctl
	fsutil.FileNoMMap
	fsutil.FileNotTTY
}

var _ vfs.FileOperations = (*nullFileOperations)(nil)

// Read implements vfs.FileOperations.Read.
func (*nullFileOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	return 0, nil
}

// Fstat implements vfs.FileOperations.Fstat.
func (*nullFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.CharDevice, Mode: 0o666}, nil
}

type zeroDevice struct{}

func (*zeroDevice) NewFileOperations(flags vfs.FileFlags) (vfs.FileOperations, error) {
	return &zeroFileOperations{}, nil
}

// zeroFileOperations yields an endless stream of zero bytes.
type zeroFileOperations struct {
	waiter.AlwaysReady
	fsutil.FileGenericSeek
	fsutil.FileNoopWrite
	fsutil.FileNotDirReaddir
	fsutil.FileNoopFsync
	fsutil.FileNoopFlush
	fsutil.FileNoopRelease
	fsutil.FileNoTruncate
	fsutil.FileNoIoctl
	fsutil.FileNoMMap
	fsutil.FileNotTTY
}

var _ vfs.FileOperations = (*zeroFileOperations)(nil)

// Read implements vfs.FileOperations.Read.
func (*zeroFileOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst), nil
}

// Fstat implements vfs.FileOperations.Fstat.
func (*zeroFileOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.CharDevice, Mode: 0o666}, nil
}
