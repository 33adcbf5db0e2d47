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

// Package vfs implements a virtual filesystem layer that presents
// heterogeneous, asynchronous I/O sources behind one descriptor-shaped
// interface.
//
// Backends register at path prefixes (mounts). Path operations resolve the
// longest matching mount, pin it, and dispatch through the backend's
// capability set; per-open operations dispatch through the open file's
// FileOperations. Both interfaces treat an unimplemented operation as a
// first-class condition (ENOTSUP from an embedded fsutil default), never as
// a crash.
package vfs

import (
	"strings"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
)

// MaxPathLen bounds the backend-relative remainder produced by path
// resolution. Longer remainders are an error, never silently clipped.
const MaxPathLen = 255

// FileType classifies a descriptor object.
type FileType uint8

// File types.
const (
	RegularFile FileType = iota
	Directory
	CharDevice
	Socket
)

func (t FileType) String() string {
	switch t {
	case RegularFile:
		return "regular"
	case Directory:
		return "directory"
	case CharDevice:
		return "character device"
	case Socket:
		return "socket"
	default:
		return "unknown"
	}
}

// FileFlags define the access mode and semantics of an open file.
type FileFlags struct {
	// Read is true if the file was opened readable.
	Read bool

	// Write is true if the file was opened writable.
	Write bool

	// Append is true if the file was opened in append mode.
	Append bool

	// NonBlocking is true if operations should return ErrWouldBlock
	// instead of suspending. It is the only flag mutable after open (via
	// fcntl).
	NonBlocking bool

	// Directory is true if the open requires directory semantics.
	Directory bool

	// Create and Truncate modify Open's treatment of existing and
	// missing targets.
	Create   bool
	Truncate bool
}

// SeekWhence determines seek direction.
type SeekWhence int

// Seek directions.
const (
	SeekSet SeekWhence = iota
	SeekCurrent
	SeekEnd
)

// Stat describes the attributes of a file.
type Stat struct {
	// Type is the file's type.
	Type FileType

	// Size is the file size in bytes; zero for objects without a size.
	Size int64

	// Mode holds the permission bits.
	Mode uint16

	// Ino is a backend-unique identifier.
	Ino uint64
}

// StatFS describes the attributes of a mounted backend.
type StatFS struct {
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	MaxNameLen uint64
}

// Dirent is one directory entry produced by Readdir.
type Dirent struct {
	Name string
	Type FileType
	Ino  uint64
}

// DentrySerializer consumes directory entries during Readdir.
type DentrySerializer interface {
	// Serialize consumes one entry. Returning an error stops iteration
	// and propagates out of Readdir.
	Serialize(d Dirent) error
}

// normalizePath cleans p into an absolute, slash-separated path with no
// trailing slash (except the root itself).
func normalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", posixerr.EINVAL
	}
	// Collapse repeated separators and strip any trailing one. Dot
	// components are backend business and pass through untouched.
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p, nil
}
