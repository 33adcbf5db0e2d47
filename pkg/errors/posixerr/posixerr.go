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

// Package posixerr contains the error values returned across fdbridge,
// exported as error interface pointers. This allows for fast pointer
// comparison and avoids allocating on every failed call.
package posixerr

import (
	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors"
)

// The following errors cover the failure taxonomy of the descriptor layer.
// Each is semantically identical to the corresponding unix.Errno, but the
// values are distinct pointers; convert with ToErrno / FromErrno at the
// boundary.
var (
	EPERM        = errors.New(unix.EPERM, "operation not permitted")
	ENOENT       = errors.New(unix.ENOENT, "no such file or directory")
	EINTR        = errors.New(unix.EINTR, "interrupted call")
	EIO          = errors.New(unix.EIO, "I/O error")
	ENXIO        = errors.New(unix.ENXIO, "no such device or address")
	EBADF        = errors.New(unix.EBADF, "bad file descriptor")
	EAGAIN       = errors.New(unix.EAGAIN, "operation would block")
	ENOMEM       = errors.New(unix.ENOMEM, "out of memory")
	EBUSY        = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST       = errors.New(unix.EEXIST, "file exists")
	EXDEV        = errors.New(unix.EXDEV, "cross-device link")
	ENODEV       = errors.New(unix.ENODEV, "no such device")
	ENOTDIR      = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR       = errors.New(unix.EISDIR, "is a directory")
	EINVAL       = errors.New(unix.EINVAL, "invalid argument")
	EMFILE       = errors.New(unix.EMFILE, "too many open files")
	ENOTTY       = errors.New(unix.ENOTTY, "not a typewriter")
	ENOSPC       = errors.New(unix.ENOSPC, "no space left on device")
	ESPIPE       = errors.New(unix.ESPIPE, "illegal seek")
	EPIPE        = errors.New(unix.EPIPE, "broken pipe")
	ERANGE       = errors.New(unix.ERANGE, "result too large")
	ENAMETOOLONG = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOTEMPTY    = errors.New(unix.ENOTEMPTY, "directory not empty")
	ENOTSUP      = errors.New(unix.ENOTSUP, "operation not supported")
	ETIMEDOUT    = errors.New(unix.ETIMEDOUT, "operation timed out")

	ENOTSOCK        = errors.New(unix.ENOTSOCK, "socket operation on non-socket")
	EDESTADDRREQ    = errors.New(unix.EDESTADDRREQ, "destination address required")
	EMSGSIZE        = errors.New(unix.EMSGSIZE, "message too long")
	EAFNOSUPPORT    = errors.New(unix.EAFNOSUPPORT, "address family not supported")
	EADDRINUSE      = errors.New(unix.EADDRINUSE, "address already in use")
	EADDRNOTAVAIL   = errors.New(unix.EADDRNOTAVAIL, "cannot assign requested address")
	ECONNABORTED    = errors.New(unix.ECONNABORTED, "software caused connection abort")
	ECONNRESET      = errors.New(unix.ECONNRESET, "connection reset by peer")
	EISCONN         = errors.New(unix.EISCONN, "socket is already connected")
	ENOTCONN        = errors.New(unix.ENOTCONN, "socket is not connected")
	ESHUTDOWN       = errors.New(unix.ESHUTDOWN, "cannot send after shutdown")
	ECONNREFUSED    = errors.New(unix.ECONNREFUSED, "connection refused")
	EHOSTUNREACH    = errors.New(unix.EHOSTUNREACH, "no route to host")
	EALREADY        = errors.New(unix.EALREADY, "operation already in progress")
	EINPROGRESS     = errors.New(unix.EINPROGRESS, "operation now in progress")
	EPROTONOSUPPORT = errors.New(unix.EPROTONOSUPPORT, "protocol not supported")
)

// EOPNOTSUPP shares errno 95 with ENOTSUP on Linux. Both names resolve to
// the one canonical sentinel so FromErrno(95) compares equal to either.
var EOPNOTSUPP = ENOTSUP

// ErrWouldBlock is an internal sentinel used to indicate that an operation
// cannot be satisfied immediately and should be retried later, possibly
// after a readiness notification. It is distinct from EAGAIN so that
// blocking wrappers can tell "retry after waiting" apart from "surface
// EAGAIN to the caller".
var ErrWouldBlock = errors.New(unix.EWOULDBLOCK, "request would block")

// ErrInterrupted is returned when a blocking request is aborted by an
// interruption before it can complete. Callers translate it to EINTR at the
// syscall boundary.
var ErrInterrupted = errors.New(unix.EINTR, "request was interrupted")

// ErrTimeout is returned when a bounded blocking request reaches its
// deadline without being satisfied.
var ErrTimeout = errors.New(unix.ETIMEDOUT, "request timed out")

// byErrno indexes the sentinels for FromErrno.
var byErrno = map[unix.Errno]*errors.Error{}

func init() {
	for _, err := range []*errors.Error{
		EPERM, ENOENT, EINTR, EIO, ENXIO, EBADF, EAGAIN, ENOMEM, EBUSY,
		EEXIST, EXDEV, ENODEV, ENOTDIR, EISDIR, EINVAL, EMFILE, ENOTTY,
		ENOSPC, ESPIPE, EPIPE, ERANGE, ENAMETOOLONG, ENOTEMPTY, ENOTSUP,
		ETIMEDOUT, ENOTSOCK, EDESTADDRREQ, EMSGSIZE, EAFNOSUPPORT,
		EADDRINUSE, EADDRNOTAVAIL, ECONNABORTED, ECONNRESET, EISCONN,
		ENOTCONN, ESHUTDOWN, ECONNREFUSED, EHOSTUNREACH, EALREADY,
		EINPROGRESS, EPROTONOSUPPORT,
	} {
		byErrno[err.Errno()] = err
	}
}

// FromErrno translates errno to its shared sentinel, so values crossing a
// host boundary still compare by pointer. Errnos outside the taxonomy get a
// fresh value.
func FromErrno(errno unix.Errno) error {
	if err, ok := byErrno[errno]; ok {
		return err
	}
	return errors.New(errno, errno.Error())
}

// ToErrno translates err to a unix.Errno. Errors without a translation map
// to EIO.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Errno()
	}
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}

// IsWouldBlock returns true if err indicates that an operation would need to
// block to proceed.
func IsWouldBlock(err error) bool {
	return err == ErrWouldBlock || err == EAGAIN
}
