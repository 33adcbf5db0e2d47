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

package kernel

import (
	"context"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/netengine"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/socket"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// SockOpt identifies a socket option.
type SockOpt int

// Socket options.
const (
	// SockOptError reads and clears the latched socket error; its value
	// is the error's errno, or 0.
	SockOptError SockOpt = iota

	// SockOptRecvTimeout is the receive timeout in ticks.
	SockOptRecvTimeout

	// SockOptSendTimeout is the send timeout in ticks.
	SockOptSendTimeout

	// SockOptRecvBuffer is the receive buffer cap in bytes.
	SockOptRecvBuffer
)

// sockOps pins fd's file and returns its socket adapter. The caller must
// DecRef the file.
func (k *Kernel) sockOps(ctx context.Context, fd int) (*vfs.File, *socket.SocketOperations, error) {
	file, err := k.fds.Get(fd)
	if err != nil {
		return nil, nil, err
	}
	s, ok := file.FileOperations().(*socket.SocketOperations)
	if !ok {
		file.DecRef(ctx)
		return nil, nil, posixerr.ENOTSOCK
	}
	return file, s, nil
}

// Socket creates a socket descriptor for the given transport protocol.
func (k *Kernel) Socket(ctx context.Context, proto netengine.Protocol) (int, error) {
	if k.engine == nil {
		return -1, posixerr.EAFNOSUPPORT
	}
	file, _, err := socket.New(k.engine, proto)
	if err != nil {
		return -1, err
	}
	return k.fds.Install(ctx, file)
}

// Bind assigns fd's local address.
func (k *Kernel) Bind(ctx context.Context, fd int, addr netengine.FullAddress) error {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return s.Bind(addr)
}

// Connect connects fd to addr, blocking until the handshake resolves unless
// the descriptor is non-blocking (in which case EINPROGRESS is returned and
// the caller polls for writability).
func (k *Kernel) Connect(ctx context.Context, fd int, addr netengine.FullAddress) error {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)

	err = s.Connect(addr)
	if err != posixerr.EINPROGRESS {
		return err
	}
	if file.Flags().NonBlocking {
		return posixerr.EINPROGRESS
	}

	for {
		if err := k.blockOn(ctx, file, waiter.EventOut|waiter.EventErr|waiter.EventHUp, sched.InfiniteTimeout); err != nil {
			return syscallErr(err)
		}
		err := s.FinishConnect()
		if err != posixerr.ErrWouldBlock {
			return err
		}
	}
}

// Listen makes fd accept incoming connections.
func (k *Kernel) Listen(ctx context.Context, fd int, backlog int) error {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return s.Listen(backlog)
}

// Accept waits for an incoming connection on fd and installs it as a new
// descriptor, returning the descriptor and the peer's address.
func (k *Kernel) Accept(ctx context.Context, fd int) (int, netengine.FullAddress, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return -1, netengine.FullAddress{}, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.readDeadline(file)
	for {
		peer, remote, err := s.Accept()
		if err == nil {
			nfd, err := k.fds.Install(ctx, peer)
			return nfd, remote, err
		}
		if !posixerr.IsWouldBlock(err) {
			return -1, netengine.FullAddress{}, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return -1, netengine.FullAddress{}, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventIn|waiter.EventErr|waiter.EventHUp, deadline); err != nil {
			return -1, netengine.FullAddress{}, syscallErr(err)
		}
	}
}

// Recv receives from a connected socket.
func (k *Kernel) Recv(ctx context.Context, fd int, dst []byte) (int, error) {
	n, _, err := k.RecvFrom(ctx, fd, dst)
	return n, err
}

// RecvFrom receives from fd, also reporting the sender's address for
// datagram sockets. It blocks per the socket's receive timeout: indefinite
// waits until data, end-of-stream or interruption; zero never suspends.
func (k *Kernel) RecvFrom(ctx context.Context, fd int, dst []byte) (int, netengine.FullAddress, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return 0, netengine.FullAddress{}, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.readDeadline(file)
	for {
		n, from, err := s.RecvMsg(dst)
		if !posixerr.IsWouldBlock(err) {
			return n, from, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, netengine.FullAddress{}, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventIn|waiter.EventHUp|waiter.EventErr, deadline); err != nil {
			return 0, netengine.FullAddress{}, syscallErr(err)
		}
	}
}

// Send sends on a connected socket.
func (k *Kernel) Send(ctx context.Context, fd int, src []byte) (int, error) {
	return k.sendTo(ctx, fd, src, nil)
}

// SendTo sends to an explicit destination on a datagram socket.
func (k *Kernel) SendTo(ctx context.Context, fd int, src []byte, to netengine.FullAddress) (int, error) {
	return k.sendTo(ctx, fd, src, &to)
}

func (k *Kernel) sendTo(ctx context.Context, fd int, src []byte, to *netengine.FullAddress) (int, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	deadline, canBlock := k.writeDeadline(file)
	for {
		n, err := s.SendMsg(src, to)
		if !posixerr.IsWouldBlock(err) {
			return n, syscallErr(err)
		}
		if file.Flags().NonBlocking || !canBlock {
			return 0, posixerr.EAGAIN
		}
		if err := k.blockOn(ctx, file, waiter.EventOut|waiter.EventErr|waiter.EventHUp, deadline); err != nil {
			return 0, syscallErr(err)
		}
	}
}

// ShutdownSocket half-closes the write side of fd.
func (k *Kernel) ShutdownSocket(ctx context.Context, fd int) error {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)
	return s.Shutdown()
}

// GetSockOpt reads a socket option.
func (k *Kernel) GetSockOpt(ctx context.Context, fd int, opt SockOpt) (int64, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return 0, err
	}
	defer file.DecRef(ctx)

	switch opt {
	case SockOptError:
		return int64(posixerr.ToErrno(s.LatchedError())), nil
	case SockOptRecvTimeout:
		return int64(s.RecvTimeout()), nil
	case SockOptSendTimeout:
		return int64(s.SendTimeout()), nil
	case SockOptRecvBuffer:
		return int64(s.RecvBufLimit()), nil
	default:
		return 0, posixerr.EINVAL
	}
}

// SetSockOpt writes a socket option.
func (k *Kernel) SetSockOpt(ctx context.Context, fd int, opt SockOpt, value int64) error {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return err
	}
	defer file.DecRef(ctx)

	switch opt {
	case SockOptRecvTimeout:
		if value < int64(sched.InfiniteTimeout) {
			return posixerr.EINVAL
		}
		s.SetRecvTimeout(sched.Ticks(value))
		return nil
	case SockOptSendTimeout:
		if value < int64(sched.InfiniteTimeout) {
			return posixerr.EINVAL
		}
		s.SetSendTimeout(sched.Ticks(value))
		return nil
	case SockOptRecvBuffer:
		if value <= 0 {
			return posixerr.EINVAL
		}
		s.SetRecvBufLimit(int(value))
		return nil
	default:
		return posixerr.EINVAL
	}
}

// GetSockName returns fd's local address.
func (k *Kernel) GetSockName(ctx context.Context, fd int) (netengine.FullAddress, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return netengine.FullAddress{}, err
	}
	defer file.DecRef(ctx)
	return s.LocalAddress()
}

// GetPeerName returns fd's connected peer address.
func (k *Kernel) GetPeerName(ctx context.Context, fd int) (netengine.FullAddress, error) {
	file, s, err := k.sockOps(ctx, fd)
	if err != nil {
		return netengine.FullAddress{}, err
	}
	defer file.DecRef(ctx)
	return s.RemoteAddress()
}
