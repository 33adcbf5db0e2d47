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

// Package socket adapts network engine control blocks to the descriptor
// interface. The adapter owns a receive queue fed by engine callbacks and
// drained by descriptor reads, a connection state machine, and a latched
// error slot.
//
// Locking: every field below the "engine critical section" marker is
// protected by the engine's global critical section, because engine
// callbacks mutate them while already holding it. Task-context methods take
// engine.Lock explicitly; taking a different lock would miss updates.
package socket

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/log"
	"fdbridge.dev/fdbridge/pkg/netengine"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/fsutil"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// ConnState is the adapter's connection state.
type ConnState int

const (
	// Unconnected is the initial state.
	Unconnected ConnState = iota

	// Connecting means a handshake is in flight.
	Connecting

	// Connected means the handshake completed.
	Connected

	// PeerClosed means the remote end half-closed; buffered data remains
	// readable.
	PeerClosed

	// Errored means the engine reported a fatal protocol error.
	Errored

	// Closed means the application closed the socket.
	Closed
)

// String implements fmt.Stringer.String.
func (s ConnState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case PeerClosed:
		return "peer-closed"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

// DefaultRecvBufLimit is the default receive buffer cap in bytes.
const DefaultRecvBufLimit = 208 * 1024

// overflowLog throttles datagram drop reports; a flooded socket would
// otherwise turn every delivery into a log line.
var overflowLog = log.BasicRateLimitedLogger(time.Second)

// acceptedConn is one not-yet-accepted connection on a listening socket.
type acceptedConn struct {
	cb     netengine.ControlBlock
	remote netengine.FullAddress
}

// SocketOperations implements vfs.FileOperations for sockets and carries the
// socket-specific operations the syscall layer dispatches to.
type SocketOperations struct {
	fsutil.FilePipeSeek
	fsutil.FileNotDirReaddir
	fsutil.FileNoFsync
	fsutil.FileNoopFlush
	fsutil.FileNoTruncate
	fsutil.FileNoMMap
	fsutil.FileNotTTY

	engine netengine.Engine
	proto  netengine.Protocol

	// readiness is both the poll source and the wait queue for blocking
	// reads and writes. Safe from any context.
	readiness waiter.State

	// recvTimeout and sendTimeout are in ticks; sched.InfiniteTimeout
	// blocks forever, 0 never blocks. Accessed atomically.
	recvTimeout int64
	sendTimeout int64

	// The fields below are under the engine critical section.

	cb        netengine.ControlBlock
	connState ConnState
	lastError error

	// rcv holds *netengine.Segment in delivery order; rcvOffset is how
	// many bytes of the head segment have been consumed, rcvBytes the
	// total buffered. rcvLimit caps rcvBytes for datagram sockets;
	// stream backpressure belongs to the engine's window.
	rcv       *queue.Queue
	rcvOffset int
	rcvBytes  int
	rcvLimit  int

	// acceptQ holds acceptedConn for listening sockets.
	acceptQ *queue.Queue
}

var _ vfs.FileOperations = (*SocketOperations)(nil)

// New creates a socket descriptor over a fresh control block.
func New(engine netengine.Engine, proto netengine.Protocol) (*vfs.File, *SocketOperations, error) {
	engine.Lock()
	defer engine.Unlock()

	cb, err := engine.NewControlBlock(proto)
	if err != nil {
		return nil, nil, err
	}
	s := &SocketOperations{
		engine:      engine,
		proto:       proto,
		cb:          cb,
		rcv:         queue.New(),
		acceptQ:     queue.New(),
		rcvLimit:    DefaultRecvBufLimit,
		recvTimeout: int64(sched.InfiniteTimeout),
		sendTimeout: int64(sched.InfiniteTimeout),
	}
	cb.SetCallbacks((*socketCallbacks)(s))
	if proto == netengine.Datagram {
		// Datagram sends need no handshake; nothing throttles them
		// until the engine says otherwise. Stream sockets become
		// writable when the Connected callback fires.
		s.readiness.Notify(waiter.EventOut)
	}
	file := vfs.NewFile(vfs.Socket, nil, vfs.FileFlags{Read: true, Write: true}, s)
	return file, s, nil
}

// newAccepted wraps an engine-delivered control block. The engine critical
// section must be held; queued events flush into the adapter during
// SetCallbacks.
func newAccepted(engine netengine.Engine, cb netengine.ControlBlock) (*vfs.File, *SocketOperations) {
	s := &SocketOperations{
		engine:      engine,
		proto:       netengine.Stream,
		cb:          cb,
		connState:   Connected,
		rcv:         queue.New(),
		acceptQ:     queue.New(),
		rcvLimit:    DefaultRecvBufLimit,
		recvTimeout: int64(sched.InfiniteTimeout),
		sendTimeout: int64(sched.InfiniteTimeout),
	}
	cb.SetCallbacks((*socketCallbacks)(s))
	s.readiness.Notify(waiter.EventOut)
	file := vfs.NewFile(vfs.Socket, nil, vfs.FileFlags{Read: true, Write: true}, s)
	return file, s
}

// Readiness implements waiter.Waitable.Readiness.
func (s *SocketOperations) Readiness(mask waiter.EventMask) waiter.EventMask {
	return s.readiness.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (s *SocketOperations) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	s.readiness.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (s *SocketOperations) EventUnregister(e *waiter.Entry) {
	s.readiness.EventUnregister(e)
}

// ConnState returns the current connection state.
func (s *SocketOperations) ConnState() ConnState {
	s.engine.Lock()
	defer s.engine.Unlock()
	return s.connState
}

// takeError consumes the latched error. Critical section must be held.
func (s *SocketOperations) takeError() error {
	err := s.lastError
	s.lastError = nil
	s.readiness.Clear(waiter.EventErr)
	return err
}

// LatchedError returns and clears the pending socket error, if any. This is
// the SO_ERROR read.
func (s *SocketOperations) LatchedError() error {
	s.engine.Lock()
	defer s.engine.Unlock()
	return s.takeError()
}

// Bind assigns the socket's local address.
func (s *SocketOperations) Bind(addr netengine.FullAddress) error {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.connState == Closed {
		return posixerr.EINVAL
	}
	return s.cb.Bind(addr)
}

// Connect starts connecting to addr. It returns nil if the handshake
// completed synchronously and EINPROGRESS if it is still in flight; the
// caller then waits for writability and checks the result with
// FinishConnect.
func (s *SocketOperations) Connect(addr netengine.FullAddress) error {
	s.engine.Lock()
	defer s.engine.Unlock()

	switch s.connState {
	case Connected, PeerClosed:
		return posixerr.EISCONN
	case Connecting:
		return posixerr.EALREADY
	case Errored:
		if err := s.takeError(); err != nil {
			return err
		}
		return posixerr.EINVAL
	case Closed:
		return posixerr.EINVAL
	}

	if s.proto == netengine.Datagram {
		if err := s.cb.Connect(addr); err != nil {
			return err
		}
		s.connState = Connected
		return nil
	}

	s.connState = Connecting
	// Writability signals handshake completion; a poll during the
	// handshake must not see a stale EventOut.
	s.readiness.Clear(waiter.EventOut)
	if err := s.cb.Connect(addr); err != nil {
		s.connState = Unconnected
		return err
	}
	// The engine may have completed the handshake inline; its callback
	// already advanced the state while we held the critical section.
	if s.connState == Connected {
		return nil
	}
	return posixerr.EINPROGRESS
}

// FinishConnect reports the outcome of an in-flight connect after the caller
// was woken for writability.
func (s *SocketOperations) FinishConnect() error {
	s.engine.Lock()
	defer s.engine.Unlock()

	switch s.connState {
	case Connecting:
		return posixerr.ErrWouldBlock
	case Connected, PeerClosed:
		return nil
	case Errored:
		if err := s.takeError(); err != nil {
			return err
		}
		return posixerr.ECONNREFUSED
	default:
		return posixerr.EINVAL
	}
}

// Listen makes the socket accept incoming connections.
func (s *SocketOperations) Listen(backlog int) error {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.connState != Unconnected {
		return posixerr.EINVAL
	}
	return s.cb.Listen(backlog)
}

// Accept pops one pending connection, returning the new socket file with a
// reference held by the caller. Returns ErrWouldBlock when none is pending.
func (s *SocketOperations) Accept() (*vfs.File, netengine.FullAddress, error) {
	s.engine.Lock()
	defer s.engine.Unlock()

	if s.connState == Closed {
		return nil, netengine.FullAddress{}, posixerr.EINVAL
	}
	if s.acceptQ.Length() == 0 {
		if err := s.takeError(); err != nil {
			return nil, netengine.FullAddress{}, err
		}
		return nil, netengine.FullAddress{}, posixerr.ErrWouldBlock
	}
	ac := s.acceptQ.Remove().(acceptedConn)
	if s.acceptQ.Length() == 0 {
		s.readiness.Clear(waiter.EventIn)
	}
	file, _ := newAccepted(s.engine, ac.cb)
	return file, ac.remote, nil
}

// RecvMsg copies up to len(dst) buffered bytes out of the receive queue,
// advancing the consumed offset and freeing drained segments. It never
// blocks:
//
//   - data buffered: returns it (one datagram, or as many stream bytes as
//     fit, in delivery order).
//   - queue empty, peer closed: returns 0, nil (end of stream).
//   - queue empty, latched error: returns the error once.
//   - queue empty otherwise: returns ErrWouldBlock.
//
// from is the head segment's source address; meaningful for datagrams.
func (s *SocketOperations) RecvMsg(dst []byte) (int, netengine.FullAddress, error) {
	s.engine.Lock()
	defer s.engine.Unlock()

	if s.connState == Closed {
		return 0, netengine.FullAddress{}, posixerr.EINVAL
	}
	if s.proto == netengine.Stream && s.connState == Unconnected {
		return 0, netengine.FullAddress{}, posixerr.ENOTCONN
	}

	if s.rcv.Length() == 0 {
		switch s.connState {
		case PeerClosed:
			return 0, netengine.FullAddress{}, nil
		case Errored:
			if err := s.takeError(); err != nil {
				return 0, netengine.FullAddress{}, err
			}
			return 0, netengine.FullAddress{}, nil
		default:
			return 0, netengine.FullAddress{}, posixerr.ErrWouldBlock
		}
	}

	if s.proto == netengine.Datagram {
		return s.recvDatagramLocked(dst)
	}
	return s.recvStreamLocked(dst)
}

// recvDatagramLocked pops exactly one segment; bytes past len(dst) are
// discarded with the segment.
func (s *SocketOperations) recvDatagramLocked(dst []byte) (int, netengine.FullAddress, error) {
	seg := s.rcv.Remove().(*netengine.Segment)
	n := copy(dst, seg.Data)
	s.rcvBytes -= len(seg.Data)
	from := seg.Remote
	if seg.Release != nil {
		seg.Release()
	}
	s.clearReadableLocked()
	return n, from, nil
}

// recvStreamLocked coalesces across segments in delivery order.
func (s *SocketOperations) recvStreamLocked(dst []byte) (int, netengine.FullAddress, error) {
	done := 0
	for done < len(dst) && s.rcv.Length() > 0 {
		seg := s.rcv.Peek().(*netengine.Segment)
		n := copy(dst[done:], seg.Data[s.rcvOffset:])
		done += n
		s.rcvOffset += n
		s.rcvBytes -= n
		if s.rcvOffset == len(seg.Data) {
			s.rcv.Remove()
			s.rcvOffset = 0
			if seg.Release != nil {
				seg.Release()
			}
		}
	}
	s.clearReadableLocked()
	return done, netengine.FullAddress{}, nil
}

// clearReadableLocked drops the readable condition once nothing is left to
// read. Peer-closed and errored sockets stay readable so readers observe
// end-of-stream without blocking.
func (s *SocketOperations) clearReadableLocked() {
	if s.rcv.Length() == 0 && s.acceptQ.Length() == 0 && s.connState != PeerClosed && s.connState != Errored {
		s.readiness.Clear(waiter.EventIn)
	}
}

// SendMsg queues src for transmission, bounded by the engine's accept
// window. to must be non-nil only for unconnected datagram sockets. A zero
// acceptance on a live socket reports ErrWouldBlock.
func (s *SocketOperations) SendMsg(src []byte, to *netengine.FullAddress) (int, error) {
	s.engine.Lock()
	defer s.engine.Unlock()

	switch s.connState {
	case Closed:
		return 0, posixerr.EINVAL
	case PeerClosed:
		return 0, posixerr.EPIPE
	case Errored:
		if err := s.takeError(); err != nil {
			return 0, err
		}
		return 0, posixerr.EPIPE
	case Connecting:
		return 0, posixerr.EAGAIN
	case Unconnected:
		if s.proto == netengine.Stream {
			return 0, posixerr.ENOTCONN
		}
		if to == nil {
			return 0, posixerr.EDESTADDRREQ
		}
	case Connected:
		if s.proto == netengine.Stream && to != nil {
			return 0, posixerr.EISCONN
		}
	}

	n, err := s.cb.Send(src, to)
	if err != nil {
		return n, err
	}
	if n == 0 && len(src) > 0 {
		s.readiness.Clear(waiter.EventOut)
		return 0, posixerr.ErrWouldBlock
	}
	if n < len(src) {
		// Window exhausted; writability returns with SendReady.
		s.readiness.Clear(waiter.EventOut)
	}
	return n, nil
}

// Shutdown half-closes the write side.
func (s *SocketOperations) Shutdown() error {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.connState != Connected && s.connState != PeerClosed {
		return posixerr.ENOTCONN
	}
	return s.cb.Shutdown()
}

// LocalAddress returns the socket's bound address.
func (s *SocketOperations) LocalAddress() (netengine.FullAddress, error) {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.connState == Closed {
		return netengine.FullAddress{}, posixerr.EINVAL
	}
	return s.cb.LocalAddress()
}

// RemoteAddress returns the connected peer's address.
func (s *SocketOperations) RemoteAddress() (netengine.FullAddress, error) {
	s.engine.Lock()
	defer s.engine.Unlock()
	if s.connState != Connected && s.connState != PeerClosed {
		return netengine.FullAddress{}, posixerr.ENOTCONN
	}
	return s.cb.RemoteAddress()
}

// RecvTimeout returns the receive timeout in ticks.
func (s *SocketOperations) RecvTimeout() sched.Ticks {
	return sched.Ticks(atomic.LoadInt64(&s.recvTimeout))
}

// SetRecvTimeout sets the receive timeout in ticks; sched.InfiniteTimeout
// blocks forever and 0 makes receives non-blocking.
func (s *SocketOperations) SetRecvTimeout(t sched.Ticks) {
	atomic.StoreInt64(&s.recvTimeout, int64(t))
}

// SendTimeout returns the send timeout in ticks.
func (s *SocketOperations) SendTimeout() sched.Ticks {
	return sched.Ticks(atomic.LoadInt64(&s.sendTimeout))
}

// SetSendTimeout sets the send timeout in ticks.
func (s *SocketOperations) SetSendTimeout(t sched.Ticks) {
	atomic.StoreInt64(&s.sendTimeout, int64(t))
}

// RecvBufLimit returns the receive buffer cap in bytes.
func (s *SocketOperations) RecvBufLimit() int {
	s.engine.Lock()
	defer s.engine.Unlock()
	return s.rcvLimit
}

// SetRecvBufLimit sets the receive buffer cap. Already-buffered segments are
// kept even if they exceed the new cap.
func (s *SocketOperations) SetRecvBufLimit(n int) {
	s.engine.Lock()
	defer s.engine.Unlock()
	s.rcvLimit = n
}

// Protocol returns the socket's transport protocol.
func (s *SocketOperations) Protocol() netengine.Protocol { return s.proto }

// ControlBlock returns the engine control block backing this socket. Callers
// must hold the engine critical section for any call on it.
func (s *SocketOperations) ControlBlock() netengine.ControlBlock { return s.cb }

// Read implements vfs.FileOperations.Read. The offset is ignored.
func (s *SocketOperations) Read(ctx context.Context, file *vfs.File, dst []byte, offset int64) (int, error) {
	n, _, err := s.RecvMsg(dst)
	return n, err
}

// Write implements vfs.FileOperations.Write. The offset is ignored.
func (s *SocketOperations) Write(ctx context.Context, file *vfs.File, src []byte, offset int64) (int, error) {
	return s.SendMsg(src, nil)
}

// Fstat implements vfs.FileOperations.Fstat.
func (s *SocketOperations) Fstat(ctx context.Context, file *vfs.File) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.Socket, Mode: 0o666}, nil
}

// Ioctl implements vfs.FileOperations.Ioctl.
func (s *SocketOperations) Ioctl(ctx context.Context, file *vfs.File, req uint64, arg []byte) (int, error) {
	switch req {
	case unix.TIOCINQ: // FIONREAD
		if len(arg) < 4 {
			return 0, posixerr.EINVAL
		}
		s.engine.Lock()
		n := s.rcvBytes
		s.engine.Unlock()
		binary.LittleEndian.PutUint32(arg, uint32(n))
		return 0, nil
	default:
		return 0, posixerr.ENOTTY
	}
}

// Release implements vfs.FileOperations.Release. It closes the control block
// under the critical section; once Close returns no further callbacks can
// arrive, so draining the queues afterwards cannot race a delivery.
func (s *SocketOperations) Release(ctx context.Context) {
	s.engine.Lock()
	defer s.engine.Unlock()

	if s.connState == Closed {
		return
	}
	s.connState = Closed
	s.cb.Close()

	for s.rcv.Length() > 0 {
		seg := s.rcv.Remove().(*netengine.Segment)
		if seg.Release != nil {
			seg.Release()
		}
	}
	s.rcvOffset = 0
	s.rcvBytes = 0
	for s.acceptQ.Length() > 0 {
		ac := s.acceptQ.Remove().(acceptedConn)
		ac.cb.Close()
	}
	s.readiness.Notify(waiter.EventHUp)
}

// socketCallbacks receives engine events for a SocketOperations. The engine
// invokes these with its critical section held; they only mutate adapter
// state and latch readiness.
type socketCallbacks SocketOperations

var _ netengine.Callbacks = (*socketCallbacks)(nil)

// Connected implements netengine.Callbacks.Connected.
func (c *socketCallbacks) Connected(err error) {
	s := (*SocketOperations)(c)
	if s.connState == Closed {
		return
	}
	if err != nil {
		s.lastError = err
		s.connState = Errored
		s.readiness.Notify(waiter.EventErr | waiter.EventOut)
		return
	}
	s.connState = Connected
	s.readiness.Notify(waiter.EventOut)
}

// Accepted implements netengine.Callbacks.Accepted. The peer's callbacks are
// attached at Accept time; the engine queues its events until then.
func (c *socketCallbacks) Accepted(peer netengine.ControlBlock, remote netengine.FullAddress) {
	s := (*SocketOperations)(c)
	if s.connState == Closed {
		peer.Close()
		return
	}
	s.acceptQ.Add(acceptedConn{cb: peer, remote: remote})
	s.readiness.Notify(waiter.EventIn)
}

// SegmentReceived implements netengine.Callbacks.SegmentReceived. The
// segment is appended without copying; delivery order is queue order.
func (c *socketCallbacks) SegmentReceived(seg *netengine.Segment) {
	s := (*SocketOperations)(c)
	if s.connState == Closed {
		if seg.Release != nil {
			seg.Release()
		}
		return
	}
	if s.proto == netengine.Datagram && s.rcvBytes+len(seg.Data) > s.rcvLimit {
		// Datagram sockets drop on overflow; the sender is not told.
		overflowLog.Debugf("socket: receive buffer full, dropping %d byte datagram", len(seg.Data))
		if seg.Release != nil {
			seg.Release()
		}
		return
	}
	s.rcv.Add(seg)
	s.rcvBytes += len(seg.Data)
	s.readiness.Notify(waiter.EventIn)
}

// SendReady implements netengine.Callbacks.SendReady.
func (c *socketCallbacks) SendReady() {
	s := (*SocketOperations)(c)
	if s.connState == Closed {
		return
	}
	s.readiness.Notify(waiter.EventOut)
}

// RemoteClosed implements netengine.Callbacks.RemoteClosed. Buffered data
// stays readable; readers drain it before seeing end-of-stream.
func (c *socketCallbacks) RemoteClosed() {
	s := (*SocketOperations)(c)
	switch s.connState {
	case Connected, Connecting, Unconnected:
		s.connState = PeerClosed
		s.readiness.Notify(waiter.EventIn | waiter.EventHUp)
	}
}

// Error implements netengine.Callbacks.Error. The error is latched, not
// thrown: it surfaces on the next operation that queries status or would
// otherwise block.
func (c *socketCallbacks) Error(err error) {
	s := (*SocketOperations)(c)
	if s.connState == Closed {
		return
	}
	log.Debugf("socket: engine error: %v", err)
	s.lastError = err
	s.connState = Errored
	s.readiness.Notify(waiter.EventIn | waiter.EventOut | waiter.EventErr)
}
