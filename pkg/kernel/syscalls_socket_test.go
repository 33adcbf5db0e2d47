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
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/netengine"
	"fdbridge.dev/fdbridge/pkg/netengine/fakeengine"
	"fdbridge.dev/fdbridge/pkg/sched/schedtest"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/vfs/ramfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

var listenAddr = netengine.FullAddress{Addr: "10.0.0.1", Port: 80}

// sockFixture is a kernel on the loopback engine and a manual clock, with
// ramfs at / for non-socket descriptors.
type sockFixture struct {
	k      *Kernel
	engine *fakeengine.Engine
	clock  *schedtest.ManualClock
	task   *Task
	ctx    context.Context
}

func newSockFixture(t *testing.T) *sockFixture {
	t.Helper()

	engine := fakeengine.New()
	clock := schedtest.NewManualClock()
	k := New(Config{Engine: engine, Clock: clock})
	if err := k.Mount("/", ramfs.New()); err != nil {
		t.Fatalf("Mount(/): %v", err)
	}
	task, ctx := k.NewTask("nettask")
	t.Cleanup(func() { k.Release(ctx) })
	return &sockFixture{k: k, engine: engine, clock: clock, task: task, ctx: ctx}
}

// listen creates a bound, listening stream socket.
func (f *sockFixture) listen(t *testing.T) int {
	t.Helper()
	fd, err := f.k.Socket(f.ctx, netengine.Stream)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := f.k.Bind(f.ctx, fd, listenAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := f.k.Listen(f.ctx, fd, 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return fd
}

// connectedPair returns (accepted, client) stream descriptors.
func (f *sockFixture) connectedPair(t *testing.T) (int, int) {
	t.Helper()
	lfd := f.listen(t)
	cfd, err := f.k.Socket(f.ctx, netengine.Stream)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := f.k.Connect(f.ctx, cfd, listenAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	afd, _, err := f.k.Accept(f.ctx, lfd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return afd, cfd
}

func TestSocketWithoutEngine(t *testing.T) {
	k := New(Config{})
	_, ctx := k.NewTask("t")
	defer k.Release(ctx)
	if _, err := k.Socket(ctx, netengine.Stream); err != posixerr.EAFNOSUPPORT {
		t.Fatalf("Socket: got %v, want EAFNOSUPPORT", err)
	}
}

func TestSocketCallsRejectFiles(t *testing.T) {
	f := newSockFixture(t)

	fd, err := f.k.Open(f.ctx, "/f", vfs.FileFlags{Write: true, Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.k.Bind(f.ctx, fd, listenAddr); err != posixerr.ENOTSOCK {
		t.Fatalf("Bind(file): got %v, want ENOTSOCK", err)
	}
	if _, err := f.k.Recv(f.ctx, fd, nil); err != posixerr.ENOTSOCK {
		t.Fatalf("Recv(file): got %v, want ENOTSOCK", err)
	}
	if _, err := f.k.GetSockOpt(f.ctx, fd, SockOptError); err != posixerr.ENOTSOCK {
		t.Fatalf("GetSockOpt(file): got %v, want ENOTSOCK", err)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	f := newSockFixture(t)
	afd, cfd := f.connectedPair(t)

	if n, err := f.k.Send(f.ctx, cfd, []byte("ping")); err != nil || n != 4 {
		t.Fatalf("Send: n=%d err=%v", n, err)
	}
	buf := make([]byte, 16)
	n, err := f.k.Recv(f.ctx, afd, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("Recv: got %q", buf[:n])
	}

	if n, err := f.k.Send(f.ctx, afd, []byte("pong")); err != nil || n != 4 {
		t.Fatalf("Send(reply): n=%d err=%v", n, err)
	}
	n, err = f.k.Recv(f.ctx, cfd, buf)
	if err != nil {
		t.Fatalf("Recv(reply): %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("Recv(reply): got %q", buf[:n])
	}

	// Half-closing the client surfaces end-of-stream at the server once
	// buffered data is drained.
	if n, err := f.k.Send(f.ctx, cfd, []byte("last")); err != nil || n != 4 {
		t.Fatalf("Send(last): n=%d err=%v", n, err)
	}
	if err := f.k.ShutdownSocket(f.ctx, cfd); err != nil {
		t.Fatalf("ShutdownSocket: %v", err)
	}
	if n, err := f.k.Recv(f.ctx, afd, buf); err != nil || string(buf[:n]) != "last" {
		t.Fatalf("Recv(drain): %q err=%v", buf[:n], err)
	}
	if n, err := f.k.Recv(f.ctx, afd, buf); err != nil || n != 0 {
		t.Fatalf("Recv at end of stream: n=%d err=%v", n, err)
	}
}

func TestBlockingRecvWokenBySend(t *testing.T) {
	f := newSockFixture(t)
	afd, cfd := f.connectedPair(t)

	go func() {
		time.Sleep(time.Millisecond)
		f.k.Send(f.ctx, cfd, []byte("late"))
	}()
	buf := make([]byte, 8)
	n, err := f.k.Recv(f.ctx, afd, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "late" {
		t.Fatalf("Recv: got %q", buf[:n])
	}
}

func TestRecvTimeout(t *testing.T) {
	f := newSockFixture(t)
	afd, _ := f.connectedPair(t)

	if err := f.k.SetSockOpt(f.ctx, afd, SockOptRecvTimeout, 10); err != nil {
		t.Fatalf("SetSockOpt: %v", err)
	}
	if got, err := f.k.GetSockOpt(f.ctx, afd, SockOptRecvTimeout); err != nil || got != 10 {
		t.Fatalf("GetSockOpt: got (%d, %v)", got, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.k.Recv(f.ctx, afd, make([]byte, 8))
		done <- err
	}()
	for {
		select {
		case err := <-done:
			if err != posixerr.EAGAIN {
				t.Fatalf("Recv after timeout: got %v, want EAGAIN", err)
			}
			return
		default:
			f.clock.Advance(10)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestZeroRecvTimeoutPolls(t *testing.T) {
	f := newSockFixture(t)
	afd, _ := f.connectedPair(t)

	// A zero timeout turns blocking receives into polls.
	if err := f.k.SetSockOpt(f.ctx, afd, SockOptRecvTimeout, 0); err != nil {
		t.Fatalf("SetSockOpt: %v", err)
	}
	if _, err := f.k.Recv(f.ctx, afd, make([]byte, 8)); err != posixerr.EAGAIN {
		t.Fatalf("Recv: got %v, want EAGAIN", err)
	}

	if err := f.k.SetSockOpt(f.ctx, afd, SockOptRecvTimeout, -5); err != posixerr.EINVAL {
		t.Fatalf("SetSockOpt(-5): got %v, want EINVAL", err)
	}
}

func TestRecvBufferOption(t *testing.T) {
	f := newSockFixture(t)
	afd, _ := f.connectedPair(t)

	if err := f.k.SetSockOpt(f.ctx, afd, SockOptRecvBuffer, 4096); err != nil {
		t.Fatalf("SetSockOpt: %v", err)
	}
	if got, err := f.k.GetSockOpt(f.ctx, afd, SockOptRecvBuffer); err != nil || got != 4096 {
		t.Fatalf("GetSockOpt: got (%d, %v)", got, err)
	}
	if err := f.k.SetSockOpt(f.ctx, afd, SockOptRecvBuffer, 0); err != posixerr.EINVAL {
		t.Fatalf("SetSockOpt(0): got %v, want EINVAL", err)
	}
}

func TestNonBlockingSocket(t *testing.T) {
	f := newSockFixture(t)
	lfd := f.listen(t)

	if _, err := f.k.Fcntl(f.ctx, lfd, unix.F_SETFL, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Fcntl: %v", err)
	}
	if _, _, err := f.k.Accept(f.ctx, lfd); err != posixerr.EAGAIN {
		t.Fatalf("non-blocking Accept: got %v, want EAGAIN", err)
	}
}

func TestConnectRefused(t *testing.T) {
	f := newSockFixture(t)

	fd, err := f.k.Socket(f.ctx, netengine.Stream)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	err = f.k.Connect(f.ctx, fd, netengine.FullAddress{Addr: "10.0.0.9", Port: 7})
	if err != posixerr.ECONNREFUSED {
		t.Fatalf("Connect: got %v, want ECONNREFUSED", err)
	}
}

func TestDeferredConnectCompletion(t *testing.T) {
	f := newSockFixture(t)
	f.listen(t)

	fd, err := f.k.Socket(f.ctx, netengine.Stream)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}

	f.engine.HoldConnects()
	go func() {
		time.Sleep(time.Millisecond)
		f.engine.ReleaseConnects()
	}()
	// The blocking connect suspends until the engine finishes the
	// handshake.
	if err := f.k.Connect(f.ctx, fd, listenAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := f.k.GetPeerName(f.ctx, fd); err != nil {
		t.Fatalf("GetPeerName: %v", err)
	}
}

func TestConnectingSocketNotWritable(t *testing.T) {
	f := newSockFixture(t)
	f.listen(t)

	fd, err := f.k.Socket(f.ctx, netengine.Stream)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if _, err := f.k.Fcntl(f.ctx, fd, unix.F_SETFL, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Fcntl: %v", err)
	}

	// A stream socket has no handshake behind it yet; writability means
	// the handshake completed, so a fresh socket must poll not-ready.
	descs := []PollDesc{{FD: fd, Events: waiter.EventOut}}
	if n, err := f.k.Poll(f.ctx, descs, 0); err != nil || n != 0 {
		t.Fatalf("Poll(new stream socket): got (%d, %v) revents=%#x, want 0 ready", n, err, descs[0].Revents)
	}

	f.engine.HoldConnects()
	if err := f.k.Connect(f.ctx, fd, listenAddr); err != posixerr.EINPROGRESS {
		t.Fatalf("Connect: got %v, want EINPROGRESS", err)
	}
	if n, err := f.k.Poll(f.ctx, descs, 0); err != nil || n != 0 {
		t.Fatalf("Poll(connecting socket): got (%d, %v) revents=%#x, want 0 ready", n, err, descs[0].Revents)
	}

	f.engine.ReleaseConnects()
	if n, err := f.k.Poll(f.ctx, descs, 0); err != nil || n != 1 || descs[0].Revents&waiter.EventOut == 0 {
		t.Fatalf("Poll(connected socket): got (%d, %v) revents=%#x, want writable", n, err, descs[0].Revents)
	}
	if err := f.k.Connect(f.ctx, fd, listenAddr); err != posixerr.EISCONN {
		t.Fatalf("Connect after completion: got %v, want EISCONN", err)
	}

	// Datagram sockets need no handshake and are writable at once.
	dfd, err := f.k.Socket(f.ctx, netengine.Datagram)
	if err != nil {
		t.Fatalf("Socket(datagram): %v", err)
	}
	ddescs := []PollDesc{{FD: dfd, Events: waiter.EventOut}}
	if n, err := f.k.Poll(f.ctx, ddescs, 0); err != nil || n != 1 {
		t.Fatalf("Poll(datagram socket): got (%d, %v), want 1 ready", n, err)
	}
}

func TestDatagramExchange(t *testing.T) {
	f := newSockFixture(t)

	aAddr := netengine.FullAddress{Addr: "10.0.0.1", Port: 2000}
	bAddr := netengine.FullAddress{Addr: "10.0.0.1", Port: 2001}

	afd, err := f.k.Socket(f.ctx, netengine.Datagram)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	bfd, err := f.k.Socket(f.ctx, netengine.Datagram)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := f.k.Bind(f.ctx, afd, aAddr); err != nil {
		t.Fatalf("Bind(a): %v", err)
	}
	if err := f.k.Bind(f.ctx, bfd, bAddr); err != nil {
		t.Fatalf("Bind(b): %v", err)
	}

	if n, err := f.k.SendTo(f.ctx, afd, []byte("dgram"), bAddr); err != nil || n != 5 {
		t.Fatalf("SendTo: n=%d err=%v", n, err)
	}
	buf := make([]byte, 16)
	n, from, err := f.k.RecvFrom(f.ctx, bfd, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "dgram" {
		t.Fatalf("RecvFrom: got %q", buf[:n])
	}
	if from != aAddr {
		t.Fatalf("RecvFrom: from %v, want %v", from, aAddr)
	}

	// Unconnected datagram sends need a destination.
	if _, err := f.k.Send(f.ctx, afd, []byte("x")); err != posixerr.EDESTADDRREQ {
		t.Fatalf("Send without destination: got %v, want EDESTADDRREQ", err)
	}
	if _, err := f.k.SendTo(f.ctx, afd, []byte("x"), netengine.FullAddress{Addr: "10.9.9.9", Port: 1}); err != posixerr.EHOSTUNREACH {
		t.Fatalf("SendTo(unreachable): got %v, want EHOSTUNREACH", err)
	}
}

func TestSocketAddresses(t *testing.T) {
	f := newSockFixture(t)
	afd, cfd := f.connectedPair(t)

	local, err := f.k.GetSockName(f.ctx, afd)
	if err != nil {
		t.Fatalf("GetSockName(accepted): %v", err)
	}
	if local != listenAddr {
		t.Fatalf("GetSockName(accepted): %v, want %v", local, listenAddr)
	}
	peer, err := f.k.GetPeerName(f.ctx, cfd)
	if err != nil {
		t.Fatalf("GetPeerName(client): %v", err)
	}
	if peer != listenAddr {
		t.Fatalf("GetPeerName(client): %v, want %v", peer, listenAddr)
	}
	// The client was auto-bound to an ephemeral port.
	clientLocal, err := f.k.GetSockName(f.ctx, cfd)
	if err != nil {
		t.Fatalf("GetSockName(client): %v", err)
	}
	if clientLocal.Port == 0 {
		t.Fatalf("client not auto-bound: %v", clientLocal)
	}
}

func TestSockOptErrorLatches(t *testing.T) {
	f := newSockFixture(t)
	afd, _ := f.connectedPair(t)

	file, s, err := f.k.sockOps(f.ctx, afd)
	if err != nil {
		t.Fatalf("sockOps: %v", err)
	}
	defer file.DecRef(f.ctx)
	f.engine.InjectError(s.ControlBlock(), posixerr.ECONNRESET)

	got, err := f.k.GetSockOpt(f.ctx, afd, SockOptError)
	if err != nil {
		t.Fatalf("GetSockOpt: %v", err)
	}
	if unix.Errno(got) != unix.ECONNRESET {
		t.Fatalf("GetSockOpt(Error): got %d, want ECONNRESET", got)
	}
	// The error is consumed by the query.
	got, err = f.k.GetSockOpt(f.ctx, afd, SockOptError)
	if err != nil || got != 0 {
		t.Fatalf("second GetSockOpt(Error): got (%d, %v), want (0, nil)", got, err)
	}
}
