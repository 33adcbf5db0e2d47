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

package socket_test

import (
	"bytes"
	"context"
	"testing"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/netengine"
	"fdbridge.dev/fdbridge/pkg/netengine/fakeengine"
	"fdbridge.dev/fdbridge/pkg/socket"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

var serverAddr = netengine.FullAddress{Addr: "10.0.0.1", Port: 80}

// connectedPair returns a connected client and server socket over a fresh
// fake engine. The returned files are closed by the test cleanup.
func connectedPair(t *testing.T) (*fakeengine.Engine, *socket.SocketOperations, *socket.SocketOperations) {
	t.Helper()
	e := fakeengine.New()

	lf, ls, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New(listener): %v", err)
	}
	if err := ls.Bind(serverAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ls.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cf, cs, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	if err := cs.Connect(serverAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sf, _, err := ls.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	ss := sf.FileOperations().(*socket.SocketOperations)

	t.Cleanup(func() {
		ctx := context.Background()
		cf.DecRef(ctx)
		sf.DecRef(ctx)
		lf.DecRef(ctx)
	})
	return e, cs, ss
}

func TestStreamCoalescesSegments(t *testing.T) {
	_, cs, ss := connectedPair(t)

	// Two segments of 10 and 20 bytes arrive in order.
	seg1 := bytes.Repeat([]byte{'a'}, 10)
	seg2 := bytes.Repeat([]byte{'b'}, 20)
	if n, err := ss.SendMsg(seg1, nil); err != nil || n != 10 {
		t.Fatalf("SendMsg(seg1): got (%d, %v), want (10, nil)", n, err)
	}
	if n, err := ss.SendMsg(seg2, nil); err != nil || n != 20 {
		t.Fatalf("SendMsg(seg2): got (%d, %v), want (20, nil)", n, err)
	}

	// A 25-byte read spans both segments in order.
	dst := make([]byte, 25)
	n, _, err := cs.RecvMsg(dst)
	if err != nil || n != 25 {
		t.Fatalf("RecvMsg: got (%d, %v), want (25, nil)", n, err)
	}
	want := append(append([]byte{}, seg1...), seg2[:15]...)
	if !bytes.Equal(dst, want) {
		t.Fatalf("RecvMsg returned %q, want %q", dst, want)
	}

	// Exactly the remaining 5 bytes are buffered.
	dst = make([]byte, 25)
	n, _, err = cs.RecvMsg(dst)
	if err != nil || n != 5 {
		t.Fatalf("second RecvMsg: got (%d, %v), want (5, nil)", n, err)
	}
	if !bytes.Equal(dst[:n], seg2[15:]) {
		t.Fatalf("second RecvMsg returned %q, want %q", dst[:n], seg2[15:])
	}

	// The queue is empty again.
	if _, _, err := cs.RecvMsg(dst); err != posixerr.ErrWouldBlock {
		t.Fatalf("RecvMsg on empty queue: got %v, want ErrWouldBlock", err)
	}
}

func TestPeerClosedDrainsBeforeEOF(t *testing.T) {
	e, cs, ss := connectedPair(t)

	if _, err := ss.SendMsg([]byte("abc"), nil); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	e.InjectRemoteClose(cs.ControlBlock())

	if got := cs.ConnState(); got != socket.PeerClosed {
		t.Fatalf("ConnState: got %v, want %v", got, socket.PeerClosed)
	}

	// Buffered bytes come out first, in order.
	dst := make([]byte, 16)
	n, _, err := cs.RecvMsg(dst)
	if err != nil || n != 3 {
		t.Fatalf("RecvMsg: got (%d, %v), want (3, nil)", n, err)
	}
	if string(dst[:n]) != "abc" {
		t.Fatalf("RecvMsg returned %q, want %q", dst[:n], "abc")
	}

	// Only then end-of-stream.
	if n, _, err := cs.RecvMsg(dst); err != nil || n != 0 {
		t.Fatalf("RecvMsg at EOF: got (%d, %v), want (0, nil)", n, err)
	}
}

func TestLatchedErrorSurfacesOnce(t *testing.T) {
	e, cs, _ := connectedPair(t)

	e.InjectError(cs.ControlBlock(), posixerr.ECONNRESET)
	if got := cs.ConnState(); got != socket.Errored {
		t.Fatalf("ConnState: got %v, want %v", got, socket.Errored)
	}

	dst := make([]byte, 8)
	if _, _, err := cs.RecvMsg(dst); err != posixerr.ECONNRESET {
		t.Fatalf("first RecvMsg: got %v, want ECONNRESET", err)
	}
	// The latch is clear; subsequent reads see end-of-stream, not the
	// error again.
	if n, _, err := cs.RecvMsg(dst); err != nil || n != 0 {
		t.Fatalf("second RecvMsg: got (%d, %v), want (0, nil)", n, err)
	}
}

func TestLatchedErrorViaStatusQuery(t *testing.T) {
	e, cs, _ := connectedPair(t)

	e.InjectError(cs.ControlBlock(), posixerr.ECONNRESET)
	if err := cs.LatchedError(); err != posixerr.ECONNRESET {
		t.Fatalf("LatchedError: got %v, want ECONNRESET", err)
	}
	if err := cs.LatchedError(); err != nil {
		t.Fatalf("second LatchedError: got %v, want nil", err)
	}
}

func TestReadinessTracksQueue(t *testing.T) {
	_, cs, ss := connectedPair(t)

	if got := cs.Readiness(waiter.EventIn); got != 0 {
		t.Fatalf("Readiness before data: got %#x, want 0", got)
	}
	if _, err := ss.SendMsg([]byte("x"), nil); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if got := cs.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Fatalf("Readiness with data: got %#x, want %#x", got, waiter.EventIn)
	}

	dst := make([]byte, 4)
	if _, _, err := cs.RecvMsg(dst); err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if got := cs.Readiness(waiter.EventIn); got != 0 {
		t.Fatalf("Readiness after drain: got %#x, want 0", got)
	}
}

func TestReadinessNotifiesWaiter(t *testing.T) {
	_, cs, ss := connectedPair(t)

	e, ch := waiter.NewChannelEntry(nil)
	cs.EventRegister(&e, waiter.EventIn)
	defer cs.EventUnregister(&e)

	if _, err := ss.SendMsg([]byte("x"), nil); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("waiter not notified on segment delivery")
	}
}

func TestConnectLifecycle(t *testing.T) {
	e := fakeengine.New()

	lf, ls, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New(listener): %v", err)
	}
	defer lf.DecRef(context.Background())
	if err := ls.Bind(serverAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ls.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cf, cs, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	defer cf.DecRef(context.Background())

	e.HoldConnects()
	if err := cs.Connect(serverAddr); err != posixerr.EINPROGRESS {
		t.Fatalf("Connect with held handshake: got %v, want EINPROGRESS", err)
	}
	if got := cs.ConnState(); got != socket.Connecting {
		t.Fatalf("ConnState: got %v, want %v", got, socket.Connecting)
	}
	if err := cs.Connect(serverAddr); err != posixerr.EALREADY {
		t.Fatalf("second Connect: got %v, want EALREADY", err)
	}
	if err := cs.FinishConnect(); err != posixerr.ErrWouldBlock {
		t.Fatalf("FinishConnect while connecting: got %v, want ErrWouldBlock", err)
	}

	e.ReleaseConnects()
	if err := cs.FinishConnect(); err != nil {
		t.Fatalf("FinishConnect after handshake: %v", err)
	}
	if got := cs.ConnState(); got != socket.Connected {
		t.Fatalf("ConnState: got %v, want %v", got, socket.Connected)
	}
	if err := cs.Connect(serverAddr); err != posixerr.EISCONN {
		t.Fatalf("Connect while connected: got %v, want EISCONN", err)
	}
}

func TestConnectRefused(t *testing.T) {
	e := fakeengine.New()
	cf, cs, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cf.DecRef(context.Background())

	if err := cs.Connect(netengine.FullAddress{Addr: "10.9.9.9", Port: 1}); err != posixerr.ECONNREFUSED {
		t.Fatalf("Connect to nothing: got %v, want ECONNREFUSED", err)
	}
}

func TestAcceptQueue(t *testing.T) {
	e := fakeengine.New()
	ctx := context.Background()

	lf, ls, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New(listener): %v", err)
	}
	defer lf.DecRef(ctx)
	if err := ls.Bind(serverAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ls.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if _, _, err := ls.Accept(); err != posixerr.ErrWouldBlock {
		t.Fatalf("Accept with no pending connections: got %v, want ErrWouldBlock", err)
	}

	var clients []*vfs.File
	for i := 0; i < 2; i++ {
		cf, cs, err := socket.New(e, netengine.Stream)
		if err != nil {
			t.Fatalf("New(client %d): %v", i, err)
		}
		clients = append(clients, cf)
		if err := cs.Connect(serverAddr); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	defer func() {
		for _, cf := range clients {
			cf.DecRef(ctx)
		}
	}()

	if got := ls.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Fatalf("listener Readiness: got %#x, want %#x", got, waiter.EventIn)
	}
	for i := 0; i < 2; i++ {
		peer, _, err := ls.Accept()
		if err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
		peer.DecRef(ctx)
	}
	if _, _, err := ls.Accept(); err != posixerr.ErrWouldBlock {
		t.Fatalf("Accept on drained queue: got %v, want ErrWouldBlock", err)
	}
}

func TestDatagramPreservesBoundariesAndSource(t *testing.T) {
	e := fakeengine.New()
	ctx := context.Background()

	aAddr := netengine.FullAddress{Addr: "10.0.0.1", Port: 1000}
	bAddr := netengine.FullAddress{Addr: "10.0.0.2", Port: 2000}

	af, as, err := socket.New(e, netengine.Datagram)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	defer af.DecRef(ctx)
	bf, bs, err := socket.New(e, netengine.Datagram)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	defer bf.DecRef(ctx)

	if err := as.Bind(aAddr); err != nil {
		t.Fatalf("Bind(a): %v", err)
	}
	if err := bs.Bind(bAddr); err != nil {
		t.Fatalf("Bind(b): %v", err)
	}

	if _, err := as.SendMsg([]byte("hello"), &bAddr); err != nil {
		t.Fatalf("SendMsg(hello): %v", err)
	}
	if _, err := as.SendMsg([]byte("world!"), &bAddr); err != nil {
		t.Fatalf("SendMsg(world!): %v", err)
	}

	// Datagram reads pop one message each, never coalescing; a short
	// buffer truncates and discards the rest of that message.
	dst := make([]byte, 3)
	n, from, err := bs.RecvMsg(dst)
	if err != nil || n != 3 {
		t.Fatalf("RecvMsg: got (%d, %v), want (3, nil)", n, err)
	}
	if string(dst) != "hel" {
		t.Fatalf("RecvMsg returned %q, want %q", dst, "hel")
	}
	if from != aAddr {
		t.Fatalf("RecvMsg source: got %v, want %v", from, aAddr)
	}

	dst = make([]byte, 16)
	n, _, err = bs.RecvMsg(dst)
	if err != nil || string(dst[:n]) != "world!" {
		t.Fatalf("second RecvMsg: got (%q, %v), want (%q, nil)", dst[:n], err, "world!")
	}
}

func TestSendPartialAcceptance(t *testing.T) {
	e, cs, _ := connectedPair(t)
	e.SetSendWindow(4)

	n, err := cs.SendMsg([]byte("0123456789"), nil)
	if err != nil || n != 4 {
		t.Fatalf("SendMsg with window 4: got (%d, %v), want (4, nil)", n, err)
	}
}

func TestSendOnPeerClosed(t *testing.T) {
	e, cs, _ := connectedPair(t)

	e.InjectRemoteClose(cs.ControlBlock())
	if _, err := cs.SendMsg([]byte("x"), nil); err != posixerr.EPIPE {
		t.Fatalf("SendMsg after remote close: got %v, want EPIPE", err)
	}
}

func TestStreamRecvUnconnected(t *testing.T) {
	e := fakeengine.New()
	cf, cs, err := socket.New(e, netengine.Stream)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cf.DecRef(context.Background())

	if _, _, err := cs.RecvMsg(make([]byte, 4)); err != posixerr.ENOTCONN {
		t.Fatalf("RecvMsg unconnected: got %v, want ENOTCONN", err)
	}
	if _, err := cs.SendMsg([]byte("x"), nil); err != posixerr.ENOTCONN {
		t.Fatalf("SendMsg unconnected: got %v, want ENOTCONN", err)
	}
}

func TestAddresses(t *testing.T) {
	_, cs, ss := connectedPair(t)

	local, err := cs.LocalAddress()
	if err != nil {
		t.Fatalf("LocalAddress: %v", err)
	}
	remote, err := ss.RemoteAddress()
	if err != nil {
		t.Fatalf("RemoteAddress: %v", err)
	}
	if local != remote {
		t.Fatalf("client local %v != server remote %v", local, remote)
	}
	if peer, err := cs.RemoteAddress(); err != nil || peer != serverAddr {
		t.Fatalf("client RemoteAddress: got (%v, %v), want (%v, nil)", peer, err, serverAddr)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	_, cs, ss := connectedPair(t)

	// Queue a segment so Release has something to drain.
	if _, err := ss.SendMsg([]byte("pending"), nil); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	cs.Release(context.Background())
	if got := cs.ConnState(); got != socket.Closed {
		t.Fatalf("ConnState after Release: got %v, want %v", got, socket.Closed)
	}
	if _, _, err := cs.RecvMsg(make([]byte, 4)); err != posixerr.EINVAL {
		t.Fatalf("RecvMsg after close: got %v, want EINVAL", err)
	}
	// Idempotent.
	cs.Release(context.Background())
}

func TestDatagramReceiveBufferCap(t *testing.T) {
	e := fakeengine.New()

	aAddr := netengine.FullAddress{Addr: "10.0.0.1", Port: 5000}
	bAddr := netengine.FullAddress{Addr: "10.0.0.1", Port: 5001}

	af, as, err := socket.New(e, netengine.Datagram)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	bf, bs, err := socket.New(e, netengine.Datagram)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		af.DecRef(ctx)
		bf.DecRef(ctx)
	})
	if err := as.Bind(aAddr); err != nil {
		t.Fatalf("Bind(a): %v", err)
	}
	if err := bs.Bind(bAddr); err != nil {
		t.Fatalf("Bind(b): %v", err)
	}

	bs.SetRecvBufLimit(8)
	if got := bs.RecvBufLimit(); got != 8 {
		t.Fatalf("RecvBufLimit: got %d, want 8", got)
	}

	// The first datagram fits; the second would overflow and is dropped.
	if _, err := as.SendMsg([]byte("first!"), &bAddr); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if _, err := as.SendMsg([]byte("second"), &bAddr); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	dst := make([]byte, 16)
	n, from, err := bs.RecvMsg(dst)
	if err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if string(dst[:n]) != "first!" || from != aAddr {
		t.Fatalf("RecvMsg: got (%q, %v)", dst[:n], from)
	}
	if _, _, err := bs.RecvMsg(dst); err != posixerr.ErrWouldBlock {
		t.Fatalf("RecvMsg after drop: got %v, want ErrWouldBlock", err)
	}
}
