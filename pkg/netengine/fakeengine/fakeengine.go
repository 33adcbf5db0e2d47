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

// Package fakeengine provides an in-memory netengine.Engine. Connections are
// looped back inside the process; it backs the socket adapter's tests and
// standalone use without a protocol stack.
package fakeengine

import (
	"sync"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/netengine"
)

const (
	firstEphemeralPort = 49152

	// DefaultSendWindow is how many bytes a control block accepts per
	// Send before reporting partial acceptance.
	DefaultSendWindow = 64 << 10
)

// Engine is an in-memory loopback engine. Its critical section is a plain
// mutex; all control block methods and all event delivery run under it.
type Engine struct {
	mu sync.Mutex

	bound    map[netengine.FullAddress]*controlBlock
	nextPort uint16

	sendWindow int

	// held connect completions, when connect holding is enabled.
	holdConnects bool
	heldConnects []func()
}

var _ netengine.Engine = (*Engine)(nil)

// New creates an Engine.
func New() *Engine {
	return &Engine{
		bound:      make(map[netengine.FullAddress]*controlBlock),
		nextPort:   firstEphemeralPort,
		sendWindow: DefaultSendWindow,
	}
}

// Lock implements netengine.Engine.Lock.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock implements netengine.Engine.Unlock.
func (e *Engine) Unlock() { e.mu.Unlock() }

// NewControlBlock implements netengine.Engine.NewControlBlock.
func (e *Engine) NewControlBlock(proto netengine.Protocol) (netengine.ControlBlock, error) {
	if proto != netengine.Stream && proto != netengine.Datagram {
		return nil, posixerr.EPROTONOSUPPORT
	}
	return &controlBlock{e: e, proto: proto}, nil
}

// SetSendWindow caps how many bytes Send accepts at once. Takes effect for
// subsequent sends.
func (e *Engine) SetSendWindow(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendWindow = n
}

// HoldConnects makes Connect leave handshakes pending until
// ReleaseConnects, so callers can observe the connecting state.
func (e *Engine) HoldConnects() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdConnects = true
}

// ReleaseConnects completes all held handshakes.
func (e *Engine) ReleaseConnects() {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := e.heldConnects
	e.heldConnects = nil
	e.holdConnects = false
	for _, f := range held {
		f()
	}
}

// controlBlock implements netengine.ControlBlock. Guarded by e.mu.
type controlBlock struct {
	e     *Engine
	proto netengine.Protocol

	cb      netengine.Callbacks
	pending []func(netengine.Callbacks)

	local   netengine.FullAddress
	bndOK   bool
	peer    *controlBlock
	listens bool
	backlog int
	queued  int
	closed  bool
}

var _ netengine.ControlBlock = (*controlBlock)(nil)

// deliver invokes f against the attached callbacks, or queues it until
// SetCallbacks. e.mu must be held.
func (c *controlBlock) deliver(f func(netengine.Callbacks)) {
	if c.closed {
		return
	}
	if c.cb == nil {
		c.pending = append(c.pending, f)
		return
	}
	f(c.cb)
}

// SetCallbacks implements netengine.ControlBlock.SetCallbacks.
func (c *controlBlock) SetCallbacks(cb netengine.Callbacks) {
	c.cb = cb
	pending := c.pending
	c.pending = nil
	for _, f := range pending {
		f(cb)
	}
}

// Bind implements netengine.ControlBlock.Bind.
func (c *controlBlock) Bind(addr netengine.FullAddress) error {
	if c.closed {
		return posixerr.EINVAL
	}
	if c.bndOK {
		return posixerr.EINVAL
	}
	if _, taken := c.e.bound[addr]; taken {
		return posixerr.EADDRINUSE
	}
	c.local = addr
	c.bndOK = true
	c.e.bound[addr] = c
	return nil
}

// autoBind assigns an ephemeral local address. e.mu must be held.
func (c *controlBlock) autoBind() error {
	if c.bndOK {
		return nil
	}
	for i := 0; i < 0x10000; i++ {
		port := c.e.nextPort
		c.e.nextPort++
		if c.e.nextPort == 0 {
			c.e.nextPort = firstEphemeralPort
		}
		addr := netengine.FullAddress{Addr: "", Port: port}
		if _, taken := c.e.bound[addr]; !taken {
			return c.Bind(addr)
		}
	}
	return posixerr.EADDRNOTAVAIL
}

// Connect implements netengine.ControlBlock.Connect.
func (c *controlBlock) Connect(addr netengine.FullAddress) error {
	if c.closed {
		return posixerr.EINVAL
	}
	if c.peer != nil {
		return posixerr.EISCONN
	}
	if c.proto == netengine.Datagram {
		// Datagram connect only fixes the default destination.
		if err := c.autoBind(); err != nil {
			return err
		}
		c.peer = c.e.lookup(addr)
		if c.peer == nil {
			return posixerr.EHOSTUNREACH
		}
		return nil
	}

	listener := c.e.lookup(addr)
	if listener == nil || !listener.listens {
		return posixerr.ECONNREFUSED
	}
	if listener.queued >= listener.backlog {
		return posixerr.ECONNREFUSED
	}
	if err := c.autoBind(); err != nil {
		return err
	}

	complete := func() {
		if c.closed || listener.closed {
			c.deliver(func(cb netengine.Callbacks) { cb.Error(posixerr.ECONNRESET) })
			return
		}
		server := &controlBlock{
			e:     c.e,
			proto: netengine.Stream,
			local: listener.local,
			bndOK: true,
			peer:  c,
		}
		c.peer = server
		listener.queued++
		remote := c.local
		listener.deliver(func(cb netengine.Callbacks) { cb.Accepted(server, remote) })
		listener.queued--
		c.deliver(func(cb netengine.Callbacks) { cb.Connected(nil) })
	}
	if c.e.holdConnects {
		c.e.heldConnects = append(c.e.heldConnects, complete)
		return nil
	}
	complete()
	return nil
}

// lookup finds the control block bound at addr. e.mu must be held.
func (e *Engine) lookup(addr netengine.FullAddress) *controlBlock {
	if cb, ok := e.bound[addr]; ok {
		return cb
	}
	// Wildcard-bound listeners match any destination address.
	if cb, ok := e.bound[netengine.FullAddress{Addr: "", Port: addr.Port}]; ok {
		return cb
	}
	return nil
}

// Listen implements netengine.ControlBlock.Listen.
func (c *controlBlock) Listen(backlog int) error {
	if c.closed || !c.bndOK || c.proto != netengine.Stream {
		return posixerr.EINVAL
	}
	if backlog < 1 {
		backlog = 1
	}
	c.listens = true
	c.backlog = backlog
	return nil
}

// Send implements netengine.ControlBlock.Send.
func (c *controlBlock) Send(b []byte, to *netengine.FullAddress) (int, error) {
	if c.closed {
		return 0, posixerr.EINVAL
	}

	dst := c.peer
	var remote netengine.FullAddress
	switch c.proto {
	case netengine.Stream:
		if to != nil {
			return 0, posixerr.EISCONN
		}
		if dst == nil {
			return 0, posixerr.ENOTCONN
		}
	case netengine.Datagram:
		if to != nil {
			dst = c.e.lookup(*to)
		}
		if dst == nil {
			if to == nil {
				return 0, posixerr.EDESTADDRREQ
			}
			return 0, posixerr.EHOSTUNREACH
		}
		if err := c.autoBind(); err != nil {
			return 0, err
		}
	}
	remote = c.local

	n := len(b)
	if c.proto == netengine.Stream && n > c.e.sendWindow {
		n = c.e.sendWindow
	}
	data := make([]byte, n)
	copy(data, b[:n])
	seg := &netengine.Segment{Data: data, Remote: remote, Release: func() {}}
	dst.deliver(func(cb netengine.Callbacks) { cb.SegmentReceived(seg) })
	if n < len(b) {
		// The window reopens immediately once the short push returns.
		src := c
		src.deliver(func(cb netengine.Callbacks) { cb.SendReady() })
	}
	return n, nil
}

// Shutdown implements netengine.ControlBlock.Shutdown.
func (c *controlBlock) Shutdown() error {
	if c.closed {
		return posixerr.EINVAL
	}
	if c.proto == netengine.Stream && c.peer != nil {
		c.peer.deliver(func(cb netengine.Callbacks) { cb.RemoteClosed() })
	}
	return nil
}

// Close implements netengine.ControlBlock.Close.
func (c *controlBlock) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.bndOK {
		delete(c.e.bound, c.local)
	}
	if c.proto == netengine.Stream && c.peer != nil && !c.peer.closed {
		c.peer.deliver(func(cb netengine.Callbacks) { cb.RemoteClosed() })
		c.peer.peer = nil
	}
	c.peer = nil
	c.cb = nil
	c.pending = nil
}

// LocalAddress implements netengine.ControlBlock.LocalAddress.
func (c *controlBlock) LocalAddress() (netengine.FullAddress, error) {
	if !c.bndOK {
		return netengine.FullAddress{}, posixerr.EINVAL
	}
	return c.local, nil
}

// RemoteAddress implements netengine.ControlBlock.RemoteAddress.
func (c *controlBlock) RemoteAddress() (netengine.FullAddress, error) {
	if c.peer == nil {
		return netengine.FullAddress{}, posixerr.ENOTCONN
	}
	return c.peer.local, nil
}

// InjectSegment delivers a segment to c as if it arrived from the network.
// Test helper; takes the critical section itself.
func (e *Engine) InjectSegment(cb netengine.ControlBlock, data []byte, remote netengine.FullAddress) {
	c := cb.(*controlBlock)
	e.mu.Lock()
	defer e.mu.Unlock()
	seg := &netengine.Segment{Data: data, Remote: remote, Release: func() {}}
	c.deliver(func(cbs netengine.Callbacks) { cbs.SegmentReceived(seg) })
}

// InjectError delivers a fatal protocol error to c. Test helper.
func (e *Engine) InjectError(cb netengine.ControlBlock, err error) {
	c := cb.(*controlBlock)
	e.mu.Lock()
	defer e.mu.Unlock()
	c.deliver(func(cbs netengine.Callbacks) { cbs.Error(err) })
}

// InjectRemoteClose delivers a remote half-close to c. Test helper.
func (e *Engine) InjectRemoteClose(cb netengine.ControlBlock) {
	c := cb.(*controlBlock)
	e.mu.Lock()
	defer e.mu.Unlock()
	c.deliver(func(cbs netengine.Callbacks) { cbs.RemoteClosed() })
}
