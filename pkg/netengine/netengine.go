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

// Package netengine defines the interface to the network protocol engine.
//
// The engine runs independently of the tasks using it and delivers data and
// connection-state changes through callbacks. All callbacks run with the
// engine's global critical section held. Task-context code must hold the
// same critical section (Engine.Lock) around any call into a ControlBlock
// and around any state it shares with callbacks; a separate lock would race
// against the engine's internal processing.
package netengine

import "fmt"

// Protocol selects the transport semantics of a control block.
type Protocol int

const (
	// Stream is a connection-oriented, ordered byte stream.
	Stream Protocol = iota

	// Datagram is a connectionless message transport preserving record
	// boundaries and per-message source addressing.
	Datagram
)

// String implements fmt.Stringer.String.
func (p Protocol) String() string {
	switch p {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Address is a network-layer address in engine-native form.
type Address string

// FullAddress is a complete transport endpoint address.
type FullAddress struct {
	Addr Address
	Port uint16
}

// String implements fmt.Stringer.String.
func (a FullAddress) String() string {
	return fmt.Sprintf("%s:%d", string(a.Addr), a.Port)
}

// Segment is one unit of received data. The engine retains ownership of the
// backing buffer until Release is called; consumers read Data in place and
// release once fully drained.
type Segment struct {
	// Data is the payload. Valid until Release.
	Data []byte

	// Remote is the sender's address. Only meaningful for Datagram
	// control blocks.
	Remote FullAddress

	// Release returns the backing buffer to the engine. May be nil.
	Release func()
}

// Callbacks is implemented by control block owners to receive engine events.
// Every method is invoked with the engine's critical section held and must
// not block, allocate unboundedly, or call back into the ControlBlock.
type Callbacks interface {
	// Connected reports completion of a connect handshake. err is nil on
	// success.
	Connected(err error)

	// Accepted delivers a new control block for an accepted connection
	// on a listening block. The receiver must attach callbacks to peer
	// (via peer.SetCallbacks) before releasing the critical section, or
	// close it.
	Accepted(peer ControlBlock, remote FullAddress)

	// SegmentReceived delivers received data in arrival order.
	SegmentReceived(seg *Segment)

	// SendReady reports that the engine's accept window reopened after a
	// short push.
	SendReady()

	// RemoteClosed reports that the peer half-closed the connection.
	// Previously delivered segments remain valid.
	RemoteClosed()

	// Error reports a fatal protocol error (e.g. a connection reset).
	// No further callbacks follow.
	Error(err error)
}

// ControlBlock is the engine-owned state of one transport endpoint. All
// methods require the engine's critical section.
type ControlBlock interface {
	// SetCallbacks attaches the event receiver. Events arriving before
	// the first SetCallbacks are queued by the engine.
	SetCallbacks(cb Callbacks)

	// Bind assigns the local address.
	Bind(addr FullAddress) error

	// Connect starts a handshake to addr. Completion is reported via
	// Callbacks.Connected.
	Connect(addr FullAddress) error

	// Listen makes the block accept incoming connections, reported via
	// Callbacks.Accepted.
	Listen(backlog int) error

	// Send queues data for transmission and returns how much the engine
	// accepted; partial acceptance is legal. to is required for
	// unconnected Datagram blocks and must be nil for Stream blocks.
	Send(b []byte, to *FullAddress) (int, error)

	// Shutdown half-closes the write side.
	Shutdown() error

	// Close releases the block. After Close returns no further
	// callbacks arrive.
	Close()

	// LocalAddress returns the bound local address.
	LocalAddress() (FullAddress, error)

	// RemoteAddress returns the connected peer's address.
	RemoteAddress() (FullAddress, error)
}

// Engine creates control blocks and exposes the global critical section
// shared with callback execution.
type Engine interface {
	// Lock enters the engine's critical section.
	Lock()

	// Unlock leaves the engine's critical section.
	Unlock()

	// NewControlBlock creates an endpoint for the given protocol. The
	// caller attaches callbacks under the critical section.
	NewControlBlock(proto Protocol) (ControlBlock, error)
}
