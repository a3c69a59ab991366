// Copyright 2023 Kami
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

package transport

import (
	"net"
	"time"

	"github.com/nexusreactor/nexus/reactor"
)

// StreamHandler is the contract a TCP protocol implementation provides to
// the core (spec.md §6 "Handler contract").
type StreamHandler interface {
	// Receive is called on the worker thread with plaintext bytes in read
	// mode. The handler consumes as much as it can parse and returns the
	// number of bytes consumed; any unconsumed prefix is preserved for the
	// next call.
	Receive(data []byte) (consumed int)
	// OnHandshakeComplete fires once per TLS activation.
	OnHandshakeComplete(alpn string)
	// Disconnected fires when the peer closes or EOF is observed.
	Disconnected()
	// OnConnected fires for client endpoints after connect (and, for
	// immediately-secure clients, after handshake).
	OnConnected()
	// OnConnectFailed is mutually exclusive with OnConnected.
	OnConnectFailed(err error)
}

// StreamHandlerBase supplies no-op defaults for StreamHandler so protocol
// implementations only need to override what they care about, the same way
// the teacher's ServiceFunc adapts a bare function to the Service contract.
type StreamHandlerBase struct{}

func (StreamHandlerBase) Receive(data []byte) (consumed int) { return len(data) }
func (StreamHandlerBase) OnHandshakeComplete(alpn string)     {}
func (StreamHandlerBase) Disconnected()                       {}
func (StreamHandlerBase) OnConnected()                        {}
func (StreamHandlerBase) OnConnectFailed(err error)            {}

// Binder is an optional StreamHandler extension: when implemented, the core
// calls Bind with the endpoint's Handle immediately after construction and
// before any other callback, so the handler can call Send/Close/StartTLS
// from within Receive.
type Binder interface {
	Bind(h Handle)
}

// DatagramHandler is the contract a UDP protocol implementation provides.
type DatagramHandler interface {
	// ReceiveFrom is called on the worker thread for each inbound packet.
	ReceiveFrom(data []byte, addr net.Addr)
}

// DatagramSenderBinder is an optional DatagramHandler extension: when
// implemented, BindDatagram calls SetSender with the owning
// DatagramEndpoint's SendTo method immediately after construction.
type DatagramSenderBinder interface {
	SetSender(send func(data []byte, addr net.Addr) error)
}

// Handle is the contract exposed to handlers (spec.md §4.3, §6).
type Handle interface {
	// Send queues plaintext for delivery; if secure, it is routed through
	// TlsSession.wrap first.
	Send(data []byte) error
	// Close is idempotent; the underlying socket closes once the outgoing
	// buffer drains.
	Close() error
	// StartTLS upgrades a plaintext endpoint configured with a TLS engine.
	// Illegal on an already-secure endpoint or one with no TLS engine.
	StartTLS() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Secure reports whether tls_session != nil, the spec.md §8 invariant.
	Secure() bool
	// SecurityInfo returns TLS metadata once the handshake has completed.
	SecurityInfo() (SecurityInfo, bool)
	// ScheduleTimer schedules callback to run on this endpoint's owning
	// SelectorLoop after delay.
	ScheduleTimer(delay time.Duration, callback func()) *reactor.TimerHandle
	// ConnID returns the endpoint's correlation ID, stamped on every log line
	// the endpoint emits so a connection's lifecycle can be grepped out of
	// aggregated logs.
	ConnID() string
}

// SecurityInfo describes a completed TLS session for handler inspection.
type SecurityInfo struct {
	Protocol    string
	CipherSuite string
	ALPN        string
	PeerCerts   [][]byte
}
