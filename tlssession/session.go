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

// Package tlssession implements TlsSession, the per-connection TLS state
// machine bridging the reactor's byte-stream view and the handler's
// plaintext view (spec.md §4.4).
//
// crypto/tls has no public SSLEngine-style BIO API, so the handshake,
// application-data pump and renegotiation bookkeeping that spec.md phrases
// in terms of engine status (OK/BUFFER_UNDERFLOW/BUFFER_OVERFLOW/CLOSED)
// and handshake status (NEED_WRAP/NEED_UNWRAP/NEED_TASK) are realized here
// by driving a *tls.Conn from one dedicated per-session goroutine over an
// in-memory duplex pipe (memHalf): that goroutine's blocking Read calls
// play the role of NEED_UNWRAP, its Write calls (forwarded straight to the
// endpoint's outgoing buffer) play the role of NEED_WRAP/wrap, and
// completion/errors are marshaled back onto the endpoint's own SelectorLoop
// via Host.Invoke so every handler callback still runs single-threaded per
// endpoint, per spec.md §5.
package tlssession

import (
	"crypto/tls"
	"errors"
	"io"
	"sync"
)

// Status mirrors the platform-engine status vocabulary from spec.md §4.4,
// kept for observability/logging even though crypto/tls does not expose it
// directly.
type Status string

const (
	StatusOK               Status = "OK"
	StatusBufferUnderflow  Status = "BUFFER_UNDERFLOW"
	StatusBufferOverflow   Status = "BUFFER_OVERFLOW"
	StatusClosed           Status = "CLOSED"
)

// HandshakeStatus mirrors the platform-engine handshake-status vocabulary.
type HandshakeStatus string

const (
	HandshakeFinished      HandshakeStatus = "FINISHED"
	HandshakeNotHandshaking HandshakeStatus = "NOT_HANDSHAKING"
	HandshakeNeedWrap      HandshakeStatus = "NEED_WRAP"
	HandshakeNeedUnwrap    HandshakeStatus = "NEED_UNWRAP"
	HandshakeNeedTask      HandshakeStatus = "NEED_TASK"
)

// Host is the narrow callback surface TlsSession needs from its owning
// Endpoint, kept as an interface (rather than importing package transport)
// to avoid a dependency cycle.
type Host interface {
	// AppendOutgoing appends ciphertext to the endpoint's outgoing buffer
	// under its buffer lock.
	AppendOutgoing(p []byte) error
	// RequestWrite asks the owning SelectorLoop to flush the outgoing
	// buffer.
	RequestWrite()
	// Invoke runs fn on the endpoint's owning SelectorLoop, preserving
	// per-endpoint callback serialization (spec.md §5) even though the TLS
	// engine itself runs on a dedicated pump goroutine.
	Invoke(fn func())
	// DeliverApplicationData hands decrypted bytes to the handler. Always
	// called via Invoke, so always on the owning loop thread.
	DeliverApplicationData(p []byte)
	// HandshakeComplete fires once per activation with the negotiated ALPN
	// protocol (empty string if none). Always called via Invoke.
	HandshakeComplete(alpn string, state tls.ConnectionState)
	// Failed reports a fatal TLS engine error; the endpoint closes.
	// Always called via Invoke.
	Failed(err error)
	// ClosedByPeer reports a graceful close-notify. Always called via
	// Invoke.
	ClosedByPeer()
}

// Session is a TlsSession: handshake driving, wrap, unwrap, close-notify,
// STARTTLS activation (spec.md §4.4).
type Session struct {
	host   Host
	client bool

	mu             sync.Mutex
	handshakeBegun bool
	closed         bool

	engine *memHalf
	conn   *tls.Conn
}

// New constructs a TlsSession for an immediately-secure endpoint or a
// STARTTLS activation. client selects ClientHello vs. server-side
// handshake driving.
func New(host Host, cfg *tls.Config, client bool) *Session {
	s := &Session{host: host, client: client}
	s.engine = newMemHalf(func(p []byte) (int, error) {
		if err := host.AppendOutgoing(p); err != nil {
			return 0, err
		}
		host.RequestWrite()
		return len(p), nil
	})
	if client {
		s.conn = tls.Client(s.engine, cfg)
	} else {
		s.conn = tls.Server(s.engine, cfg)
	}
	return s
}

// StartClientHandshake begins the handshake for a client-role session if it
// has not already begun. Idempotent (spec.md §4.4 "start_client_handshake").
// A no-op for server-role sessions: their pump is started by Start, and it
// then waits in Read until Unwrap delivers the ClientHello.
func (s *Session) StartClientHandshake() {
	s.mu.Lock()
	if !s.client || s.handshakeBegun {
		s.mu.Unlock()
		return
	}
	s.handshakeBegun = true
	s.mu.Unlock()
	go s.pump()
}

// Start starts the pump goroutine for a server-role session; it is a no-op
// if already started. Exposed so the endpoint can start the pump as
// soon as the session is constructed, mirroring the client path.
func (s *Session) Start() {
	s.mu.Lock()
	if s.handshakeBegun {
		s.mu.Unlock()
		return
	}
	s.handshakeBegun = true
	s.mu.Unlock()
	go s.pump()
}

// Unwrap feeds newly-arrived ciphertext to the engine. Non-blocking: the
// bytes are queued for the pump goroutine's Read calls.
func (s *Session) Unwrap(ciphertext []byte) {
	s.engine.feed(ciphertext)
}

// Wrap encrypts plaintext application data into the outgoing buffer. Safe
// to call concurrently with the pump goroutine's Read loop: crypto/tls.Conn
// serializes its own input/output halves independently.
func (s *Session) Wrap(plaintext []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	s.mu.Unlock()
	if len(plaintext) == 0 {
		return nil
	}
	_, err := s.conn.Write(plaintext)
	return err
}

var errClosed = errors.New("tlssession: write after close_outbound")

// CloseOutbound instructs the engine to close outbound: no further wrap of
// application data occurs; only the close-notify record is produced.
func (s *Session) CloseOutbound() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

// ConnectionState exposes the negotiated TLS parameters once the handshake
// has completed.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// pump drives the blocking crypto/tls handshake and application-data loop
// on its own goroutine, translating completion and data events back onto
// the endpoint's owning SelectorLoop via Host.Invoke.
func (s *Session) pump() {
	if err := s.conn.Handshake(); err != nil {
		s.host.Invoke(func() { s.host.Failed(err) })
		return
	}
	state := s.conn.ConnectionState()
	s.host.Invoke(func() { s.host.HandshakeComplete(state.NegotiatedProtocol, state) })

	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.host.Invoke(func() { s.host.DeliverApplicationData(data) })
		}
		if err != nil {
			if err == io.EOF {
				s.host.Invoke(func() { s.host.ClosedByPeer() })
			} else {
				s.host.Invoke(func() { s.host.Failed(err) })
			}
			return
		}
	}
}
