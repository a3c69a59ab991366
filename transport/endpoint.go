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
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nexusreactor/nexus/errs"
	"github.com/nexusreactor/nexus/reactor"
	"github.com/nexusreactor/nexus/tlssession"
)

var (
	errAlreadySecure = errors.New("transport: StartTLS on an already-secure endpoint")
	errNoTLSConfig   = errors.New("transport: StartTLS on an endpoint with no TLS configuration")
)

// EndpointConfig bundles the tunables spec.md §4.1/§4.3 attaches to an
// Endpoint at construction time.
type EndpointConfig struct {
	MaxIncomingBytes int // 0 disables backpressure, not recommended for servers
	RecvBufferBytes  int
	SendBufferBytes  int
	TLSConfig        *tls.Config // nil for a plaintext endpoint
	ImmediatelySecure bool       // true: begin handshake on registration; false: plaintext until StartTLS
}

// Endpoint is the concrete TCP stream endpoint: the union of reactor.Conn
// (SelectorLoop dispatch), tlssession.Host (TlsSession callbacks) and Handle
// (the handler-facing contract), per spec.md §4.3.
type Endpoint struct {
	sock   *rawSocket
	connID string
	loop   *reactor.SelectorLoop
	log    *zap.SugaredLogger
	client bool

	local  net.Addr
	remote net.Addr

	handler StreamHandler

	incoming *netBuffer
	outgoing *netBuffer

	tlsMu   sync.Mutex
	session *tlssession.Session
	cfg     *tls.Config

	secMu sync.Mutex
	secInfo SecurityInfo
	secSet  bool

	immediatelySecure bool

	connecting     atomic.Bool
	connectFailed  atomic.Bool
	closeRequested atomic.Bool
	closed         atomic.Bool

	onClosed func(*Endpoint)
}

// NewAcceptedEndpoint wraps a just-accepted socket. The caller registers it
// with a SelectorLoop (normally chosen round-robin by Runtime) once
// constructed.
func NewAcceptedEndpoint(sock *rawSocket, local, remote net.Addr, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler StreamHandler, cfg EndpointConfig) *Endpoint {
	e := newEndpoint(sock, local, remote, loop, log, handler, cfg, false)
	e.immediatelySecure = cfg.ImmediatelySecure && cfg.TLSConfig != nil
	return e
}

// ActivateImmediateTLS completes SSL engine construction for an endpoint
// configured with secure=true at accept time. The listener schedules this
// via the worker loop's InvokeLater once the endpoint is registered, per
// spec.md §4.2 ("Accept handling... push an invoke_later task on the worker
// to complete SSL engine construction"). A no-op if the endpoint was not
// constructed as immediately-secure.
func (e *Endpoint) ActivateImmediateTLS() {
	if !e.immediatelySecure {
		return
	}
	e.beginServerTLS()
}

// NewClientEndpoint wraps a connecting socket (connect(2) already issued,
// possibly still in progress). OnConnectReady fires once connect succeeds.
func NewClientEndpoint(sock *rawSocket, local, remote net.Addr, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler StreamHandler, cfg EndpointConfig) *Endpoint {
	e := newEndpoint(sock, local, remote, loop, log, handler, cfg, true)
	e.immediatelySecure = cfg.ImmediatelySecure && cfg.TLSConfig != nil
	e.connecting.Store(true)
	return e
}

func newEndpoint(sock *rawSocket, local, remote net.Addr, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler StreamHandler, cfg EndpointConfig, client bool) *Endpoint {
	sock.setRecvBuffer(cfg.RecvBufferBytes)
	sock.setSendBuffer(cfg.SendBufferBytes)
	connID := uuid.NewString()
	e := &Endpoint{
		sock:     sock,
		connID:   connID,
		loop:     loop,
		log:      log.With("conn_id", connID, "remote", remote),
		client:   client,
		local:    local,
		remote:   remote,
		handler:  handler,
		incoming: newNetBuffer(8*1024, cfg.MaxIncomingBytes),
		outgoing: newNetBuffer(8*1024, 0),
		cfg:      cfg.TLSConfig,
	}
	return e
}

// ConnID returns the endpoint's correlation ID (spec.md ambient logging:
// every endpoint log line carries it via the logger built in newEndpoint).
func (e *Endpoint) ConnID() string { return e.connID }

// --- reactor.Conn ---

func (e *Endpoint) Fd() int { return e.sock.fd }

func (e *Endpoint) OnReadable(scratch []byte) {
	if e.closed.Load() {
		return
	}
	if e.connecting.Load() {
		// Spurious read-readiness while still connecting; ignore.
		return
	}
	n, err := e.sock.read(scratch)
	if n > 0 {
		e.tlsMu.Lock()
		session := e.session
		e.tlsMu.Unlock()
		if session != nil {
			session.Unwrap(scratch[:n])
		} else {
			e.deliverPlaintext(scratch[:n])
		}
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		e.fail(errs.New(errs.Classify(err), e.remoteString(), err))
		return
	}
	if n == 0 {
		e.peerClosed()
	}
}

func (e *Endpoint) OnWritable() bool {
	if e.connecting.Load() {
		e.connecting.Store(false)
		if err := e.sock.connectError(); err != nil {
			e.connectFailed.Store(true)
			e.handler.OnConnectFailed(err)
			e.doClose()
			return false
		}
		e.OnConnectReady()
		return e.HasPendingWrite()
	}
	drained, err := e.outgoing.DrainTo(e.sock.write)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		e.fail(errs.New(errs.Classify(err), e.remoteString(), err))
		return false
	}
	if drained && e.closeRequested.Load() {
		e.doClose()
		return false
	}
	return !drained
}

func (e *Endpoint) OnConnectReady() {
	if e.connectFailed.Load() {
		return
	}
	if e.immediatelySecure {
		e.beginClientTLS()
		return
	}
	e.handler.OnConnected()
}

func (e *Endpoint) HasPendingWrite() bool {
	return e.outgoing.Len() > 0
}

func (e *Endpoint) CloseRequested() bool {
	return e.closeRequested.Load()
}

// --- plaintext delivery ---

func (e *Endpoint) deliverPlaintext(p []byte) {
	if err := e.incoming.Append(e.remoteString(), p); err != nil {
		e.fail(err.(*errs.Error))
		return
	}
	for {
		buf := e.incoming.Snapshot()
		if len(buf) == 0 {
			return
		}
		consumed := e.handler.Receive(buf)
		if consumed <= 0 {
			return
		}
		e.incoming.Advance(consumed)
		if consumed < len(buf) {
			return
		}
	}
}

func (e *Endpoint) peerClosed() {
	e.tlsMu.Lock()
	session := e.session
	e.tlsMu.Unlock()
	if session != nil {
		return // TlsSession.pump reports ClosedByPeer once it observes EOF
	}
	e.handler.Disconnected()
	e.doClose()
}

func (e *Endpoint) fail(err *errs.Error) {
	e.log.Debugw("endpoint error", "remote", e.remoteString(), "kind", err.Kind, "error", err.Err)
	e.handler.Disconnected()
	e.doClose()
}

func (e *Endpoint) doClose() {
	if e.closed.CompareAndSwap(false, true) {
		e.loop.RemoveConn(e.sock.fd)
		_ = e.sock.close()
		e.incoming.Reset()
		e.outgoing.Reset()
		if e.onClosed != nil {
			e.onClosed(e)
		}
	}
}

// --- tlssession.Host ---

func (e *Endpoint) AppendOutgoing(p []byte) error {
	return e.outgoing.Append(e.remoteString(), p)
}

func (e *Endpoint) RequestWrite() {
	e.loop.RequestWrite(e.sock.fd, e)
}

func (e *Endpoint) Invoke(fn func()) {
	e.loop.InvokeLater(fn)
}

func (e *Endpoint) DeliverApplicationData(p []byte) {
	if e.closed.Load() {
		return
	}
	e.deliverPlaintext(p)
}

func (e *Endpoint) HandshakeComplete(alpn string, state tls.ConnectionState) {
	e.secMu.Lock()
	e.secInfo = SecurityInfo{
		Protocol:    tlsVersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		ALPN:        alpn,
		PeerCerts:   rawCerts(state),
	}
	e.secSet = true
	e.secMu.Unlock()
	if e.client && e.immediatelySecure {
		e.handler.OnConnected()
	}
	e.handler.OnHandshakeComplete(alpn)
}

func (e *Endpoint) Failed(err error) {
	if e.closed.Load() {
		return
	}
	if e.client && e.connecting.Load() {
		e.handler.OnConnectFailed(err)
		e.doClose()
		return
	}
	if e.closeRequested.Load() {
		// A locally-initiated Close/CloseOutbound closes this endpoint's own
		// memHalf once the close-notify record is sent, which unblocks this
		// same session's pump goroutine and surfaces the resulting EOF/
		// closed-pipe error here. That is not a peer-reported failure; the
		// socket close itself is decided solely by the write-drain path
		// (OnWritable) once the outgoing buffer, including the close-notify
		// record, has flushed.
		return
	}
	e.fail(errs.New(errs.TlsError, e.remoteString(), err))
}

func (e *Endpoint) ClosedByPeer() {
	if e.closed.Load() {
		return
	}
	if e.closeRequested.Load() {
		// See Failed: this is the locally-initiated close unblocking our own
		// pump goroutine, not a real close-notify from the peer.
		return
	}
	e.handler.Disconnected()
	e.doClose()
}

// --- Handle ---

func (e *Endpoint) Send(data []byte) error {
	if e.closed.Load() || e.closeRequested.Load() {
		return errs.New(errs.ConnectionLost, e.remoteString(), net.ErrClosed)
	}
	e.tlsMu.Lock()
	session := e.session
	e.tlsMu.Unlock()
	if session != nil {
		if err := session.Wrap(data); err != nil {
			return errs.New(errs.TlsError, e.remoteString(), err)
		}
		return nil
	}
	if err := e.outgoing.Append(e.remoteString(), data); err != nil {
		return err
	}
	e.RequestWrite()
	return nil
}

func (e *Endpoint) Close() error {
	if e.closeRequested.CompareAndSwap(false, true) {
		e.tlsMu.Lock()
		session := e.session
		e.tlsMu.Unlock()
		if session != nil {
			session.CloseOutbound()
		}
		e.RequestWrite()
		if !e.HasPendingWrite() {
			e.loop.InvokeLater(e.doClose)
		}
	}
	return nil
}

// StartTLS activates TLS on a plaintext endpoint (spec.md §4.4 STARTTLS).
func (e *Endpoint) StartTLS() error {
	e.tlsMu.Lock()
	defer e.tlsMu.Unlock()
	if e.session != nil {
		return errs.New(errs.ConfigError, e.remoteString(), errAlreadySecure)
	}
	if e.cfg == nil {
		return errs.New(errs.ConfigError, e.remoteString(), errNoTLSConfig)
	}
	e.session = tlssession.New(e, e.cfg, e.client)
	if e.client {
		e.session.StartClientHandshake()
	} else {
		e.session.Start()
	}
	return nil
}

func (e *Endpoint) beginServerTLS() {
	e.tlsMu.Lock()
	e.session = tlssession.New(e, e.cfg, false)
	e.session.Start()
	e.tlsMu.Unlock()
}

func (e *Endpoint) beginClientTLS() {
	e.tlsMu.Lock()
	e.session = tlssession.New(e, e.cfg, true)
	e.session.StartClientHandshake()
	e.tlsMu.Unlock()
}

func (e *Endpoint) LocalAddr() net.Addr  { return e.local }
func (e *Endpoint) RemoteAddr() net.Addr { return e.remote }

// Secure reports whether a TlsSession exists for this endpoint, per
// spec.md §8's "secure == (tls_session != null)" invariant — true as soon
// as StartTLS/beginServerTLS/beginClientTLS constructs the session, not
// only once the handshake completes.
func (e *Endpoint) Secure() bool {
	e.tlsMu.Lock()
	defer e.tlsMu.Unlock()
	return e.session != nil
}

func (e *Endpoint) SecurityInfo() (SecurityInfo, bool) {
	e.secMu.Lock()
	defer e.secMu.Unlock()
	return e.secInfo, e.secSet
}

func (e *Endpoint) ScheduleTimer(delay time.Duration, callback func()) *reactor.TimerHandle {
	return e.loop.Timer().Schedule(e.loop, delay, callback)
}

// SetOnClosed registers a callback invoked once this endpoint fully closes,
// used by Runtime to drop it from the active-endpoint set (spec.md §4.7).
func (e *Endpoint) SetOnClosed(fn func(*Endpoint)) { e.onClosed = fn }

func (e *Endpoint) remoteString() string {
	if e.remote == nil {
		return ""
	}
	return e.remote.String()
}

func rawCerts(state tls.ConnectionState) [][]byte {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	out := make([][]byte, len(state.PeerCertificates))
	for i, c := range state.PeerCertificates {
		out[i] = c.Raw
	}
	return out
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS13:
		return "TLSv1.3"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS10:
		return "TLSv1.0"
	default:
		return "unknown"
	}
}
