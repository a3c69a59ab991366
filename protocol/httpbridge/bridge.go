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

// Package httpbridge adapts the reactor's event-driven StreamHandler
// contract onto net/http's blocking net.Listener/net.Conn expectations, the
// same pipeline shape as the teacher's adapter.TCPListener: accepted
// connections are pushed onto a buffered channel that Accept drains, so
// net/http's own goroutine-per-connection model runs unmodified on top of
// our reactor.
package httpbridge

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/transport"
)

// connBridge is a net.Conn backed by a StreamHandler: Receive feeds bytes
// into readBuf for Read to drain, and Write forwards straight to the
// endpoint's outgoing buffer via Handle.Send. Modeled on tlssession's
// memHalf, duplicated here rather than shared to keep package tlssession
// free of an httpbridge-shaped dependency.
type connBridge struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []byte
	closed bool

	conn   transport.Handle
	local  net.Addr
	remote net.Addr
}

func newConnBridge(remote net.Addr) *connBridge {
	b := &connBridge{remote: remote}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *connBridge) feed(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.inbox = append(b.inbox, p...)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *connBridge) closeFromHandler() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *connBridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	for len(b.inbox) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.inbox) == 0 && b.closed {
		b.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, b.inbox)
	b.inbox = b.inbox[n:]
	b.mu.Unlock()
	return n, nil
}

func (b *connBridge) Write(p []byte) (int, error) {
	if err := b.conn.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *connBridge) Close() error {
	b.closeFromHandler()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *connBridge) LocalAddr() net.Addr                { return b.local }
func (b *connBridge) RemoteAddr() net.Addr                { return b.remote }
func (b *connBridge) SetDeadline(t time.Time) error       { return nil }
func (b *connBridge) SetReadDeadline(t time.Time) error   { return nil }
func (b *connBridge) SetWriteDeadline(t time.Time) error  { return nil }

// connHandler is the StreamHandler half of the bridge: it owns no HTTP
// logic, only the plumbing connecting reactor events to the connBridge's
// net.Conn surface.
type connHandler struct {
	transport.StreamHandlerBase

	bridge *connBridge
}

func (h *connHandler) Bind(conn transport.Handle) { h.bridge.conn = conn }

func (h *connHandler) Receive(data []byte) int {
	h.bridge.feed(data)
	return len(data)
}

func (h *connHandler) Disconnected() {
	h.bridge.closeFromHandler()
}

// Listener implements net.Listener over the channel pipeline connHandler
// feeds, so http.Serve can run against reactor-managed connections exactly
// as it would against a real net.Listener.
type Listener struct {
	addr     net.Addr
	pipeline chan net.Conn
	closed   chan struct{}
	once     sync.Once
}

// NewListener constructs a Listener and the transport.HandlerFactory that
// feeds it; pass the factory to Runtime.Listen/transport.Listen and the
// Listener itself to http.Serve.
func NewListener(addr net.Addr, backlog int) (*Listener, transport.HandlerFactory) {
	l := &Listener{addr: addr, pipeline: make(chan net.Conn, backlog), closed: make(chan struct{})}
	factory := func(remote net.Addr) transport.StreamHandler {
		bridge := newConnBridge(remote)
		h := &connHandler{bridge: bridge}
		select {
		case l.pipeline <- bridge:
		case <-l.closed:
		}
		return h
	}
	return l, factory
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.pipeline:
		if !ok {
			return nil, errors.New("httpbridge: listener closed")
		}
		return c, nil
	case <-l.closed:
		return nil, errors.New("httpbridge: listener closed")
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Serve runs chi's router over the bridge listener on its own goroutine,
// mirroring the teacher's HTTPServer.Start (adapter/http.go): http.Serve
// blocks, so the caller gets a background goroutine and an error channel.
func Serve(l *Listener, router chi.Router, log *zap.SugaredLogger) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- http.Serve(l, router)
	}()
	return errc
}
