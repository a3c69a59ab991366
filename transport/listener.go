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
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/reactor"
)

// ListenerConfig enumerates the per-listener controls from spec.md §6. Only
// TCP listeners are supported: Listen refuses to bind unless Port is set,
// and UnixSocketPath is carried but never used to bind a unix socket.
type ListenerConfig struct {
	Port           int
	UnixSocketPath string
	BindAddress    string // empty = all interfaces

	IdleTimeout       time.Duration
	ReadTimeout       time.Duration
	ConnectionTimeout time.Duration

	Policy PolicyConfig

	ImmediatelySecure bool

	// OnEndpointOpened/OnEndpointClosed let the owning Runtime track active
	// endpoints for auto-shutdown accounting (spec.md §4.1
	// register_active_endpoint / unregister_active_endpoint) without this
	// package importing the Runtime.
	OnEndpointOpened func(fd int)
	OnEndpointClosed func(fd int)
}

// HandlerFactory constructs a fresh StreamHandler for each newly accepted
// connection, mirroring the teacher's OnNewConnection hook.
type HandlerFactory func(remote net.Addr) StreamHandler

// WorkerPicker returns the next worker SelectorLoop to register a new
// endpoint with (round-robin assignment, spec.md §4.1 next_worker_loop).
type WorkerPicker func() *reactor.SelectorLoop

// Listener is a bound, listening TCP socket registered with an AcceptLoop.
// It implements reactor.AcceptTarget; it holds no per-connection state
// itself (spec.md §4.5), only the policy, factory, and worker-assignment
// collaborators needed to construct one.
type Listener struct {
	sock    *rawSocket
	addr    net.Addr
	log     *zap.SugaredLogger
	factory *TransportFactory

	handlerFactory HandlerFactory
	pickWorker     WorkerPicker
	policy         AcceptPolicy

	cfg ListenerConfig
}

// Listen binds a listening socket per cfg and returns a Listener ready to be
// registered with an AcceptLoop via AcceptLoop.RegisterListener.
func Listen(cfg ListenerConfig, factory *TransportFactory, handlerFactory HandlerFactory, pickWorker WorkerPicker, log *zap.SugaredLogger) (*Listener, error) {
	addr, err := listenerAddrString(cfg)
	if err != nil {
		return nil, err
	}
	sock, err := listenStream(addr)
	if err != nil {
		return nil, err
	}
	policy, err := CompilePolicy(cfg.Policy)
	if err != nil {
		_ = sock.close()
		return nil, err
	}
	return &Listener{
		sock:           sock,
		addr:           localAddrOf(sock),
		log:            log,
		factory:        factory,
		handlerFactory: handlerFactory,
		pickWorker:     pickWorker,
		policy:         policy,
		cfg:            cfg,
	}, nil
}

func listenerAddrString(cfg ListenerConfig) (string, error) {
	if cfg.Port <= 0 {
		return "", fmt.Errorf("transport: listener requires a Port (unix sockets are a future extension)")
	}
	host := cfg.BindAddress
	return net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port)), nil
}

// Fd implements reactor.AcceptTarget.
func (l *Listener) Fd() int { return l.sock.fd }

// OnAcceptable implements reactor.AcceptTarget: accept every currently
// pending connection, apply the policy filter, and hand accepted sockets to
// a round-robin worker (spec.md §4.2 "Accept handling").
func (l *Listener) OnAcceptable() {
	for {
		conn, remoteStr, ok, err := acceptStream(l.sock.fd)
		if err != nil {
			l.log.Warnw("accept failed", "error", err)
			return
		}
		if !ok {
			return
		}
		remote, _ := net.ResolveTCPAddr("tcp", remoteStr)
		if !l.policy.Accept(remote) {
			l.log.Debugw("connection rejected by policy", "remote", remoteStr)
			_ = conn.close()
			continue
		}
		l.admit(conn, remote)
	}
}

func (l *Listener) admit(sock *rawSocket, remote net.Addr) {
	worker := l.pickWorker()
	handler := l.handlerFactory(remote)
	local := localAddrOf(sock)

	endpointCfg := l.factory.EndpointConfig(false, l.cfg.ImmediatelySecure)
	ep := NewAcceptedEndpoint(sock, local, remote, worker, l.log, handler, endpointCfg)
	if binder, ok := handler.(Binder); ok {
		binder.Bind(ep)
	}
	fd := sock.fd
	ep.SetOnClosed(func(*Endpoint) {
		if l.policy != nil {
			l.policy.Release(remote)
		}
		if l.cfg.OnEndpointClosed != nil {
			l.cfg.OnEndpointClosed(fd)
		}
	})
	if l.cfg.OnEndpointOpened != nil {
		l.cfg.OnEndpointOpened(fd)
	}

	worker.Register(sock.fd, ep)
	if ep.immediatelySecure {
		worker.InvokeLater(ep.ActivateImmediateTLS)
	}
}

func localAddrOf(sock *rawSocket) net.Addr {
	sa, err := sock.localSockaddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return sockaddrToTCPAddr(sa)
}

// Close releases the listening socket. It does not deregister the listener
// from its AcceptLoop; Runtime.RemoveListener does that.
func (l *Listener) Close() error {
	return l.sock.close()
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.addr }
