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

	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/reactor"
)

// Dial initiates a non-blocking outbound TCP connection and registers it
// with loop for connect-readiness (spec.md §4.1 "Client (outbound)
// connections follow the same path after a separate connect-readiness
// phase"). Once connect(2) completes, the returned Endpoint's OnWritable
// fires handler.OnConnectFailed on failure, or on success calls
// OnConnectReady, which fires handler.OnConnected.
func Dial(addr string, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler StreamHandler, factory *TransportFactory, immediatelySecure bool, onOpened, onClosed func(fd int)) (*Endpoint, error) {
	sock, _, err := connectStream(addr)
	if err != nil {
		return nil, err
	}
	remote, _ := net.ResolveTCPAddr("tcp", addr)
	local := localAddrOf(sock)

	cfg := factory.EndpointConfig(true, immediatelySecure)
	ep := NewClientEndpoint(sock, local, remote, loop, log, handler, cfg)
	if binder, ok := handler.(Binder); ok {
		binder.Bind(ep)
	}
	fd := sock.fd
	if onOpened != nil {
		onOpened(fd)
	}
	if onClosed != nil {
		ep.SetOnClosed(func(*Endpoint) { onClosed(fd) })
	}
	loop.RegisterForConnect(sock.fd, ep)
	return ep, nil
}
