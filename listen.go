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

package nexus

import (
	"github.com/nexusreactor/nexus/transport"
)

// Listen binds cfg, wires its active-endpoint accounting to this Runtime,
// and registers it with the accept loop (spec.md §4.1 add_listener).
func (rt *Runtime) Listen(cfg transport.ListenerConfig, factory *transport.TransportFactory, handlerFactory transport.HandlerFactory) (*transport.Listener, error) {
	cfg.OnEndpointOpened = rt.RegisterActiveEndpoint
	cfg.OnEndpointClosed = rt.UnregisterActiveEndpoint
	l, err := transport.Listen(cfg, factory, handlerFactory, rt.NextWorkerLoop, rt.log)
	if err != nil {
		return nil, err
	}
	if err := rt.AddListener(l); err != nil {
		return nil, err
	}
	return l, nil
}

// BindDatagram binds a UDP socket on a round-robin worker loop.
func (rt *Runtime) BindDatagram(addr string, handler transport.DatagramHandler, recvBuf, sendBuf int) (*transport.DatagramEndpoint, error) {
	loop := rt.NextWorkerLoop()
	if loop == nil {
		return nil, ErrNotStarted
	}
	return transport.BindDatagram(addr, loop, rt.log, handler, recvBuf, sendBuf)
}

// Dial initiates an outbound connection on a round-robin worker, wiring its
// active-endpoint accounting to this Runtime.
func (rt *Runtime) Dial(addr string, handler transport.StreamHandler, factory *transport.TransportFactory, immediatelySecure bool) (*transport.Endpoint, error) {
	loop := rt.NextWorkerLoop()
	if loop == nil {
		return nil, ErrNotStarted
	}
	return transport.Dial(addr, loop, rt.log, handler, factory, immediatelySecure, rt.RegisterActiveEndpoint, rt.UnregisterActiveEndpoint)
}
