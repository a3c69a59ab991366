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
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nexusreactor/nexus/errs"
	"github.com/nexusreactor/nexus/reactor"
)

// pendingDatagram is one queued-but-not-yet-sent outbound packet, kept in
// FIFO order so a burst of sends during backpressure is delivered in the
// order SendTo was called (spec.md §4.2 "Write handling (datagram)").
type pendingDatagram struct {
	data []byte
	addr unix.Sockaddr
}

// DatagramEndpoint is the UDP counterpart to Endpoint: one per bound socket
// (not per peer, per spec.md §4.1's connectionless model), dispatching each
// inbound packet to a DatagramHandler with its source address.
type DatagramEndpoint struct {
	sock *rawSocket
	loop *reactor.SelectorLoop
	log  *zap.SugaredLogger

	local   net.Addr
	handler DatagramHandler

	writeMu sync.Mutex
	pending []pendingDatagram

	closed atomic.Bool
}

// NewDatagramEndpoint wraps a bound UDP socket. RecvBufferBytes/
// SendBufferBytes tune the kernel socket buffers the same way they do for
// stream endpoints.
func NewDatagramEndpoint(sock *rawSocket, local net.Addr, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler DatagramHandler, recvBuf, sendBuf int) *DatagramEndpoint {
	sock.setRecvBuffer(recvBuf)
	sock.setSendBuffer(sendBuf)
	return &DatagramEndpoint{sock: sock, loop: loop, log: log, local: local, handler: handler}
}

func (d *DatagramEndpoint) Fd() int { return d.sock.fd }

func (d *DatagramEndpoint) OnReadable(scratch []byte) {
	if d.closed.Load() {
		return
	}
	for {
		n, from, err := d.sock.recvfrom(scratch)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			d.log.Debugw("datagram read failed", "local", d.local, "kind", errs.Classify(err), "error", err)
			return
		}
		addr := sockaddrToNetAddr(from)
		data := append([]byte(nil), scratch[:n]...)
		d.handler.ReceiveFrom(data, addr)
	}
}

// OnWritable drains the pending-datagram FIFO built up while the socket was
// backpressured, per spec.md §4.2's datagram-write dispatch: pop from the
// front, sendto(2) it, and stop (keeping write-interest armed) the moment
// the kernel reports EAGAIN again.
func (d *DatagramEndpoint) OnWritable() bool {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for len(d.pending) > 0 {
		next := d.pending[0]
		if err := d.sock.sendto(next.data, next.addr); err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			d.log.Debugw("datagram write failed", "local", d.local, "kind", errs.Classify(err), "error", err)
		}
		d.pending = d.pending[1:]
	}
	return false
}

func (d *DatagramEndpoint) OnConnectReady() {}

func (d *DatagramEndpoint) HasPendingWrite() bool {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return len(d.pending) > 0
}

func (d *DatagramEndpoint) CloseRequested() bool { return d.closed.Load() }

// SendTo transmits a single datagram to addr, or queues it onto the pending
// FIFO if the non-blocking socket is currently backpressured (sendto(2)
// returning EAGAIN) or already draining a backlog, preserving send order
// (spec.md §4.2 "Write handling (datagram)").
func (d *DatagramEndpoint) SendTo(data []byte, addr net.Addr) error {
	sa, err := netAddrToSockaddr(addr)
	if err != nil {
		return errs.New(errs.TransportIo, addr.String(), err)
	}

	d.writeMu.Lock()
	if len(d.pending) > 0 {
		d.pending = append(d.pending, pendingDatagram{data: append([]byte(nil), data...), addr: sa})
		d.writeMu.Unlock()
		return nil
	}
	d.writeMu.Unlock()

	if err := d.sock.sendto(data, sa); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			d.writeMu.Lock()
			d.pending = append(d.pending, pendingDatagram{data: append([]byte(nil), data...), addr: sa})
			d.writeMu.Unlock()
			d.loop.RequestWrite(d.sock.fd, d)
			return nil
		}
		return errs.New(errs.Classify(err), addr.String(), err)
	}
	return nil
}

func (d *DatagramEndpoint) LocalAddr() net.Addr { return d.local }

// BindDatagram binds a UDP socket at addr, registers it with loop for
// read-readiness, and returns the DatagramEndpoint. Mirrors Dial's role for
// the connectionless transport (spec.md §3 "Endpoint... either a TCP
// connection or a bound/connected UDP socket").
func BindDatagram(addr string, loop *reactor.SelectorLoop, log *zap.SugaredLogger, handler DatagramHandler, recvBuf, sendBuf int) (*DatagramEndpoint, error) {
	sock, err := bindDatagram(addr)
	if err != nil {
		return nil, err
	}
	sa, err := sock.localSockaddr()
	if err != nil {
		_ = sock.close()
		return nil, err
	}
	local := sockaddrToNetAddr(sa)
	ep := NewDatagramEndpoint(sock, local, loop, log, handler, recvBuf, sendBuf)
	if binder, ok := handler.(DatagramSenderBinder); ok {
		binder.SetSender(ep.SendTo)
	}
	loop.Register(sock.fd, ep)
	return ep, nil
}

// Close deregisters and releases the bound socket.
func (d *DatagramEndpoint) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.loop.RemoveConn(d.sock.fd)
		return d.sock.close()
	}
	return nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

func netAddrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return sockaddrFromString(addr.String())
	}
	if ip4 := udp.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = udp.Port
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], udp.IP.To16())
	sa.Port = udp.Port
	return &sa, nil
}

func sockaddrFromString(addr string) (unix.Sockaddr, error) {
	sa, _, err := sockaddrFor(addr)
	return sa, err
}
