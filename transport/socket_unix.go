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

//go:build unix

package transport

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// rawSocket owns a single non-blocking file descriptor and the minimal
// syscall-level operations Endpoint and the listener pipeline need. Sockets
// are managed directly (rather than through net.Conn) so the same fd can be
// registered with our own epoll-based netpoll.Poller without contending
// with the Go runtime's own netpoller.
type rawSocket struct {
	fd int
}

func sockaddrFor(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("transport: cannot resolve %q", host)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = port
		return &sa, unix.AF_INET, nil
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], ip.To16())
	sa.Port = port
	return &sa, unix.AF_INET6, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}

func sockaddrToString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}

// listenStream creates a non-blocking, listening TCP socket bound to addr.
func listenStream(addr string) (*rawSocket, error) {
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &rawSocket{fd: fd}, nil
}

// acceptStream accepts one pending connection off a listening socket,
// returning ok=false (no error) when none is currently pending (EAGAIN).
func acceptStream(listenFd int) (conn *rawSocket, remote string, ok bool, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, "", false, nil
		}
		return nil, "", false, err
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &rawSocket{fd: nfd}, sockaddrToString(sa), true, nil
}

// connectStream initiates a non-blocking outbound TCP connect. inProgress
// is true when the connect has not yet completed synchronously (EINPROGRESS
// — the common case for non-blocking sockets) and the caller must wait for
// connect-readiness.
func connectStream(addr string) (conn *rawSocket, inProgress bool, err error) {
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return nil, false, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, sa)
	if err == nil {
		return &rawSocket{fd: fd}, false, nil
	}
	if err == unix.EINPROGRESS {
		return &rawSocket{fd: fd}, true, nil
	}
	unix.Close(fd)
	return nil, false, err
}

// connectError retrieves SO_ERROR once a connecting socket becomes
// write-ready, to distinguish a completed connect from a failed one.
func (s *rawSocket) connectError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func (s *rawSocket) read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *rawSocket) write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *rawSocket) close() error {
	return unix.Close(s.fd)
}

func (s *rawSocket) setRecvBuffer(n int) {
	if n > 0 {
		_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
	}
}

func (s *rawSocket) setSendBuffer(n int) {
	if n > 0 {
		_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
	}
}

// localSockaddr returns the locally-bound address (getsockname(2)) of s.
func (s *rawSocket) localSockaddr() (unix.Sockaddr, error) {
	return unix.Getsockname(s.fd)
}

// peerSockaddr returns the remote peer address (getpeername(2)) of s.
func (s *rawSocket) peerSockaddr() (unix.Sockaddr, error) {
	return unix.Getpeername(s.fd)
}

func (s *rawSocket) recvBufferSize() int {
	n, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0
	}
	return n
}

// --- UDP ---

// bindDatagram creates a non-blocking, bound UDP socket.
func bindDatagram(addr string) (*rawSocket, error) {
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &rawSocket{fd: fd}, nil
}

func (s *rawSocket) recvfrom(p []byte) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(s.fd, p, 0)
	return n, from, err
}

func (s *rawSocket) sendto(p []byte, to unix.Sockaddr) error {
	return unix.Sendto(s.fd, p, 0, to)
}
