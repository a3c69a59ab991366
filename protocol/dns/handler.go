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

// Package dns is a reference DNS protocol binding over both UDP (the
// common case) and TCP (truncated/zone-transfer responses), grounded on
// github.com/miekg/dns for message parsing and serialization.
package dns

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/transport"
)

// Resolver answers a parsed DNS query. Implementations populate and return
// a reply message; req is never retained past the call.
type Resolver interface {
	Resolve(req *dns.Msg) *dns.Msg
}

// ResolverFunc adapts a bare function to Resolver.
type ResolverFunc func(req *dns.Msg) *dns.Msg

func (f ResolverFunc) Resolve(req *dns.Msg) *dns.Msg { return f(req) }

// DatagramHandler answers DNS-over-UDP queries, one packet in, one packet
// out, via a DatagramEndpoint.
type DatagramHandler struct {
	resolver Resolver
	log      *zap.SugaredLogger
	send     func(data []byte, addr net.Addr) error
}

// NewDatagramHandler constructs a handler with no sender bound yet; call
// SetSender with the owning DatagramEndpoint's SendTo method once the
// endpoint exists (BindDatagram does this for callers that go through it).
func NewDatagramHandler(resolver Resolver, log *zap.SugaredLogger) *DatagramHandler {
	return &DatagramHandler{resolver: resolver, log: log}
}

// SetSender binds the function used to transmit responses, normally a UDP
// endpoint's SendTo method.
func (h *DatagramHandler) SetSender(send func([]byte, net.Addr) error) { h.send = send }

func (h *DatagramHandler) ReceiveFrom(data []byte, addr net.Addr) {
	req := new(dns.Msg)
	if err := req.Unpack(data); err != nil {
		h.log.Debugw("dns: malformed query", "remote", addr, "error", err)
		return
	}
	resp := h.resolver.Resolve(req)
	if resp == nil {
		return
	}
	out, err := resp.Pack()
	if err != nil {
		h.log.Warnw("dns: failed to pack response", "error", err)
		return
	}
	if err := h.send(out, addr); err != nil {
		h.log.Debugw("dns: send failed", "remote", addr, "error", err)
	}
}

// StreamHandler answers DNS-over-TCP queries: each query/response is
// prefixed with a 2-byte big-endian length (RFC 1035 §4.2.2).
type StreamHandler struct {
	transport.StreamHandlerBase

	resolver Resolver
	log      *zap.SugaredLogger
	conn     transport.Handle
}

// NewStreamHandlerFactory returns a transport.HandlerFactory constructing
// one StreamHandler per accepted TCP connection.
func NewStreamHandlerFactory(resolver Resolver, log *zap.SugaredLogger) transport.HandlerFactory {
	return func(remote net.Addr) transport.StreamHandler {
		return &StreamHandler{resolver: resolver, log: log}
	}
}

func (h *StreamHandler) Bind(conn transport.Handle) { h.conn = conn }

func (h *StreamHandler) Receive(data []byte) (consumed int) {
	total := 0
	for {
		if len(data) < 2 {
			return total
		}
		n := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+n {
			return total
		}
		msg := data[2 : 2+n]
		data = data[2+n:]
		total += 2 + n

		req := new(dns.Msg)
		if err := req.Unpack(msg); err != nil {
			h.log.Debugw("dns: malformed tcp query", "error", err)
			continue
		}
		resp := h.resolver.Resolve(req)
		if resp == nil {
			continue
		}
		out, err := resp.Pack()
		if err != nil {
			h.log.Warnw("dns: failed to pack tcp response", "error", err)
			continue
		}
		framed := make([]byte, 2+len(out))
		binary.BigEndian.PutUint16(framed, uint16(len(out)))
		copy(framed[2:], out)
		_ = h.conn.Send(framed)
	}
}
