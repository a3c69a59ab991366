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

// Package echo is a reference StreamHandler exercising the three end-to-end
// scenarios spec.md §8 seeds: plaintext echo, immediately-secure TLS, and a
// STARTTLS upgrade mid-connection.
package echo

import (
	"bytes"
	"net"

	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/transport"
)

// Mode selects which of the three seed scenarios a Handler exercises.
type Mode int

const (
	// ModePlaintext echoes every received line unmodified.
	ModePlaintext Mode = iota
	// ModeTLS behaves like ModePlaintext but the endpoint is constructed
	// immediately-secure; no STARTTLS handling is needed.
	ModeTLS
	// ModeSTARTTLS waits for a literal "STARTTLS\r\n" line, replies
	// "OK\r\n", then upgrades the connection before continuing to echo.
	ModeSTARTTLS
)

// Handler is the reference echo protocol implementation.
type Handler struct {
	transport.StreamHandlerBase

	mode Mode
	log  *zap.SugaredLogger
	conn transport.Handle

	upgraded bool
}

// NewHandlerFactory returns a transport.HandlerFactory constructing one
// Handler per accepted connection.
func NewHandlerFactory(mode Mode, log *zap.SugaredLogger) transport.HandlerFactory {
	return func(remote net.Addr) transport.StreamHandler {
		return &Handler{mode: mode, log: log}
	}
}

// Bind associates the handler with its endpoint. Listener wiring calls this
// immediately after construction (see protocol/httpbridge for the same
// pattern against chi).
func (h *Handler) Bind(conn transport.Handle) { h.conn = conn }

func (h *Handler) Receive(data []byte) (consumed int) {
	total := 0
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return total
		}
		line := data[:nl+1]
		data = data[nl+1:]
		total += len(line)

		if h.mode == ModeSTARTTLS && !h.upgraded && bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte("STARTTLS")) {
			_ = h.conn.Send([]byte("OK\r\n"))
			if err := h.conn.StartTLS(); err != nil {
				h.log.Warnw("starttls failed", "error", err)
			}
			h.upgraded = true
			continue
		}

		_ = h.conn.Send(line)
	}
}

func (h *Handler) OnHandshakeComplete(alpn string) {
	if h.log != nil {
		h.log.Debugw("echo handshake complete", "alpn", alpn)
	}
}

func (h *Handler) Disconnected() {
	if h.log != nil {
		h.log.Debugw("echo connection closed")
	}
}
