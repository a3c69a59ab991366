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

// Package errs classifies the errors the reactor core can surface into the
// small taxonomy spec'd for handler-visible error reporting.
package errs

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is one of the categorical error classes a handler may observe.
type Kind string

const (
	// TransportIo is a read/write failure on a socket.
	TransportIo Kind = "transport_io"
	// ConnectionLost means the peer closed or reset the connection.
	ConnectionLost Kind = "connection_lost"
	// ConnectError is an outbound connect failure.
	ConnectError Kind = "connect_error"
	// TlsError is a handshake or record-layer failure reported by the TLS engine.
	TlsError Kind = "tls_error"
	// EndpointOverflow means the incoming buffer would exceed max_net_in_size.
	EndpointOverflow Kind = "endpoint_overflow"
	// PolicyReject means a rate limiter or CIDR filter denied a connection.
	PolicyReject Kind = "policy_reject"
	// ConfigError is invalid keystore/certificate material at startup.
	ConfigError Kind = "config_error"
)

// Error wraps an underlying error with its classified Kind and, when known,
// the remote address involved.
type Error struct {
	Kind   Kind
	Remote string
	Err    error
}

func (e *Error) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified *Error from a raw error and an optional remote address.
func New(kind Kind, remote string, err error) *Error {
	return &Error{Kind: kind, Remote: remote, Err: err}
}

// Overflow builds an EndpointOverflow error for the given remote.
func Overflow(remote string, limit int) *Error {
	return New(EndpointOverflow, remote, fmt.Errorf("incoming buffer would exceed max_net_in_size=%d", limit))
}

// Classify maps a raw I/O error to its Kind, using the platform errno
// classifier for syscall-level errors and falling back to string matching
// for errors crossing package boundaries without wrapped syscall errnos
// (as happens with some TLS library errors).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if k := classifyErrno(err); k != "" {
			return k
		}
	}
	if k := classifyErrno(err); k != "" {
		return k
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "use of closed network connection"),
		errors.Is(err, net.ErrClosed):
		return ConnectionLost
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "handshake"):
		return TlsError
	default:
		return TransportIo
	}
}
