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

package errs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// classifyErrno inspects err for a wrapped syscall errno and maps it to a
// Kind. Adapted from the errno-table technique used across the Go network
// stack: compare against the unix errno constants directly rather than
// string-matching, since error text is not stable across platforms.
func classifyErrno(err error) Kind {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ""
	}
	switch errno {
	case unix.ECONNRESET, unix.ECONNABORTED, unix.ENOTCONN, unix.EPIPE:
		return ConnectionLost
	case unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH, unix.ENETDOWN, unix.ETIMEDOUT:
		return ConnectError
	case unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.EINVAL:
		return ConfigError
	case unix.ENOBUFS, unix.EINTR:
		return TransportIo
	default:
		return ""
	}
}
