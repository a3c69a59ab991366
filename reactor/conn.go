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

package reactor

// Conn is the contract a SelectorLoop needs from whatever owns a registered
// file descriptor, satisfied by transport.Endpoint. Keeping this interface
// in package reactor (rather than importing transport) avoids a dependency
// cycle: transport imports reactor to get a SelectorLoop to register with,
// reactor only needs this narrow callback surface back.
type Conn interface {
	// Fd returns the registered file descriptor.
	Fd() int
	// OnReadable is invoked on the owning loop's thread when data (or EOF)
	// is available. scratch is loop-owned scratch space the Conn may use
	// for the read(2)/recvfrom(2) syscall.
	OnReadable(scratch []byte)
	// OnWritable is invoked on the owning loop's thread when the socket can
	// accept more bytes. Returns true if write-readiness should remain
	// armed (more data queued).
	OnWritable() bool
	// OnConnectReady handles a successfully completed client-initiated
	// connect(2), on the owning loop's thread. SelectorLoop does not call it:
	// connect completion arrives as write-readiness, and the Conn's own
	// OnWritable calls it once the connect has succeeded.
	OnConnectReady()
	// HasPendingWrite reports whether the outgoing buffer currently has
	// bytes to flush or a close has been requested.
	HasPendingWrite() bool
	// CloseRequested reports whether the socket should be closed once the
	// outgoing buffer drains.
	CloseRequested() bool
}
