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

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/internal/netpoll"
)

// AcceptTarget is the narrow callback surface a listening socket exposes to
// the AcceptLoop. Implementations (package transport) own the full accept
// -> policy filter -> Endpoint construction -> worker registration pipeline
// described in spec.md §4.5; the AcceptLoop itself holds no per-connection
// state, only readiness.
type AcceptTarget interface {
	Fd() int
	// OnAcceptable is invoked on the AcceptLoop's own goroutine when the
	// listening socket has a connection pending.
	OnAcceptable()
}

// AcceptLoop is structurally a SelectorLoop specialized for listening
// sockets: one thread, one poller, no per-connection state.
type AcceptLoop struct {
	poller netpoll.Poller
	log    *zap.SugaredLogger

	targets map[int]AcceptTarget

	regMu sync.Mutex
	regs  []AcceptTarget

	running atomic.Bool
	done    chan struct{}
}

// NewAcceptLoop opens the accept-side poller.
func NewAcceptLoop(log *zap.SugaredLogger) (*AcceptLoop, error) {
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &AcceptLoop{
		poller:  p,
		log:     log,
		targets: make(map[int]AcceptTarget),
		done:    make(chan struct{}),
	}, nil
}

// RegisterListener enqueues a listening socket for accept-readiness. Safe to
// call from any goroutine.
func (a *AcceptLoop) RegisterListener(t AcceptTarget) {
	a.regMu.Lock()
	a.regs = append(a.regs, t)
	a.regMu.Unlock()
	_ = a.poller.Wake()
}

// Shutdown requests the loop stop after draining its current wake-up. Safe
// to call from any goroutine; idempotent.
func (a *AcceptLoop) Shutdown() {
	if a.running.CompareAndSwap(true, false) {
		_ = a.poller.Wake()
	}
}

// Run drives the accept loop until Shutdown is called.
func (a *AcceptLoop) Run() {
	a.running.Store(true)
	defer close(a.done)
	for a.running.Load() {
		a.drainRegistrations()
		_, err := a.poller.Wait(1000, a.dispatch)
		if err != nil {
			a.log.Warnw("accept loop wait failed", "error", err)
		}
	}
	for fd := range a.targets {
		_ = a.poller.Remove(fd)
	}
	_ = a.poller.Close()
}

// Join blocks until Run has returned.
func (a *AcceptLoop) Join() { <-a.done }

func (a *AcceptLoop) drainRegistrations() {
	a.regMu.Lock()
	regs := a.regs
	a.regs = nil
	a.regMu.Unlock()

	for _, t := range regs {
		a.targets[t.Fd()] = t
		if err := a.poller.Add(t.Fd()); err != nil {
			a.log.Warnw("listener register failed", "fd", t.Fd(), "error", err)
			delete(a.targets, t.Fd())
		}
	}
}

func (a *AcceptLoop) dispatch(ev netpoll.Event) {
	t, ok := a.targets[ev.Fd]
	if !ok {
		return
	}
	t.OnAcceptable()
}

// RemoveListener deregisters a listener, e.g. when Runtime.RemoveListener is
// called. Must run on the accept loop's own goroutine; callers go through
// InvokeLater-style indirection if calling cross-thread (there is no
// deferred-task queue here since listeners are rarely removed mid-flight).
func (a *AcceptLoop) RemoveListener(fd int) {
	delete(a.targets, fd)
	_ = a.poller.Remove(fd)
}
