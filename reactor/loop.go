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

// Package reactor implements the non-blocking I/O event loops: SelectorLoop
// (one per worker thread), AcceptLoop (the dedicated listening-socket
// reactor) and ScheduledTimer (the single background timer thread). Every
// endpoint mutation not explicitly synchronized elsewhere happens on the
// owning SelectorLoop's goroutine.
package reactor

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/internal/netpoll"
)

// ReadBufferSize is the scratch buffer size used for stream reads, per
// spec.md §4.2 ("allocate a scratch buffer (>= 8 KB)").
const ReadBufferSize = 16 * 1024

type registration struct {
	fd      int
	conn    Conn
	connect bool
}

// SelectorLoop is a single-threaded worker reactor: one goroutine pinned to
// one OS-level poller, multiplexing readiness for every Conn registered with
// it. Register, RegisterForConnect, RequestWrite, InvokeLater and Shutdown
// are safe from any goroutine; the other operations may only be called from
// the loop's own goroutine.
type SelectorLoop struct {
	id     int
	poller netpoll.Poller
	log    *zap.SugaredLogger

	conns map[int]Conn

	regMu  sync.Mutex
	regs   []registration

	writeMu sync.Mutex
	writes  map[int]Conn

	taskMu sync.Mutex
	tasks  []func()

	timer *ScheduledTimer

	running atomic.Bool
	done    chan struct{}
	scratch []byte
}

// NewSelectorLoop creates and opens the OS poller for a new worker. Call Run
// to start servicing it on the calling goroutine (callers typically do
// `go loop.Run()`).
func NewSelectorLoop(id int, log *zap.SugaredLogger) (*SelectorLoop, error) {
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &SelectorLoop{
		id:      id,
		poller:  p,
		log:     log,
		conns:   make(map[int]Conn),
		writes:  make(map[int]Conn),
		done:    make(chan struct{}),
		scratch: make([]byte, ReadBufferSize),
	}, nil
}

// ID returns the loop's stable ordinal, used by Runtime for round-robin
// assignment and logging.
func (l *SelectorLoop) ID() int { return l.id }

// BindTimer associates the ScheduledTimer whose next deadline bounds this
// loop's poller wait.
func (l *SelectorLoop) BindTimer(t *ScheduledTimer) { l.timer = t }

// Timer returns the ScheduledTimer bound to this loop, for Conn
// implementations (package transport) that need to schedule per-endpoint
// callbacks via Endpoint.ScheduleTimer.
func (l *SelectorLoop) Timer() *ScheduledTimer { return l.timer }

// Register enqueues fd/conn for read-readiness registration and wakes the
// poller. Safe to call from any goroutine.
func (l *SelectorLoop) Register(fd int, conn Conn) {
	l.enqueueReg(registration{fd: fd, conn: conn})
}

// RegisterForConnect enqueues fd/conn for connect-readiness (write-ready on
// a connecting socket signals connect(2) completion). Safe to call from any
// goroutine.
func (l *SelectorLoop) RegisterForConnect(fd int, conn Conn) {
	l.enqueueReg(registration{fd: fd, conn: conn, connect: true})
}

func (l *SelectorLoop) enqueueReg(r registration) {
	l.regMu.Lock()
	l.regs = append(l.regs, r)
	l.regMu.Unlock()
	_ = l.poller.Wake()
}

// RequestWrite marks conn as having pending output and wakes the poller so
// write-readiness gets armed on the next loop iteration. Safe to call from
// any goroutine (this is how Endpoint.send, running on a handler goroutine,
// asks its owning loop to flush).
func (l *SelectorLoop) RequestWrite(fd int, conn Conn) {
	l.writeMu.Lock()
	l.writes[fd] = conn
	l.writeMu.Unlock()
	_ = l.poller.Wake()
}

// InvokeLater enqueues task to run on the loop's own goroutine and wakes the
// poller. Safe to call from any goroutine.
func (l *SelectorLoop) InvokeLater(task func()) {
	l.taskMu.Lock()
	l.tasks = append(l.tasks, task)
	l.taskMu.Unlock()
	_ = l.poller.Wake()
}

// Shutdown requests the loop stop after draining its current wake-up. Safe
// to call from any goroutine; idempotent.
func (l *SelectorLoop) Shutdown() {
	if l.running.CompareAndSwap(true, false) {
		_ = l.poller.Wake()
	}
}

// Run drives the loop until Shutdown is called. It must be invoked exactly
// once, from the goroutine that is to become "the loop's own thread" for
// every Conn registered here.
func (l *SelectorLoop) Run() {
	l.running.Store(true)
	defer close(l.done)
	for l.running.Load() {
		l.drainRegistrations()
		l.drainPendingWrites()
		l.drainTasks()

		timeout := l.nextTimeoutMS()
		_, err := l.poller.Wait(timeout, l.dispatch)
		if err != nil {
			l.log.Warnw("selector wait failed", "loop", l.id, "error", err)
		}
	}
	_ = l.poller.Close()
}

// Join blocks until Run has returned.
func (l *SelectorLoop) Join() { <-l.done }

func (l *SelectorLoop) nextTimeoutMS() int {
	if l.timer == nil {
		return 1000
	}
	d, ok := l.timer.NextDeadline()
	if !ok {
		return 1000
	}
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func (l *SelectorLoop) drainRegistrations() {
	l.regMu.Lock()
	regs := l.regs
	l.regs = nil
	l.regMu.Unlock()

	for _, r := range regs {
		l.conns[r.fd] = r.conn
		var err error
		if r.connect {
			err = l.poller.AddWrite(r.fd)
		} else {
			err = l.poller.Add(r.fd)
		}
		if err != nil {
			l.log.Warnw("register failed", "loop", l.id, "fd", r.fd, "error", err)
			delete(l.conns, r.fd)
		}
	}
}

func (l *SelectorLoop) drainPendingWrites() {
	l.writeMu.Lock()
	writes := l.writes
	l.writes = make(map[int]Conn)
	l.writeMu.Unlock()

	for fd, c := range writes {
		if c.HasPendingWrite() || c.CloseRequested() {
			if err := l.poller.AddWrite(fd); err != nil {
				l.log.Warnw("arm write failed", "loop", l.id, "fd", fd, "error", err)
			}
		}
	}
}

func (l *SelectorLoop) drainTasks() {
	l.taskMu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.taskMu.Unlock()

	for _, t := range tasks {
		t()
	}
}

func (l *SelectorLoop) dispatch(ev netpoll.Event) {
	c, ok := l.conns[ev.Fd]
	if !ok {
		return
	}
	// Reads before writes within one ready-key iteration (spec.md §4.2
	// "Tie-breaking").
	if ev.Readable {
		c.OnReadable(l.scratch)
	}
	if ev.Writable {
		if !c.OnWritable() {
			_ = l.poller.ModReadOnly(ev.Fd)
		}
	}
	if ev.ErrorFlag && !ev.Readable && !ev.Writable {
		c.OnReadable(l.scratch)
	}
}

// removeConn deregisters fd; called by a Conn's own close path, which always
// runs on this loop's goroutine.
func (l *SelectorLoop) removeConn(fd int) {
	delete(l.conns, fd)
	_ = l.poller.Remove(fd)
}

// RemoveConn is the loop-thread-only deregistration entry point exposed to
// package transport.
func (l *SelectorLoop) RemoveConn(fd int) { l.removeConn(fd) }
