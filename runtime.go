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

// Package nexus is the process-wide entry point: the Runtime singleton that
// owns the worker pool, the accept reactor, and the scheduled timer, plus
// the Service contract external collaborators implement (spec.md §4.1).
package nexus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nexusreactor/nexus/logging"
	"github.com/nexusreactor/nexus/reactor"
	"github.com/nexusreactor/nexus/transport"
)

// ErrAlreadyStarted is returned by Start when called on a running Runtime.
var ErrAlreadyStarted = errors.New("nexus: runtime already started")

// ErrNotStarted is returned by operations that require a running Runtime.
var ErrNotStarted = errors.New("nexus: runtime not started")

// Runtime is the process-wide singleton: array of worker loops, one accept
// loop (created lazily), one timer, a set of active endpoints, a started
// flag, the services list (spec.md §3 "Runtime").
type Runtime struct {
	mu sync.Mutex

	workerCount int
	clientOnly  bool
	loggingCfg  *logging.Config

	log *zap.SugaredLogger

	workers  []*reactor.SelectorLoop
	nextIdx  int
	timer    *reactor.ScheduledTimer
	accept   *reactor.AcceptLoop
	acceptUp bool

	services  []Service
	listeners map[int]*transport.Listener

	activeEndpoints map[int]struct{}

	started bool
	wg      sync.WaitGroup
}

// New constructs a Runtime. Most programs need only one; Default returns a
// process-wide instance for callers that do not need test isolation.
func New(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		listeners:       make(map[int]*transport.Listener),
		activeEndpoints: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
)

// Default returns the process-wide Runtime instance, constructing it on
// first use. Tests that need isolation should call New directly instead
// (spec.md §9 "Make the singleton testable by allowing an isolated instance
// to be created for tests without touching the global").
func Default() *Runtime {
	defaultOnce.Do(func() { defaultRT = New() })
	return defaultRT
}

// AddService registers a service to be initialized and run on Start. Safe
// to call before Start only.
func (rt *Runtime) AddService(svc Service) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.services = append(rt.services, svc)
}

// Start creates the timer and worker loops, runs every registered service's
// Init then Run hook, and schedules the auto-shutdown check (spec.md §4.1).
func (rt *Runtime) Start() error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}

	if rt.loggingCfg != nil {
		if err := logging.Init(*rt.loggingCfg); err != nil {
			rt.mu.Unlock()
			return fmt.Errorf("nexus: logging init: %w", err)
		}
	}
	rt.log = logging.L()

	start := time.Now()

	if rt.workerCount <= 0 {
		rt.workerCount = defaultWorkerCount(rt.clientOnly)
	}
	rt.timer = reactor.NewScheduledTimer(rt.log)
	rt.timer.Start()

	rt.workers = make([]*reactor.SelectorLoop, rt.workerCount)
	for i := 0; i < rt.workerCount; i++ {
		loop, err := reactor.NewSelectorLoop(i, rt.log)
		if err != nil {
			rt.mu.Unlock()
			return fmt.Errorf("nexus: create worker %d: %w", i, err)
		}
		loop.BindTimer(rt.timer)
		rt.workers[i] = loop
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			loop.Run()
		}()
	}
	rt.started = true
	services := append([]Service(nil), rt.services...)
	rt.mu.Unlock()

	for _, svc := range services {
		if err := svc.Init(rt); err != nil {
			rt.log.Errorw("service init failed", "service", svc.Name(), "error", err)
			continue
		}
		if err := svc.Run(rt); err != nil {
			rt.log.Errorw("service run failed", "service", svc.Name(), "error", err)
		}
	}

	rt.log.Infow("runtime started", "elapsed_ms", time.Since(start).Milliseconds(), "workers", rt.workerCount)

	go rt.checkAutoShutdown()
	return nil
}

// NextWorkerLoop returns workers round-robin; safe to call from any thread
// (spec.md §4.1 next_worker_loop).
func (rt *Runtime) NextWorkerLoop() *reactor.SelectorLoop {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.workers) == 0 {
		return nil
	}
	loop := rt.workers[rt.nextIdx%len(rt.workers)]
	rt.nextIdx++
	return loop
}

// AddListener registers a transport.Listener, lazily creating and starting
// the AcceptLoop on first use (spec.md §4.1 "if any listener requires
// accept multiplexing, create and start the AcceptLoop").
func (rt *Runtime) AddListener(l *transport.Listener) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.acceptUp {
		loop, err := reactor.NewAcceptLoop(rt.log)
		if err != nil {
			return fmt.Errorf("nexus: create accept loop: %w", err)
		}
		rt.accept = loop
		rt.acceptUp = true
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			loop.Run()
		}()
	}
	rt.listeners[l.Fd()] = l
	rt.accept.RegisterListener(l)
	return nil
}

// RemoveListener closes and deregisters a listener.
func (rt *Runtime) RemoveListener(l *transport.Listener) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.listeners, l.Fd())
	if rt.accept != nil {
		rt.accept.RemoveListener(l.Fd())
	}
	err := l.Close()
	go rt.checkAutoShutdown()
	return err
}

// ScheduleTimer schedules callback to run on loop after delay, returning a
// cancellation handle (spec.md §4.1 schedule_timer).
func (rt *Runtime) ScheduleTimer(loop *reactor.SelectorLoop, delay time.Duration, callback func()) *reactor.TimerHandle {
	return rt.timer.Schedule(loop, delay, callback)
}

// RegisterActiveEndpoint tracks fd as an active endpoint for auto-shutdown
// accounting.
func (rt *Runtime) RegisterActiveEndpoint(fd int) {
	rt.mu.Lock()
	rt.activeEndpoints[fd] = struct{}{}
	rt.mu.Unlock()
}

// UnregisterActiveEndpoint drops fd from the active set and re-checks
// auto-shutdown (spec.md §4.1 "checked after every endpoint
// deregistration").
func (rt *Runtime) UnregisterActiveEndpoint(fd int) {
	rt.mu.Lock()
	delete(rt.activeEndpoints, fd)
	rt.mu.Unlock()
	rt.checkAutoShutdown()
}

func (rt *Runtime) checkAutoShutdown() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	idle := len(rt.listeners) == 0 && len(rt.services) == 0 && len(rt.activeEndpoints) == 0
	rt.mu.Unlock()
	if idle {
		_ = rt.Shutdown()
	}
}

// Shutdown cancels accepting, stops workers after they drain their current
// wake-up, closes listening sockets, and cancels pending timers (spec.md
// §5). Idempotent.
func (rt *Runtime) Shutdown() error {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = false
	services := append([]Service(nil), rt.services...)
	listeners := make([]*transport.Listener, 0, len(rt.listeners))
	for _, l := range rt.listeners {
		listeners = append(listeners, l)
	}
	accept := rt.accept
	workers := rt.workers
	timer := rt.timer
	rt.mu.Unlock()

	var errs error
	for _, svc := range services {
		if err := svc.Shutdown(rt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("service %s: %w", svc.Name(), err))
		}
	}
	for _, l := range listeners {
		errs = multierr.Append(errs, l.Close())
	}
	if accept != nil {
		accept.Shutdown()
	}
	for _, w := range workers {
		w.Shutdown()
	}
	if timer != nil {
		timer.Shutdown()
	}
	if rt.log != nil {
		rt.log.Infow("runtime shutdown complete")
	}
	return errs
}

// Join blocks until every worker loop and the accept loop (if any) have
// returned from Run.
func (rt *Runtime) Join() {
	rt.mu.Lock()
	accept := rt.accept
	rt.mu.Unlock()
	if accept != nil {
		accept.Join()
	}
	rt.wg.Wait()
}
