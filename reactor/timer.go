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
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timerEntry is one scheduled (deadline, loop, callback) tuple.
type timerEntry struct {
	deadline time.Time
	loop     *SelectorLoop
	callback func()
	canceled bool
	index    int
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *timerQueue) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// TimerHandle cancels a scheduled callback. Cancellation is idempotent and
// safe even if the callback has already been enqueued onto its target loop
// (the enqueued closure checks the canceled flag before running).
type TimerHandle struct {
	entry *timerEntry
	timer *ScheduledTimer
}

// Cancel suppresses the callback if it has not yet fired.
func (h *TimerHandle) Cancel() {
	h.timer.mu.Lock()
	defer h.timer.mu.Unlock()
	h.entry.canceled = true
	if h.entry.index >= 0 {
		heap.Remove(&h.timer.queue, h.entry.index)
	}
}

// ScheduledTimer is the single background task scheduler: one goroutine
// owning a min-heap keyed by deadline. Callbacks never run on the timer's
// own goroutine — they are handed to the target endpoint's SelectorLoop via
// InvokeLater, per spec.md §4.6.
type ScheduledTimer struct {
	mu    sync.Mutex
	queue timerQueue
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	log   *zap.SugaredLogger
}

// NewScheduledTimer constructs a stopped timer; call Start to begin
// servicing it.
func NewScheduledTimer(log *zap.SugaredLogger) *ScheduledTimer {
	return &ScheduledTimer{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
}

// Start launches the timer's background goroutine.
func (t *ScheduledTimer) Start() {
	go t.run()
}

// Shutdown drains and terminates the timer goroutine.
func (t *ScheduledTimer) Shutdown() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

// Schedule arranges for callback to run on loop's own goroutine after
// delay. Returns a handle whose Cancel suppresses the callback.
func (t *ScheduledTimer) Schedule(loop *SelectorLoop, delay time.Duration, callback func()) *TimerHandle {
	e := &timerEntry{deadline: time.Now().Add(delay), loop: loop, callback: callback}
	t.mu.Lock()
	heap.Push(&t.queue, e)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return &TimerHandle{entry: e, timer: t}
}

// NextDeadline reports the time remaining until the earliest scheduled
// callback, if any.
func (t *ScheduledTimer) NextDeadline() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return 0, false
	}
	return time.Until(t.queue[0].deadline), true
}

func (t *ScheduledTimer) run() {
	defer close(t.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := t.armTimer(timer)
		select {
		case <-t.stop:
			return
		case <-t.wake:
			continue
		case <-wait:
			t.fireReady()
		}
	}
}

func (t *ScheduledTimer) armTimer(timer *time.Timer) <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if len(t.queue) == 0 {
		timer.Reset(time.Hour)
		return timer.C
	}
	d := time.Until(t.queue[0].deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
	return timer.C
}

func (t *ScheduledTimer) fireReady() {
	now := time.Now()
	for {
		t.mu.Lock()
		if len(t.queue) == 0 || t.queue[0].deadline.After(now) {
			t.mu.Unlock()
			return
		}
		e := heap.Pop(&t.queue).(*timerEntry)
		t.mu.Unlock()

		if e.canceled {
			continue
		}
		loop, cb := e.loop, e.callback
		loop.InvokeLater(func() {
			if !e.canceled {
				cb()
			}
		})
	}
}
