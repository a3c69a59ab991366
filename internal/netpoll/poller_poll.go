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

//go:build !linux && unix

package netpoll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollPoller is a poll(2)-based fallback Poller for unix platforms other
// than Linux. It trades epoll's O(1) readiness reporting for O(n) fd-list
// scans, acceptable for the worker counts this reactor targets.
type pollPoller struct {
	mu      sync.Mutex
	fds     []int
	writing map[int]bool
	wr, ww  int // wake pipe
}

func OpenPoller() (Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return &pollPoller{writing: make(map[int]bool), wr: fds[0], ww: fds[1]}, nil
}

func (p *pollPoller) Add(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds = append(p.fds, fd)
	return nil
}

func (p *pollPoller) AddWrite(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, f := range p.fds {
		if f == fd {
			found = true
			break
		}
	}
	if !found {
		p.fds = append(p.fds, fd)
	}
	p.writing[fd] = true
	return nil
}

func (p *pollPoller) ModReadOnly(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writing, fd)
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.fds {
		if f == fd {
			p.fds = append(p.fds[:i], p.fds[i+1:]...)
			break
		}
	}
	delete(p.writing, fd)
	return nil
}

func (p *pollPoller) Wait(timeoutMS int, cb func(Event)) (int, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.fds)+1)
	fds = append(fds, unix.PollFd{Fd: int32(p.wr), Events: unix.POLLIN})
	for _, fd := range p.fds {
		ev := int16(unix.POLLIN)
		if p.writing[fd] {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	p.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	ready := 0
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.wr {
			p.drainWake()
			continue
		}
		ready++
		cb(Event{
			Fd:        int(pfd.Fd),
			Readable:  pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable:  pfd.Revents&unix.POLLOUT != 0,
			ErrorFlag: pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0,
		})
	}
	_ = n
	return ready, nil
}

func (p *pollPoller) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wr, buf[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) Wake() error {
	_, err := unix.Write(p.ww, []byte{1})
	return err
}

func (p *pollPoller) Close() error {
	unix.Close(p.wr)
	unix.Close(p.ww)
	return nil
}
