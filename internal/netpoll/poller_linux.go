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

//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// epollPoller implements Poller on top of epoll(7), with an eventfd(2) used
// as the cross-thread wakeup primitive (the role gnet's netpoll.Trigger and
// a Java Selector's wakeup() play).
type epollPoller struct {
	epfd    int
	wakefd  int
	events  []unix.EpollEvent
	nfd     map[int]*regState
}

type regState struct {
	fd      int
	writing bool
}

// OpenPoller creates a new epoll instance.
func OpenPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK, 0)
	if errno != 0 {
		unix.Close(epfd)
		return nil, errno
	}
	p := &epollPoller{
		epfd:   epfd,
		wakefd: int(wakefd),
		events: make([]unix.EpollEvent, 128),
		nfd:    make(map[int]*regState),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakefd),
	}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) Add(fd int) error {
	st := &regState{fd: fd}
	p.nfd[fd] = st
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (p *epollPoller) AddWrite(fd int) error {
	st, already := p.nfd[fd]
	if !already {
		st = &regState{fd: fd}
		p.nfd[fd] = st
	}
	if st.writing {
		return nil
	}
	st.writing = true
	op := unix.EPOLL_CTL_MOD
	if !already {
		op = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(fd),
	})
}

func (p *epollPoller) ModReadOnly(fd int) error {
	st, ok := p.nfd[fd]
	if !ok || !st.writing {
		return nil
	}
	st.writing = false
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Remove(fd int) error {
	delete(p.nfd, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMS int, cb func(Event)) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		cb(Event{
			Fd:        fd,
			Readable:  ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable:  ev.Events&unix.EPOLLOUT != 0,
			ErrorFlag: ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return n, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakefd, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	var val uint64 = 1
	var buf [8]byte
	nativeEndianPutUint64(buf[:], val)
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

func (p *epollPoller) Close() error {
	if p.wakefd != 0 {
		unix.Close(p.wakefd)
	}
	return unix.Close(p.epfd)
}

func nativeEndianPutUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
