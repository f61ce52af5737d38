// Copyright (c) 2024 The Kq Authors. All rights reserved.
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
	"encoding/binary"
	"os"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/logging"
)

// Poller watches descriptors with epoll.
type Poller struct {
	fd      int // epoll fd
	wfd     int // wake fd
	wfdBuf  []byte
	wakeSig atomic.Int32
	closing atomic.Bool

	mu       sync.Mutex
	interest map[int]IOEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = &Poller{fd: -1, wfd: -1, wfdBuf: make([]byte, 8), interest: make(map[int]IOEvent)}
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(poller.wfd)}
	if err = unix.EpollCtl(poller.fd, unix.EPOLL_CTL_ADD, poller.wfd, &ev); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("epoll_ctl add", err)
	}
	return
}

// Close releases the epoll and wake descriptors. Polling must have returned.
func (p *Poller) Close() error {
	var err error
	if p.wfd >= 0 {
		err = os.NewSyscallError("close", unix.Close(p.wfd))
	}
	if p.fd >= 0 {
		if cerr := os.NewSyscallError("close", unix.Close(p.fd)); err == nil {
			err = cerr
		}
	}
	return err
}

// eventfd counters are read and written in host byte order.
var wakeValue = binary.NativeEndian.AppendUint64(nil, 1)

// Shutdown makes Polling return errors.ErrEngineClosed.
func (p *Poller) Shutdown() error {
	p.closing.Store(true)
	return p.wake()
}

func (p *Poller) wake() (err error) {
	if p.wakeSig.CompareAndSwap(0, 1) {
		for _, err = unix.Write(p.wfd, wakeValue); err == unix.EINTR; _, err = unix.Write(p.wfd, wakeValue) {
		}
		if err == unix.EAGAIN {
			err = nil
		}
	}
	return os.NewSyscallError("write", err)
}

func toEpoll(interest IOEvent) uint32 {
	events := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if interest&EventRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if interest&EventWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func fromEpoll(events uint32) (ev IOEvent) {
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHup
	}
	if events&unix.EPOLLERR != 0 {
		ev |= EventErr
	}
	return
}

// Control sets the conditions fd is watched for, zero stops watching it.
//
// The kernel forgets a descriptor once it is closed while the interest map
// may not, so a number reused by a new descriptor is registered afresh.
func (p *Poller) Control(fd int, interest IOEvent) error {
	interest &= EventRead | EventWrite

	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.interest[fd]
	switch {
	case interest == 0 && !ok:
		return nil
	case interest == 0:
		delete(p.interest, fd)
		return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
	}
	ev := &unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	op, name := unix.EPOLL_CTL_ADD, "epoll_ctl add"
	if ok {
		op, name = unix.EPOLL_CTL_MOD, "epoll_ctl mod"
	}
	err := unix.EpollCtl(p.fd, op, fd, ev)
	switch {
	case err == unix.ENOENT && op == unix.EPOLL_CTL_MOD:
		op, name = unix.EPOLL_CTL_ADD, "epoll_ctl add"
		err = unix.EpollCtl(p.fd, op, fd, ev)
	case err == unix.EEXIST && op == unix.EPOLL_CTL_ADD:
		op, name = unix.EPOLL_CTL_MOD, "epoll_ctl mod"
		err = unix.EpollCtl(p.fd, op, fd, ev)
	}
	if err != nil {
		return os.NewSyscallError(name, err)
	}
	p.interest[fd] = interest
	return nil
}

// Polling blocks the current goroutine, waiting for descriptor events.
func (p *Poller) Polling(callback Callback) error {
	el := newEventList(InitPollEventsCap)
	for {
		n, err := unix.EpollWait(p.fd, el.events, -1)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			logging.Errorf("error occurs in epoll: %v", os.NewSyscallError("epoll_wait", err))
			return err
		}

		for i := 0; i < n; i++ {
			ev := &el.events[i]
			if fd := int(ev.Fd); fd != p.wfd {
				if err = callback(fd, fromEpoll(ev.Events)); err != nil {
					return err
				}
				continue
			}
			_, _ = unix.Read(p.wfd, p.wfdBuf)
			p.wakeSig.Store(0)
			if p.closing.Load() {
				return errorx.ErrEngineClosed
			}
		}

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 {
			el.shrink()
		}
	}
}

type eventList struct {
	size   int
	events []unix.EpollEvent
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.EpollEvent, size)}
}

func (el *eventList) expand() {
	if newSize := el.size << 1; newSize <= MaxPollEventsCap {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}

func (el *eventList) shrink() {
	if newSize := el.size >> 1; newSize >= MinPollEventsCap {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}
