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

//go:build darwin || dragonfly || freebsd

package netpoll

import (
	"os"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/logging"
)

// Poller watches descriptors with kqueue.
type Poller struct {
	fd      int
	wakeSig atomic.Int32
	closing atomic.Bool

	mu       sync.Mutex
	interest map[int]IOEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = &Poller{interest: make(map[int]IOEvent)}
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
	}
	return
}

// Close releases the kqueue descriptor. Polling must have returned.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Shutdown makes Polling return errors.ErrEngineClosed.
func (p *Poller) Shutdown() error {
	p.closing.Store(true)
	return p.wake()
}

func (p *Poller) wake() (err error) {
	if p.wakeSig.CompareAndSwap(0, 1) {
		if _, err = unix.Kevent(p.fd, note, nil, nil); err == unix.EAGAIN {
			err = nil
		}
	}
	return os.NewSyscallError("kevent trigger", err)
}

func change(fd, filter int, flags int) unix.Kevent_t {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, filter, flags)
	return ev
}

// Control sets the conditions fd is watched for, zero stops watching it.
func (p *Poller) Control(fd int, interest IOEvent) error {
	interest &= EventRead | EventWrite

	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.interest[fd]
	var adds, dels []unix.Kevent_t
	for _, c := range []struct {
		ev     IOEvent
		filter int
	}{{EventRead, unix.EVFILT_READ}, {EventWrite, unix.EVFILT_WRITE}} {
		// EV_ADD on a registered filter only updates it, and re-adding
		// covers a closed descriptor whose number was reused.
		switch {
		case interest&c.ev != 0:
			adds = append(adds, change(fd, c.filter, unix.EV_ADD|unix.EV_CLEAR))
		case old&c.ev != 0:
			dels = append(dels, change(fd, c.filter, unix.EV_DELETE))
		}
	}
	if len(adds) > 0 {
		if _, err := unix.Kevent(p.fd, adds, nil, nil); err != nil {
			return os.NewSyscallError("kevent add", err)
		}
	}
	if len(dels) > 0 {
		// Closing a descriptor already deleted its filters.
		if _, err := unix.Kevent(p.fd, dels, nil, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return os.NewSyscallError("kevent delete", err)
		}
	}
	if interest == 0 {
		delete(p.interest, fd)
	} else {
		p.interest[fd] = interest
	}
	return nil
}

// Polling blocks the current goroutine, waiting for descriptor events.
func (p *Poller) Polling(callback Callback) error {
	el := newEventList(InitPollEventsCap)
	for {
		n, err := unix.Kevent(p.fd, nil, el.events, nil)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			logging.Errorf("error occurs in kqueue: %v", os.NewSyscallError("kevent wait", err))
			return err
		}

		for i := 0; i < n; i++ {
			ev := &el.events[i]
			if ev.Filter == unix.EVFILT_USER {
				p.wakeSig.Store(0)
				if p.closing.Load() {
					return errorx.ErrEngineClosed
				}
				continue
			}
			var io IOEvent
			switch ev.Filter {
			case unix.EVFILT_READ:
				io = EventRead
			case unix.EVFILT_WRITE:
				io = EventWrite
			}
			if ev.Flags&unix.EV_EOF != 0 {
				io |= EventHup
			}
			if ev.Flags&unix.EV_ERROR != 0 {
				io |= EventErr
			}
			if err = callback(int(ev.Ident), io); err != nil {
				return err
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
	events []unix.Kevent_t
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.Kevent_t, size)}
}

func (el *eventList) expand() {
	if newSize := el.size << 1; newSize <= MaxPollEventsCap {
		el.size = newSize
		el.events = make([]unix.Kevent_t, newSize)
	}
}

func (el *eventList) shrink() {
	if newSize := el.size >> 1; newSize >= MinPollEventsCap {
		el.size = newSize
		el.events = make([]unix.Kevent_t, newSize)
	}
}
