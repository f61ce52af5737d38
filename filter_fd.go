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

package kq

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/netpoll"
)

// Read and write filters watch a descriptor. Data of a delivered read event
// is the number of bytes readable, of a write event the free space last
// hinted by the source. With NoteLowat the registered Data is a low-water
// mark below which the knote stays idle.
//
// Both latch while disabled: Data keeps tracking the hints, so enabling the
// knote delivers the current level. Without FlagClear a delivered knote is
// re-probed with poll(2) and stays ready as long as the descriptor does.

func fdAttach(e *Engine, kn *Knote, interest FilterKind) error {
	if kn.Ident > math.MaxInt32 {
		return fmt.Errorf("%w: descriptor %d", errorx.ErrInvalidArgument, kn.Ident)
	}
	if kn.SFflags&^NoteLowat != 0 || kn.SData < 0 {
		return fmt.Errorf("%w: fflags %#x data %d", errorx.ErrInvalidArgument, kn.SFflags, kn.SData)
	}
	fd := int(kn.Ident)
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		if err == unix.EBADF {
			return fmt.Errorf("%w: descriptor %d", errorx.ErrNotFound, fd)
		}
		return os.NewSyscallError("fcntl", err)
	}
	if e.fds != nil {
		return e.fds.watch(fd, interest)
	}
	return nil
}

func fdDetach(e *Engine, kn *Knote, interest FilterKind) error {
	if e.fds != nil {
		return e.fds.unwatch(int(kn.Ident), interest)
	}
	return nil
}

func fdTouch(kn *Knote, ev *Event) error {
	if ev.Flags&FlagAdd == 0 {
		return nil
	}
	if ev.Fflags&^NoteLowat != 0 || ev.Data < 0 {
		return fmt.Errorf("%w: fflags %#x data %d", errorx.ErrInvalidArgument, ev.Fflags, ev.Data)
	}
	kn.SFflags, kn.SData = ev.Fflags, ev.Data
	return nil
}

func lowat(kn *Knote) int64 {
	if kn.SFflags&NoteLowat != 0 && kn.SData > 0 {
		return kn.SData
	}
	return 1
}

// probe polls the descriptor without blocking.
func probe(fd int, events int16) int16 {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return 0
		}
		return fds[0].Revents
	}
}

type readFilter struct {
	e *Engine
}

func (f *readFilter) Attach(kn *Knote) error {
	return fdAttach(f.e, kn, FilterRead)
}

func (f *readFilter) Detach(kn *Knote) error {
	return fdDetach(f.e, kn, FilterRead)
}

func (f *readFilter) Touch(kn *Knote, ev *Event) error {
	return fdTouch(kn, ev)
}

func (f *readFilter) Test(kn *Knote, hint Hint) bool {
	switch hint.Kind {
	case HintReadable:
		kn.Data = hint.Data
	case HintEOF:
		kn.Flags |= FlagEOF
		kn.Fflags = hint.Fflags
		return true
	case HintRecheck:
		revents := probe(int(kn.Ident), unix.POLLIN)
		if revents&unix.POLLNVAL != 0 {
			return false
		}
		if revents&unix.POLLHUP != 0 {
			kn.Flags |= FlagEOF
		} else {
			kn.Flags &^= FlagEOF
		}
		if revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			kn.Data = 0
			return false
		}
		if n, err := netpoll.Readable(int(kn.Ident)); err == nil {
			kn.Data = int64(n)
		}
		// Listening sockets are readable with nothing buffered.
		if kn.Data == 0 && revents&unix.POLLIN != 0 {
			kn.Data = 1
		}
		if kn.Flags&FlagEOF != 0 {
			return true
		}
	default:
		return false
	}
	return kn.Data >= lowat(kn)
}

type writeFilter struct {
	e *Engine
}

func (f *writeFilter) Attach(kn *Knote) error {
	return fdAttach(f.e, kn, FilterWrite)
}

func (f *writeFilter) Detach(kn *Knote) error {
	return fdDetach(f.e, kn, FilterWrite)
}

func (f *writeFilter) Touch(kn *Knote, ev *Event) error {
	return fdTouch(kn, ev)
}

func (f *writeFilter) Test(kn *Knote, hint Hint) bool {
	switch hint.Kind {
	case HintWritable:
		kn.Data = hint.Data
		return kn.SFflags&NoteLowat == 0 || kn.Data >= lowat(kn)
	case HintEOF:
		kn.Flags |= FlagEOF
		kn.Fflags = hint.Fflags
		return true
	case HintRecheck:
		revents := probe(int(kn.Ident), unix.POLLOUT)
		if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			kn.Flags |= FlagEOF
			return true
		}
		return revents&unix.POLLOUT != 0
	}
	return false
}
