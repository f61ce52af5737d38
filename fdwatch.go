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
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/netpoll"
)

type fdRefs struct {
	read, write int
}

func (r fdRefs) interest() (ev netpoll.IOEvent) {
	if r.read > 0 {
		ev |= netpoll.EventRead
	}
	if r.write > 0 {
		ev |= netpoll.EventWrite
	}
	return
}

// fdDriver feeds descriptor readiness observed by the netpoll poller into
// the engine. A descriptor is watched as long as some read or write knote of
// any queue is attached to it.
type fdDriver struct {
	e      *Engine
	poller *netpoll.Poller

	mu   sync.Mutex
	refs map[int]fdRefs

	done chan struct{}
	err  error
}

func openFDDriver(e *Engine) (*fdDriver, error) {
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	d := &fdDriver{e: e, poller: p, refs: make(map[int]fdRefs), done: make(chan struct{})}
	go d.run()
	return d, nil
}

func (d *fdDriver) run() {
	defer close(d.done)
	err := d.poller.Polling(d.dispatch)
	if !errors.Is(err, errorx.ErrEngineClosed) {
		d.e.log.Errorf("netpoll driver stopped: %v", err)
		d.err = err
	}
}

// dispatch runs on the polling goroutine.
func (d *fdDriver) dispatch(fd int, ev netpoll.IOEvent) error {
	src := FDSource(fd)
	if ev&netpoll.EventRead != 0 {
		// Listening sockets and the like are readable with no byte count.
		n, err := netpoll.Readable(fd)
		if (err != nil || n == 0) && probe(fd, unix.POLLIN)&unix.POLLIN != 0 {
			n = 1
		}
		d.e.Notify(src, Hint{Kind: HintReadable, Data: int64(n)})
	}
	if ev&netpoll.EventWrite != 0 {
		d.e.Notify(src, Hint{Kind: HintWritable})
	}
	if ev&(netpoll.EventHup|netpoll.EventErr) != 0 {
		var code uint32
		if ev&netpoll.EventErr != 0 {
			if soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil {
				code = uint32(soerr)
			}
		}
		d.e.Notify(src, Hint{Kind: HintEOF, Fflags: code})
	}
	return nil
}

func (d *fdDriver) watch(fd int, kind FilterKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.refs[fd]
	if kind == FilterRead {
		r.read++
	} else {
		r.write++
	}
	if err := d.poller.Control(fd, r.interest()); err != nil {
		return err
	}
	d.refs[fd] = r
	return nil
}

func (d *fdDriver) unwatch(fd int, kind FilterKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.refs[fd]
	if !ok {
		return nil
	}
	if kind == FilterRead && r.read > 0 {
		r.read--
	} else if kind == FilterWrite && r.write > 0 {
		r.write--
	}
	if r.read+r.write == 0 {
		delete(d.refs, fd)
	} else {
		d.refs[fd] = r
	}
	err := d.poller.Control(fd, r.interest())
	// The descriptor may have been closed before its knotes were deleted.
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		err = nil
	}
	return err
}

func (d *fdDriver) close() error {
	if err := d.poller.Shutdown(); err != nil {
		return err
	}
	<-d.done
	return d.poller.Close()
}
