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

/*
Package netpoll is the descriptor driver of kq: a thin wrapper over the
operating system's readiness facility, epoll on Linux and kqueue on Darwin,
DragonFly and FreeBSD, which turns descriptor state changes into IOEvent
callbacks.

Interest is registered edge-triggered, so a callback reports a transition and
the consumer is expected to re-probe the descriptor for its level:

	poller, err := netpoll.OpenPoller()
	if err != nil {
		// handle error
	}
	defer poller.Close()

	if err := poller.Control(fd, netpoll.EventRead); err != nil {
		// handle error
	}

	go poller.Polling(func(fd int, ev netpoll.IOEvent) error {
		if ev&netpoll.EventRead != 0 {
			// fd became readable
		}
		return nil
	})

	// Later, from any goroutine:
	poller.Shutdown()

Polling returns errors.ErrEngineClosed once Shutdown has been called, and any
other error a callback returns.
*/
package netpoll

import "strings"

// IOEvent is a set of descriptor conditions.
type IOEvent uint32

const (
	// EventRead means the descriptor is readable.
	EventRead IOEvent = 1 << iota
	// EventWrite means the descriptor is writable.
	EventWrite
	// EventHup means the peer hung up or the stream reached its end.
	EventHup
	// EventErr means an error condition is pending on the descriptor.
	EventErr
)

func (ev IOEvent) String() string {
	if ev == 0 {
		return "NONE"
	}
	var parts []string
	for _, e := range []struct {
		ev   IOEvent
		name string
	}{{EventRead, "READ"}, {EventWrite, "WRITE"}, {EventHup, "HUP"}, {EventErr, "ERR"}} {
		if ev&e.ev != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 64
	// MaxPollEventsCap is the maximum limitation of events that the poller can process.
	MaxPollEventsCap = 512
	// MinPollEventsCap is the minimum limitation of events that the poller can process.
	MinPollEventsCap = 16
)

// Callback receives the conditions observed on fd.
type Callback func(fd int, ev IOEvent) error
