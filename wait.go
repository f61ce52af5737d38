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
	"context"
	"fmt"
	"time"

	errorx "github.com/kqcore/kq/pkg/errors"
)

// Forever makes Wait block until an event is ready, the queue is interrupted
// or closed, or the context is done.
const Forever time.Duration = -1

// waitCoordinator holds the broadcast channels waiters park on. It is guarded
// by the queue lock: a waiter captures the channels under the same lock that
// saw the ready queue empty, and activation closes them under that lock, so a
// wakeup cannot fall between the check and the park.
type waitCoordinator struct {
	ready  chan struct{}
	intr   chan struct{}
	closed chan struct{}
}

func newWaitCoordinator() waitCoordinator {
	return waitCoordinator{closed: make(chan struct{})}
}

// arm returns the channels to park on, allocating them lazily.
func (wc *waitCoordinator) arm() (ready, intr, closed <-chan struct{}) {
	if wc.ready == nil {
		wc.ready = make(chan struct{})
	}
	if wc.intr == nil {
		wc.intr = make(chan struct{})
	}
	return wc.ready, wc.intr, wc.closed
}

func (wc *waitCoordinator) wakeReady() {
	if wc.ready != nil {
		close(wc.ready)
		wc.ready = nil
	}
}

func (wc *waitCoordinator) interrupt() {
	if wc.intr != nil {
		close(wc.intr)
		wc.intr = nil
	}
}

func (wc *waitCoordinator) shutdown() {
	select {
	case <-wc.closed:
	default:
		close(wc.closed)
	}
}

// Wait retrieves up to len(events) ready events in activation order and
// returns how many it stored.
//
// Ready events are returned without blocking. Otherwise a zero timeout
// returns at once, a positive one returns whatever became ready by the
// deadline (possibly nothing, which is not an error) and Forever blocks until
// something is ready. A blocked Wait returns ErrInterrupted when ctx is done
// or the queue is interrupted, and ErrQueueClosed when the queue is closed.
func (q *Queue) Wait(ctx context.Context, events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("%w: empty event buffer", errorx.ErrInvalidArgument)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if q.state != stateOpen {
			q.mu.Unlock()
			return 0, errorx.ErrQueueClosed
		}
		n, reaped := q.drainLocked(events)
		if n > 0 || timeout == 0 {
			q.mu.Unlock()
			q.reap(reaped)
			return n, nil
		}
		ready, intr, closed := q.wc.arm()
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", errorx.ErrInterrupted, err)
		}

		select {
		case <-ready:
		case <-closed:
			return 0, errorx.ErrQueueClosed
		case <-intr:
			if !q.engine.opts.RestartOnInterrupt {
				return 0, errorx.ErrInterrupted
			}
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", errorx.ErrInterrupted, ctx.Err())
		case <-deadline:
			// Hand over whatever arrived right up to the deadline.
			timeout = 0
		}
	}
}
