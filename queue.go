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
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/pool/bytebuffer"
)

type queueState uint8

const (
	stateOpen queueState = iota
	stateClosing
)

func (s queueState) String() string {
	if s == stateOpen {
		return "open"
	}
	return "closing"
}

// Queue is the unit callers register interests with and retrieve ready
// events from. All methods are safe for concurrent use.
type Queue struct {
	engine *Engine
	handle Handle

	mu    sync.Mutex // protects everything below
	state queueState
	reg   registry
	ready readyQueue
	wc    waitCoordinator
}

func newQueue(e *Engine, h Handle) *Queue {
	return &Queue{
		engine: e,
		handle: h,
		reg:    newRegistry(),
		ready:  newReadyQueue(),
		wc:     newWaitCoordinator(),
	}
}

// Handle returns the handle of q in its engine.
func (q *Queue) Handle() Handle {
	return q.handle
}

// Len returns the number of registered knotes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reg.len()
}

// Pending returns the number of knotes ready for retrieval.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.len()
}

func validate(ev *Event) error {
	if !ev.Filter.valid() {
		return fmt.Errorf("%w: filter %v", errorx.ErrInvalidArgument, ev.Filter)
	}
	if ev.Flags&statusFlags != 0 {
		return fmt.Errorf("%w: flags %v are set by the engine", errorx.ErrInvalidArgument, ev.Flags&statusFlags)
	}
	if ev.Flags&(FlagEnable|FlagDisable) == FlagEnable|FlagDisable {
		return fmt.Errorf("%w: ENABLE and DISABLE are exclusive", errorx.ErrInvalidArgument)
	}
	return nil
}

// Register applies the change ev to q.
//
// FlagDelete removes the knote keyed by (ev.Ident, ev.Filter) whatever the
// other flags. FlagAdd creates the knote, or updates it in place when the key
// is already registered: the filter touches it, ev's behaviour flags and
// Udata replace the previous ones and the knote is enabled unless
// FlagDisable is given. Without FlagAdd the key must exist.
//
// A knote whose source was revoked only awaits its error delivery: FlagAdd
// replaces it with a fresh knote, dropping the pending error, and any other
// change fails with ErrNotFound.
//
// A failed Register leaves q as it was.
func (q *Queue) Register(ev Event) error {
	if err := validate(&ev); err != nil {
		return err
	}

	x := q.engine.index
	x.mu.Lock()
	defer x.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateOpen {
		return errorx.ErrQueueClosed
	}

	entry := q.engine.filters.entry(ev.Filter)
	kn := q.reg.lookup(regKey{ev.Ident, ev.Filter})

	switch {
	case ev.Flags&FlagDelete != 0:
		if kn == nil {
			return fmt.Errorf("%w: %v/%d", errorx.ErrNotFound, ev.Filter, ev.Ident)
		}
		if err := q.dropLocked(kn); err != nil {
			q.engine.log.Warnf("queue %d: detach %v/%d: %v", q.handle, kn.Filter, kn.Ident, err)
		}
		x.unlink(kn.source, refOf(kn))
		q.reg.remove(kn)
		return nil
	case kn == nil:
		if ev.Flags&FlagAdd == 0 {
			return fmt.Errorf("%w: %v/%d", errorx.ErrNotFound, ev.Filter, ev.Ident)
		}
		return q.addLocked(&ev, entry, nil)
	case kn.status&statusRevoked != 0:
		if ev.Flags&FlagAdd == 0 {
			return fmt.Errorf("%w: %v/%d was revoked", errorx.ErrNotFound, ev.Filter, ev.Ident)
		}
		return q.addLocked(&ev, entry, kn)
	}

	if err := entry.ops.Touch(kn, &ev); err != nil {
		return err
	}
	if ev.Flags&FlagAdd != 0 {
		kn.Flags = kn.Flags&^behaviourFlags | ev.Flags&behaviourFlags | entry.implied
		kn.Udata = ev.Udata
	}
	switch {
	case ev.Flags&FlagDisable != 0:
		if kn.status&statusQueued != 0 {
			q.ready.remove(&q.reg, kn)
			kn.status |= statusLatched
		}
		kn.status |= statusDisabled
	case ev.Flags&(FlagAdd|FlagEnable) != 0:
		kn.status &^= statusDisabled
	}
	q.recheckLocked(kn, entry)
	return nil
}

// addLocked attaches a new knote for ev, taking the place of stale when it is
// not nil. stale must already be detached and unlinked.
func (q *Queue) addLocked(ev *Event, entry *filterEntry, stale *Knote) error {
	e := q.engine
	held := q.reg.len()
	if stale != nil {
		held--
	}
	if max := e.opts.MaxKnotes; max > 0 && held >= max {
		return fmt.Errorf("%w: queue %d holds %d knotes", errorx.ErrResourceExhausted, q.handle, max)
	}

	kn := &Knote{
		Ident:   ev.Ident,
		Filter:  ev.Filter,
		Flags:   ev.Flags&behaviourFlags | entry.implied,
		Udata:   ev.Udata,
		SFflags: ev.Fflags,
		SData:   ev.Data,
		owner:   q.handle,
		uid:     e.nextUID(),
	}
	kn.source = sourceOf(kn)
	if ev.Flags&FlagDisable != 0 {
		kn.status |= statusDisabled
	}
	if err := entry.ops.Attach(kn); err != nil {
		return err
	}
	if stale != nil {
		q.ready.remove(&q.reg, stale)
		q.reg.remove(stale)
	}
	q.reg.insert(kn)
	e.index.link(kn.source, refOf(kn))
	q.recheckLocked(kn, entry)
	return nil
}

// recheckLocked queues an enabled knote whose condition already holds.
func (q *Queue) recheckLocked(kn *Knote, entry *filterEntry) {
	if kn.status&(statusDisabled|statusQueued) != 0 {
		return
	}
	if kn.status&statusLatched != 0 || entry.ops.Test(kn, Hint{Kind: HintRecheck}) {
		q.activateLocked(kn)
	}
}

func (q *Queue) activateLocked(kn *Knote) {
	kn.status &^= statusLatched
	if kn.status&statusQueued != 0 {
		return
	}
	q.ready.push(&q.reg, kn)
	q.wc.wakeReady()
}

// hintLocked applies a source hint to kn and reports whether kn was queued.
func (q *Queue) hintLocked(kn *Knote, hint Hint) bool {
	entry := q.engine.filters.entry(kn.Filter)
	if kn.status&statusDisabled != 0 {
		if entry.policy == PolicyLatch && q.testLocked(kn, entry, hint) {
			kn.status |= statusLatched
		}
		return false
	}
	if !q.testLocked(kn, entry, hint) || kn.status&statusQueued != 0 {
		return false
	}
	q.activateLocked(kn)
	return true
}

// testLocked runs the filter test. An accepted exit leaves nothing to watch,
// so the knote goes away with its next delivery whatever its flags.
func (q *Queue) testLocked(kn *Knote, entry *filterEntry, hint Hint) bool {
	if !entry.ops.Test(kn, hint) {
		return false
	}
	if hint.Kind == HintExit {
		kn.status |= statusDoomed
	}
	return true
}

// revokeLocked detaches kn from its vanished source and queues it for a last
// delivery carrying FlagError. The caller unlinks it from the index.
func (q *Queue) revokeLocked(kn *Knote, code int64) {
	if err := q.dropLocked(kn); err != nil {
		q.engine.log.Debugf("queue %d: detach revoked %v/%d: %v", q.handle, kn.Filter, kn.Ident, err)
	}
	kn.Flags |= FlagError
	kn.Data = code
	kn.status |= statusDoomed | statusRevoked
	kn.status &^= statusDisabled
	q.activateLocked(kn)
}

// dropLocked detaches kn once and takes it off the ready queue; it stays in
// the registry.
func (q *Queue) dropLocked(kn *Knote) (err error) {
	q.ready.remove(&q.reg, kn)
	if kn.status&statusDetached == 0 {
		kn.status |= statusDetached
		err = q.engine.filters.entry(kn.Filter).ops.Detach(kn)
	}
	return
}

// drainLocked moves up to len(events) ready knotes into events in FIFO order
// and applies their post-delivery semantics. Knotes deleted by delivery are
// returned for the caller to detach and unlink once q is unlocked.
func (q *Queue) drainLocked(events []Event) (n int, reaped []*Knote) {
	var relevel []*Knote
	for n < len(events) {
		kn := q.ready.pop(&q.reg)
		if kn == nil {
			break
		}
		events[n] = kn.event()
		n++

		if kn.status&statusDoomed != 0 || kn.Flags&FlagOneshot != 0 {
			q.reg.remove(kn)
			reaped = append(reaped, kn)
			continue
		}
		if kn.Flags&FlagDispatch != 0 {
			kn.status |= statusDisabled
		}
		if kn.Flags&FlagClear != 0 {
			kn.clear()
			continue
		}
		relevel = append(relevel, kn)
	}
	// Level-triggered knotes go back behind this batch while they still hold.
	for _, kn := range relevel {
		q.recheckLocked(kn, q.engine.filters.entry(kn.Filter))
	}
	return
}

// reap detaches and unlinks knotes removed by delivery.
func (q *Queue) reap(kns []*Knote) {
	if len(kns) == 0 {
		return
	}
	x := q.engine.index
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, kn := range kns {
		if kn.status&statusDetached == 0 {
			kn.status |= statusDetached
			if err := q.engine.filters.entry(kn.Filter).ops.Detach(kn); err != nil {
				q.engine.log.Warnf("queue %d: detach %v/%d: %v", q.handle, kn.Filter, kn.Ident, err)
			}
		}
		x.unlink(kn.source, refOf(kn))
	}
}

// Interrupt wakes every goroutine blocked in Wait on q. Unless the engine was
// configured to restart interrupted waits, they return ErrInterrupted.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.wc.interrupt()
	q.mu.Unlock()
}

// Close detaches and deletes every knote of q, wakes blocked waiters with
// ErrQueueClosed and removes q from its engine. Detach failures are logged,
// they never abort the close.
func (q *Queue) Close() error {
	x := q.engine.index
	x.mu.Lock()
	q.mu.Lock()
	if q.state != stateOpen {
		q.mu.Unlock()
		x.mu.Unlock()
		return errorx.ErrQueueClosed
	}
	q.state = stateClosing

	var errs error
	q.reg.each(func(kn *Knote) {
		if err := q.dropLocked(kn); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%v/%d: %w", kn.Filter, kn.Ident, err))
		}
		x.unlink(kn.source, refOf(kn))
	})
	q.reg.reset()
	q.ready = newReadyQueue()
	q.wc.shutdown()
	q.mu.Unlock()
	x.mu.Unlock()

	q.engine.forget(q.handle)
	if errs != nil {
		q.engine.log.Warnf("queue %d closed, %d detach failures: %v", q.handle, len(multierr.Errors(errs)), errs)
	} else {
		q.engine.log.Debugf("queue %d closed", q.handle)
	}
	return nil
}

func isQueueClosed(err error) bool {
	return errors.Is(err, errorx.ErrQueueClosed)
}

// Dump renders the registry and the ready queue of q, knotes ordered by
// filter and ident, ready knotes in delivery order.
func (q *Queue) Dump() string {
	buf := bytebuffer.Get()
	defer bytebuffer.Put(buf)

	q.mu.Lock()
	defer q.mu.Unlock()

	_, _ = fmt.Fprintf(buf, "queue %d %v knotes=%d ready=%d\n", q.handle, q.state, q.reg.len(), q.ready.len())
	q.reg.each(func(kn *Knote) {
		_, _ = fmt.Fprintf(buf, "  %v/%d flags=%v fflags=%#x data=%d", kn.Filter, kn.Ident, kn.Flags, kn.Fflags, kn.Data)
		if kn.status&statusDisabled != 0 {
			_, _ = buf.WriteString(" disabled")
		}
		if kn.status&statusLatched != 0 {
			_, _ = buf.WriteString(" latched")
		}
		if kn.status&statusQueued != 0 {
			_, _ = buf.WriteString(" queued")
		}
		_ = buf.WriteByte('\n')
	})
	_, _ = buf.WriteString("  ready:")
	q.ready.each(&q.reg, func(kn *Knote) {
		_, _ = buf.WriteString(" " + kn.Filter.String() + "/" + strconv.FormatUint(kn.Ident, 10))
	})
	_ = buf.WriteByte('\n')
	return buf.String()
}
