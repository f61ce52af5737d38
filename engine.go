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
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/kqcore/kq/internal/queue"
	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/logging"
	"github.com/kqcore/kq/pkg/pool/goroutine"
)

type posted struct {
	src  Source
	hint Hint
}

// Engine owns the queues it creates, the index of event sources shared by
// them and the built-in source drivers.
type Engine struct {
	opts    *Options
	log     logging.Logger
	filters filterTable
	index   *sourceIndex

	mu      sync.RWMutex // protects queues
	queues  map[Handle]*Queue
	handles atomic.Uint32
	uids    atomic.Uint64
	closed  atomic.Bool

	pool         *goroutine.Pool
	posts        *queue.LockFree[posted]
	drainPending atomic.Bool

	signals *signalHub
	procs   *procWatcher
	fds     *fdDriver
}

// New creates an engine.
func New(opts ...Option) (*Engine, error) {
	options := loadOptions(opts...)
	if options.MaxKnotes < 0 || options.WorkerPoolSize < 0 {
		return nil, fmt.Errorf("%w: negative limit", errorx.ErrInvalidArgument)
	}

	e := &Engine{
		opts:   options,
		log:    options.Logger,
		index:  newSourceIndex(),
		queues: make(map[Handle]*Queue),
		posts:  queue.New[posted](),
	}
	if e.log == nil {
		e.log = logging.GetDefaultLogger()
	}
	if options.WorkerPoolSize > 0 {
		e.pool = goroutine.New(options.WorkerPoolSize)
	} else {
		e.pool = goroutine.Default()
	}

	e.signals = newSignalHub(e)
	interval := options.ProcPollInterval
	if interval == 0 {
		interval = DefaultProcPollInterval
	}
	e.procs = newProcWatcher(e, interval)
	if options.Poller {
		d, err := openFDDriver(e)
		if err != nil {
			e.pool.Release()
			return nil, err
		}
		e.fds = d
	}

	e.filters[FilterRead] = filterEntry{ops: &readFilter{e}, policy: PolicyLatch}
	e.filters[FilterWrite] = filterEntry{ops: &writeFilter{e}, policy: PolicyLatch}
	e.filters[FilterTimer] = filterEntry{ops: &timerFilter{e}, policy: PolicyLatch, implied: FlagClear}
	e.filters[FilterSignal] = filterEntry{ops: &signalFilter{e}, policy: PolicyDrop, implied: FlagClear}
	e.filters[FilterProc] = filterEntry{ops: &procFilter{e}, policy: PolicyLatch, implied: FlagClear}
	e.filters[FilterUser] = filterEntry{ops: userFilter{}, policy: PolicyLatch}
	for kind, spec := range options.Filters {
		if !kind.valid() {
			_ = e.shutdownDrivers()
			return nil, fmt.Errorf("%w: filter kind %v", errorx.ErrInvalidArgument, kind)
		}
		if spec.Filter == nil {
			_ = e.shutdownDrivers()
			return nil, errorx.ErrNilFilter
		}
		e.filters[kind].ops, e.filters[kind].policy = spec.Filter, spec.Policy
	}
	return e, nil
}

// CreateQueue creates a queue and records it in the engine's handle table.
func (e *Engine) CreateQueue() (*Queue, error) {
	if e.closed.Load() {
		return nil, errorx.ErrEngineClosed
	}
	q := newQueue(e, Handle(e.handles.Inc()))

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil, errorx.ErrEngineClosed
	}
	e.queues[q.handle] = q
	e.mu.Unlock()

	e.log.Debugf("queue %d created", q.handle)
	return q, nil
}

// Queue looks up an open queue by handle.
func (e *Engine) Queue(h Handle) (*Queue, bool) {
	e.mu.RLock()
	q, ok := e.queues[h]
	e.mu.RUnlock()
	return q, ok
}

// Queues returns the number of open queues.
func (e *Engine) Queues() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queues)
}

func (e *Engine) forget(h Handle) {
	e.mu.Lock()
	delete(e.queues, h)
	e.mu.Unlock()
}

// Notify reports that src may have changed state. Every knote watching src,
// in any queue, is tested against hint; the ones that become ready are queued
// and their waiters woken. Notify never blocks on a waiter and returns the
// number of knotes it queued.
func (e *Engine) Notify(src Source, hint Hint) (n int) {
	e.index.mu.RLock()
	defer e.index.mu.RUnlock()

	for _, ref := range e.index.lookup(src) {
		q, ok := e.Queue(ref.queue)
		if !ok {
			continue
		}
		q.mu.Lock()
		if kn := q.reg.get(ref.slot, ref.gen); kn != nil && q.state == stateOpen {
			if q.hintLocked(kn, hint) {
				n++
			}
		}
		q.mu.Unlock()
	}
	return
}

// Post is the deferred form of Notify for sources that must not contend on
// queue locks, such as signal handlers. Hints are queued without locking and
// drained in order by a single task on the worker pool; while a drain is
// pending, further posts only enqueue.
func (e *Engine) Post(src Source, hint Hint) error {
	if e.closed.Load() {
		return errorx.ErrEngineClosed
	}
	e.posts.Enqueue(posted{src, hint})
	if e.drainPending.CompareAndSwap(false, true) {
		if err := e.pool.Submit(e.drain); err != nil {
			e.log.Debugf("drain posted hints inline: %v", err)
			e.drain()
		}
	}
	return nil
}

func (e *Engine) drain() {
	for {
		for p, ok := e.posts.Dequeue(); ok; p, ok = e.posts.Dequeue() {
			e.Notify(p.src, p.hint)
		}
		e.drainPending.Store(false)
		// A post may have enqueued after the last dequeue but lost the CAS.
		if e.posts.IsEmpty() || !e.drainPending.CompareAndSwap(false, true) {
			return
		}
	}
}

// Revoke tears down src: every knote watching it is detached, marked with
// FlagError and code in Data, delivered once even if disabled and then
// deleted. It returns the number of knotes revoked.
func (e *Engine) Revoke(src Source, code int64) (n int) {
	e.index.mu.Lock()
	defer e.index.mu.Unlock()

	refs := append([]knoteRef(nil), e.index.lookup(src)...)
	for _, ref := range refs {
		e.index.unlink(src, ref)
		q, ok := e.Queue(ref.queue)
		if !ok {
			continue
		}
		q.mu.Lock()
		if kn := q.reg.get(ref.slot, ref.gen); kn != nil && q.state == stateOpen {
			q.revokeLocked(kn, code)
			n++
		}
		q.mu.Unlock()
	}
	if n > 0 {
		e.log.Debugf("revoked %d knotes of %v, code %d", n, src, code)
	}
	return
}

// Close closes every queue, waking their waiters with ErrQueueClosed, and
// stops the source drivers.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errorx.ErrEngineInShutdown
	}

	e.mu.RLock()
	queues := make([]*Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	var err error
	for _, q := range queues {
		if cerr := q.Close(); cerr != nil && !isQueueClosed(cerr) {
			err = multierr.Append(err, cerr)
		}
	}
	err = multierr.Append(err, e.shutdownDrivers())
	logging.Cleanup()
	return err
}

func (e *Engine) shutdownDrivers() (err error) {
	e.signals.stop()
	e.procs.stop()
	if e.fds != nil {
		err = e.fds.close()
	}
	e.pool.Release()
	return
}

func (e *Engine) nextUID() uint64 {
	return e.uids.Inc()
}
