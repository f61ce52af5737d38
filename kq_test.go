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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/logging"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestQueue(t *testing.T, opts ...Option) (*Engine, *Queue) {
	t.Helper()
	e := newTestEngine(t, opts...)
	q, err := e.CreateQueue()
	require.NoError(t, err)
	return e, q
}

type testPipe struct {
	r, w   int
	closed [2]bool
}

func newPipe(t *testing.T) *testPipe {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	p := &testPipe{r: fds[0], w: fds[1]}
	t.Cleanup(func() {
		p.closeRead()
		p.closeWrite()
	})
	return p
}

func (p *testPipe) closeRead() {
	if !p.closed[0] {
		p.closed[0] = true
		_ = unix.Close(p.r)
	}
}

func (p *testPipe) closeWrite() {
	if !p.closed[1] {
		p.closed[1] = true
		_ = unix.Close(p.w)
	}
}

func (p *testPipe) write(t *testing.T, b []byte) {
	t.Helper()
	n, err := unix.Write(p.w, b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
}

func poll(t *testing.T, q *Queue, max int) []Event {
	t.Helper()
	events := make([]Event, max)
	n, err := q.Wait(context.Background(), events, 0)
	require.NoError(t, err)
	return events[:n]
}

func trigger(e *Engine, q *Queue, id uint64) int {
	return e.Notify(UserSource(q.Handle(), id), Hint{Kind: HintTrigger})
}

func TestReadReadinessScenario(t *testing.T) {
	e, q := newTestQueue(t)
	p := newPipe(t)

	require.NoError(t, q.Register(Event{Ident: uint64(p.r), Filter: FilterRead, Flags: FlagAdd, Udata: "reader"}))
	assert.Zero(t, q.Pending(), "empty pipe must not be ready")

	p.write(t, make([]byte, 10))
	assert.Equal(t, 1, e.Notify(FDSource(p.r), Hint{Kind: HintReadable, Data: 10}))

	events := make([]Event, 1)
	n, err := q.Wait(context.Background(), events, Forever)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.EqualValues(t, p.r, events[0].Ident)
	assert.Equal(t, FilterRead, events[0].Filter)
	assert.EqualValues(t, 10, events[0].Data)
	assert.Equal(t, "reader", events[0].Udata)

	require.NoError(t, q.Register(Event{Ident: uint64(p.r), Filter: FilterRead, Flags: FlagAdd | FlagOneshot, Udata: "reader"}))
	assert.Equal(t, 1, q.Len(), "re-registration must update in place")

	n, err = q.Wait(context.Background(), events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Flags&FlagOneshot)
	assert.Zero(t, q.Len(), "one-shot knote must be gone after delivery")
	assert.Zero(t, e.Notify(FDSource(p.r), Hint{Kind: HintReadable, Data: 10}))
}

func TestRegisterIdempotence(t *testing.T) {
	_, q := newTestQueue(t)

	require.NoError(t, q.Register(Event{Ident: 7, Filter: FilterUser, Flags: FlagAdd, Udata: 1}))
	require.NoError(t, q.Register(Event{Ident: 7, Filter: FilterUser, Flags: FlagAdd | FlagClear | FlagDispatch, Udata: 2}))
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Register(Event{Ident: 7, Filter: FilterUser, Fflags: NoteTrigger}))
	events := poll(t, q, 4)
	require.Len(t, events, 1)
	assert.Equal(t, FlagClear|FlagDispatch, events[0].Flags)
	assert.Equal(t, 2, events[0].Udata)
}

func TestFIFOAmongReadyEvents(t *testing.T) {
	e, q := newTestQueue(t)
	for _, id := range []uint64{3, 1, 2} {
		require.NoError(t, q.Register(Event{Ident: id, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	}
	for _, id := range []uint64{2, 3, 1} {
		require.Equal(t, 1, trigger(e, q, id))
	}
	// Triggering an already queued knote does not move it.
	require.Zero(t, trigger(e, q, 2))

	events := poll(t, q, 10)
	require.Len(t, events, 3)
	assert.EqualValues(t, 2, events[0].Ident)
	assert.EqualValues(t, 3, events[1].Ident)
	assert.EqualValues(t, 1, events[2].Ident)
}

func TestBatchSmallerThanReadyQueue(t *testing.T) {
	e, q := newTestQueue(t)
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, q.Register(Event{Ident: id, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
		trigger(e, q, id)
	}
	first := poll(t, q, 2)
	require.Len(t, first, 2)
	assert.EqualValues(t, 1, first[0].Ident)
	assert.EqualValues(t, 2, first[1].Ident)
	assert.Equal(t, 3, q.Pending())

	rest := poll(t, q, 10)
	require.Len(t, rest, 3)
	assert.EqualValues(t, 3, rest[0].Ident)
}

func TestOneshotDeletion(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagOneshot}))
	require.Equal(t, 1, trigger(e, q, 1))
	require.Len(t, poll(t, q, 1), 1)

	assert.Zero(t, trigger(e, q, 1))
	assert.Zero(t, q.Len())
	assert.Zero(t, e.index.watchers(UserSource(q.Handle(), 1)))
	assert.ErrorIs(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagDelete}), errorx.ErrNotFound)
	assert.ErrorIs(t, q.Register(Event{Ident: 1, Filter: FilterUser, Fflags: NoteTrigger}), errorx.ErrNotFound)
}

func TestClearIsEdgeTriggered(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	require.NoError(t, q.Register(Event{Ident: 2, Filter: FilterUser, Flags: FlagAdd}))
	trigger(e, q, 1)
	trigger(e, q, 2)

	events := poll(t, q, 4)
	require.Len(t, events, 2, "a batch delivers each knote once")

	events = poll(t, q, 4)
	require.Len(t, events, 1, "only the level-triggered knote is ready again")
	assert.EqualValues(t, 2, events[0].Ident)

	trigger(e, q, 1)
	events = poll(t, q, 4)
	require.Len(t, events, 2)
	assert.EqualValues(t, 2, events[0].Ident)
	assert.EqualValues(t, 1, events[1].Ident)
}

func TestClearDescriptorStaysQuietUntilNextHint(t *testing.T) {
	e, q := newTestQueue(t)
	p := newPipe(t)
	p.write(t, []byte("hello"))

	require.NoError(t, q.Register(Event{Ident: uint64(p.r), Filter: FilterRead, Flags: FlagAdd | FlagClear}))
	events := poll(t, q, 1)
	require.Len(t, events, 1, "attach must see the buffered bytes")
	assert.EqualValues(t, 5, events[0].Data)

	assert.Empty(t, poll(t, q, 1), "the bytes are still buffered but the edge was consumed")

	p.write(t, []byte("!"))
	require.Equal(t, 1, e.Notify(FDSource(p.r), Hint{Kind: HintReadable, Data: 6}))
	events = poll(t, q, 1)
	require.Len(t, events, 1)
	assert.EqualValues(t, 6, events[0].Data)
}

func TestLevelDescriptorFollowsBufferedBytes(t *testing.T) {
	_, q := newTestQueue(t)
	p := newPipe(t)
	p.write(t, []byte("abc"))

	require.NoError(t, q.Register(Event{Ident: uint64(p.r), Filter: FilterRead, Flags: FlagAdd}))
	require.Len(t, poll(t, q, 1), 1)
	events := poll(t, q, 1)
	require.Len(t, events, 1, "level-triggered knote stays ready while bytes are buffered")
	assert.EqualValues(t, 3, events[0].Data)

	buf := make([]byte, 8)
	_, err := unix.Read(p.r, buf)
	require.NoError(t, err)
	// Delivery re-probed the descriptor before the read, so one stale event remains.
	poll(t, q, 1)
	assert.Empty(t, poll(t, q, 1))

	p.closeWrite()
	require.NoError(t, q.Register(Event{Ident: uint64(p.r), Filter: FilterRead, Flags: FlagEnable}))
	events = poll(t, q, 1)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Flags&FlagEOF)
}

func TestDisabledSuppressesDelivery(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear | FlagDisable}))

	assert.Zero(t, trigger(e, q, 1))
	assert.Zero(t, q.Pending())
	assert.Contains(t, q.Dump(), "disabled latched")

	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagEnable}))
	assert.Equal(t, 1, q.Pending())
	assert.Len(t, poll(t, q, 1), 1)
}

func TestDisableRemovesQueuedKnote(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	trigger(e, q, 1)
	require.Equal(t, 1, q.Pending())

	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagDisable}))
	assert.Zero(t, q.Pending())
	assert.Empty(t, poll(t, q, 1))

	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagEnable}))
	assert.Len(t, poll(t, q, 1), 1)
}

func TestDispatchDisablesAfterDelivery(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagDispatch}))
	trigger(e, q, 1)

	require.Len(t, poll(t, q, 1), 1)
	assert.Empty(t, poll(t, q, 1), "dispatched knote is disabled")
	assert.Zero(t, trigger(e, q, 1))
	assert.Equal(t, 1, q.Len(), "dispatch must not delete")

	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagEnable}))
	assert.Len(t, poll(t, q, 1), 1)
}

func TestDeleteRemovesFromReadyQueue(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	require.NoError(t, q.Register(Event{Ident: 2, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	trigger(e, q, 1)
	trigger(e, q, 2)

	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagDelete | FlagAdd}))
	assert.Equal(t, 1, q.Len())
	events := poll(t, q, 4)
	require.Len(t, events, 1)
	assert.EqualValues(t, 2, events[0].Ident)

	assert.ErrorIs(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagDelete}), errorx.ErrNotFound)
}

func TestRegisterInvalidArguments(t *testing.T) {
	_, q := newTestQueue(t)
	for name, ev := range map[string]Event{
		"no filter":       {Ident: 1, Flags: FlagAdd},
		"unknown filter":  {Ident: 1, Filter: filterMax, Flags: FlagAdd},
		"enable+disable":  {Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagEnable | FlagDisable},
		"status flags":    {Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagEOF},
		"huge descriptor": {Ident: 1 << 40, Filter: FilterRead, Flags: FlagAdd},
		"negative timer":  {Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: -1},
		"timer units":     {Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: 1, Fflags: NoteSeconds | NoteNSeconds},
		"zero period":     {Ident: 1, Filter: FilterTimer, Flags: FlagAdd},
		"signal zero":     {Ident: 0, Filter: FilterSignal, Flags: FlagAdd},
		"signal kill":     {Ident: uint64(unix.SIGKILL), Filter: FilterSignal, Flags: FlagAdd},
		"pid zero":        {Ident: 0, Filter: FilterProc, Flags: FlagAdd},
		"user fflags":     {Ident: 1, Filter: FilterUser, Flags: FlagAdd, Fflags: 0x02000000},
	} {
		assert.ErrorIsf(t, q.Register(ev), errorx.ErrInvalidArgument, "case %q", name)
	}
	assert.Zero(t, q.Len(), "failed registrations must leave no knote behind")

	_, err := q.Wait(context.Background(), nil, 0)
	assert.ErrorIs(t, err, errorx.ErrInvalidArgument)
}

func TestRegisterMissingSource(t *testing.T) {
	_, q := newTestQueue(t)
	assert.ErrorIs(t, q.Register(Event{Ident: 1 << 20, Filter: FilterRead, Flags: FlagAdd}), errorx.ErrNotFound)
	assert.ErrorIs(t, q.Register(Event{Ident: 1<<31 - 2, Filter: FilterProc, Flags: FlagAdd}), errorx.ErrNotFound)
	assert.ErrorIs(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagEnable}), errorx.ErrNotFound)
	assert.Zero(t, q.Len())
}

func TestTouchFailureKeepsPriorState(t *testing.T) {
	_, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: 10000, Udata: "a"}))
	before := q.Dump()

	err := q.Register(Event{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagDispatch, Data: -5, Udata: "b"})
	assert.ErrorIs(t, err, errorx.ErrInvalidArgument)
	assert.Equal(t, before, q.Dump())
}

func TestResourceExhausted(t *testing.T) {
	_, q := newTestQueue(t, WithMaxKnotes(2))
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd}))
	require.NoError(t, q.Register(Event{Ident: 2, Filter: FilterUser, Flags: FlagAdd}))
	assert.ErrorIs(t, q.Register(Event{Ident: 3, Filter: FilterUser, Flags: FlagAdd}), errorx.ErrResourceExhausted)
	assert.Equal(t, 2, q.Len())

	// Updates of existing keys are not allocations.
	assert.NoError(t, q.Register(Event{Ident: 2, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
}

func TestWaitTimeoutIsEmptySuccess(t *testing.T) {
	_, q := newTestQueue(t)
	events := make([]Event, 4)

	start := time.Now()
	n, err := q.Wait(context.Background(), events, 100*time.Millisecond)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	n, err = q.Wait(context.Background(), events, 0)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestWaitWakesOnActivation(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		trigger(e, q, 1)
	}()
	events := make([]Event, 4)
	n, err := q.Wait(context.Background(), events, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoLostWakeup(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))

	const rounds = 500
	for i := 0; i < rounds; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		result := make(chan int, 1)
		go func() {
			defer wg.Done()
			events := make([]Event, 4)
			n, err := q.Wait(context.Background(), events, 5*time.Second)
			assert.NoError(t, err)
			result <- n
		}()
		go func() {
			defer wg.Done()
			trigger(e, q, 1)
		}()
		wg.Wait()
		require.Equalf(t, 1, <-result, "round %d lost the wakeup", i)
		require.Emptyf(t, poll(t, q, 4), "round %d delivered twice", i)
	}
}

func TestConcurrentWaitersShareEvents(t *testing.T) {
	e, q := newTestQueue(t)
	const knotes = 64
	for id := uint64(1); id <= knotes; id++ {
		require.NoError(t, q.Register(Event{Ident: id, Filter: FilterUser, Flags: FlagAdd | FlagOneshot}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	deadline := time.Now().Add(5 * time.Second)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := make([]Event, 3)
			for time.Now().Before(deadline) {
				mu.Lock()
				total := len(seen)
				mu.Unlock()
				if total == knotes {
					return
				}
				n, err := q.Wait(context.Background(), events, 50*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				for _, ev := range events[:n] {
					seen[ev.Ident]++
				}
				mu.Unlock()
			}
		}()
	}
	for id := uint64(1); id <= knotes; id++ {
		go trigger(e, q, id)
	}
	wg.Wait()

	assert.Len(t, seen, knotes)
	for id, c := range seen {
		assert.Equalf(t, 1, c, "knote %d delivered %d times", id, c)
	}
	assert.Zero(t, q.Len())
}

func TestCloseWakesBlockedWaiter(t *testing.T) {
	_, q := newTestQueue(t)
	done := make(chan error, 1)
	go func() {
		_, err := q.Wait(context.Background(), make([]Event, 1), Forever)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errorx.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked waiter was not woken by close")
	}

	assert.ErrorIs(t, q.Close(), errorx.ErrQueueClosed)
	assert.ErrorIs(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd}), errorx.ErrQueueClosed)
	_, err := q.Wait(context.Background(), make([]Event, 1), 0)
	assert.ErrorIs(t, err, errorx.ErrQueueClosed)
}

func TestInterrupt(t *testing.T) {
	_, q := newTestQueue(t)
	done := make(chan error, 1)
	go func() {
		_, err := q.Wait(context.Background(), make([]Event, 1), Forever)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	q.Interrupt()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errorx.ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not wake the waiter")
	}
}

func TestInterruptWithRestart(t *testing.T) {
	e, q := newTestQueue(t, WithRestartOnInterrupt(true))
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := q.Wait(context.Background(), make([]Event, 1), Forever)
		done <- result{n, err}
	}()
	time.Sleep(50 * time.Millisecond)
	q.Interrupt()

	select {
	case r := <-done:
		t.Fatalf("waiter returned on interrupt: %d, %v", r.n, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	trigger(e, q, 1)
	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Equal(t, 1, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("restarted waiter missed the event")
	}
}

func TestContextCancellation(t *testing.T) {
	_, q := newTestQueue(t, WithRestartOnInterrupt(true))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Wait(ctx, make([]Event, 1), Forever)
	assert.ErrorIs(t, err, errorx.ErrInterrupted)
}

func TestDumpIsDeterministic(t *testing.T) {
	e, q := newTestQueue(t)
	require.NoError(t, q.Register(Event{Ident: 2, Filter: FilterUser, Flags: FlagAdd | FlagClear | FlagDisable}))
	require.NoError(t, q.Register(Event{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))
	trigger(e, q, 1)

	assert.Equal(t,
		"queue 1 open knotes=2 ready=1\n"+
			"  USER/1 flags=CLEAR fflags=0x0 data=0 queued\n"+
			"  USER/2 flags=CLEAR fflags=0x0 data=0 disabled\n"+
			"  ready: USER/1\n",
		q.Dump())
}
