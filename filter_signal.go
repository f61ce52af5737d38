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
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
)

// The signal filter counts deliveries of signal Ident to this process. Data
// of a delivered event is the count since the previous delivery; signal
// knotes are always FlagClear.
//
// While a signal is watched by any knote it is routed to the engine instead
// of its default disposition. Disabled signal knotes drop deliveries.

type signalFilter struct {
	e *Engine
}

func (f *signalFilter) Attach(kn *Knote) error {
	sig := unix.Signal(kn.Ident)
	if kn.Ident == 0 || kn.Ident > 64 || unix.SignalName(sig) == "" {
		return fmt.Errorf("%w: signal %d", errorx.ErrInvalidArgument, kn.Ident)
	}
	if sig == unix.SIGKILL || sig == unix.SIGSTOP {
		return fmt.Errorf("%w: signal %v cannot be caught", errorx.ErrInvalidArgument, sig)
	}
	f.e.signals.watch(sig)
	return nil
}

func (f *signalFilter) Detach(kn *Knote) error {
	f.e.signals.unwatch(unix.Signal(kn.Ident))
	return nil
}

func (f *signalFilter) Touch(kn *Knote, ev *Event) error {
	if ev.Flags&FlagAdd != 0 {
		kn.SFflags, kn.SData = ev.Fflags, ev.Data
	}
	return nil
}

func (f *signalFilter) Test(kn *Knote, hint Hint) bool {
	switch hint.Kind {
	case HintSignal:
		if hint.Data < 1 {
			hint.Data = 1
		}
		kn.Data += hint.Data
		return true
	case HintRecheck:
		return kn.Data > 0
	}
	return false
}

type signalWatch struct {
	refs int
	ch   chan os.Signal
	done chan struct{}
}

// signalHub relays process signals into the engine, one relay goroutine per
// watched signal. Deliveries are posted, not notified, as they arrive
// asynchronously with respect to everything else.
type signalHub struct {
	e       *Engine
	mu      sync.Mutex
	watches map[unix.Signal]*signalWatch
	wg      sync.WaitGroup
}

func newSignalHub(e *Engine) *signalHub {
	return &signalHub{e: e, watches: make(map[unix.Signal]*signalWatch)}
}

func (h *signalHub) watch(sig unix.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watches[sig]; ok {
		w.refs++
		return
	}
	w := &signalWatch{refs: 1, ch: make(chan os.Signal, 16), done: make(chan struct{})}
	h.watches[sig] = w
	signal.Notify(w.ch, sig)
	h.wg.Add(1)
	go h.relay(sig, w)
}

func (h *signalHub) relay(sig unix.Signal, w *signalWatch) {
	defer h.wg.Done()
	src := SignalSource(int(sig))
	for {
		select {
		case <-w.ch:
			if err := h.e.Post(src, Hint{Kind: HintSignal, Data: 1}); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (h *signalHub) unwatch(sig unix.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.watches[sig]
	if !ok {
		return
	}
	if w.refs--; w.refs > 0 {
		return
	}
	delete(h.watches, sig)
	signal.Stop(w.ch)
	close(w.done)
}

func (h *signalHub) stop() {
	h.mu.Lock()
	for sig, w := range h.watches {
		delete(h.watches, sig)
		signal.Stop(w.ch)
		close(w.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
